package vis

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// RegisterSource attaches a producer to a signal path. A goroutine ranges the
// source and applies every value as an update, fanning it out to the path's
// subscriptions; values that fail to marshal are logged and skipped.
//
// The returned stop function detaches the producer: no further values are
// applied after it returns. It takes effect at the source's next value, so
// sources that block on external input should also end their sequence through
// their own shutdown. Stopping twice is harmless; Close stops every remaining
// source.
func (s *Service) RegisterSource(path string, source Source) (func(), error) {
	s.sourcesMu.Lock()
	if s.closed {
		s.sourcesMu.Unlock()
		return nil, errors.New("service is closed")
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
		})
	}
	s.sourceStops = append(s.sourceStops, stop)
	s.sourcesWG.Add(1)
	s.sourcesMu.Unlock()

	go func() {
		defer s.sourcesWG.Done()
		for value := range source {
			select {
			case <-done:
				return
			default:
			}

			raw, err := json.Marshal(value)
			if err != nil {
				s.logger.Warn("failed to marshal source value",
					slog.String("path", path),
					slog.String("err", err.Error()),
				)
				continue
			}
			if serr := s.updateRaw(path, raw); serr != nil {
				s.logger.Warn("failed to apply source value",
					slog.String("path", path),
					slog.String("err", serr.Error()),
				)
			}
		}
	}()

	return stop, nil
}
