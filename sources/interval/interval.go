// Package interval provides timer-driven signal producers: sources that emit
// a value on a fixed period for as long as they are consumed.
package interval

import (
	"time"

	vis "github.com/mercedes-benz/vehicle-information-service"
)

// New returns a source that calls fn once per period and emits its result.
// The first value is emitted after the first period elapses, and fn runs on
// the consuming goroutine.
func New(period time.Duration, fn func() any) vis.Source {
	return func(yield func(any) bool) {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for range ticker.C {
			if !yield(fn()) {
				return
			}
		}
	}
}

// Counter returns a source that counts up from zero, emitting once per
// period. It mirrors the classic demo producer on Private.Example.Interval.
func Counter(period time.Duration) vis.Source {
	return func(yield func(any) bool) {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		n := 0
		for range ticker.C {
			if !yield(n) {
				return
			}
			n++
		}
	}
}
