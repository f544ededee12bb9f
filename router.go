package vis

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// dispatch routes one decoded request and enqueues the response on the
// client's delivery queue. Responses and notifications share that queue, so
// per connection the response order matches the request order, and a
// subscription's first notification always trails its subscribe response.
// A panicking handler is answered with an InternalError response; the
// connection stays up.
func (s *Service) dispatch(conn subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handling panicked",
				slog.String("action", string(msg.Action)),
				slog.Any("panic", r),
			)
			conn.deliver(errorResponse(msg, internalError()))
		}
	}()

	s.metrics.requestHandled(msg.Action)

	switch msg.Action {
	case ActionGet:
		conn.deliver(s.handleGet(msg))
	case ActionSet:
		conn.deliver(s.handleSet(msg))
	case ActionSubscribe:
		s.handleSubscribe(conn, msg)
	case ActionUnsubscribe:
		conn.deliver(s.handleUnsubscribe(conn, msg))
	case ActionUnsubscribeAll:
		conn.deliver(s.handleUnsubscribeAll(conn, msg))
	case actionGetMetadata, actionAuthorize:
		conn.deliver(errorResponse(msg, unsupportedActionError()))
	case "":
		conn.deliver(errorResponse(msg, invalidRequestError("action is required")))
	default:
		conn.deliver(errorResponse(msg, invalidRequestError(fmt.Sprintf("unknown action %q", msg.Action))))
	}
}

func (s *Service) handleGet(msg Message) Message {
	if msg.Path == "" {
		return errorResponse(msg, invalidRequestError("path is required"))
	}
	value, ok := s.store.get(msg.Path)
	if !ok {
		return errorResponse(msg, unknownSignalError())
	}
	return Message{
		Action:    ActionGet,
		RequestID: msg.RequestID,
		Value:     value,
		Timestamp: nowMillis(),
	}
}

func (s *Service) handleSet(msg Message) Message {
	if msg.Path == "" {
		return errorResponse(msg, invalidRequestError("path is required"))
	}
	if len(msg.Value) == 0 {
		return errorResponse(msg, invalidRequestError("value is required"))
	}
	if serr := s.setRaw(msg.Path, msg.Value); serr != nil {
		return errorResponse(msg, serr)
	}
	return Message{
		Action:    ActionSet,
		RequestID: msg.RequestID,
		Value:     msg.Value,
		Timestamp: nowMillis(),
	}
}

// handleSubscribe enqueues its own response: the subscription id is allocated
// and answered before the subscription is indexed, then the path's current
// value (if any) is offered as the initial delivery.
func (s *Service) handleSubscribe(conn subscriber, msg Message) {
	if msg.Path == "" {
		conn.deliver(errorResponse(msg, invalidRequestError("path is required")))
		return
	}
	spec, err := compileFilters(msg.Filters)
	if err != nil {
		conn.deliver(errorResponse(msg, invalidFilterError(err)))
		return
	}

	subID := MustString(uuid.New().String())
	conn.deliver(Message{
		Action:         ActionSubscribe,
		RequestID:      msg.RequestID,
		SubscriptionID: subID,
		Timestamp:      nowMillis(),
	})

	sub := s.registry.create(conn, subID, msg.Path, spec)
	s.metrics.subscriptionCreated()
	if value, ok := s.store.get(msg.Path); ok {
		sub.offer(value)
	}
}

func (s *Service) handleUnsubscribe(conn subscriber, msg Message) Message {
	if msg.SubscriptionID == "" {
		return errorResponse(msg, invalidRequestError("subscriptionId is required"))
	}
	if !s.unsubscribe(msg.SubscriptionID, conn.id()) {
		return errorResponse(msg, subscriptionNotFoundError())
	}
	return Message{
		Action:    ActionUnsubscribe,
		RequestID: msg.RequestID,
		Timestamp: nowMillis(),
	}
}

func (s *Service) handleUnsubscribeAll(conn subscriber, msg Message) Message {
	count := s.unsubscribeAll(conn.id())
	return Message{
		Action:    ActionUnsubscribeAll,
		RequestID: msg.RequestID,
		Count:     &count,
		Timestamp: nowMillis(),
	}
}

func errorResponse(req Message, serr *ServiceError) Message {
	return Message{
		Action:    req.Action,
		RequestID: req.RequestID,
		Error:     serr,
		Timestamp: nowMillis(),
	}
}
