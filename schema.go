package vis

import (
	"encoding/json"
	"fmt"
	"time"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// on the wire, such as request IDs. Some clients send `"requestId": 1004` and others `"requestId": "1004"`;
// both decode to the same MustString and are echoed back as strings.
type MustString string

// Action identifies the operation carried by a Message. The set of actions is closed;
// envelopes with an action outside this set are answered with an InvalidRequest error.
type Action string

// Message represents a single protocol envelope. It covers all three message shapes
// exchanged on a connection, depending on which fields are populated:
//   - Request: Action, RequestID, and the action's inputs (Path, Value, Filters, SubscriptionID) are set
//   - Response: Action, RequestID, Timestamp, and either the action's outputs or Error are set
//   - Notification: Action is ActionSubscriptionNotification, SubscriptionID, Value and
//     Timestamp are set (no RequestID)
type Message struct {
	// Action names the operation; on responses it echoes the request's action.
	Action Action `json:"action"`
	// RequestID correlates a response with its request and is echoed verbatim.
	// Notifications carry no RequestID.
	RequestID MustString `json:"requestId,omitempty"`
	// Path is the dotted signal path, required for get, set and subscribe.
	Path string `json:"path,omitempty"`
	// Value carries the signal value as raw JSON: on set requests, on get and
	// set success responses, and on notifications.
	Value json.RawMessage `json:"value,omitempty"`
	// Filters optionally restricts a subscription's deliveries; subscribe only.
	Filters *Filters `json:"filters,omitempty"`
	// SubscriptionID identifies a subscription: input on unsubscribe, output on
	// subscribe success and on every notification.
	SubscriptionID MustString `json:"subscriptionId,omitempty"`
	// Timestamp is the emission time in milliseconds since the Unix epoch.
	// Present on every response and notification, never on requests.
	Timestamp int64 `json:"timestamp,omitempty"`
	// Count reports how many subscriptions an unsubscribeAll removed. Present
	// only on unsubscribeAll success responses, including a zero count.
	Count *int `json:"count,omitempty"`
	// Error contains error details if the request failed.
	Error *ServiceError `json:"error,omitempty"`
}

// Filters restricts and paces which value updates a subscription delivers.
// All fields are optional; an empty Filters behaves like no filters at all.
// Numeric fields are kept as raw JSON because clients send them as numbers or
// as numeric strings; they are validated when the subscription is created and
// a non-numeric field is an InvalidFilter error, not a silent no-op.
type Filters struct {
	// Range suppresses numeric values outside the exclusive (above, below)
	// interval. Non-numeric values never pass a range filter.
	Range *RangeFilter `json:"range,omitempty"`
	// MinChange suppresses numeric values that differ from the last delivered
	// value by less than this non-negative delta. The first value always
	// passes, as do non-numeric values.
	MinChange json.RawMessage `json:"minChange,omitempty"`
	// Interval paces delivery with a recurring timer of this many milliseconds
	// (must be positive). Updates that pass the other filters replace a single
	// pending value; each tick delivers the pending value, if any, and clears it.
	Interval json.RawMessage `json:"interval,omitempty"`
}

// RangeFilter bounds numeric values with an exclusive interval. Either side may
// be omitted, leaving that side unconstrained.
type RangeFilter struct {
	Above json.RawMessage `json:"above,omitempty"`
	Below json.RawMessage `json:"below,omitempty"`
}

// ServiceError represents an error response to a request. Code is one of the
// ErrorCode constants; Message is a short human-readable description that
// never leaks internals.
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Actions a client may send, plus the server-initiated notification action.
const (
	// ActionGet requests the current value of a signal path.
	ActionGet Action = "get"
	// ActionSet writes a value to a signal path.
	ActionSet Action = "set"
	// ActionSubscribe creates a subscription on a signal path.
	ActionSubscribe Action = "subscribe"
	// ActionUnsubscribe removes one subscription by id.
	ActionUnsubscribe Action = "unsubscribe"
	// ActionUnsubscribeAll removes every subscription owned by the connection.
	ActionUnsubscribeAll Action = "unsubscribeAll"
	// ActionSubscriptionNotification tags server-initiated delivery of a
	// subscribed value; notifications are not responses to any request.
	ActionSubscriptionNotification Action = "subscriptionNotification"
)

// Error codes carried in ServiceError.Code.
const (
	// ErrorCodeUnknownSignal reports a get or set on a path that has never been written.
	ErrorCodeUnknownSignal = "UnknownSignal"
	// ErrorCodeInvalidFilter reports malformed or non-numeric filter fields on subscribe.
	ErrorCodeInvalidFilter = "InvalidFilter"
	// ErrorCodeInvalidRequest reports an envelope that is well-formed JSON but not a valid action.
	ErrorCodeInvalidRequest = "InvalidRequest"
	// ErrorCodeSubscriptionNotFound reports an unsubscribe with an unknown subscription id.
	ErrorCodeSubscriptionNotFound = "SubscriptionNotFound"
	// ErrorCodeUnsupportedAction reports an action outside this service's scope,
	// such as getMetadata or authorize.
	ErrorCodeUnsupportedAction = "UnsupportedAction"
	// ErrorCodeInternalError reports an unexpected failure.
	ErrorCodeInternalError = "InternalError"
)

const (
	actionGetMetadata Action = "getMetadata"
	actionAuthorize   Action = "authorize"

	errMsgUnknownSignal        = "The specified signal path has never been written"
	errMsgInvalidRequest       = "The request could not be understood"
	errMsgSubscriptionNotFound = "The specified subscription could not be found"
	errMsgUnsupportedAction    = "The requested action is not supported by this service"
	errMsgInternalError        = "Internal server error"
)

func (e ServiceError) Error() string {
	return fmt.Sprintf("request error, code: %s, message: %s", e.Code, e.Message)
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func unknownSignalError() *ServiceError {
	return &ServiceError{Code: ErrorCodeUnknownSignal, Message: errMsgUnknownSignal}
}

func invalidFilterError(err error) *ServiceError {
	return &ServiceError{Code: ErrorCodeInvalidFilter, Message: err.Error()}
}

func invalidRequestError(message string) *ServiceError {
	if message == "" {
		message = errMsgInvalidRequest
	}
	return &ServiceError{Code: ErrorCodeInvalidRequest, Message: message}
}

func subscriptionNotFoundError() *ServiceError {
	return &ServiceError{Code: ErrorCodeSubscriptionNotFound, Message: errMsgSubscriptionNotFound}
}

func unsupportedActionError() *ServiceError {
	return &ServiceError{Code: ErrorCodeUnsupportedAction, Message: errMsgUnsupportedAction}
}

func internalError() *ServiceError {
	return &ServiceError{Code: ErrorCodeInternalError, Message: errMsgInternalError}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
