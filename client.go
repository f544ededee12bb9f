package vis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client accesses a vehicle signal service over a ClientTransport. It manages
// the session lifecycle, correlates responses with their requests, and routes
// subscription notifications to the iterator returned by Subscribe.
//
// A Client must be created using NewClient() and requires Connect() to be
// called before any operations can be performed. The client should be closed
// using Close() when it is no longer needed; closing ends every subscription
// iterator obtained from it.
type Client struct {
	transport ClientTransport

	writeTimeout          time.Duration
	readTimeout           time.Duration
	notificationQueueSize int

	connected bool
	logger    *slog.Logger

	session Session

	waitForResponses chan waitForResponseReq
	incoming         chan Message
	removeSubs       chan MustString
	removeAllSubs    chan struct{}

	listenDone chan struct{}
}

// Notification is a signal update delivered on an active subscription.
type Notification struct {
	// SubscriptionID identifies the subscription the update belongs to.
	SubscriptionID MustString
	// Value is the signal value as raw JSON.
	Value json.RawMessage
	// Timestamp is the service-side emission time in milliseconds since the
	// Unix epoch.
	Timestamp int64
}

type waitForResponseReq struct {
	requestID MustString
	action    Action
	resChan   chan<- chan clientResponse
}

// clientResponse pairs a response envelope with the notification channel the
// routing loop opened for it. The channel is only set on subscribe successes.
type clientResponse struct {
	msg           Message
	notifications chan Notification
}

var (
	defaultClientWriteTimeout          = 30 * time.Second
	defaultClientReadTimeout           = 30 * time.Second
	defaultClientNotificationQueueSize = 64
)

// WithClientWriteTimeout sets the timeout for sending a request frame.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long a call waits for its response.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientNotificationQueueSize sets the per-subscription buffer between the
// connection and the subscription's iterator. When an iterator falls this far
// behind, further notifications for it are dropped rather than stalling the
// connection.
func WithClientNotificationQueueSize(size int) ClientOption {
	return func(c *Client) {
		c.notificationQueueSize = size
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "vis"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new client for the vehicle signal access protocol.
// The transport parameter defines how the client reaches the server; any
// ClientTransport works, the protocol is transport-agnostic.
//
// Timeouts and the notification buffer can be configured through ClientOption
// functions. The client will not be connected until Connect() is called.
func NewClient(transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		transport:        transport,
		logger:           slog.Default(),
		waitForResponses: make(chan waitForResponseReq),
		incoming:         make(chan Message),
		removeSubs:       make(chan MustString),
		removeAllSubs:    make(chan struct{}),
		listenDone:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.notificationQueueSize == 0 {
		c.notificationQueueSize = defaultClientNotificationQueueSize
	}

	return c
}

// Connect establishes the session with the server and starts the background
// routines that read the connection and route responses and notifications.
//
// Connect must be called after creating a new client and before making any
// other client method calls. The context covers session establishment only;
// the session itself lives until Close() is called or the server drops it.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected {
		return errors.New("client already connected")
	}

	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess
	c.connected = true

	go c.listen()
	go c.readMessages()

	c.logger.Debug("session started", slog.String("sessionId", sess.ID()))

	return nil
}

// Close terminates the session and releases the client's resources. Calls
// blocked on a response fail with a connection closed error and every
// subscription iterator ends.
func (c *Client) Close() {
	if !c.connected {
		return
	}
	c.connected = false

	c.session.Stop()
	<-c.listenDone
}

// Get retrieves the current value of a signal path. Values are returned as
// raw JSON for the caller to decode; a path that has never been written fails
// with an UnknownSignal service error.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if !c.connected {
		return nil, errors.New("client not connected")
	}

	res, err := c.sendRequest(ctx, Message{
		Action: ActionGet,
		Path:   path,
	})
	if err != nil {
		return nil, err
	}
	if res.msg.Error != nil {
		return nil, res.msg.Error
	}

	return res.msg.Value, nil
}

// Set writes a value to a signal path. The value is marshaled to JSON before
// sending; the signal is created by its first write, and later writes must
// keep the value's JSON type.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	if !c.connected {
		return errors.New("client not connected")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	res, err := c.sendRequest(ctx, Message{
		Action: ActionSet,
		Path:   path,
		Value:  raw,
	})
	if err != nil {
		return err
	}
	if res.msg.Error != nil {
		return res.msg.Error
	}

	return nil
}

// Subscribe creates a subscription on a signal path and returns its id
// together with an iterator over the delivered notifications. filters may be
// nil to receive every update; see Filters for the range, minChange and
// interval semantics.
//
// The iterator ends when the subscription is removed, the client is closed or
// the connection drops. It is backed by a bounded buffer; if the consumer
// falls behind, excess notifications are dropped with a warning rather than
// stalling the connection.
func (c *Client) Subscribe(
	ctx context.Context,
	path string,
	filters *Filters,
) (MustString, iter.Seq[Notification], error) {
	if !c.connected {
		return "", nil, errors.New("client not connected")
	}

	res, err := c.sendRequest(ctx, Message{
		Action:  ActionSubscribe,
		Path:    path,
		Filters: filters,
	})
	if err != nil {
		return "", nil, err
	}
	if res.msg.Error != nil {
		return "", nil, res.msg.Error
	}

	notifications := func(yield func(Notification) bool) {
		for n := range res.notifications {
			if !yield(n) {
				return
			}
		}
	}

	return res.msg.SubscriptionID, notifications, nil
}

// Unsubscribe removes one subscription by id and ends its iterator. Only
// subscriptions created on this client can be removed; an unknown or foreign
// id fails with a SubscriptionNotFound service error.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID MustString) error {
	if !c.connected {
		return errors.New("client not connected")
	}

	res, err := c.sendRequest(ctx, Message{
		Action:         ActionUnsubscribe,
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return err
	}
	if res.msg.Error != nil {
		return res.msg.Error
	}

	select {
	case c.removeSubs <- subscriptionID:
	case <-c.listenDone:
	}

	return nil
}

// UnsubscribeAll removes every subscription created on this client and ends
// their iterators. It returns the number of subscriptions the server removed,
// which is zero when none were active.
func (c *Client) UnsubscribeAll(ctx context.Context) (int, error) {
	if !c.connected {
		return 0, errors.New("client not connected")
	}

	res, err := c.sendRequest(ctx, Message{
		Action: ActionUnsubscribeAll,
	})
	if err != nil {
		return 0, err
	}
	if res.msg.Error != nil {
		return 0, res.msg.Error
	}

	var count int
	if res.msg.Count != nil {
		count = *res.msg.Count
	}

	select {
	case c.removeAllSubs <- struct{}{}:
	case <-c.listenDone:
	}

	return count, nil
}

// readMessages feeds the session's frames to the routing loop and closes the
// feed when the session ends, for any reason.
func (c *Client) readMessages() {
	defer close(c.incoming)

	for msg := range c.session.Messages() {
		c.incoming <- msg
	}
}

// listen owns the request and subscription tables. Keeping both behind one
// loop fed by one channel preserves the wire order between a subscribe
// response and the first notification for its id.
func (c *Client) listen() {
	defer close(c.listenDone)

	// map[requestID]; entries for abandoned requests are dropped when their
	// response arrives, the response channels are buffered for that.
	waiters := make(map[MustString]waitingRequest)
	subs := make(map[MustString]chan Notification)

	for {
		select {
		case req := <-c.waitForResponses:
			resChan := make(chan clientResponse, 1)
			waiters[req.requestID] = waitingRequest{
				action:  req.action,
				resChan: resChan,
			}
			req.resChan <- resChan
		case msg, ok := <-c.incoming:
			if !ok {
				for _, w := range waiters {
					close(w.resChan)
				}
				for _, ch := range subs {
					close(ch)
				}
				return
			}

			if msg.Action == ActionSubscriptionNotification {
				ch, ok := subs[msg.SubscriptionID]
				if !ok {
					c.logger.Debug("notification for unknown subscription",
						slog.String("subscriptionId", string(msg.SubscriptionID)))
					continue
				}
				n := Notification{
					SubscriptionID: msg.SubscriptionID,
					Value:          msg.Value,
					Timestamp:      msg.Timestamp,
				}
				select {
				case ch <- n:
				default:
					c.logger.Warn("notification buffer full, dropping notification",
						slog.String("subscriptionId", string(msg.SubscriptionID)))
				}
				continue
			}

			w, ok := waiters[msg.RequestID]
			if !ok {
				c.logger.Warn("response for unknown request",
					slog.String("requestId", string(msg.RequestID)),
					slog.String("action", string(msg.Action)))
				continue
			}
			delete(waiters, msg.RequestID)

			res := clientResponse{msg: msg}
			if w.action == ActionSubscribe && msg.Error == nil && msg.SubscriptionID != "" {
				ch := make(chan Notification, c.notificationQueueSize)
				subs[msg.SubscriptionID] = ch
				res.notifications = ch
			}
			w.resChan <- res
		case subID := <-c.removeSubs:
			ch, ok := subs[subID]
			if !ok {
				continue
			}
			close(ch)
			delete(subs, subID)
		case <-c.removeAllSubs:
			for id, ch := range subs {
				close(ch)
				delete(subs, id)
			}
		}
	}
}

type waitingRequest struct {
	action  Action
	resChan chan clientResponse
}

func (c *Client) sendRequest(ctx context.Context, msg Message) (clientResponse, error) {
	msg.RequestID = MustString(uuid.New().String())

	resChannels := make(chan chan clientResponse, 1)
	req := waitForResponseReq{
		requestID: msg.RequestID,
		action:    msg.Action,
		resChan:   resChannels,
	}

	// The registration is unbuffered: once accepted, the routing loop has the
	// waiter in its table before the request goes out, so the response cannot
	// arrive unclaimed.
	select {
	case <-c.listenDone:
		return clientResponse{}, errors.New("connection closed")
	case c.waitForResponses <- req:
	}
	results := <-resChannels

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, msg); err != nil {
		return clientResponse{}, fmt.Errorf("failed to send request: %w", err)
	}

	timeout := time.NewTimer(c.readTimeout)
	defer timeout.Stop()

	select {
	case <-timeout.C:
		return clientResponse{}, errors.New("request timeout")
	case <-ctx.Done():
		return clientResponse{}, ctx.Err()
	case res, ok := <-results:
		if !ok {
			return clientResponse{}, errors.New("connection closed")
		}
		return res, nil
	}
}
