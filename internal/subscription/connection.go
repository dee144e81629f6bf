package subscription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	opConnectionNew = "subscription.connection.new"
	opConnect       = "subscription.connect"
	opRead          = "subscription.read"
	opWrite         = "subscription.write"
	opRoute         = "subscription.route"
	opSubscribe     = "subscription.subscribe"
	opUnsubscribe   = "subscription.unsubscribe"
	opKeepAlive     = "subscription.keepalive"
	opClose         = "subscription.close"

	protocolName = "graphql-ws"
	// emptyPayload is base64("{}").
	emptyPayload = "e30="

	defaultConnectTimeout   = 10 * time.Second
	defaultAckTimeout       = 15 * time.Second
	defaultStopTimeout      = 5 * time.Second
	defaultKeepAliveTimeout = 5 * time.Minute
	writeTimeout            = 10 * time.Second
)

var (
	// ErrUnknownSubscription reports a message addressed to an id that is not registered.
	ErrUnknownSubscription = errors.New("subscription: unknown subscription id")

	errMissingRealtimeURL = errors.New("realtime endpoint must be an absolute ws(s) url")
	errMissingAPIURL      = errors.New("graphql endpoint must be an absolute http(s) url")
	errMissingAuthorizer  = errors.New("authorization provider is required")
	errMissingQuery       = errors.New("subscription query is required")
	errSubprotocol        = errors.New("server did not accept the graphql-ws subprotocol")
	errAckTimeout         = errors.New("timed out waiting for acknowledgement")
	errKeepAliveExpired   = errors.New("no keep-alive received within the connection timeout")
	errConnectionLost     = errors.New("connection replaced while subscribing")
	errConnectionClosed   = errors.New("connection closed")

	noOpLogger = zap.NewNop()
)

// ConnectionState tracks the websocket lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnectedAwaitingAck
	StateAcknowledged
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnectedAwaitingAck:
		return "connected_awaiting_ack"
	case StateAcknowledged:
		return "acknowledged"
	default:
		return "disconnected"
	}
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config wires a Connection.
type Config struct {
	RealtimeURL      string
	APIURL           string
	Authorizer       auth.Provider
	Dialer           Dialer
	ConnectTimeout   time.Duration
	AckTimeout       time.Duration
	StopTimeout      time.Duration
	KeepAliveTimeout time.Duration
	// ErrorHandler receives errors that do not belong to a single subscription,
	// such as data for an unknown id.
	ErrorHandler func(error)
	Logger       *zap.Logger
	IDProvider   func() string
}

// Request is a subscription document and its variables.
type Request struct {
	Query     string
	Variables map[string]any
}

// Connection multiplexes subscriptions over one lazily dialed websocket.
type Connection struct {
	realtimeURL      *url.URL
	apiURL           *url.URL
	connectURL       *url.URL
	authorizer       auth.Provider
	dialer           Dialer
	connectTimeout   time.Duration
	ackTimeout       time.Duration
	stopTimeout      time.Duration
	keepAliveTimeout time.Duration
	errorHandler     func(error)
	logger           *zap.Logger
	newID            func() string

	connectMu     sync.Mutex
	mu            sync.Mutex
	state         ConnectionState
	current       *link
	subscriptions map[string]*Subscription
}

// NewConnection validates cfg and returns a disconnected Connection.
func NewConnection(cfg Config) (*Connection, error) {
	realtimeURL, err := url.Parse(strings.TrimSpace(cfg.RealtimeURL))
	if err != nil || (realtimeURL.Scheme != "ws" && realtimeURL.Scheme != "wss") || realtimeURL.Host == "" {
		return nil, model.NewError(model.ErrConfiguration, opConnectionNew, "invalid_realtime_url",
			fmt.Errorf("%w: %q", errMissingRealtimeURL, cfg.RealtimeURL))
	}
	apiURL, err := url.Parse(strings.TrimSpace(cfg.APIURL))
	if err != nil || (apiURL.Scheme != "http" && apiURL.Scheme != "https") || apiURL.Host == "" {
		return nil, model.NewError(model.ErrConfiguration, opConnectionNew, "invalid_api_url",
			fmt.Errorf("%w: %q", errMissingAPIURL, cfg.APIURL))
	}
	if cfg.Authorizer == nil {
		return nil, model.NewError(model.ErrConfiguration, opConnectionNew, "missing_authorizer", errMissingAuthorizer)
	}

	connectURL := *apiURL
	connectURL.Path = strings.TrimSuffix(connectURL.Path, "/") + "/connect"

	connection := &Connection{
		realtimeURL:      realtimeURL,
		apiURL:           apiURL,
		connectURL:       &connectURL,
		authorizer:       cfg.Authorizer,
		dialer:           cfg.Dialer,
		connectTimeout:   durationOr(cfg.ConnectTimeout, defaultConnectTimeout),
		ackTimeout:       durationOr(cfg.AckTimeout, defaultAckTimeout),
		stopTimeout:      durationOr(cfg.StopTimeout, defaultStopTimeout),
		keepAliveTimeout: durationOr(cfg.KeepAliveTimeout, defaultKeepAliveTimeout),
		errorHandler:     cfg.ErrorHandler,
		logger:           cfg.Logger,
		newID:            cfg.IDProvider,
		subscriptions:    make(map[string]*Subscription),
	}
	if connection.dialer == nil {
		connection.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: connection.connectTimeout,
		}
	}
	if connection.logger == nil {
		connection.logger = noOpLogger
	}
	if connection.newID == nil {
		connection.newID = uuid.NewString
	}
	return connection, nil
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// State reports the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active returns the number of registered subscriptions.
func (c *Connection) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions)
}

// Connect dials and completes the handshake unless already acknowledged.
func (c *Connection) Connect(ctx context.Context) error {
	_, err := c.ensureLink(ctx)
	return err
}

// Close drops the transport and fails every registered subscription.
func (c *Connection) Close() error {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current == nil {
		return nil
	}
	c.shutdown(current, model.NewError(model.ErrTransient, opClose, "closed", errConnectionClosed))
	return nil
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Connection) ensureLink(ctx context.Context) (*link, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.current != nil {
		current := c.current
		c.mu.Unlock()
		return current, nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	current, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		c.logger.Warn("realtime connection failed",
			zap.String("operation", opConnect),
			zap.String("endpoint", c.realtimeURL.Host),
			zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	c.current = current
	c.state = StateAcknowledged
	c.mu.Unlock()
	current.armWatchdog(func() {
		c.fail(current, model.NewError(model.ErrTransient, opKeepAlive, "expired", errKeepAliveExpired))
	})
	go c.readLoop(current)

	c.logger.Info("realtime connection acknowledged",
		zap.String("endpoint", c.realtimeURL.Host),
		zap.Duration("keepalive_timeout", current.keepAlive))
	return current, nil
}

func (c *Connection) dial(ctx context.Context) (*link, error) {
	headers, err := c.authorizer.Authorize(ctx, auth.Request{
		Method: http.MethodPost,
		URL:    c.connectURL,
		Body:   []byte("{}"),
	})
	if err != nil {
		return nil, err
	}
	encodedHeaders, err := json.Marshal(headers)
	if err != nil {
		return nil, model.NewError(model.ErrProtocol, opConnect, "header_encode_failed", err)
	}

	target := *c.realtimeURL
	query := target.Query()
	query.Set("header", base64.StdEncoding.EncodeToString(encodedHeaders))
	query.Set("payload", emptyPayload)
	target.RawQuery = query.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	ws, response, err := c.dialer.DialContext(dialCtx, target.String(), http.Header{
		"Sec-WebSocket-Protocol": []string{protocolName},
	})
	if err != nil {
		if response != nil {
			err = fmt.Errorf("handshake status %d: %w", response.StatusCode, err)
		}
		return nil, model.NewError(model.ErrTransient, opConnect, "dial_failed", err)
	}
	if ws.Subprotocol() != protocolName {
		_ = ws.Close()
		return nil, model.NewError(model.ErrProtocol, opConnect, "subprotocol_rejected", errSubprotocol)
	}

	c.setState(StateConnectedAwaitingAck)
	current := &link{ws: ws}

	stopWatching := context.AfterFunc(dialCtx, func() { _ = ws.Close() })
	keepAlive, err := c.awaitAck(dialCtx, current)
	if !stopWatching() && err == nil {
		err = model.NewError(model.ErrTransient, opConnect, "cancelled", dialCtx.Err())
	}
	if err != nil {
		current.close()
		return nil, err
	}
	current.keepAlive = keepAlive
	return current, nil
}

func (c *Connection) awaitAck(ctx context.Context, current *link) (time.Duration, error) {
	if err := current.write(Message{Type: TypeConnectionInit}); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = current.ws.SetReadDeadline(deadline)
	}
	defer func() { _ = current.ws.SetReadDeadline(time.Time{}) }()

	for {
		_, raw, err := current.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return 0, model.NewError(model.ErrTransient, opConnect, "ack_timeout", errors.Join(errAckTimeout, ctx.Err()))
			}
			return 0, model.NewError(model.ErrTransient, opConnect, "read_failed", err)
		}
		message, err := ParseMessage(raw)
		if err != nil {
			return 0, err
		}
		switch message.Type {
		case TypeKeepAlive:
			continue
		case TypeConnectionAck:
			var payload ackPayload
			if !isEmptyPayload(message.Payload) {
				if err := json.Unmarshal(message.Payload, &payload); err != nil {
					return 0, model.NewError(model.ErrProtocol, opConnect, "malformed_ack", err)
				}
			}
			if payload.ConnectionTimeoutMs > 0 {
				return time.Duration(payload.ConnectionTimeoutMs) * time.Millisecond, nil
			}
			return c.keepAliveTimeout, nil
		case TypeConnectionError:
			return 0, model.NewError(model.ErrProtocol, opConnect, "connection_rejected",
				errors.New(describeErrorPayload(message.Payload)))
		default:
			return 0, model.NewError(model.ErrProtocol, opConnect, "unexpected_message",
				fmt.Errorf("%s before connection_ack", message.Type))
		}
	}
}

func (c *Connection) readLoop(current *link) {
	for {
		_, raw, err := current.ws.ReadMessage()
		if err != nil {
			c.fail(current, model.NewError(model.ErrTransient, opRead, "transport_closed", err))
			return
		}
		message, err := ParseMessage(raw)
		if err != nil {
			c.fail(current, err)
			return
		}
		if err := c.route(current, message); err != nil {
			c.report(err)
		}
	}
}

func (c *Connection) route(current *link, message Message) error {
	switch message.Type {
	case TypeKeepAlive:
		current.resetWatchdog()
		return nil
	case TypeConnectionAck:
		return nil
	case TypeConnectionError:
		c.fail(current, model.NewError(model.ErrProtocol, opRoute, "connection_error",
			errors.New(describeErrorPayload(message.Payload))))
		return nil
	case TypeError:
		if message.ID == "" {
			return model.NewError(model.ErrProtocol, opRoute, "connection_error",
				errors.New(describeErrorPayload(message.Payload)))
		}
	case TypeStart, TypeStop, TypeConnectionInit:
		return model.NewError(model.ErrProtocol, opRoute, "unexpected_type",
			fmt.Errorf("client-only message %s", message.Type))
	}

	subscription := c.lookup(message.ID)
	if subscription == nil {
		return model.NewError(model.ErrProtocol, opRoute, "unknown_subscription",
			fmt.Errorf("%w: %s (%s)", ErrUnknownSubscription, message.ID, message.Type))
	}

	switch message.Type {
	case TypeStartAck:
		subscription.acknowledge()
	case TypeData:
		subscription.deliver(message.Payload)
	case TypeError:
		c.forget(subscription)
		subscription.finish(model.NewError(model.ErrProtocol, opRoute, "subscription_error",
			errors.New(describeErrorPayload(message.Payload))), false)
		c.closeIfIdle(current)
	case TypeComplete:
		c.forget(subscription)
		subscription.finish(nil, false)
		c.closeIfIdle(current)
	}
	return nil
}

// Subscribe registers a subscription and blocks until the server acknowledges
// it, the acknowledgement timeout elapses, or ctx ends.
func (c *Connection) Subscribe(ctx context.Context, request Request) (*Subscription, error) {
	if strings.TrimSpace(request.Query) == "" {
		return nil, model.NewError(model.ErrConfiguration, opSubscribe, "missing_query", errMissingQuery)
	}
	document, err := json.Marshal(struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}{Query: request.Query, Variables: request.Variables})
	if err != nil {
		return nil, model.NewError(model.ErrProtocol, opSubscribe, "request_encode_failed", err)
	}

	current, err := c.ensureLink(ctx)
	if err != nil {
		return nil, err
	}
	headers, err := c.authorizer.Authorize(ctx, auth.Request{Method: http.MethodPost, URL: c.apiURL, Body: document})
	if err != nil {
		c.closeIfIdle(current)
		return nil, err
	}
	payload, err := json.Marshal(startPayload{
		Data:       string(document),
		Extensions: startExtensions{Authorization: headers},
	})
	if err != nil {
		c.closeIfIdle(current)
		return nil, model.NewError(model.ErrProtocol, opSubscribe, "payload_encode_failed", err)
	}

	subscription := newSubscription(c.newID(), c, current)
	c.mu.Lock()
	if c.current != current {
		c.mu.Unlock()
		return nil, model.NewError(model.ErrTransient, opSubscribe, "connection_lost", errConnectionLost)
	}
	c.subscriptions[subscription.id] = subscription
	c.mu.Unlock()

	if err := current.write(Message{ID: subscription.id, Type: TypeStart, Payload: payload}); err != nil {
		c.fail(current, err)
		return nil, err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case <-subscription.acked:
		c.logger.Debug("subscription active", zap.String("subscription_id", subscription.id))
		return subscription, nil
	case <-subscription.done:
		c.closeIfIdle(current)
		return nil, subscription.Err()
	case <-timer.C:
		err = model.NewError(model.ErrTransient, opSubscribe, "ack_timeout", errAckTimeout)
	case <-ctx.Done():
		err = model.NewError(model.ErrTransient, opSubscribe, "cancelled", ctx.Err())
	}
	c.abandon(subscription, err)
	c.logger.Warn("subscription registration failed",
		zap.String("operation", opSubscribe),
		zap.String("subscription_id", subscription.id),
		zap.Error(err))
	return nil, err
}

// Unsubscribe sends stop, waits a bounded time for complete, and forgets the
// subscription. The last subscription closes the transport.
func (c *Connection) Unsubscribe(ctx context.Context, subscription *Subscription) error {
	if subscription == nil || !subscription.beginStop() {
		return nil
	}
	err := subscription.link.write(Message{ID: subscription.id, Type: TypeStop})
	if err == nil {
		timer := time.NewTimer(c.stopTimeout)
		select {
		case <-subscription.done:
		case <-timer.C:
			c.logger.Debug("subscription stop not completed in time",
				zap.String("operation", opUnsubscribe),
				zap.String("subscription_id", subscription.id))
		case <-ctx.Done():
		}
		timer.Stop()
	}
	c.forget(subscription)
	subscription.finish(nil, true)
	c.closeIfIdle(subscription.link)
	return err
}

func (c *Connection) abandon(subscription *Subscription, cause error) {
	c.forget(subscription)
	_ = subscription.link.write(Message{ID: subscription.id, Type: TypeStop})
	subscription.finish(cause, true)
	c.closeIfIdle(subscription.link)
}

func (c *Connection) lookup(id string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[id]
}

func (c *Connection) forget(subscription *Subscription) {
	c.mu.Lock()
	if c.subscriptions[subscription.id] == subscription {
		delete(c.subscriptions, subscription.id)
	}
	c.mu.Unlock()
}

func (c *Connection) closeIfIdle(current *link) {
	c.mu.Lock()
	if c.current != current || len(c.subscriptions) > 0 {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	current.close()
	c.logger.Debug("realtime connection closed", zap.String("reason", "idle"))
}

// fail tears the link down and reports the cause.
func (c *Connection) fail(current *link, cause error) {
	if c.shutdown(current, cause) {
		c.logger.Warn("realtime connection failed",
			zap.String("operation", opRead),
			zap.String("code", model.ErrorCode(cause)),
			zap.Error(cause))
		c.report(cause)
	}
}

// shutdown closes the link and fans cause out to every subscription. It
// reports false when the link was already retired.
func (c *Connection) shutdown(current *link, cause error) bool {
	current.close()
	c.mu.Lock()
	if c.current != current {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	c.state = StateDisconnected
	subscriptions := c.subscriptions
	c.subscriptions = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.finish(cause, false)
	}
	return true
}

func (c *Connection) report(err error) {
	if c.errorHandler != nil {
		c.errorHandler(err)
		return
	}
	c.logger.Warn("realtime message rejected",
		zap.String("operation", opRoute),
		zap.String("code", model.ErrorCode(err)),
		zap.Error(err))
}

// link is one websocket generation. timerMu guards watchdog and closed; the
// watchdog fires on its own goroutine.
type link struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	keepAlive time.Duration
	closeOnce sync.Once

	timerMu  sync.Mutex
	watchdog *time.Timer
	closed   bool
}

func (l *link) write(message Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.ws.WriteJSON(message); err != nil {
		return model.NewError(model.ErrTransient, opWrite, "write_failed", err)
	}
	return nil
}

func (l *link) armWatchdog(expire func()) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.closed {
		return
	}
	l.watchdog = time.AfterFunc(l.keepAlive, expire)
}

func (l *link) resetWatchdog() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.watchdog != nil && !l.closed {
		l.watchdog.Reset(l.keepAlive)
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		l.timerMu.Lock()
		l.closed = true
		if l.watchdog != nil {
			l.watchdog.Stop()
		}
		l.timerMu.Unlock()
		_ = l.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = l.ws.Close()
	})
}
