package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/lunavale/parley/internal/wire"
	"go.uber.org/zap"
)

const (
	// defaultSendTimeout bounds how long one Send waits for its control
	// response; defaultPushTimeout bounds one push handler execution.
	defaultSendTimeout = 5 * time.Second
	defaultPushTimeout = 5 * time.Second
)

// Conn abstracts the underlying WebSocket so tests can inject an
// in-memory fake. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes the duplex connection. The default implementation
// dials a WebSocket; tests substitute their own.
type Dialer func(ctx context.Context, url string) (Conn, error)

// PushHandler is invoked once per unsolicited inbound payload frame.
// Its return value is sent back to the server as the acknowledgment,
// correlated with the push's own id.
type PushHandler func(ctx context.Context, payload wire.Payload) (wire.OutboundContent, error)

type waitResult struct {
	control wire.Control
	err     error
}

// Client multiplexes concurrent logical requests over one
// authenticated duplex connection. A single goroutine (the Connect
// loop) reads the socket; any number of goroutines may call Send
// concurrently, each suspended on its own correlation-id waiter.
type Client struct {
	url    string
	dial   Dialer
	logger *zap.Logger

	sendTimeout time.Duration
	pushTimeout time.Duration

	mu      sync.Mutex
	conn    Conn
	pending map[string]chan waitResult

	// writeMu serializes frame writes: Send callers and push-ack
	// goroutines share the socket.
	writeMu sync.Mutex
}

// NewClient creates a client for the given socket URL.
func NewClient(url string, logger *zap.Logger) *Client {
	return &Client{
		url:         url,
		dial:        dialWebSocket,
		logger:      logger,
		sendTimeout: defaultSendTimeout,
		pushTimeout: defaultPushTimeout,
		pending:     make(map[string]chan waitResult),
	}
}

// NewClientWithDialer is NewClient with a custom dialer, for tests.
func NewClientWithDialer(url string, dial Dialer, logger *zap.Logger) *Client {
	c := NewClient(url, logger)
	c.dial = dial
	return c
}

func dialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: dial rejected with status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrConnectionLost, err)
	}
	return conn, nil
}

// Connect establishes the connection, sends token as the first frame,
// signals readiness via onReady, then runs the inbound dispatch loop
// until the connection fails or ctx is canceled. It never returns nil:
// the returned error tells the caller why the connection ended so a
// higher-level retry policy can decide what to do. On every exit path
// all pending waiters are resolved with failure.
func (c *Client) Connect(ctx context.Context, token string, onReady func(), handler PushHandler) error {
	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return err
	}

	// Authentication handshake: the bearer token goes out as a bare
	// JSON string before any tagged frames.
	authFrame, err := json.Marshal(token)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "auth encode")
		return fmt.Errorf("encode auth frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, authFrame); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "auth write")
		return c.classify(err, ctx)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if onReady != nil {
		go onReady()
	}

	err = c.dispatchLoop(ctx, conn, handler)

	c.mu.Lock()
	c.conn = nil
	waiters := c.pending
	c.pending = make(map[string]chan waitResult)
	c.mu.Unlock()

	// Resolve every pending waiter exactly once. This is what keeps
	// suspended Send callers from hanging forever after a socket drop.
	for id, ch := range waiters {
		ch <- waitResult{err: err}
		c.logger.Debug("failed pending request on teardown", zap.String("correlation_id", id))
	}

	_ = conn.Close(websocket.StatusNormalClosure, "teardown")
	return err
}

func (c *Client) dispatchLoop(ctx context.Context, conn Conn, handler PushHandler) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return c.classify(err, ctx)
		}

		frame, err := wire.DecodeInbound(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		switch content := frame.Content.(type) {
		case wire.Control:
			if err := c.resolve(frame.SocketMessageID, content); err != nil {
				return err
			}
		case wire.Payload:
			// Spawned so a slow decrypt or cache write never delays
			// the next read or a pending Send's resolution.
			go c.handlePush(ctx, conn, frame.SocketMessageID, content, handler)
		default:
			return fmt.Errorf("%w: frame %s is neither control nor payload", ErrProtocolViolation, frame.SocketMessageID)
		}
	}
}

// resolve routes a control response to the waiter that issued its
// correlation id. A response with no waiter is fatal: either the
// server invented an id or we already resolved it, and in both cases
// further correlation cannot be trusted.
func (c *Client) resolve(correlationID string, control wire.Control) error {
	c.mu.Lock()
	ch, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: control response for unknown request %s", ErrProtocolViolation, correlationID)
	}
	ch <- waitResult{control: control}
	return nil
}

func (c *Client) handlePush(ctx context.Context, conn Conn, correlationID string, payload wire.Payload, handler PushHandler) {
	handleCtx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()

	ack, err := handler(handleCtx, payload)
	if err != nil {
		c.logger.Warn("push handler failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		ack = wire.Error{Description: err.Error()}
	}

	data, err := wire.EncodeOutbound(wire.Outbound{SocketMessageID: correlationID, Content: ack})
	if err != nil {
		c.logger.Error("encode push ack", zap.String("correlation_id", correlationID), zap.Error(err))
		return
	}
	if err := c.write(handleCtx, conn, data); err != nil {
		c.logger.Warn("send push ack", zap.String("correlation_id", correlationID), zap.Error(err))
	}
}

// Send transmits content with a fresh correlation id and suspends the
// caller until the matching control response arrives, the send budget
// elapses, or ctx is canceled. Concurrent Sends are routed
// independently: each response resolves exactly the caller whose id it
// carries, regardless of arrival order.
func (c *Client) Send(ctx context.Context, content wire.OutboundContent) (wire.Control, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: not connected", ErrConnectionLost)
	}
	id := uuid.NewString()
	ch := make(chan waitResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := wire.EncodeOutbound(wire.Outbound{SocketMessageID: id, Content: content})
	if err != nil {
		c.deregister(id)
		return nil, err
	}
	if err := c.write(ctx, conn, data); err != nil {
		c.deregister(id)
		return nil, c.classify(err, ctx)
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.control, nil
	case <-timer.C:
		c.deregister(id)
		return nil, fmt.Errorf("%w: no response for %s within %s", ErrRequestTimeout, id, c.sendTimeout)
	case <-ctx.Done():
		// Deregister so a late response is not spuriously resolved.
		c.deregister(id)
		return nil, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) deregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// classify maps transport errors onto the connection taxonomy. An
// auth-flavored close code means the server revoked us mid-session.
func (c *Client) classify(err error, ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, ctx.Err())
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrConnectionLost) {
		return err
	}
	if status := websocket.CloseStatus(err); status == websocket.StatusPolicyViolation {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
