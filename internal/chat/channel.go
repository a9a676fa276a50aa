package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	cherrors "github.com/murmurapp/chatsync/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 2 * time.Second
	reconnectMax = 30 * time.Second

	// reconnectBackoffMultiplier is the exponential growth factor applied
	// to the reconnect delay after each consecutive failure, giving the
	// 2s, 4s, 8s, 16s, 30s-capped schedule.
	reconnectBackoffMultiplier = 2

	// jitterDivisor controls the random jitter added to each reconnect
	// delay: uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// opChanSize buffers send operations submitted to the event loop.
	opChanSize = 64

	// inboundChanSize buffers frames between the reader goroutine and the
	// event loop.
	inboundChanSize = 64

	// streamChanSize buffers decoded messages and receipts handed to the
	// coordinator.
	streamChanSize = 64

	// stateChanSize buffers connection-state emissions. The consumer is
	// expected to keep up; overflow drops the oldest value.
	stateChanSize = 16

	// wsReadLimit caps inbound frame size. Chat messages are small; 1MB
	// leaves generous headroom for batched server frames.
	wsReadLimit = 1024 * 1024
)

// State is the observable connection state of the push channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// wsConn abstracts the WebSocket connection so Channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// inboundFrame wraps a frame read from the WebSocket by the reader
// goroutine.
type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// sendOp is a send submitted to the event loop.
type sendOp struct {
	msg    SendMessage
	result chan error
}

// ChannelConfig holds the parameters needed to connect to the push
// server.
type ChannelConfig struct {
	Host   string
	Token  string
	UserID string
	Device string

	// MaxAttempts bounds consecutive reconnect attempts before the
	// channel enters the failed state. Zero means unlimited.
	MaxAttempts int
}

// Channel maintains the persistent push connection to the chat server.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop processes inbound frames, send operations, and
// heartbeat ticks; all writes to the connection happen from that loop,
// so no write mutex is needed. Run owns reconnection: exponential
// backoff with jitter, reset on success, terminal failed state until
// Retry.
type Channel struct {
	conn   wsConn
	logger *slog.Logger

	host        string
	token       string
	userID      string
	device      string
	maxAttempts int

	// dial is swapped out in tests to inject a mock connection.
	dial func(ctx context.Context) (wsConn, error)

	// jitter perturbs a backoff delay. Defaults to uniform random;
	// deterministic in tests.
	jitter func(d time.Duration) time.Duration

	// opCh receives send operations from callers. The event loop
	// processes them one at a time.
	opCh chan sendOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundFrame

	messages chan Message
	receipts chan ReadReceipt
	states   chan State
	retryCh  chan struct{}

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel stops the reader goroutine when the connection drops
	// before reconnecting.
	connCancel context.CancelFunc

	connected   bool
	connectedMu sync.RWMutex
}

// NewChannel creates a push channel client from the given config.
func NewChannel(cfg ChannelConfig, logger *slog.Logger) *Channel {
	c := &Channel{
		logger:      logger,
		host:        cfg.Host,
		token:       cfg.Token,
		userID:      cfg.UserID,
		device:      cfg.Device,
		maxAttempts: cfg.MaxAttempts,
		opCh:        make(chan sendOp, opChanSize),
		messages:    make(chan Message, streamChanSize),
		receipts:    make(chan ReadReceipt, streamChanSize),
		states:      make(chan State, stateChanSize),
		retryCh:     make(chan struct{}, 1),
	}
	c.dial = c.dialWebSocket
	c.jitter = func(d time.Duration) time.Duration {
		if d <= 0 {
			return 0
		}
		return time.Duration(rand.Int64N(int64(d)))
	}
	return c
}

// States exposes the connection-state stream. Values are emitted in
// transition order; a slow consumer loses the oldest values, never the
// newest.
func (c *Channel) States() <-chan State { return c.states }

// Inbound exposes decoded inbound chat messages, including echoes of
// this user's own sends and ack confirmations.
func (c *Channel) Inbound() <-chan Message { return c.messages }

// Receipts exposes far-end read receipts.
func (c *Channel) Receipts() <-chan ReadReceipt { return c.receipts }

// Connected reports whether the connection is live.
func (c *Channel) Connected() bool {
	c.connectedMu.RLock()
	v := c.connected
	c.connectedMu.RUnlock()
	return v
}

// Retry requests a manual reconnect after the channel entered the
// failed state. A no-op in any other state.
func (c *Channel) Retry() {
	select {
	case c.retryCh <- struct{}{}:
	default:
	}
}

// Send submits a message to the event loop for delivery. The returned
// error reports write failure only; confirmation arrives later as an
// echo or ack on Inbound.
func (c *Channel) Send(ctx context.Context, receiverID, content, clientRef string) error {
	if !c.Connected() {
		return cherrors.ErrNotConnected
	}

	op := sendOp{
		msg: SendMessage{
			Op:         "send",
			ReceiverID: receiverID,
			Content:    content,
			ClientRef:  clientRef,
		},
		result: make(chan error, 1),
	}

	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cleanly shuts down the connection.
func (c *Channel) Close() error {
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

func (c *Channel) dialWebSocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, "wss://"+c.host, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	return conn, nil
}

// connect dials the WebSocket, sends the hello, and waits for auth
// confirmation.
func (c *Channel) connect(ctx context.Context) error {
	if c.connCancel != nil {
		c.connCancel()
	}

	c.logger.Debug("connecting", slog.String("host", c.host))

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.touchLastMessage()

	hello := HelloMessage{
		Op:     "hello",
		Token:  c.token,
		UserID: c.userID,
		Device: c.device,
	}
	if err := c.writeJSON(ctx, hello); err != nil {
		c.conn.Close(websocket.StatusInternalError, "hello failed")
		return fmt.Errorf("sending hello: %w", err)
	}

	var resp HelloResponse
	if err := c.readJSON(ctx, &resp); err != nil {
		c.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading hello response: %w", err)
	}
	if resp.Res != "ok" {
		c.conn.Close(websocket.StatusNormalClosure, "auth failed")
		return fmt.Errorf("auth failed: %s", resp.Res)
	}

	c.logger.Info("channel authenticated", slog.String("user_id", resp.UserID))
	return nil
}

// startReader launches a goroutine that reads frames into inboundCh.
// The channel is captured by value so a stale reader from a previous
// connection cannot feed the new loop.
func (c *Channel) startReader(connCtx context.Context) {
	ch := make(chan inboundFrame, inboundChanSize)
	c.inboundCh = ch
	conn := c.conn
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundFrame{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Run drives the connection lifecycle until ctx is cancelled:
// connecting → connected, reconnecting with backoff on drops, failed
// after exhausting attempts or on a permanent error, re-entering
// connecting on Retry. Run only ever returns ctx.Err().
func (c *Channel) Run(ctx context.Context) error {
	backoff := reconnectMin
	attempts := 0

	c.emitState(StateConnecting)

	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			attempts++
			if isPermanentError(err) || (c.maxAttempts > 0 && attempts >= c.maxAttempts) {
				c.logger.Warn("connection failed permanently",
					slog.String("error", err.Error()),
					slog.Int("attempts", attempts),
				)
				c.emitState(StateFailed)
				if err := c.awaitRetry(ctx); err != nil {
					return err
				}
				attempts = 0
				backoff = reconnectMin
				c.emitState(StateConnecting)
				continue
			}

			c.logger.Warn("connect failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			if err := c.sleep(ctx, backoff+c.jitter(backoff/jitterDivisor)); err != nil {
				return err
			}
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
			c.emitState(StateReconnecting)
			continue
		}

		attempts = 0
		backoff = reconnectMin

		connCtx, connCancel := context.WithCancel(ctx)
		c.connCancel = connCancel
		c.startReader(connCtx)
		c.setConnected(true)
		c.emitState(StateConnected)

		err := c.eventLoop(ctx, connCtx)

		c.setConnected(false)
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		c.emitState(StateReconnecting)
		if err := c.sleep(ctx, backoff+c.jitter(backoff/jitterDivisor)); err != nil {
			return err
		}
		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

// eventLoop is the single event loop for one connection. All writes
// happen here. Returns on read error, heartbeat timeout, or context
// cancellation.
func (c *Channel) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.inboundCh:
			if frame.err != nil {
				return fmt.Errorf("reading frame: %w", frame.err)
			}
			c.touchLastMessage()

			if frame.typ != websocket.MessageText {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(frame.data)))
				continue
			}
			c.handleInbound(connCtx, frame.data)

		case op := <-c.opCh:
			err := c.writeJSON(ctx, op.msg)
			op.result <- err
			if err != nil {
				// Write failure means the connection is dead. Trigger
				// reconnect; the caller already got the error.
				return fmt.Errorf("writing send: %w", err)
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("connection timed out, closing")
				c.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}
			if elapsed > pingAfter {
				if err := c.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound decodes one text frame and routes it to the appropriate
// stream. Unparseable or unknown frames are logged and dropped.
func (c *Channel) handleInbound(connCtx context.Context, data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":
		return

	case "message":
		var ev MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("failed to decode message event", slog.String("error", err.Error()))
			return
		}
		select {
		case c.messages <- ev.Message:
		case <-connCtx.Done():
		}

	case "ack":
		var ev AckMessage
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("failed to decode ack", slog.String("error", err.Error()))
			return
		}
		// An ack confirms a send with the server-assigned copy. Deliver
		// it on the message stream; reconciliation treats echoes and
		// acks identically.
		select {
		case c.messages <- ev.Message:
		case <-connCtx.Done():
		}

	case "receipt":
		var ev ReceiptEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("failed to decode receipt", slog.String("error", err.Error()))
			return
		}
		select {
		case c.receipts <- ReadReceipt{MessageID: ev.MessageID}:
		case <-connCtx.Done():
		}

	default:
		c.logger.Debug("unexpected frame", slog.String("op", op))
	}
}

// emitState publishes a state transition. The stream never blocks the
// lifecycle: on overflow the oldest value is dropped so the newest
// always lands.
func (c *Channel) emitState(s State) {
	for {
		select {
		case c.states <- s:
			return
		default:
			select {
			case <-c.states:
			default:
			}
		}
	}
}

func (c *Channel) awaitRetry(ctx context.Context) error {
	select {
	case <-c.retryCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

func (c *Channel) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame. Only called from
// the event loop or during connect (before the loop starts).
func (c *Channel) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only called
// during connect.
func (c *Channel) readJSON(ctx context.Context, v interface{}) error {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	c.touchLastMessage()
	return json.Unmarshal(data, v)
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "auth failed")
}
