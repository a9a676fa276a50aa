package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	cherrors "github.com/murmurapp/chatsync/internal/errors"
	"github.com/murmurapp/chatsync/internal/logging"
)

// newTestChannel creates a channel with deterministic jitter and a quiet
// logger. No connection is attached.
func newTestChannel(t *testing.T) *Channel {
	t.Helper()

	c := NewChannel(ChannelConfig{
		Host:   "push.test",
		Token:  "tok-1",
		UserID: "user-a",
		Device: "test-device",
	}, logging.Discard())
	c.jitter = func(time.Duration) time.Duration { return 0 }

	return c
}

func withMockConn(t *testing.T, ctrl *gomock.Controller) (*Channel, *MockWSConn) {
	t.Helper()

	c := newTestChannel(t)
	mock := NewMockWSConn(ctrl)
	c.conn = mock

	return c, mock
}

// --- writeJSON / readJSON ---

func TestWriteJSON_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mock := withMockConn(t, ctrl)

	msg := map[string]string{"op": "ping"}
	expected, _ := json.Marshal(msg)

	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, expected).Return(nil)

	assert.NoError(t, c.writeJSON(context.Background(), msg))
}

func TestWriteJSON_WriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mock := withMockConn(t, ctrl)

	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		Return(fmt.Errorf("connection reset"))

	err := c.writeJSON(context.Background(), map[string]string{"op": "ping"})
	assert.ErrorContains(t, err, "connection reset")
}

func TestWriteJSON_MarshalError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, _ := withMockConn(t, ctrl)

	// Channels cannot be marshalled to JSON.
	err := c.writeJSON(context.Background(), make(chan int))
	assert.ErrorContains(t, err, "marshalling message")
}

func TestReadJSON_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mock := withMockConn(t, ctrl)

	data, _ := json.Marshal(HelloResponse{Res: "ok", UserID: "user-a"})
	mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, data, nil)

	var resp HelloResponse
	require.NoError(t, c.readJSON(context.Background(), &resp))
	assert.Equal(t, "ok", resp.Res)
	assert.Equal(t, "user-a", resp.UserID)
}

func TestReadJSON_ReadError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mock := withMockConn(t, ctrl)

	mock.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageType(0), nil, fmt.Errorf("connection reset"))

	var resp HelloResponse
	assert.ErrorContains(t, c.readJSON(context.Background(), &resp), "reading message")
}

// --- connect handshake ---

func TestConnect_HelloHandshake(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestChannel(t)
	mock := NewMockWSConn(ctrl)
	c.dial = func(ctx context.Context) (wsConn, error) { return mock, nil }

	var hello HelloMessage
	okResp, _ := json.Marshal(HelloResponse{Res: "ok", UserID: "user-a"})

	gomock.InOrder(
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
			DoAndReturn(func(ctx context.Context, typ websocket.MessageType, data []byte) error {
				return json.Unmarshal(data, &hello)
			}),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, okResp, nil),
	)

	require.NoError(t, c.connect(context.Background()))

	assert.Equal(t, "hello", hello.Op)
	assert.Equal(t, "tok-1", hello.Token)
	assert.Equal(t, "user-a", hello.UserID)
	assert.Equal(t, "test-device", hello.Device)
}

func TestConnect_AuthRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestChannel(t)
	mock := NewMockWSConn(ctrl)
	c.dial = func(ctx context.Context) (wsConn, error) { return mock, nil }

	badResp, _ := json.Marshal(HelloResponse{Res: "invalid token"})

	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
	mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, badResp, nil)
	mock.EXPECT().Close(websocket.StatusNormalClosure, "auth failed").Return(nil)

	err := c.connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")
	assert.True(t, isPermanentError(err))
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, isPermanentError(nil))
	assert.False(t, isPermanentError(fmt.Errorf("connection refused")))
	assert.True(t, isPermanentError(fmt.Errorf("auth failed: invalid token")))
}

// --- Send ---

func TestSend_NotConnected(t *testing.T) {
	c := newTestChannel(t)

	err := c.Send(context.Background(), "user-b", "hello", "local-1")
	assert.ErrorIs(t, err, cherrors.ErrNotConnected)
}

func TestEventLoop_ProcessesSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mock := withMockConn(t, ctrl)
	c.setConnected(true)
	c.touchLastMessage()

	var sent SendMessage
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(ctx context.Context, typ websocket.MessageType, data []byte) error {
			return json.Unmarshal(data, &sent)
		})

	ctx, cancel := context.WithCancel(context.Background())
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- c.eventLoop(ctx, connCtx) }()

	require.NoError(t, c.Send(ctx, "user-b", "hello there", "local-1"))
	cancel()
	assert.ErrorIs(t, <-loopDone, context.Canceled)

	assert.Equal(t, "send", sent.Op)
	assert.Equal(t, "user-b", sent.ReceiverID)
	assert.Equal(t, "hello there", sent.Content)
	assert.Equal(t, "local-1", sent.ClientRef)
}

func TestEventLoop_SendWriteErrorEndsLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mock := withMockConn(t, ctrl)
	c.setConnected(true)
	c.touchLastMessage()

	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		Return(fmt.Errorf("broken pipe"))

	ctx := context.Background()
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- c.eventLoop(ctx, connCtx) }()

	err := c.Send(ctx, "user-b", "hello", "local-1")
	assert.ErrorContains(t, err, "broken pipe")

	loopErr := <-loopDone
	assert.ErrorContains(t, loopErr, "writing send")
}

// --- inbound routing ---

func TestHandleInbound_Message(t *testing.T) {
	c := newTestChannel(t)

	c.handleInbound(context.Background(),
		[]byte(`{"op":"message","message":{"id":"m1","senderId":"user-b","receiverId":"user-a","content":"hi","createdAt":100}}`))

	select {
	case m := <-c.Inbound():
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "user-b", m.SenderID)
	default:
		t.Fatal("expected a message on the inbound stream")
	}
}

func TestHandleInbound_AckDeliveredAsMessage(t *testing.T) {
	c := newTestChannel(t)

	c.handleInbound(context.Background(),
		[]byte(`{"op":"ack","message":{"id":"srv-1","senderId":"user-a","receiverId":"user-b","content":"hi","createdAt":100,"clientRef":"local-1"}}`))

	select {
	case m := <-c.Inbound():
		assert.Equal(t, "srv-1", m.ID)
		assert.Equal(t, "local-1", m.ClientRef)
	default:
		t.Fatal("expected the ack's message on the inbound stream")
	}
}

func TestHandleInbound_Receipt(t *testing.T) {
	c := newTestChannel(t)

	c.handleInbound(context.Background(), []byte(`{"op":"receipt","messageId":"m1"}`))

	select {
	case r := <-c.Receipts():
		assert.Equal(t, "m1", r.MessageID)
	default:
		t.Fatal("expected a receipt")
	}
}

func TestHandleInbound_IgnoresPongUnknownAndGarbage(t *testing.T) {
	c := newTestChannel(t)

	c.handleInbound(context.Background(), []byte(`{"op":"pong"}`))
	c.handleInbound(context.Background(), []byte(`{"op":"mystery"}`))
	c.handleInbound(context.Background(), []byte(`not json`))
	c.handleInbound(context.Background(), []byte(`{"op":"message","message":`))

	select {
	case m := <-c.Inbound():
		t.Fatalf("unexpected message: %+v", m)
	default:
	}
	select {
	case r := <-c.Receipts():
		t.Fatalf("unexpected receipt: %+v", r)
	default:
	}
}

// --- heartbeat (synctest) ---

func TestEventLoop_SendsPingAfterIdle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c, mock := withMockConn(t, ctrl)
		ctx, cancel := context.WithCancel(t.Context())

		// lastMessage is "now" in the fake clock. When the ticker fires
		// at +20s, elapsed (20s) > pingAfter (10s) but < disconnectAfter
		// (120s), so a ping goes out.
		c.touchLastMessage()

		pingData, _ := json.Marshal(map[string]string{"op": "ping"})
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, pingData).
			DoAndReturn(func(ctx context.Context, typ websocket.MessageType, data []byte) error {
				cancel()
				return nil
			})

		connCtx, connCancel := context.WithCancel(ctx)
		t.Cleanup(func() { connCancel() })

		err := c.eventLoop(ctx, connCtx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEventLoop_HeartbeatTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c, mock := withMockConn(t, ctrl)

		// lastMessage stays zero-valued, so elapsed is enormous on the
		// first ticker fire and the disconnect path triggers.
		mock.EXPECT().Close(websocket.StatusGoingAway, "timeout").Return(nil)

		connCtx, connCancel := context.WithCancel(t.Context())
		t.Cleanup(func() { connCancel() })

		err := c.eventLoop(t.Context(), connCtx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "heartbeat timeout")
	})
}

// --- Run lifecycle ---

func TestRun_BackoffScheduleThenFailed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := newTestChannel(t)
		c.maxAttempts = 3

		start := time.Now()
		var attempts []time.Duration
		c.dial = func(ctx context.Context) (wsConn, error) {
			attempts = append(attempts, time.Since(start))
			return nil, fmt.Errorf("connection refused")
		}

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()

		assert.Equal(t, StateConnecting, <-c.States())
		assert.Equal(t, StateReconnecting, <-c.States())
		assert.Equal(t, StateReconnecting, <-c.States())
		assert.Equal(t, StateFailed, <-c.States())

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		// 2s after the first failure, then 4s more after the second.
		require.Len(t, attempts, 3)
		assert.Equal(t, time.Duration(0), attempts[0])
		assert.Equal(t, 2*time.Second, attempts[1])
		assert.Equal(t, 6*time.Second, attempts[2])
	})
}

func TestRun_RetryAfterFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestChannel(t)
	c.maxAttempts = 1

	mock := NewMockWSConn(ctrl)
	okResp, _ := json.Marshal(HelloResponse{Res: "ok", UserID: "user-a"})
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
	first := mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, okResp, nil)
	mock.EXPECT().Read(gomock.Any()).After(first).DoAndReturn(
		func(ctx context.Context) (websocket.MessageType, []byte, error) {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		}).AnyTimes()

	dials := 0
	c.dial = func(ctx context.Context) (wsConn, error) {
		dials++
		if dials == 1 {
			return nil, fmt.Errorf("connection refused")
		}
		return mock, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, StateConnecting, <-c.States())
	assert.Equal(t, StateFailed, <-c.States())
	assert.False(t, c.Connected())

	c.Retry()

	assert.Equal(t, StateConnecting, <-c.States())
	assert.Equal(t, StateConnected, <-c.States())
	assert.True(t, c.Connected())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, c.Connected())
}

func TestEmitState_DropsOldestOnOverflow(t *testing.T) {
	c := newTestChannel(t)

	for range stateChanSize + 5 {
		c.emitState(StateReconnecting)
	}
	c.emitState(StateConnected)

	var last State
	for {
		select {
		case s := <-c.states:
			last = s
			continue
		default:
		}
		break
	}
	assert.Equal(t, StateConnected, last)
}
