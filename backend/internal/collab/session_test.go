package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/chat"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/presence"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/schemasync"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/transport"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/wire"
)

// hubSocket fakes the server side of the wire: it records what the session
// sends and lets a test inject inbound envelopes.
type hubSocket struct {
	mu        sync.Mutex
	inbound   chan []byte
	sent      []wire.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newHubSocket() *hubSocket {
	return &hubSocket{inbound: make(chan []byte, 32), closed: make(chan struct{})}
}

func (h *hubSocket) ReadMessage() (int, []byte, error) {
	select {
	case b := <-h.inbound:
		return websocket.TextMessage, b, nil
	case <-h.closed:
		return 0, nil, errors.New("use of closed socket")
	}
}

func (h *hubSocket) WriteMessage(_ int, data []byte) error {
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.sent = append(h.sent, env)
	h.mu.Unlock()
	return nil
}

func (h *hubSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (h *hubSocket) SetReadDeadline(time.Time) error { return nil }
func (h *hubSocket) SetPongHandler(func(string) error) {}
func (h *hubSocket) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *hubSocket) inject(t *testing.T, typ wire.MessageType, userID, userName string, ts int64, payload any) {
	t.Helper()
	env := wire.Envelope{Type: typ, UserID: userID, UserName: userName, Timestamp: ts}
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = b
	}
	b, err := wire.Encode(env)
	require.NoError(t, err)
	h.inbound <- b
}

func (h *hubSocket) sentOfType(typ wire.MessageType) []wire.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []wire.Envelope
	for _, env := range h.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func singleSocketDialer(sock *hubSocket) transport.Dialer {
	return func(context.Context, string) (transport.Socket, error) {
		return sock, nil
	}
}

func testOptions(sock *hubSocket) Options {
	return Options{
		ServerURL:      "ws://test/collab/ws",
		Token:          "tok",
		Dial:           singleSocketDialer(sock),
		BackoffBase:    time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
		CursorInterval: 20 * time.Millisecond,
	}
}

func startSession(t *testing.T, cb Callbacks, opt Options) (*Session, *hubSocket) {
	t.Helper()
	var sock *hubSocket
	if opt.Dial == nil {
		sock = newHubSocket()
		opt = testOptions(sock)
	}
	s := NewSession("form-1", "me", "Me", cb, opt)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	require.Eventually(t, func() bool { return s.State() == transport.StateConnected }, 2*time.Second, time.Millisecond)
	return s, sock
}

func TestSessionAnnouncesJoinOnConnect(t *testing.T) {
	s, sock := startSession(t, Callbacks{}, Options{})

	require.Eventually(t, func() bool { return len(sock.sentOfType(wire.TypeUserJoined)) == 1 }, 2*time.Second, time.Millisecond)
	joins := sock.sentOfType(wire.TypeUserJoined)
	assert.Equal(t, "me", joins[0].UserID)
	assert.Equal(t, "Me", joins[0].UserName)

	p, err := wire.DecodeJoined(joins[0])
	require.NoError(t, err)
	assert.NotZero(t, p.JoinedAt)
	_ = s
}

func TestPeerPresenceFlow(t *testing.T) {
	var presenceMu sync.Mutex
	var lastPresence []presence.Collaborator
	var chats []chat.Entry

	cb := Callbacks{
		OnPresenceChange: func(others []presence.Collaborator) {
			presenceMu.Lock()
			lastPresence = others
			presenceMu.Unlock()
		},
		OnChatMessage: func(e chat.Entry) {
			presenceMu.Lock()
			chats = append(chats, e)
			presenceMu.Unlock()
		},
	}
	s, sock := startSession(t, cb, Options{})

	now := wire.Now()
	sock.inject(t, wire.TypeUserJoined, "u2", "Bea", now, wire.JoinedPayload{JoinedAt: now})
	require.Eventually(t, func() bool { return len(s.Others()) == 1 }, 2*time.Second, time.Millisecond)

	sock.inject(t, wire.TypeCursorMove, "u2", "Bea", now+1, wire.CursorPayload{X: 40, Y: 80})
	require.Eventually(t, func() bool {
		others := s.Others()
		return len(others) == 1 && others[0].Cursor != nil && others[0].Cursor.X == 40
	}, 2*time.Second, time.Millisecond)

	field := "field-7"
	sock.inject(t, wire.TypeFieldSelect, "u2", "Bea", now+2, wire.FieldSelectPayload{FieldID: &field})
	require.Eventually(t, func() bool {
		return len(s.EditorsOn("field-7")) == 1
	}, 2*time.Second, time.Millisecond)

	sock.inject(t, wire.TypeChat, "u2", "Bea", now+3, wire.ChatPayload{Message: "hello"})
	require.Eventually(t, func() bool {
		presenceMu.Lock()
		defer presenceMu.Unlock()
		return len(chats) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "hello", chats[0].Message)
	// Chat hidden by default: the peer message counts as unseen, and the
	// system join notice does too.
	assert.Equal(t, 2, s.UnseenChat())

	sock.inject(t, wire.TypeUserLeft, "u2", "Bea", now+4, nil)
	require.Eventually(t, func() bool { return len(s.Others()) == 0 }, 2*time.Second, time.Millisecond)

	presenceMu.Lock()
	assert.Empty(t, lastPresence)
	presenceMu.Unlock()
}

func TestOwnEchoesIgnored(t *testing.T) {
	s, sock := startSession(t, Callbacks{}, Options{})

	now := wire.Now()
	// The hub broadcasts our own envelopes back on some paths; none of them
	// may create a self presence record or duplicate chat entries.
	sock.inject(t, wire.TypeUserJoined, "me", "Me", now, wire.JoinedPayload{JoinedAt: now})
	sock.inject(t, wire.TypeChat, "me", "Me", now+1, wire.ChatPayload{Message: "echo"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Others())
	assert.Equal(t, 0, len(s.Transcript()))
}

func TestSchemaUpdateOptimisticThenConfirmed(t *testing.T) {
	updates := make(chan json.RawMessage, 4)
	cb := Callbacks{OnSchemaUpdate: func(schema json.RawMessage) { updates <- schema }}
	s, sock := startSession(t, cb, Options{})

	require.NoError(t, s.UpdateSchema(json.RawMessage(`{"fields":["a"]}`)))
	assert.EqualValues(t, 1, s.Schema().Version)

	require.Eventually(t, func() bool { return len(sock.sentOfType(wire.TypeSchemaUpdate)) == 1 }, 2*time.Second, time.Millisecond)
	p, err := wire.DecodeSchemaUpdate(sock.sentOfType(wire.TypeSchemaUpdate)[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.Version)

	// The hub's echo of our accepted edit confirms, it must not re-render.
	sock.inject(t, wire.TypeSchemaUpdate, "me", "Me", wire.Now(), wire.SchemaUpdatePayload{
		Schema: json.RawMessage(`{"fields":["a"]}`), Version: 1,
	})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, updates)
	assert.EqualValues(t, 1, s.Schema().Version)
}

func TestConcurrentPeerEditSupersedesWithRebase(t *testing.T) {
	updates := make(chan json.RawMessage, 4)
	rebases := make(chan schemasync.Snapshot, 4)
	cb := Callbacks{
		OnSchemaUpdate: func(schema json.RawMessage) { updates <- schema },
		OnRebase:       func(sn schemasync.Snapshot) { rebases <- sn },
	}
	s, sock := startSession(t, cb, Options{})

	require.NoError(t, s.UpdateSchema(json.RawMessage(`{"mine":true}`)))

	// A peer's concurrent edit won the same version at the hub.
	sock.inject(t, wire.TypeSchemaUpdate, "u2", "Bea", wire.Now(), wire.SchemaUpdatePayload{
		Schema: json.RawMessage(`{"theirs":true}`), Version: 1,
	})

	select {
	case schema := <-updates:
		assert.JSONEq(t, `{"theirs":true}`, string(schema))
	case <-time.After(2 * time.Second):
		t.Fatal("peer schema never applied")
	}
	select {
	case rb := <-rebases:
		assert.JSONEq(t, `{"mine":true}`, string(rb.Schema))
	case <-time.After(2 * time.Second):
		t.Fatal("superseded edit never surfaced for rebase")
	}
	assert.JSONEq(t, `{"theirs":true}`, string(s.Schema().Schema))
}

func TestFieldModeUpdates(t *testing.T) {
	sock := newHubSocket()
	opt := testOptions(sock)
	opt.FieldMode = true
	updates := make(chan json.RawMessage, 4)
	s, _ := startSession(t, Callbacks{OnSchemaUpdate: func(p json.RawMessage) { updates <- p }}, opt)

	require.NoError(t, s.UpdateField("title", json.RawMessage(`{"label":"Name"}`)))
	require.Eventually(t, func() bool { return len(sock.sentOfType(wire.TypeSchemaUpdate)) == 1 }, 2*time.Second, time.Millisecond)
	p, err := wire.DecodeSchemaUpdate(sock.sentOfType(wire.TypeSchemaUpdate)[0])
	require.NoError(t, err)
	assert.Equal(t, "title", p.FieldID)
	assert.EqualValues(t, 1, p.Clock)

	// Peer edit to a different field lands independently.
	sock.inject(t, wire.TypeSchemaUpdate, "u2", "Bea", wire.Now(), wire.SchemaUpdatePayload{
		FieldID: "email", Patch: json.RawMessage(`{"required":true}`), Clock: 1,
	})
	select {
	case patch := <-updates:
		assert.JSONEq(t, `{"required":true}`, string(patch))
	case <-time.After(2 * time.Second):
		t.Fatal("field patch never applied")
	}
}

func TestFieldUpdateRequiresFieldMode(t *testing.T) {
	s, _ := startSession(t, Callbacks{}, Options{})
	assert.Error(t, s.UpdateField("title", json.RawMessage(`{}`)))
}

func TestCursorMovesCoalesced(t *testing.T) {
	s, sock := startSession(t, Callbacks{}, Options{})

	for i := 0; i < 20; i++ {
		s.MoveCursor(float64(i), float64(i))
	}

	// One immediate send plus one trailing send with the final position.
	require.Eventually(t, func() bool { return len(sock.sentOfType(wire.TypeCursorMove)) >= 2 }, 2*time.Second, time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	moves := sock.sentOfType(wire.TypeCursorMove)
	assert.LessOrEqual(t, len(moves), 3)
	last, err := wire.DecodeCursor(moves[len(moves)-1])
	require.NoError(t, err)
	assert.Equal(t, 19.0, last.X)
}

func TestChatOrderingSurvivesJitter(t *testing.T) {
	s, sock := startSession(t, Callbacks{}, Options{})

	base := wire.Now()
	// Later message arrives first.
	sock.inject(t, wire.TypeChat, "u2", "Bea", base+100, wire.ChatPayload{Message: "second"})
	sock.inject(t, wire.TypeChat, "u3", "Cal", base+50, wire.ChatPayload{Message: "first"})

	require.Eventually(t, func() bool { return len(s.Transcript()) == 2 }, 2*time.Second, time.Millisecond)
	tr := s.Transcript()
	assert.Equal(t, "first", tr[0].Message)
	assert.Equal(t, "second", tr[1].Message)
}

func TestStalePeerExpires(t *testing.T) {
	sock := newHubSocket()
	opt := testOptions(sock)
	opt.PresenceTimeout = 60 * time.Millisecond
	opt.SweepInterval = 20 * time.Millisecond
	s, _ := startSession(t, Callbacks{}, opt)

	now := wire.Now()
	sock.inject(t, wire.TypeUserJoined, "u2", "Bea", now, wire.JoinedPayload{JoinedAt: now})
	require.Eventually(t, func() bool { return len(s.Others()) == 1 }, 2*time.Second, time.Millisecond)

	// No further envelopes from u2: the sweep removes it and notes the exit.
	require.Eventually(t, func() bool { return len(s.Others()) == 0 }, 2*time.Second, time.Millisecond)
	var sawNotice bool
	for _, e := range s.Transcript() {
		if e.UserID == chat.SystemSenderID && e.Message == "Bea left" {
			sawNotice = true
		}
	}
	assert.True(t, sawNotice)
}

func TestReconnectReannounces(t *testing.T) {
	sock1 := newHubSocket()
	sock2 := newHubSocket()
	var dials int
	var mu sync.Mutex
	dial := func(context.Context, string) (transport.Socket, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return sock1, nil
		}
		return sock2, nil
	}

	states := make(chan transport.State, 16)
	opt := testOptions(sock1)
	opt.Dial = dial
	cb := Callbacks{OnConnectionStateChange: func(st transport.State) { states <- st }}
	s, _ := startSession(t, cb, opt)

	require.Eventually(t, func() bool { return len(sock1.sentOfType(wire.TypeUserJoined)) == 1 }, 2*time.Second, time.Millisecond)
	first, err := wire.DecodeJoined(sock1.sentOfType(wire.TypeUserJoined)[0])
	require.NoError(t, err)

	sock1.Close()
	require.Eventually(t, func() bool { return len(sock2.sentOfType(wire.TypeUserJoined)) == 1 }, 2*time.Second, time.Millisecond)

	// Same JoinedAt on re-announce, so peers keep our original join order.
	second, err := wire.DecodeJoined(sock2.sentOfType(wire.TypeUserJoined)[0])
	require.NoError(t, err)
	assert.Equal(t, first.JoinedAt, second.JoinedAt)
	_ = s
}

func TestSessionURLTokenPlacement(t *testing.T) {
	assert.Equal(t, "ws://h/ws?token=abc", sessionURL("ws://h/ws", "abc"))
	assert.Equal(t, "ws://h/ws?v=1&token=abc", sessionURL("ws://h/ws?v=1", "abc"))
	assert.Equal(t, "ws://h/ws", sessionURL("ws://h/ws", ""))
	assert.Equal(t, "ws://h/ws?token=a%2Fb", sessionURL("ws://h/ws", "a/b"))
}

func TestCloseSendsLeaveNotice(t *testing.T) {
	s, sock := startSession(t, Callbacks{}, Options{})
	require.Eventually(t, func() bool { return len(sock.sentOfType(wire.TypeUserJoined)) == 1 }, 2*time.Second, time.Millisecond)

	s.Close()
	assert.Len(t, sock.sentOfType(wire.TypeUserLeft), 1)
	assert.Equal(t, transport.StateClosed, s.State())
}

func TestUnauthorizedSurfacesOnError(t *testing.T) {
	errs := make(chan error, 1)
	opt := testOptions(newHubSocket())
	opt.Dial = func(context.Context, string) (transport.Socket, error) {
		return nil, fmt.Errorf("%w: upgrade rejected with status 401", transport.ErrUnauthorized)
	}

	s := NewSession("form-1", "me", "Me", Callbacks{OnError: func(err error) { errs <- err }}, opt)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
	case <-time.After(2 * time.Second):
		t.Fatal("auth rejection never surfaced")
	}
}

// An edit the hub never confirmed comes back through OnRebase when the
// connection dies for good, so the editor's work is not lost.
func TestTerminalCloseReturnsUnconfirmedEdit(t *testing.T) {
	rebases := make(chan schemasync.Snapshot, 1)
	sock := newHubSocket()
	cb := Callbacks{OnRebase: func(s schemasync.Snapshot) { rebases <- s }}

	var mu sync.Mutex
	dials := 0
	opt := testOptions(sock)
	opt.MaxAttempts = 2
	opt.Dial = func(context.Context, string) (transport.Socket, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return sock, nil
		}
		return nil, errors.New("connection refused")
	}
	s, _ := startSession(t, cb, opt)

	require.NoError(t, s.UpdateSchema(json.RawMessage(`{"fields":["draft"]}`)))
	require.Eventually(t, func() bool { return len(sock.sentOfType(wire.TypeSchemaUpdate)) == 1 }, 2*time.Second, time.Millisecond)

	// The socket drops, every redial fails and the reconnect budget runs out.
	sock.Close()
	require.Eventually(t, func() bool { return s.State() == transport.StateClosed }, 2*time.Second, time.Millisecond)

	select {
	case snap := <-rebases:
		assert.JSONEq(t, `{"fields":["draft"]}`, string(snap.Schema))
		assert.EqualValues(t, 1, snap.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("unconfirmed edit never came back")
	}
}
