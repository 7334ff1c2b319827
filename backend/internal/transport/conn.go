package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/wire"
)

// State is the transport connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

var (
	// ErrClosed is returned by Send once the connection is closed; the
	// caller must re-invoke Connect to start over.
	ErrClosed = errors.New("CONNECTION_CLOSED")
	// ErrUnauthorized marks a rejected session token. Fatal for the session:
	// the UI must prompt re-authentication instead of retrying forever.
	ErrUnauthorized = errors.New("SESSION_TOKEN_REJECTED")
	// ErrRetriesExhausted marks a reconnect budget spent without success.
	ErrRetriesExhausted = errors.New("RECONNECT_ATTEMPTS_EXHAUSTED")
	// ErrAlreadyStarted is returned by Connect while a run loop is active.
	ErrAlreadyStarted = errors.New("CONNECT_ALREADY_RUNNING")
)

// Socket is the surface of a websocket connection the transport needs.
// *websocket.Conn satisfies it; tests substitute fakes.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a Socket against the hub. The session token travels in the
// URL query because browsers cannot set custom headers on an upgrade.
type Dialer func(ctx context.Context, url string) (Socket, error)

// WebsocketDialer dials with gorilla's default dialer. A 401/403 on the
// upgrade is surfaced as ErrUnauthorized so the caller can distinguish it
// from a recoverable transport failure.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, url string) (Socket, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, fmt.Errorf("%w: upgrade rejected with status %d", ErrUnauthorized, resp.StatusCode)
			}
			return nil, err
		}
		return conn, nil
	}
}

type Options struct {
	URL  string
	Dial Dialer

	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxAttempts is the reconnect budget; exceeding it closes the
	// connection with ErrRetriesExhausted.
	MaxAttempts int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// QueueSize bounds the reconnect send buffer (oldest dropped first).
	QueueSize int

	// OnState observes every state transition. err is non-nil only for a
	// terminal close (auth rejection, exhausted retries, canceled context).
	OnState func(s State, err error)
	// OnMessage receives every inbound frame.
	OnMessage func(frame []byte)
}

func (o *Options) withDefaults() {
	if o.Dial == nil {
		o.Dial = WebsocketDialer()
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 250 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
}

// Conn maintains exactly one live bidirectional channel per session
// participant and presents the connect/send/disconnect state machine to the
// rest of the core.
type Conn struct {
	opt Options

	mu      sync.Mutex
	state   State
	sock    Socket
	backoff Backoff
	// gen invalidates a run loop that outlives Disconnect+Connect.
	gen int

	// writeMu serializes data writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	queue *SendQueue
}

func NewConn(opt Options) *Conn {
	opt.withDefaults()
	return &Conn{
		opt:     opt,
		state:   StateDisconnected,
		backoff: Backoff{Base: opt.BackoffBase, Max: opt.BackoffMax},
		queue:   NewSendQueue(opt.QueueSize),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection. Valid from disconnected or closed; a closed
// connection re-enters connecting with a fresh backoff counter.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected, StateClosed:
	default:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.gen++
	gen := c.gen
	c.backoff.Reset()
	c.state = StateConnecting
	cb := c.opt.OnState
	c.mu.Unlock()
	if cb != nil {
		cb(StateConnecting, nil)
	}
	go c.run(ctx, gen)
	return nil
}

// Disconnect closes the connection. Terminal until Connect is re-invoked.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	sock := c.sock
	c.sock = nil
	cb := c.opt.OnState
	c.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
	if cb != nil {
		cb(StateClosed, nil)
	}
}

// Send transmits immediately when connected, buffers while the connection is
// being (re)established, and fails fast once closed.
func (c *Conn) Send(env wire.Envelope) error {
	c.mu.Lock()
	state := c.state
	sock := c.sock
	c.mu.Unlock()

	switch state {
	case StateConnected:
		if sock == nil {
			c.queue.Push(env)
			return nil
		}
		b, err := wire.Encode(env)
		if err != nil {
			return err
		}
		c.writeMu.Lock()
		err = sock.WriteMessage(websocket.TextMessage, b)
		c.writeMu.Unlock()
		if err != nil {
			// The read loop will notice the failure and drive the reconnect;
			// keep the envelope for the post-reconnect flush.
			c.queue.Push(env)
		}
		return nil
	case StateConnecting, StateReconnecting:
		if c.queue.Push(env) {
			log.Printf("transport: send buffer full, dropped oldest envelope")
		}
		return nil
	default:
		return ErrClosed
	}
}

// Buffered returns how many envelopes wait for the next flush.
func (c *Conn) Buffered() int { return c.queue.Len() }

func (c *Conn) run(ctx context.Context, gen int) {
	for {
		sock, err := c.opt.Dial(ctx, c.opt.URL)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.transition(gen, StateClosed, err)
				return
			}
			if ctx.Err() != nil {
				c.transition(gen, StateClosed, ctx.Err())
				return
			}
			log.Printf("transport: dial failed: %v", err)
			if !c.delayRetry(ctx, gen) {
				return
			}
			continue
		}

		c.mu.Lock()
		if gen != c.gen || c.state == StateClosed {
			c.mu.Unlock()
			sock.Close()
			return
		}
		c.sock = sock
		c.backoff.Reset()
		c.mu.Unlock()
		c.transition(gen, StateConnected, nil)

		c.flush(sock)
		c.serve(ctx, sock)
		sock.Close()

		c.mu.Lock()
		stale := gen != c.gen || c.state == StateClosed
		if !stale {
			c.sock = nil
		}
		c.mu.Unlock()
		if stale {
			return
		}
		if ctx.Err() != nil {
			c.transition(gen, StateClosed, ctx.Err())
			return
		}
		if !c.delayRetry(ctx, gen) {
			return
		}
	}
}

// delayRetry enters reconnecting, waits out the next backoff interval and
// re-enters connecting. Returns false when the run loop must stop: reconnect
// budget exhausted, context canceled, or the connection was closed meanwhile.
func (c *Conn) delayRetry(ctx context.Context, gen int) bool {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	if c.backoff.Attempt() >= c.opt.MaxAttempts {
		c.mu.Unlock()
		c.transition(gen, StateClosed, ErrRetriesExhausted)
		return false
	}
	delay := withJitter(c.backoff.Next())
	c.mu.Unlock()

	c.transition(gen, StateReconnecting, nil)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		c.transition(gen, StateClosed, ctx.Err())
		return false
	}

	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	c.transition(gen, StateConnecting, nil)
	return true
}

// flush replays envelopes buffered during the outage, in original order. On
// a write failure the unsent remainder goes back into the queue for the next
// reconnect.
func (c *Conn) flush(sock Socket) {
	pending := c.queue.Drain()
	for i, env := range pending {
		b, err := wire.Encode(env)
		if err != nil {
			continue
		}
		c.writeMu.Lock()
		err = sock.WriteMessage(websocket.TextMessage, b)
		c.writeMu.Unlock()
		if err != nil {
			for _, rest := range pending[i:] {
				c.queue.Push(rest)
			}
			return
		}
	}
}

// serve runs the read loop and the heartbeat until the socket fails or is
// closed. Liveness: a ping every HeartbeatInterval, and the read deadline is
// only ever extended by a pong. A missing pong therefore times the read out,
// which lands on the same path as a hard transport failure.
func (c *Conn) serve(ctx context.Context, sock Socket) {
	deadline := func() time.Time {
		return time.Now().Add(c.opt.HeartbeatInterval + c.opt.HeartbeatTimeout)
	}
	_ = sock.SetReadDeadline(deadline())
	sock.SetPongHandler(func(string) error { return sock.SetReadDeadline(deadline()) })

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(c.opt.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opt.HeartbeatTimeout)); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	for {
		_, frame, err := sock.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && c.State() != StateClosed {
				log.Printf("transport: read failed: %v", err)
			}
			return
		}
		if c.opt.OnMessage != nil {
			c.opt.OnMessage(frame)
		}
	}
}

// transition applies a loop-driven state change unless the loop generation
// is stale or the connection already reached closed.
func (c *Conn) transition(gen int, s State, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.opt.OnState
	c.mu.Unlock()
	if cb != nil {
		cb(s, err)
	}
}
