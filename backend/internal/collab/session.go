package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/chat"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/presence"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/schemasync"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/transport"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/wire"
)

// Callbacks is the consumer contract: whatever renders collaboration state
// plugs in here. Every callback may be nil.
type Callbacks struct {
	OnSchemaUpdate          func(schema json.RawMessage)
	OnFieldSelect           func(userID string, fieldID *string)
	OnConnectionStateChange func(state transport.State)
	OnPresenceChange        func(others []presence.Collaborator)
	OnChatMessage           func(entry chat.Entry)
	// OnError receives terminal session errors: rejected token, exhausted
	// reconnect budget. Recoverable transport failures never reach it.
	OnError func(err error)
	// OnRebase re-presents a local schema edit that a concurrent peer edit
	// superseded, so the editor can re-apply it on top of the fresh schema.
	OnRebase func(superseded schemasync.Snapshot)
}

type Options struct {
	// ServerURL is the websocket endpoint, e.g. ws://host:8090/collab/ws.
	ServerURL string
	Token     string

	// Dial overrides the websocket dialer; tests inject fakes here.
	Dial transport.Dialer

	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	QueueSize         int

	// FieldMode switches the sync coordinator to per-field logical clocks.
	FieldMode bool

	// CursorInterval bounds cursor_move sends (latest-wins coalescing).
	CursorInterval time.Duration
	// PresenceTimeout is how long a silent collaborator stays visible.
	PresenceTimeout time.Duration
	// SweepInterval is how often stale presence records are collected.
	SweepInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.CursorInterval <= 0 {
		o.CursorInterval = 50 * time.Millisecond
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 45 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
}

// Session is one participant's collaborative editing context for a single
// form. It owns the transport connection, the presence registry mirror, the
// sync coordinator and the chat relay; nothing about it is global, so one
// process can run many sessions.
type Session struct {
	formID   string
	userID   string
	userName string

	conn     *transport.Conn
	router   *wire.Router
	registry *presence.Registry
	coord    *schemasync.Coordinator
	relay    *chat.Relay
	throttle *cursorThrottle
	cb       Callbacks
	opt      Options

	startedAt int64

	closeOnce sync.Once
	stopSweep chan struct{}
}

func NewSession(formID, userID, userName string, cb Callbacks, opt Options) *Session {
	opt.withDefaults()
	mode := schemasync.ModeSnapshot
	if opt.FieldMode {
		mode = schemasync.ModeFieldClock
	}
	s := &Session{
		formID:    formID,
		userID:    userID,
		userName:  userName,
		router:    wire.NewRouter(),
		registry:  presence.NewRegistry(opt.PresenceTimeout),
		coord:     schemasync.New(mode),
		relay:     chat.NewRelay(),
		cb:        cb,
		opt:       opt,
		startedAt: wire.Now(),
		stopSweep: make(chan struct{}),
	}
	s.throttle = newCursorThrottle(opt.CursorInterval, s.sendCursor)

	s.conn = transport.NewConn(transport.Options{
		URL:               sessionURL(opt.ServerURL, opt.Token),
		Dial:              opt.Dial,
		BackoffBase:       opt.BackoffBase,
		BackoffMax:        opt.BackoffMax,
		MaxAttempts:       opt.MaxAttempts,
		HeartbeatInterval: opt.HeartbeatInterval,
		HeartbeatTimeout:  opt.HeartbeatTimeout,
		QueueSize:         opt.QueueSize,
		OnState:           s.onConnState,
		OnMessage:         s.router.DispatchRaw,
	})

	s.router.Subscribe(wire.TypeUserJoined, s.handleJoined)
	s.router.Subscribe(wire.TypeUserLeft, s.handleLeft)
	s.router.Subscribe(wire.TypeCursorMove, s.handleCursor)
	s.router.Subscribe(wire.TypeFieldSelect, s.handleFieldSelect)
	s.router.Subscribe(wire.TypeSchemaUpdate, s.handleSchemaUpdate)
	s.router.Subscribe(wire.TypeChat, s.handleChat)
	s.router.SubscribeAll(func(env wire.Envelope) {
		if env.UserID != "" && env.UserID != s.userID {
			s.registry.Touch(env.UserID, env.Timestamp)
		}
	})

	return s
}

func sessionURL(serverURL, token string) string {
	if token == "" {
		return serverURL
	}
	sep := "?"
	if u, err := url.Parse(serverURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return serverURL + sep + "token=" + url.QueryEscape(token)
}

// Start opens the transport connection and begins the stale-presence sweep.
func (s *Session) Start(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	go s.sweepLoop()
	return nil
}

// Close sends a best-effort leaving notification and tears the connection
// down. Peers that miss the notice expire us via the heartbeat timeout.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
		s.throttle.Stop()
		if env, err := wire.NewEnvelope(wire.TypeUserLeft, s.userID, s.userName, struct{}{}); err == nil {
			_ = s.conn.Send(env)
		}
		s.conn.Disconnect()
	})
}

func (s *Session) UserID() string { return s.userID }
func (s *Session) FormID() string { return s.formID }
func (s *Session) State() transport.State { return s.conn.State() }

// Others returns the current collaborator set minus the local user, ordered
// by join time.
func (s *Session) Others() []presence.Collaborator {
	return s.registry.ListOthers(s.userID)
}

// EditorsOn exposes soft-lock contention for a field.
func (s *Session) EditorsOn(fieldID string) []string {
	return s.registry.SelectionsOn(fieldID)
}

func (s *Session) Schema() schemasync.Snapshot { return s.coord.Current() }

func (s *Session) Transcript() []chat.Entry { return s.relay.Entries() }
func (s *Session) UnseenChat() int { return s.relay.Unseen() }
func (s *Session) SetChatVisible(v bool) { s.relay.SetVisible(v) }

// MoveCursor reports the local cursor position. Calls are coalesced to at
// most one send per CursorInterval; the latest position wins.
func (s *Session) MoveCursor(x, y float64) {
	s.throttle.Offer(wire.CursorPayload{X: x, Y: y})
}

func (s *Session) sendCursor(p wire.CursorPayload) {
	env, err := wire.NewEnvelope(wire.TypeCursorMove, s.userID, s.userName, p)
	if err != nil {
		return
	}
	if err := s.conn.Send(env); err != nil {
		log.Printf("collab: cursor send failed: %v", err)
	}
}

// SelectField announces the local soft-lock selection (nil clears it).
func (s *Session) SelectField(fieldID *string) error {
	env, err := wire.NewEnvelope(wire.TypeFieldSelect, s.userID, s.userName, wire.FieldSelectPayload{FieldID: fieldID})
	if err != nil {
		return err
	}
	return s.conn.Send(env)
}

// UpdateSchema applies a local edit optimistically and transmits the bumped
// snapshot immediately. Whether it sticks is decided by the hub; a
// concurrent winner shows up as an inbound snapshot plus an OnRebase call.
func (s *Session) UpdateSchema(schema json.RawMessage) error {
	snap := s.coord.SubmitLocal(schema)
	env, err := wire.NewEnvelope(wire.TypeSchemaUpdate, s.userID, s.userName, wire.SchemaUpdatePayload{
		Schema:  snap.Schema,
		Version: snap.Version,
	})
	if err != nil {
		return err
	}
	return s.conn.Send(env)
}

// UpdateField applies a field-level local edit (field mode only): the
// field's logical clock advances independently of the global version.
func (s *Session) UpdateField(fieldID string, patch json.RawMessage) error {
	if s.coord.Mode() != schemasync.ModeFieldClock {
		return fmt.Errorf("field-level edits require field mode")
	}
	clock := s.coord.SubmitFieldLocal(fieldID, patch)
	env, err := wire.NewEnvelope(wire.TypeSchemaUpdate, s.userID, s.userName, wire.SchemaUpdatePayload{
		FieldID: fieldID,
		Patch:   patch,
		Clock:   clock,
	})
	if err != nil {
		return err
	}
	return s.conn.Send(env)
}

// SendChat appends to the local transcript and transmits the entry.
func (s *Session) SendChat(message string) error {
	env, err := wire.NewEnvelope(wire.TypeChat, s.userID, s.userName, wire.ChatPayload{Message: message})
	if err != nil {
		return err
	}
	s.relay.Append(chat.Entry{
		UserID:    s.userID,
		UserName:  s.userName,
		Message:   message,
		Timestamp: env.Timestamp,
	})
	return s.conn.Send(env)
}

func (s *Session) onConnState(st transport.State, err error) {
	if st == transport.StateConnected {
		// (Re-)announce ourselves; the hub replays current room state back.
		if env, e := wire.NewEnvelope(wire.TypeUserJoined, s.userID, s.userName, wire.JoinedPayload{JoinedAt: s.startedAt}); e == nil {
			_ = s.conn.Send(env)
		}
	}
	if s.cb.OnConnectionStateChange != nil {
		s.cb.OnConnectionStateChange(st)
	}
	if err != nil {
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
		// The connection is gone for good; hand any unconfirmed local edit
		// back to the editor rather than losing it.
		if p := s.coord.PendingRebase(); p != nil && s.cb.OnRebase != nil {
			s.cb.OnRebase(*p)
		}
	}
}

func (s *Session) handleJoined(env wire.Envelope) {
	if env.UserID == s.userID {
		return
	}
	p, err := wire.DecodeJoined(env)
	if err != nil {
		log.Printf("collab: %v", err)
		return
	}
	ts := p.JoinedAt
	if ts == 0 {
		ts = env.Timestamp
	}
	if s.registry.Join(env.UserID, env.UserName, ts) {
		s.relay.System(env.UserName+" joined", env.Timestamp)
		s.emitPresence()
	}
}

func (s *Session) handleLeft(env wire.Envelope) {
	if env.UserID == s.userID {
		return
	}
	if s.registry.Leave(env.UserID, env.Timestamp) {
		s.relay.System(env.UserName+" left", env.Timestamp)
		s.emitPresence()
	}
}

func (s *Session) handleCursor(env wire.Envelope) {
	if env.UserID == s.userID {
		return
	}
	p, err := wire.DecodeCursor(env)
	if err != nil {
		log.Printf("collab: %v", err)
		return
	}
	if s.registry.CursorMove(env.UserID, p.X, p.Y, env.Timestamp) {
		s.emitPresence()
	}
}

func (s *Session) handleFieldSelect(env wire.Envelope) {
	if env.UserID == s.userID {
		return
	}
	p, err := wire.DecodeFieldSelect(env)
	if err != nil {
		log.Printf("collab: %v", err)
		return
	}
	if s.registry.FieldSelect(env.UserID, p.FieldID, env.Timestamp) {
		if s.cb.OnFieldSelect != nil {
			s.cb.OnFieldSelect(env.UserID, p.FieldID)
		}
		s.emitPresence()
	}
}

func (s *Session) handleSchemaUpdate(env wire.Envelope) {
	p, err := wire.DecodeSchemaUpdate(env)
	if err != nil {
		log.Printf("collab: %v", err)
		return
	}

	if p.FieldID != "" {
		if env.UserID == s.userID {
			return
		}
		if s.coord.ApplyFieldRemote(p.FieldID, p.Patch, p.Clock) && s.cb.OnSchemaUpdate != nil {
			s.cb.OnSchemaUpdate(p.Patch)
		}
		return
	}

	snap := schemasync.Snapshot{Schema: p.Schema, Version: p.Version}
	applied, rebase := s.coord.ApplyPeer(snap, env.UserID == s.userID)
	if applied && s.cb.OnSchemaUpdate != nil {
		s.cb.OnSchemaUpdate(snap.Schema)
	}
	if rebase != nil && s.cb.OnRebase != nil {
		s.cb.OnRebase(*rebase)
	}
}

func (s *Session) handleChat(env wire.Envelope) {
	if env.UserID == s.userID {
		return
	}
	p, err := wire.DecodeChat(env)
	if err != nil {
		log.Printf("collab: %v", err)
		return
	}
	entry := chat.Entry{
		UserID:    env.UserID,
		UserName:  env.UserName,
		Message:   p.Message,
		Timestamp: env.Timestamp,
	}
	s.relay.Append(entry)
	if s.cb.OnChatMessage != nil {
		s.cb.OnChatMessage(entry)
	}
}

// sweepLoop is the authoritative removal path for peers whose leave notice
// was lost: anyone silent past the presence timeout is dropped.
func (s *Session) sweepLoop() {
	t := time.NewTicker(s.opt.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			gone := s.registry.ExpireStale(wire.Now())
			for _, m := range gone {
				s.relay.System(m.DisplayName+" left", wire.Now())
			}
			if len(gone) > 0 {
				s.emitPresence()
			}
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Session) emitPresence() {
	if s.cb.OnPresenceChange != nil {
		s.cb.OnPresenceChange(s.registry.ListOthers(s.userID))
	}
}
