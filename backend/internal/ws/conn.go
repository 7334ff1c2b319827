package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/audit"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/schemasync"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/wire"
)

const (
	// readWindow must exceed the client heartbeat interval plus its timeout;
	// the deadline is pushed out on every ping and every data frame.
	readWindow    = 60 * time.Second
	writeWait     = 10 * time.Second
	maxFrameBytes = 128 * 1024
	sendQueueSize = 64
)

// Conn is the hub side of one participant's socket.
type Conn struct {
	ws   *websocket.Conn
	hub  *Hub
	room *Room

	formID   string
	userID   string
	userName string

	sendMu sync.Mutex
	closed bool
	send   chan wire.Envelope
}

func NewConn(ws *websocket.Conn, hub *Hub, formID, userID, userName string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		formID:   formID,
		userID:   userID,
		userName: userName,
		send:     make(chan wire.Envelope, sendQueueSize),
	}
}

// enqueue queues an outbound envelope; a full queue means the consumer is
// too slow and the envelope is dropped rather than stalling the room. A
// Broadcast racing this connection's teardown sees the closed flag and
// drops the envelope instead of hitting a closed channel.
func (c *Conn) enqueue(env wire.Envelope) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- env:
	default:
	}
}

// closeSend ends the write loop. Callers must Unregister first, but that
// alone is not enough: a concurrent Broadcast snapshots the room's
// connection set before the delete lands, so enqueue keeps its own guard.
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) writeLoop() {
	for env := range c.send {
		b, err := wire.Encode(env)
		if err != nil {
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWindow))
	c.ws.SetPingHandler(func(appData string) error {
		// The client heartbeat doubles as our liveness signal.
		_ = c.ws.SetReadDeadline(time.Now().Add(readWindow))
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read failed form=%s user=%s: %v", c.formID, c.userID, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWindow))

		env, err := wire.Decode(frame)
		if err != nil {
			log.Printf("ws: dropping frame form=%s user=%s: %v", c.formID, c.userID, err)
			continue
		}
		// The sender's identity comes from the verified token, not from the
		// envelope.
		env.UserID = c.userID
		env.UserName = c.userName

		c.room.registry.Touch(c.userID, env.Timestamp)
		c.hub.touchPresence(c.formID, c.userID, c.userName)

		c.handle(ctx, env)
	}
}

func (c *Conn) handle(ctx context.Context, env wire.Envelope) {
	r := c.room
	switch env.Type {
	case wire.TypeUserJoined:
		p, err := wire.DecodeJoined(env)
		if err != nil {
			log.Printf("ws: %v", err)
			return
		}
		ts := p.JoinedAt
		if ts == 0 {
			ts = env.Timestamp
		}
		if r.registry.Join(c.userID, c.userName, ts) {
			r.Broadcast(env, c)
		}

	case wire.TypeUserLeft:
		if r.registry.Leave(c.userID, env.Timestamp) {
			c.hub.removePresence(c.formID, c.userID)
			r.Broadcast(env, c)
		}

	case wire.TypeCursorMove:
		p, err := wire.DecodeCursor(env)
		if err != nil {
			log.Printf("ws: %v", err)
			return
		}
		if r.registry.CursorMove(c.userID, p.X, p.Y, env.Timestamp) {
			c.storeCursor(env)
			r.Broadcast(env, c)
		}

	case wire.TypeFieldSelect:
		p, err := wire.DecodeFieldSelect(env)
		if err != nil {
			log.Printf("ws: %v", err)
			return
		}
		if r.registry.FieldSelect(c.userID, p.FieldID, env.Timestamp) {
			r.Broadcast(env, c)
		}

	case wire.TypeSchemaUpdate:
		c.handleSchemaUpdate(ctx, env)

	case wire.TypeChat:
		// The hub does not buffer transcripts; ordering is the client
		// relay's job.
		r.Broadcast(env, c)
	}
}

// handleSchemaUpdate makes the room's coordinator the version authority: an
// edit that is not strictly newer than the room's state is stale, and the
// submitter gets the current snapshot back to resync from.
func (c *Conn) handleSchemaUpdate(ctx context.Context, env wire.Envelope) {
	p, err := wire.DecodeSchemaUpdate(env)
	if err != nil {
		log.Printf("ws: %v", err)
		return
	}
	r := c.room

	if c.hub.opt.Sem != nil {
		applyCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := c.hub.opt.Sem.Acquire(applyCtx)
		cancel()
		if err != nil {
			log.Printf("ws: schema apply backlogged form=%s: %v", c.formID, err)
			return
		}
		defer func() { _ = c.hub.opt.Sem.Release() }()
	}

	if p.FieldID != "" {
		if r.coord.ApplyFieldRemote(p.FieldID, p.Patch, p.Clock) {
			r.Broadcast(env, c)
		}
		return
	}

	snap := schemasync.Snapshot{Schema: p.Schema, Version: p.Version}
	if !r.coord.ApplyRemote(snap) {
		// Stale base; hand the submitter the authoritative state.
		current := r.coord.Current()
		resync, err := wire.NewEnvelope(wire.TypeSchemaUpdate, HubID, HubID, wire.SchemaUpdatePayload{
			Schema:  current.Schema,
			Version: current.Version,
		})
		if err == nil {
			c.enqueue(resync)
		}
		return
	}

	if c.hub.opt.Snapshots != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.hub.opt.Snapshots.SaveSchemaSnapshot(saveCtx, c.formID, snap.Version, snap.Schema); err != nil {
			log.Printf("ws: %v", err)
		}
		cancel()
	}
	c.hub.emitAudit(audit.Event{
		EventType:   audit.EventSchemaApplied,
		FormID:      c.formID,
		UserID:      c.userID,
		DisplayName: c.userName,
		Version:     snap.Version,
		OccurredAt:  time.Now(),
	})
	// Everyone gets the accepted snapshot, the author included: their copy
	// doubles as the acknowledgment.
	r.Broadcast(env, nil)
}

func (c *Conn) storeCursor(env wire.Envelope) {
	if c.hub.opt.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.hub.opt.Presence.SetCursor(ctx, c.formID, c.userID, env.Payload, c.hub.opt.PresenceTTL); err != nil {
		log.Printf("ws: cursor store failed form=%s user=%s: %v", c.formID, c.userID, err)
	}
}
