package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/audit"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/cache"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/presence"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/schemasync"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/wire"
)

// SnapshotPersister is the slice of store.SnapshotStore the hub needs.
type SnapshotPersister interface {
	SaveSchemaSnapshot(ctx context.Context, formID string, version uint64, schema []byte) error
	LoadSchemaSnapshot(ctx context.Context, formID string) ([]byte, uint64, error)
}

// HubID is the sender id on envelopes the hub originates (state replay,
// stale-edit resyncs).
const HubID = "hub"

type HubOptions struct {
	Presence  cache.PresenceCache // optional; nil on a single node
	Snapshots SnapshotPersister   // optional
	Events    *audit.Dispatcher   // optional
	Sem       *audit.SemaphoreControl

	// PresenceTTL is the Redis-side liveness window, refreshed per envelope.
	PresenceTTL time.Duration
	// StaleAfter is how long a silent member stays in a room's registry.
	StaleAfter time.Duration
	// Grace keeps an empty room alive so a quick reconnect finds its
	// session (and its schema version) intact.
	Grace time.Duration
	// SweepInterval drives stale-member expiry and empty-room teardown.
	SweepInterval time.Duration
	// FieldMode switches rooms to per-field logical-clock resolution.
	FieldMode bool
}

func (o *HubOptions) withDefaults() {
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 600 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 45 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = 60 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
}

// Hub fans each form's session out to its connected clients: one goroutine
// per connection reads from the network, and the room is the shared
// broadcaster. Rooms are independent; there is no cross-session lock.
type Hub struct {
	opt HubOptions

	mu    sync.RWMutex
	rooms map[string]*Room
}

// Room is one form's live session: its connections, its presence registry
// and the authoritative schema snapshot.
type Room struct {
	FormID    string
	StartedAt time.Time

	registry *presence.Registry
	coord    *schemasync.Coordinator

	mu         sync.Mutex
	conns      map[*Conn]struct{}
	emptySince time.Time
}

func NewHub(opt HubOptions) *Hub {
	opt.withDefaults()
	return &Hub{opt: opt, rooms: make(map[string]*Room)}
}

// Run drives stale-presence expiry and empty-room teardown until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.opt.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// room returns the live room for formID, creating it (and loading the
// persisted snapshot into the version authority) on first join.
func (h *Hub) room(formID string) *Room {
	h.mu.RLock()
	r := h.rooms[formID]
	h.mu.RUnlock()
	if r != nil {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r = h.rooms[formID]; r != nil {
		return r
	}
	mode := schemasync.ModeSnapshot
	if h.opt.FieldMode {
		mode = schemasync.ModeFieldClock
	}
	r = &Room{
		FormID:    formID,
		StartedAt: time.Now(),
		registry:  presence.NewRegistry(h.opt.StaleAfter),
		coord:     schemasync.New(mode),
		conns:     make(map[*Conn]struct{}),
	}
	if h.opt.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		schema, version, err := h.opt.Snapshots.LoadSchemaSnapshot(ctx, formID)
		cancel()
		if err == nil {
			r.coord.ApplyRemote(schemasync.Snapshot{Schema: schema, Version: version})
		}
	}
	h.rooms[formID] = r
	log.Printf("ws: session started form=%s", formID)
	return r
}

// Register adds a connection to its form's room and replays the current
// room state (members, then the schema snapshot) to the newcomer.
func (h *Hub) Register(c *Conn) *Room {
	r := h.room(c.formID)
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.emptySince = time.Time{}
	r.mu.Unlock()

	for _, m := range r.registry.ListOthers(c.userID) {
		env, err := wire.NewEnvelope(wire.TypeUserJoined, m.ID, m.DisplayName, wire.JoinedPayload{JoinedAt: m.JoinedAt})
		if err != nil {
			continue
		}
		c.enqueue(env)
	}
	if snap := r.coord.Current(); snap.Version > 0 {
		env, err := wire.NewEnvelope(wire.TypeSchemaUpdate, HubID, HubID, wire.SchemaUpdatePayload{
			Schema:  snap.Schema,
			Version: snap.Version,
		})
		if err == nil {
			c.enqueue(env)
		}
	}
	return r
}

// Unregister drops a connection. The room lingers for the grace period so a
// quick reconnect keeps its session identity and schema version.
func (h *Hub) Unregister(c *Conn) {
	r := c.room
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, c)
	if len(r.conns) == 0 {
		r.emptySince = time.Now()
	}
	r.mu.Unlock()
}

// Broadcast fans an envelope out to every connection in the room except the
// one given (nil means everyone). Slow consumers are skipped, not waited on.
func (r *Room) Broadcast(env wire.Envelope, except *Conn) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.enqueue(env)
	}
}

func (r *Room) Members() []presence.Collaborator {
	return r.registry.ListOthers("")
}

// Info summarizes the room for the REST surface.
type Info struct {
	FormID           string                  `json:"formId"`
	SessionStartedAt int64                   `json:"sessionStartedAt"`
	Collaborators    []presence.Collaborator `json:"collaborators"`
}

// SessionInfo returns the live session for formID, or ok=false when none
// exists.
func (h *Hub) SessionInfo(formID string) (Info, bool) {
	h.mu.RLock()
	r := h.rooms[formID]
	h.mu.RUnlock()
	if r == nil {
		return Info{}, false
	}
	return Info{
		FormID:           r.FormID,
		SessionStartedAt: r.StartedAt.UnixMilli(),
		Collaborators:    r.Members(),
	}, true
}

func (h *Hub) sweep() {
	now := wire.Now()
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		for _, m := range r.registry.ExpireStale(now) {
			// Authoritative removal for peers whose leave notice was lost.
			log.Printf("ws: presence expired form=%s user=%s", r.FormID, m.ID)
			h.removePresence(r.FormID, m.ID)
			if env, err := wire.NewEnvelope(wire.TypeUserLeft, m.ID, m.DisplayName, struct{}{}); err == nil {
				r.Broadcast(env, nil)
			}
		}

		r.mu.Lock()
		dead := len(r.conns) == 0 && !r.emptySince.IsZero() && time.Since(r.emptySince) > h.opt.Grace
		r.mu.Unlock()
		if dead {
			h.mu.Lock()
			delete(h.rooms, r.FormID)
			h.mu.Unlock()
			log.Printf("ws: session destroyed form=%s", r.FormID)
		}
	}
}

func (h *Hub) touchPresence(formID, userID, displayName string) {
	if h.opt.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.opt.Presence.AddMember(ctx, formID, userID, displayName, h.opt.PresenceTTL); err != nil {
		log.Printf("ws: presence refresh failed form=%s user=%s: %v", formID, userID, err)
	}
}

func (h *Hub) removePresence(formID, userID string) {
	if h.opt.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.opt.Presence.RemoveMember(ctx, formID, userID); err != nil {
		log.Printf("ws: presence removal failed form=%s user=%s: %v", formID, userID, err)
	}
}

func (h *Hub) emitAudit(evt audit.Event) {
	if h.opt.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := h.opt.Events.Enqueue(ctx, evt); err != nil {
		log.Printf("ws: audit event dropped type=%s form=%s: %v", evt.EventType, evt.FormID, err)
	}
}
