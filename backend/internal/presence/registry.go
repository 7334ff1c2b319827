package presence

import (
	"sort"
	"sync"
	"time"
)

// Cursor is a screen position inside the form builder canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Collaborator is one participant's presence record. Exactly one record
// exists per connected participant; the local user is tracked by the session
// and excluded from ListOthers.
type Collaborator struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"displayName"`
	Color           string  `json:"color"`
	Cursor          *Cursor `json:"cursor,omitempty"`
	SelectedFieldID *string `json:"selectedFieldId,omitempty"`
	JoinedAt        int64   `json:"joinedAt"`
	LastSeenAt      int64   `json:"lastSeenAt"`

	cursorTS  int64
	joinOrder int
}

// Colors assigned round-robin by join order; stable for the collaborator's
// lifetime.
var palette = []string{
	"#E91E63", "#2196F3", "#4CAF50", "#FF9800",
	"#9C27B0", "#00BCD4", "#795548", "#607D8B",
}

// Registry is the authoritative session-scoped view of who is editing, their
// cursor and their selected field. One mutex guards it so the same type
// serves both the per-client mirror and a hub room shared across connection
// goroutines.
type Registry struct {
	mu         sync.Mutex
	members    map[string]*Collaborator
	joinSeq    int
	staleAfter time.Duration
}

// NewRegistry builds a registry that considers a collaborator gone once its
// lastSeenAt is older than staleAfter (the heartbeat timeout).
func NewRegistry(staleAfter time.Duration) *Registry {
	return &Registry{
		members:    make(map[string]*Collaborator),
		staleAfter: staleAfter,
	}
}

// Join inserts a collaborator with cursor unset and no selection. A join for
// an id that is already present refreshes lastSeenAt but keeps the record,
// its color and its join order, so ids stay unique within the session.
// Returns true when a new record was created.
func (r *Registry) Join(userID, displayName string, ts int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[userID]; ok {
		if ts > m.LastSeenAt {
			m.LastSeenAt = ts
		}
		if displayName != "" {
			m.DisplayName = displayName
		}
		return false
	}
	r.members[userID] = &Collaborator{
		ID:          userID,
		DisplayName: displayName,
		Color:       palette[r.joinSeq%len(palette)],
		JoinedAt:    ts,
		LastSeenAt:  ts,
		joinOrder:   r.joinSeq,
	}
	r.joinSeq++
	return true
}

// Leave removes the collaborator. A leave older than the record's join is a
// stale delivery from a previous incarnation and is ignored. Returns true
// when a record was removed.
func (r *Registry) Leave(userID string, ts int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	if !ok || ts < m.JoinedAt {
		return false
	}
	delete(r.members, userID)
	return true
}

// CursorMove applies a last-write-wins cursor update. Updates bearing a
// timestamp older than the stored cursor timestamp are discarded so that
// out-of-order delivery never regresses the visible position. Returns true
// when the cursor changed.
func (r *Registry) CursorMove(userID string, x, y float64, ts int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	if !ok {
		return false
	}
	r.touchLocked(m, ts)
	if m.Cursor != nil && ts < m.cursorTS {
		return false
	}
	m.Cursor = &Cursor{X: x, Y: y}
	m.cursorTS = ts
	return true
}

// FieldSelect records a soft-lock selection (nil clears it). Several
// collaborators may select the same field; the registry only exposes the
// contention, it never rejects it.
func (r *Registry) FieldSelect(userID string, fieldID *string, ts int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	if !ok {
		return false
	}
	r.touchLocked(m, ts)
	m.SelectedFieldID = fieldID
	return true
}

// Touch refreshes lastSeenAt; called for every envelope observed from the
// user so liveness does not depend on any one message type.
func (r *Registry) Touch(userID string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[userID]; ok {
		r.touchLocked(m, ts)
	}
}

func (r *Registry) touchLocked(m *Collaborator, ts int64) {
	if ts > m.LastSeenAt {
		m.LastSeenAt = ts
	}
}

// ExpireStale removes every collaborator whose lastSeenAt is older than the
// heartbeat timeout and returns the removed records. This is the
// authoritative removal path for abrupt disconnects (closed tab, dead
// network) whose best-effort leave notice was lost.
func (r *Registry) ExpireStale(now int64) []Collaborator {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now - r.staleAfter.Milliseconds()
	var gone []Collaborator
	for id, m := range r.members {
		if m.LastSeenAt < cutoff {
			gone = append(gone, *m)
			delete(r.members, id)
		}
	}
	return gone
}

// ListOthers returns every collaborator except excludeID, ordered by join
// time for stable rendering.
func (r *Registry) ListOthers(excludeID string) []Collaborator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Collaborator, 0, len(r.members))
	for id, m := range r.members {
		if id == excludeID {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].joinOrder < out[j].joinOrder })
	return out
}

// SelectionsOn returns the ids of every collaborator currently selecting
// fieldID, so a consumer can render a "someone else is editing this field"
// hint.
func (r *Registry) SelectionsOn(fieldID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, m := range r.members {
		if m.SelectedFieldID != nil && *m.SelectedFieldID == fieldID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
