package chat

import (
	"sort"
	"sync"
)

// SystemSenderID is the reserved sender id for join/leave notices injected
// into the transcript, so renderers can style them without a separate data
// path.
const SystemSenderID = "system"

// Entry is one transcript line.
type Entry struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Color     string `json:"color,omitempty"`
}

// before orders entries by (timestamp, userId); equal timestamps break by
// userId lexical order so every client renders the same sequence regardless
// of arrival jitter.
func before(a, b Entry) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.UserID < b.UserID
}

// Relay keeps the append-only ordered transcript for one session and tracks
// the unseen count while the chat panel is hidden.
type Relay struct {
	mu      sync.Mutex
	entries []Entry
	visible bool
	unseen  int
}

func NewRelay() *Relay {
	return &Relay{}
}

// Append inserts the entry at its deterministic position. Arrival order does
// not matter: the transcript is a pure function of the (timestamp, userId)
// pairs received.
func (r *Relay) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.entries), func(i int) bool { return before(e, r.entries[i]) })
	r.entries = append(r.entries, Entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
	if !r.visible {
		r.unseen++
	}
}

// System injects a join/leave notice into the same ordered stream under the
// reserved sender id.
func (r *Relay) System(message string, ts int64) {
	r.Append(Entry{UserID: SystemSenderID, UserName: SystemSenderID, Message: message, Timestamp: ts})
}

// Entries returns a copy of the transcript in render order.
func (r *Relay) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// SetVisible tracks chat panel visibility. Becoming visible zeroes the
// unseen count immediately, independent of per-message read status.
func (r *Relay) SetVisible(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible = v
	if v {
		r.unseen = 0
	}
}

func (r *Relay) Unseen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unseen
}

func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
