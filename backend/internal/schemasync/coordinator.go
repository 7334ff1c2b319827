package schemasync

import (
	"encoding/json"
	"sync"
)

// Snapshot is the full form schema plus its monotonically increasing
// version.
type Snapshot struct {
	Schema  json.RawMessage `json:"schema"`
	Version uint64          `json:"version"`
}

// Mode selects the conflict-resolution policy.
type Mode int

const (
	// ModeSnapshot rebroadcasts every accepted edit as a full snapshot with
	// an incremented version; last snapshot wins.
	ModeSnapshot Mode = iota
	// ModeFieldClock resolves per field with a logical clock, so two users
	// editing different fields do not serialize through a single broadcaster.
	ModeFieldClock
)

// Coordinator converges a participant's local schema with its peers. The
// same type serves both roles: mirrored per client, or the version authority
// inside a hub room (guarded by one mutex, scoped to the session).
type Coordinator struct {
	mu   sync.Mutex
	mode Mode

	current Snapshot

	// ModeFieldClock state.
	fieldClocks map[string]uint64
	fieldValues map[string]json.RawMessage

	// The most recent optimistic local edit; kept when a newer inbound
	// snapshot supersedes it so a UI can re-present it as a rebase
	// opportunity instead of losing the editor's intent silently.
	pending *Snapshot
}

func New(mode Mode) *Coordinator {
	return &Coordinator{
		mode:        mode,
		fieldClocks: make(map[string]uint64),
		fieldValues: make(map[string]json.RawMessage),
	}
}

func (c *Coordinator) Mode() Mode { return c.mode }

func (c *Coordinator) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Coordinator) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Version
}

// SubmitLocal applies a local edit optimistically: it bumps the version and
// returns the snapshot to transmit immediately.
func (c *Coordinator) SubmitLocal(schema json.RawMessage) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = Snapshot{Schema: schema, Version: c.current.Version + 1}
	snap := c.current
	c.pending = &snap
	return snap
}

// ApplyRemote applies an inbound snapshot iff its version is strictly
// greater than the locally held one; anything else is stale and discarded,
// which keeps the applied version monotone even when the network reorders
// updates. An accepted snapshot supersedes any optimistic local edit
// (last-snapshot-wins); the superseded edit stays available via
// PendingRebase.
func (c *Coordinator) ApplyRemote(s Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Version <= c.current.Version {
		return false
	}
	c.current = s
	return true
}

// ApplyPeer applies a snapshot observed on the client side of the wire.
// fromSelf marks the hub's rebroadcast of this participant's own accepted
// edit, which only confirms the optimistic state. For a peer snapshot:
//   - a strictly greater version is applied (last snapshot wins);
//   - an equal version while a local edit is pending means the hub assigned
//     "our" version number to someone else's edit; the peer content is
//     authoritative and the local edit is superseded;
//   - anything else is stale and discarded.
//
// The second return value is the superseded local edit to re-present as a
// rebase opportunity, if any.
func (c *Coordinator) ApplyPeer(s Snapshot, fromSelf bool) (bool, *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fromSelf {
		if s.Version >= c.current.Version {
			c.current = s
			c.pending = nil
		}
		return false, nil
	}
	superseded := s.Version == c.current.Version && c.pending != nil
	if s.Version > c.current.Version || superseded {
		c.current = s
		rb := c.pending
		c.pending = nil
		return true, rb
	}
	return false, nil
}

// PendingRebase returns the outstanding unconfirmed local edit, if any, and
// clears it. The caller re-presents it to the editor on top of the fresh
// schema.
func (c *Coordinator) PendingRebase() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

// SubmitFieldLocal records a field-level local edit: it advances the field's
// logical clock and returns the clock value to transmit.
func (c *Coordinator) SubmitFieldLocal(fieldID string, patch json.RawMessage) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fieldClocks[fieldID]++
	c.fieldValues[fieldID] = patch
	return c.fieldClocks[fieldID]
}

// ApplyFieldRemote accepts a field-level edit iff its clock is strictly
// greater than the field's stored clock, independent of the global schema
// version.
func (c *Coordinator) ApplyFieldRemote(fieldID string, patch json.RawMessage, clock uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clock <= c.fieldClocks[fieldID] {
		return false
	}
	c.fieldClocks[fieldID] = clock
	c.fieldValues[fieldID] = patch
	return true
}

func (c *Coordinator) FieldClock(fieldID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fieldClocks[fieldID]
}

func (c *Coordinator) FieldValue(fieldID string) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fieldValues[fieldID]
}
