// Package registry tracks session membership. It is the single source of
// truth for which peer links may exist: any negotiation not backed by a
// current entry on both ends is rejected by the coordinator.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
)

var (
	// ErrNotFound is returned when a participant has no registry entry.
	ErrNotFound = errors.New("participant not registered")
)

// Entry is one participant's registry record plus its current transport
// binding. The record outlives the binding: a reconnect replaces the binding
// but keeps the record.
type Entry struct {
	Participant models.Participant
	// TransportID identifies the websocket connection currently bound to
	// this participant. Empty after a disconnect that has not been
	// superseded by a reconnect yet.
	TransportID string
}

// Registry holds one session's membership. All methods are safe for
// concurrent use; mutations take a registry-wide lock (the session-scoped
// exclusive region for membership changes).
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*Entry)}
}

// Register adds a participant under its stable identity. Registering an
// identity that already has a record is treated as a reconnect: the old
// transport binding is retired and replaced, the record (and its join time)
// is kept, and any leave time is cleared. Returns the previous transport id
// (empty if none) and whether this was a reconnect.
func (r *Registry) Register(p models.Participant, transportID string) (prevTransport string, reconnect bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[p.ID]; ok {
		prev := e.TransportID
		e.TransportID = transportID
		e.Participant.DisplayName = p.DisplayName
		e.Participant.Role = p.Role
		e.Participant.LeftAt = nil
		return prev, true
	}
	r.entries[p.ID] = &Entry{Participant: p, TransportID: transportID}
	return "", false
}

// Unregister stamps the participant's leave time and clears its transport
// binding. The record itself is never deleted. The transportID guard makes
// late disconnects of a superseded connection a no-op: only the binding that
// still owns the entry may retire it.
func (r *Registry) Unregister(id uuid.UUID, transportID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.TransportID != transportID {
		return false
	}
	e.TransportID = ""
	left := at
	e.Participant.LeftAt = &left
	return true
}

// Connected reports whether the participant currently has a live transport
// binding.
func (r *Registry) Connected(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.TransportID != ""
}

// Get returns a copy of the participant record.
func (r *Registry) Get(id uuid.UUID) (models.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return models.Participant{}, ErrNotFound
	}
	return e.Participant, nil
}

// List returns all participant records, connected or not, ordered by join
// time.
func (r *Registry) List() []models.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Participant, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Participant)
	}
	sortByJoin(out)
	return out
}

// ListConnected returns only participants with a live transport binding.
func (r *Registry) ListConnected() []models.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Participant, 0, len(r.entries))
	for _, e := range r.entries {
		if e.TransportID != "" {
			out = append(out, e.Participant)
		}
	}
	sortByJoin(out)
	return out
}

func sortByJoin(ps []models.Participant) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].JoinedAt.Before(ps[j].JoinedAt) })
}
