package negotiation

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker owns the live links of one session, keyed by unordered pair.
// Lookup and supersede are single map operations.
type Tracker struct {
	mu    sync.RWMutex
	links map[PairKey]*Link
	log   *zap.Logger
}

// NewTracker creates an empty link tracker.
func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{links: make(map[PairKey]*Link), log: log}
}

// Begin starts a handshake for a pair. If a link already exists for the pair
// it is superseded: the old link is closed before the fresh one is created,
// so at most one live link per pair can exist. Returns the new link.
func (t *Tracker) Begin(initiator, responder uuid.UUID) *Link {
	key := KeyFor(initiator, responder)
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.links[key]; ok && !old.Closed() {
		old.Close()
		t.log.Debug("superseded stale link",
			zap.String("initiator", initiator.String()),
			zap.String("responder", responder.String()))
	}
	l := NewLink(initiator, responder)
	t.links[key] = l
	return l
}

// Relay applies a payload flowing from -> to on the pair's current link.
// Payloads for pairs with no live link are stale by definition.
func (t *Tracker) Relay(from, to uuid.UUID, kind PayloadKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.links[KeyFor(from, to)]
	if !ok {
		return ErrStalePayload
	}
	return l.Relay(from, kind)
}

// Get returns the current link for a pair, or nil.
func (t *Tracker) Get(a, b uuid.UUID) *Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.links[KeyFor(a, b)]
}

// CloseFor closes every live link involving the participant (disconnect or
// unregistration of either party tears the pair down). Returns the peer ids
// whose links were closed.
func (t *Tracker) CloseFor(id uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var peers []uuid.UUID
	for key, l := range t.links {
		if key.Lo != id && key.Hi != id {
			continue
		}
		if l.Close() {
			peer := key.Lo
			if peer == id {
				peer = key.Hi
			}
			peers = append(peers, peer)
		}
	}
	return peers
}

// Established returns the peer ids the given participant currently has an
// established link with.
func (t *Tracker) Established(id uuid.UUID) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var peers []uuid.UUID
	for key, l := range t.links {
		if key.Lo != id && key.Hi != id {
			continue
		}
		if l.Established() {
			peer := key.Lo
			if peer == id {
				peer = key.Hi
			}
			peers = append(peers, peer)
		}
	}
	return peers
}

// CloseAll closes every link (session teardown).
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.links {
		l.Close()
	}
}
