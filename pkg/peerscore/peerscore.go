// Package peerscore tracks gossip-level trust per sending peer, so a node
// that floods malformed or unsigned envelopes gets quarantined and
// eventually banned rather than processed forever at equal priority to a
// well-behaved peer. Adapted from the teacher's pkg/p2p peer reputation
// tracker, rekeyed from a libp2p peer.ID to transport.Message.From so it
// stays usable against any transport.PubSub implementation, not just the
// libp2p adapter.
package peerscore

import (
	"context"
	"sync"
	"time"

	"github.com/vudo/enr/internal/logger"
)

// Score deltas and thresholds for gossip-level peer trust.
const (
	InitialScore = 100

	DeltaValid     = 1
	DeltaInvalid   = -10
	DeltaTimeout   = -5
	DeltaMalformed = -20

	QuarantineThreshold = 10
	BanThreshold        = 0

	DecayInterval = 5 * time.Minute
	DecayAmount   = 1

	StalePeerTimeout = 10 * time.Minute
	CleanupInterval  = time.Minute
)

// Entry is a point-in-time snapshot of one peer's trust state.
type Entry struct {
	Peer        string
	Score       int
	LastSeen    time.Time
	FirstSeen   time.Time
	Quarantined bool
	Banned      bool

	ValidMessages   uint64
	InvalidMessages uint64
}

// Tracker maintains gossip trust scores for every peer a node has heard
// from, so the envelope dispatcher and bridge frame handler can both
// feed it signal and both consult it before doing expensive work for a
// sender that has proven unreliable.
type Tracker struct {
	mu     sync.RWMutex
	scores map[string]*Entry
	log    *logger.Logger

	quarantineThreshold int
	banThreshold        int
}

// New constructs a Tracker and starts its background decay/cleanup
// goroutines, which stop when ctx is cancelled.
func New(ctx context.Context, log *logger.Logger) *Tracker {
	t := &Tracker{
		scores:              make(map[string]*Entry),
		log:                 log,
		quarantineThreshold: QuarantineThreshold,
		banThreshold:        BanThreshold,
	}
	go t.loop(ctx)
	return t
}

func (t *Tracker) loop(ctx context.Context) {
	decay := time.NewTicker(DecayInterval)
	cleanup := time.NewTicker(CleanupInterval)
	defer decay.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-decay.C:
			t.applyDecay()
		case <-cleanup.C:
			t.evictStale()
		}
	}
}

func (t *Tracker) getOrCreate(peer string) *Entry {
	if e, ok := t.scores[peer]; ok {
		return e
	}
	now := time.Now()
	e := &Entry{Peer: peer, Score: InitialScore, FirstSeen: now, LastSeen: now}
	t.scores[peer] = e
	return e
}

// RecordValid credits peer for a well-formed, correctly-signed envelope.
func (t *Tracker) RecordValid(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.getOrCreate(peer)
	e.Score += DeltaValid
	e.ValidMessages++
	e.LastSeen = time.Now()
}

// RecordInvalid penalizes peer for a well-formed envelope that failed
// signature verification or referenced an unknown signer.
func (t *Tracker) RecordInvalid(peer string) {
	t.penalize(peer, DeltaInvalid)
}

// RecordMalformed penalizes peer for bytes that didn't even decode as an
// envelope or bridge frame.
func (t *Tracker) RecordMalformed(peer string) {
	t.penalize(peer, DeltaMalformed)
}

// RecordTimeout penalizes peer for a slow or unanswered request.
func (t *Tracker) RecordTimeout(peer string) {
	t.penalize(peer, DeltaTimeout)
}

func (t *Tracker) penalize(peer string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.getOrCreate(peer)
	e.Score += delta
	e.InvalidMessages++
	e.LastSeen = time.Now()

	wasQuarantined, wasBanned := e.Quarantined, e.Banned
	if e.Score <= t.banThreshold {
		e.Banned = true
	} else if e.Score <= t.quarantineThreshold {
		e.Quarantined = true
	}
	if (e.Banned && !wasBanned) || (e.Quarantined && !wasQuarantined) {
		t.log.WithFields(logger.Fields{
			"peer":        peer,
			"score":       e.Score,
			"quarantined": e.Quarantined,
			"banned":      e.Banned,
		}).Warn("peerscore: peer trust dropped")
	}
}

// Allowed reports whether a peer's current trust is above the ban
// threshold. Banned senders should have their envelopes dropped before
// any further decode or apply work.
func (t *Tracker) Allowed(peer string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.scores[peer]; ok {
		return !e.Banned
	}
	return true
}

// Entry returns a copy of peer's current trust state, or the zero
// Entry with ok=false if nothing has been recorded for it yet.
func (t *Tracker) Entry(peer string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.scores[peer]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (t *Tracker) applyDecay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.scores {
		if e.Score >= InitialScore {
			continue
		}
		e.Score += DecayAmount
		if e.Score > InitialScore {
			e.Score = InitialScore
		}
		if e.Quarantined && e.Score > t.quarantineThreshold {
			e.Quarantined = false
		}
		if e.Banned && e.Score > t.banThreshold {
			e.Banned = false
		}
	}
}

func (t *Tracker) evictStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for peer, e := range t.scores {
		if now.Sub(e.LastSeen) > StalePeerTimeout {
			delete(t.scores, peer)
		}
	}
}
