// Package election implements the four-phase nexus election state
// machine (spec §4.2): Announcement, Candidacy, Voting, Result. Any node
// can initiate an election for a region; every node maintains its own
// view and converges independently on the same winner absent partition.
package election

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/envelope"
	"github.com/vudo/enr/pkg/identity"
	"github.com/vudo/enr/pkg/metrics"
	"github.com/vudo/enr/pkg/transport"
)

// Phase timing defaults (spec §4.2), measured from Announcement.
const (
	DefaultCandidacyDelay = 5 * time.Second
	DefaultVoteDelay      = 10 * time.Second
	DefaultFinalizeDelay  = 20 * time.Second
)

// Eligibility thresholds (spec §3).
const (
	MinUptimeRatio     = 0.95
	MinReputationScore = 0.85
)

// Phase is a point in an election's lifecycle.
type Phase int

const (
	PhaseAnnounced Phase = iota
	PhaseCandidacy
	PhaseVoting
	PhaseDecided
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseAnnounced:
		return "Announced"
	case PhaseCandidacy:
		return "Candidacy"
	case PhaseVoting:
		return "Voting"
	case PhaseDecided:
		return "Decided"
	case PhaseExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Terminal reports whether p is a terminal phase.
func (p Phase) Terminal() bool { return p == PhaseDecided || p == PhaseExpired }

// Metrics is a node's current resource/reputation snapshot, used both to
// decide self-candidacy and to score remote candidacies.
type Metrics struct {
	UptimeRatio     float64
	BandwidthMbps   float64
	ReputationScore float64
	ConnectedPeers  uint32
}

// Eligible reports whether m satisfies the candidacy eligibility
// predicate (spec §3), given the configured minimum bandwidth.
func (m Metrics) Eligible(minBandwidthMbps float64) bool {
	return m.UptimeRatio >= MinUptimeRatio &&
		m.BandwidthMbps >= minBandwidthMbps &&
		m.ReputationScore >= MinReputationScore &&
		m.ConnectedPeers >= 1
}

// Score computes the candidate scoring formula from spec §4.2.
func (m Metrics) Score() float64 {
	bw := m.BandwidthMbps / 1000
	if bw > 1 {
		bw = 1
	}
	peers := float64(m.ConnectedPeers) / 50
	if peers > 1 {
		peers = 1
	}
	return (4*m.UptimeRatio + 3*bw + 2*m.ReputationScore + peers) / 10
}

// Candidate pairs a node with its offered metrics.
type Candidate struct {
	NodeId  identity.NodeId
	Metrics Metrics
}

// Election is one node's view of an in-flight or concluded election.
type Election struct {
	Id         uint64
	Region     string
	Initiator  identity.NodeId
	Phase      Phase
	Candidates map[identity.NodeId]Candidate
	Votes      map[identity.NodeId]identity.NodeId // voter -> candidate
	StartedAt  time.Time

	Winner identity.NodeId
}

func (e *Election) tally() (identity.NodeId, uint32, bool) {
	counts := make(map[identity.NodeId]uint32, len(e.Candidates))
	for _, candidate := range e.Votes {
		counts[candidate]++
	}
	var winner identity.NodeId
	var best uint32
	found := false
	for _, cand := range e.Candidates {
		c := counts[cand.NodeId]
		if !found || c > best || (c == best && cand.NodeId.Less(winner)) {
			winner, best, found = cand.NodeId, c, true
		}
	}
	return winner, best, found
}

// Engine drives one node's participation in nexus elections: tracking
// remote state by region, evaluating self-candidacy, and reacting to
// incoming election envelopes. A caller pumps incoming envelopes through
// HandleEnvelope and drives phase advancement by calling TriggerElection,
// VoteNow, and Finalize on its own clock.
type Engine struct {
	mu sync.Mutex

	self             identity.NodeId
	key              *identity.NodeKey
	minBandwidthMbps float64
	candidacyDelay   time.Duration
	voteDelay        time.Duration
	finalizeDelay    time.Duration

	regions    map[string]*Election
	nextId     uint64
	selfMetric Metrics

	reputation *Reputation

	publish transport.Publisher
	log     *logger.Logger
	metrics *metrics.Registry
}

// Config configures a new Engine.
type Config struct {
	Key              *identity.NodeKey
	Publish          transport.Publisher
	MinBandwidthMbps float64
	CandidacyDelay   time.Duration
	VoteDelay        time.Duration
	FinalizeDelay    time.Duration
	Log              *logger.Logger
	Metrics          *metrics.Registry
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	candidacy, vote, finalize := cfg.CandidacyDelay, cfg.VoteDelay, cfg.FinalizeDelay
	if candidacy <= 0 {
		candidacy = DefaultCandidacyDelay
	}
	if vote <= 0 {
		vote = DefaultVoteDelay
	}
	if finalize <= 0 {
		finalize = DefaultFinalizeDelay
	}
	return &Engine{
		self:             cfg.Key.NodeId(),
		key:              cfg.Key,
		minBandwidthMbps: cfg.MinBandwidthMbps,
		candidacyDelay:   candidacy,
		voteDelay:        vote,
		finalizeDelay:    finalize,
		regions:          make(map[string]*Election),
		reputation:       NewReputation(),
		publish:          cfg.Publish,
		log:              cfg.Log,
		metrics:          cfg.Metrics,
	}
}

// UpdateMetrics sets this node's current resource/reputation snapshot.
func (en *Engine) UpdateMetrics(m Metrics) {
	en.mu.Lock()
	defer en.mu.Unlock()
	en.selfMetric = m
}

// RecordOutcome feeds an interaction outcome into this node's reputation
// EMA, which in turn feeds into self-candidacy metrics.
func (en *Engine) RecordOutcome(success bool) {
	en.mu.Lock()
	defer en.mu.Unlock()
	en.selfMetric.ReputationScore = en.reputation.Update(success)
}

// CurrentMetrics returns this node's current self-candidacy snapshot, so
// a resource gradient producer can refresh UptimeRatio/BandwidthMbps
// without clobbering the reputation EMA RecordOutcome maintains.
func (en *Engine) CurrentMetrics() Metrics {
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.selfMetric
}

// CurrentNexus returns the decided winner for region, if any.
func (en *Engine) CurrentNexus(region string) (Candidate, bool) {
	en.mu.Lock()
	defer en.mu.Unlock()
	el, ok := en.regions[region]
	if !ok || el.Phase != PhaseDecided {
		return Candidate{}, false
	}
	return el.Candidates[el.Winner], true
}

// ElectionInProgress reports whether region has a non-terminal election.
func (en *Engine) ElectionInProgress(region string) bool {
	en.mu.Lock()
	defer en.mu.Unlock()
	el, ok := en.regions[region]
	return ok && !el.Phase.Terminal()
}

// TriggerElection starts a new election for region, publishing an
// Announcement. Rejected if region already has a non-terminal election
// (spec §4.2 single-election-per-region invariant).
func (en *Engine) TriggerElection(ctx context.Context, region string) (uint64, error) {
	en.mu.Lock()
	if existing, ok := en.regions[region]; ok && !existing.Phase.Terminal() {
		en.mu.Unlock()
		return 0, fmt.Errorf("election: region %q already has an election in phase %s", region, existing.Phase)
	}
	en.nextId++
	id := en.nextId
	el := &Election{
		Id: id, Region: region, Initiator: en.self,
		Phase: PhaseAnnounced, Candidates: map[identity.NodeId]Candidate{},
		Votes: map[identity.NodeId]identity.NodeId{}, StartedAt: time.Now(),
	}
	en.regions[region] = el
	en.mu.Unlock()

	en.metrics.ElectionsStarted.Inc()

	env, err := envelope.NewAnnouncement(envelope.Announcement{
		ElectionId: id, Initiator: en.self, Region: region, Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return 0, fmt.Errorf("election: build announcement: %w", err)
	}
	if err := env.Sign(en.key); err != nil {
		return 0, fmt.Errorf("election: sign announcement: %w", err)
	}
	if err := en.publishEnvelope(ctx, env); err != nil {
		return 0, fmt.Errorf("election: publish announcement: %w", err)
	}
	// The initiator evaluates its own eligibility directly rather than
	// waiting for its Announcement to loop back, since gossip delivery
	// conventionally skips messages the publisher sent itself.
	if err := en.maybeSubmitCandidacy(ctx, id); err != nil {
		return 0, fmt.Errorf("election: self candidacy: %w", err)
	}
	return id, nil
}

func (en *Engine) publishEnvelope(ctx context.Context, env *envelope.Envelope) error {
	encoded, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return en.publish.Publish(ctx, env.Topic(), encoded)
}

// maybeSubmitCandidacy publishes this node's Candidacy for electionId if
// its current metrics are eligible (spec §4.2 Candidacy phase).
func (en *Engine) maybeSubmitCandidacy(ctx context.Context, electionId uint64) error {
	en.mu.Lock()
	selfMetric := en.selfMetric
	en.mu.Unlock()

	if !selfMetric.Eligible(en.minBandwidthMbps) {
		return nil
	}

	env, err := envelope.NewCandidacy(envelope.Candidacy{
		ElectionId: electionId,
		Candidate: envelope.Candidate{
			NodeId: en.self,
			Metrics: envelope.CandidateMetrics{
				UptimeRatio: selfMetric.UptimeRatio, BandwidthMbps: selfMetric.BandwidthMbps,
				ReputationScore: selfMetric.ReputationScore, ConnectedPeers: selfMetric.ConnectedPeers,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("build candidacy: %w", err)
	}
	if err := env.Sign(en.key); err != nil {
		return fmt.Errorf("sign candidacy: %w", err)
	}
	return en.publishEnvelope(ctx, env)
}

// HandleEnvelope processes one incoming election envelope.
func (en *Engine) HandleEnvelope(ctx context.Context, env *envelope.Envelope) error {
	msg, err := env.AsElectionMessage()
	if err != nil {
		return fmt.Errorf("election: %w", err)
	}
	switch msg.Kind {
	case envelope.ElectionAnnouncement:
		body, err := msg.AsAnnouncement()
		if err != nil {
			return err
		}
		return en.handleAnnouncement(ctx, body)
	case envelope.ElectionCandidacy:
		body, err := msg.AsCandidacy()
		if err != nil {
			return err
		}
		return en.handleCandidacy(body)
	case envelope.ElectionVote:
		body, err := msg.AsVote()
		if err != nil {
			return err
		}
		return en.handleVote(body)
	case envelope.ElectionResult:
		body, err := msg.AsResult()
		if err != nil {
			return err
		}
		return en.handleResult(body)
	default:
		return fmt.Errorf("election: unknown election message kind %d", msg.Kind)
	}
}

func (en *Engine) handleAnnouncement(ctx context.Context, body envelope.Announcement) error {
	en.mu.Lock()
	existing, ok := en.regions[body.Region]
	if ok && !existing.Phase.Terminal() {
		// Single-election-per-region: only a strictly higher id preempts,
		// and only once the current election has reached T_finalize.
		if body.ElectionId <= existing.Id || time.Since(existing.StartedAt) < en.finalizeDelay {
			en.mu.Unlock()
			return nil
		}
	}
	el := &Election{
		Id: body.ElectionId, Region: body.Region, Initiator: body.Initiator,
		Phase: PhaseAnnounced, Candidates: map[identity.NodeId]Candidate{},
		Votes: map[identity.NodeId]identity.NodeId{}, StartedAt: time.Now(),
	}
	en.regions[body.Region] = el
	en.mu.Unlock()

	if err := en.maybeSubmitCandidacy(ctx, body.ElectionId); err != nil {
		return fmt.Errorf("election: %w", err)
	}
	return nil
}

func (en *Engine) handleCandidacy(body envelope.Candidacy) error {
	en.mu.Lock()
	defer en.mu.Unlock()
	el := en.electionById(body.ElectionId)
	if el == nil || el.Phase.Terminal() {
		return nil
	}
	el.Candidates[body.Candidate.NodeId] = Candidate{
		NodeId: body.Candidate.NodeId,
		Metrics: Metrics{
			UptimeRatio: body.Candidate.Metrics.UptimeRatio, BandwidthMbps: body.Candidate.Metrics.BandwidthMbps,
			ReputationScore: body.Candidate.Metrics.ReputationScore, ConnectedPeers: body.Candidate.Metrics.ConnectedPeers,
		},
	}
	if el.Phase == PhaseAnnounced {
		el.Phase = PhaseCandidacy
	}
	return nil
}

func (en *Engine) handleVote(body envelope.VoteMsg) error {
	en.mu.Lock()
	defer en.mu.Unlock()
	el := en.electionById(body.ElectionId)
	if el == nil || el.Phase.Terminal() {
		return nil
	}
	if time.Since(el.StartedAt) > en.finalizeDelay {
		return nil // votes after T_finalize are discarded
	}
	if _, already := el.Votes[body.Voter]; already {
		return nil // at most one vote per (election, voter)
	}
	el.Votes[body.Voter] = body.Candidate
	el.Phase = PhaseVoting
	return nil
}

func (en *Engine) handleResult(body envelope.Result) error {
	en.mu.Lock()
	defer en.mu.Unlock()
	el := en.electionById(body.ElectionId)
	if el == nil {
		return nil
	}
	el.Winner = body.Winner
	el.Phase = PhaseDecided
	en.metrics.ElectionsDecided.Inc()
	return nil
}

// electionById finds the region's Election iff its Id matches; caller
// holds en.mu.
func (en *Engine) electionById(id uint64) *Election {
	for _, el := range en.regions {
		if el.Id == id {
			return el
		}
	}
	return nil
}

// VoteNow casts this node's vote in the named region's election for the
// highest-scoring known candidate, ties broken by lowest NodeId. Intended
// to be called once T_vote elapses after Announcement (spec §4.2).
func (en *Engine) VoteNow(ctx context.Context, region string) error {
	en.mu.Lock()
	el, ok := en.regions[region]
	if !ok || el.Phase.Terminal() {
		en.mu.Unlock()
		return nil
	}
	if _, already := el.Votes[en.self]; already {
		en.mu.Unlock()
		return nil
	}
	var best identity.NodeId
	var bestScore float64
	found := false
	for _, c := range el.Candidates {
		s := c.Metrics.Score()
		if !found || s > bestScore || (s == bestScore && c.NodeId.Less(best)) {
			best, bestScore, found = c.NodeId, s, true
		}
	}
	if !found {
		en.mu.Unlock()
		return nil
	}
	electionId := el.Id
	el.Votes[en.self] = best
	el.Phase = PhaseVoting
	en.mu.Unlock()

	env, err := envelope.NewVote(envelope.VoteMsg{
		ElectionId: electionId, Voter: en.self, Candidate: best, Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("election: build vote: %w", err)
	}
	if err := env.Sign(en.key); err != nil {
		return fmt.Errorf("election: sign vote: %w", err)
	}
	return en.publishEnvelope(ctx, env)
}

// Finalize transitions region's election to Decided (by vote tally) or
// Expired (no candidacies), intended to run at T_finalize (spec §4.2).
// The initiator additionally publishes a Result so other nodes converge
// without recomputing independently.
func (en *Engine) Finalize(ctx context.Context, region string) error {
	en.mu.Lock()
	el, ok := en.regions[region]
	if !ok || el.Phase.Terminal() {
		en.mu.Unlock()
		return nil
	}
	if len(el.Candidates) == 0 {
		el.Phase = PhaseExpired
		en.mu.Unlock()
		en.metrics.ElectionsExpired.Inc()
		return nil
	}
	winner, count, found := el.tally()
	if !found {
		el.Phase = PhaseExpired
		en.mu.Unlock()
		en.metrics.ElectionsExpired.Inc()
		return nil
	}
	el.Winner = winner
	el.Phase = PhaseDecided
	isInitiator := el.Initiator == en.self
	electionId, region2 := el.Id, el.Region
	en.mu.Unlock()

	en.metrics.ElectionsDecided.Inc()
	if !isInitiator {
		return nil
	}

	env, err := envelope.NewResult(envelope.Result{
		ElectionId: electionId, Winner: winner, Region: region2, VoteCount: count, Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("election: build result: %w", err)
	}
	if err := env.Sign(en.key); err != nil {
		return fmt.Errorf("election: sign result: %w", err)
	}
	return en.publishEnvelope(ctx, env)
}
