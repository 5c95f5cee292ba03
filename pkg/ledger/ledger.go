// Package ledger implements the mutual-credit balance map, transfer
// protocol, and entropy tax described in spec §3/§4.1.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/envelope"
	"github.com/vudo/enr/pkg/identity"
	"github.com/vudo/enr/pkg/metrics"
	"github.com/vudo/enr/pkg/transport"
)

// InitialNodeCredits is the balance granted on first observation of a
// node (spec §3).
const InitialNodeCredits uint64 = 1000

// RevivalPool is the distinguished account NodeId that accrues entropy
// tax. It is the zero NodeId, which no Ed25519 public key can collide
// with in practice and which is never dialed as a real peer.
var RevivalPool identity.NodeId

// Errors returned by SubmitTransfer and ApplyRemote (spec §4.1).
var (
	ErrSelfTransfer       = errors.New("ledger: self transfer")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrUnsigned           = errors.New("ledger: unsigned envelope")
	ErrTransportUnavailable = errors.New("ledger: transport unavailable")
	ErrInvalidSignature   = errors.New("ledger: invalid signature")
	ErrReplay             = errors.New("ledger: replay")
	ErrMalformed          = errors.New("ledger: malformed envelope")
	ErrNotLeaderOfLog     = errors.New("ledger: replicated log rejected proposal")
)

// Proposer is implemented by the replicated command log (pkg/replog) when
// consensus is enabled. SubmitTransfer proposes instead of applying
// locally so that every replica sees the same committed order (spec §9).
type Proposer interface {
	ProposeTransfer(ctx context.Context, transfer envelope.CreditTransfer, signature []byte) error
}

type replayKey struct {
	From  identity.NodeId
	Nonce uint64
}

// Ledger is the replicated AccountId -> Balance map plus the RevivalPool,
// guarded by a single reader/writer lock per spec §5.
type Ledger struct {
	mu          sync.RWMutex
	balances    map[identity.NodeId]uint64
	replay      *lru.Cache[replayKey, struct{}]
	nextNonce   map[identity.NodeId]uint64
	consensusOn bool

	self     identity.NodeId
	key      *identity.NodeKey
	publish  transport.Publisher
	proposer Proposer
	limiter  *rate.Limiter

	log     *logger.Logger
	metrics *metrics.Registry
}

// Config configures a new Ledger.
type Config struct {
	Key         *identity.NodeKey
	Publish     transport.Publisher
	ConsensusOn bool
	// InitialCredits overrides this node's own starting balance; zero
	// keeps the protocol default (InitialNodeCredits). Every other
	// account discovered over the wire still starts at InitialNodeCredits
	// regardless of this node's override, so balances stay comparable
	// across operators (spec §3).
	InitialCredits  uint64
	ReplayCacheSize int // defaults to 4096 if <= 0
	// SubmitRateLimit bounds local submit_transfer calls per second;
	// zero disables throttling.
	SubmitRateLimit rate.Limit
	Log             *logger.Logger
	Metrics         *metrics.Registry
}

// New constructs a Ledger for self, granting the initial balance.
func New(cfg Config) (*Ledger, error) {
	size := cfg.ReplayCacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[replayKey, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("ledger: create replay cache: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.SubmitRateLimit > 0 {
		limiter = rate.NewLimiter(cfg.SubmitRateLimit, 1)
	}

	l := &Ledger{
		balances:    make(map[identity.NodeId]uint64),
		replay:      cache,
		nextNonce:   make(map[identity.NodeId]uint64),
		consensusOn: cfg.ConsensusOn,
		self:        cfg.Key.NodeId(),
		key:         cfg.Key,
		publish:     cfg.Publish,
		limiter:     limiter,
		log:         cfg.Log,
		metrics:     cfg.Metrics,
	}
	initial := cfg.InitialCredits
	if initial == 0 {
		initial = InitialNodeCredits
	}
	l.balances[l.self] = initial
	return l, nil
}

// SetProposer wires the replicated command log in, switching
// SubmitTransfer to the consensus-enabled path (spec §4.4/§9).
func (l *Ledger) SetProposer(p Proposer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proposer = p
	l.consensusOn = true
}

// Tax computes the flat 2% entropy tax, rounded up (spec §4.1): since
// 2% == 1/50, ceil(amount*0.02) == ceil(amount/50), computed without
// floating point as (amount + 49) / 50.
func Tax(amount uint64) uint64 {
	if amount == 0 {
		return 0
	}
	return (amount + 49) / 50
}

// ensureAccount grants the initial balance on first observation of a
// node. Caller must hold l.mu for writing.
func (l *Ledger) ensureAccount(id identity.NodeId) {
	if _, ok := l.balances[id]; !ok {
		l.balances[id] = InitialNodeCredits
	}
}

// LocalBalance is a constant-time read of this node's own account.
func (l *Ledger) LocalBalance() uint64 {
	return l.BalanceOf(l.self)
}

// BalanceOf reads a replica's view of an account's balance; may lag.
// RevivalPool is not a node account: it has no mint default and reads
// as 0 until entropy tax first accrues into it.
func (l *Ledger) BalanceOf(a identity.NodeId) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[a]; ok {
		return b
	}
	if a == RevivalPool {
		return 0
	}
	return InitialNodeCredits
}

// RevivalPoolBalance returns the current revival pool balance.
func (l *Ledger) RevivalPoolBalance() uint64 {
	return l.BalanceOf(RevivalPool)
}

// Self returns this node's NodeId.
func (l *Ledger) Self() identity.NodeId { return l.self }

// SubmitTransfer validates, and either optimistically debits and
// publishes (consensus disabled) or proposes to the replicated log
// (consensus enabled). See spec §4.1.
func (l *Ledger) SubmitTransfer(ctx context.Context, to identity.NodeId, amount uint64) error {
	if to == l.self {
		return ErrSelfTransfer
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if l.limiter != nil && !l.limiter.Allow() {
		return fmt.Errorf("ledger: %w: submit rate limited", ErrTransportUnavailable)
	}

	tax := Tax(amount)
	total := amount + tax

	l.mu.Lock()
	l.ensureAccount(l.self)
	l.ensureAccount(to)
	if l.balances[l.self] < total {
		l.mu.Unlock()
		l.metrics.InsufficientBalance.Inc()
		return ErrInsufficientBalance
	}

	nonce := l.nextNonce[l.self]
	l.nextNonce[l.self] = nonce + 1

	body := envelope.CreditTransfer{From: l.self, To: to, Amount: amount, Nonce: nonce, Timestamp: time.Now().Unix()}

	if l.proposer != nil {
		l.mu.Unlock()
		sig, err := l.signTransfer(body)
		if err != nil {
			return err
		}
		if err := l.proposer.ProposeTransfer(ctx, body, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrNotLeaderOfLog, err)
		}
		return nil
	}

	// Optimistic local debit (spec §4.1 ordering option (b)).
	l.balances[l.self] -= total
	l.balances[to] += amount
	l.balances[RevivalPool] += tax
	l.replay.Add(replayKey{From: l.self, Nonce: nonce}, struct{}{})
	l.mu.Unlock()

	env, err := envelope.NewCreditTransfer(body)
	if err != nil {
		l.rollback(l.self, to, total, amount, tax)
		return fmt.Errorf("ledger: build envelope: %w", err)
	}
	if err := env.Sign(l.key); err != nil {
		l.rollback(l.self, to, total, amount, tax)
		return fmt.Errorf("%w: %v", ErrUnsigned, err)
	}
	encoded, err := env.Encode()
	if err != nil {
		l.rollback(l.self, to, total, amount, tax)
		return fmt.Errorf("ledger: encode envelope: %w", err)
	}
	// Publish with up to three attempts and doubling backoff; the local
	// debit is rolled back only once every attempt has failed.
	backoff := 100 * time.Millisecond
	err = l.publish.Publish(ctx, envelope.CreditTopic, encoded)
	for attempt := 1; err != nil && attempt < 3 && ctx.Err() == nil; attempt++ {
		time.Sleep(backoff)
		backoff *= 2
		l.metrics.TransportRetries.Inc()
		err = l.publish.Publish(ctx, envelope.CreditTopic, encoded)
	}
	if err != nil {
		l.rollback(l.self, to, total, amount, tax)
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (l *Ledger) signTransfer(body envelope.CreditTransfer) ([]byte, error) {
	env, err := envelope.NewCreditTransfer(body)
	if err != nil {
		return nil, fmt.Errorf("ledger: build envelope: %w", err)
	}
	if err := env.Sign(l.key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsigned, err)
	}
	return env.Signature, nil
}

func (l *Ledger) rollback(from, to identity.NodeId, total, amount, tax uint64) {
	l.mu.Lock()
	l.balances[from] += total
	l.balances[to] -= amount
	l.balances[RevivalPool] -= tax
	l.mu.Unlock()
}

// ApplyRemote verifies and applies a transfer envelope received over
// gossip. It is idempotent: re-applying an already-seen (from, nonce)
// returns ErrReplay without changing state (spec §8 replay property).
func (l *Ledger) ApplyRemote(env *envelope.Envelope) error {
	if env.Kind != envelope.KindCreditTransfer {
		return fmt.Errorf("%w: unexpected kind %s", ErrMalformed, env.Kind)
	}
	body, err := env.AsCreditTransfer()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Signature) == 0 {
		return ErrUnsigned
	}
	ok, err := env.VerifySignature(body.From)
	if err != nil || !ok {
		l.metrics.InvalidSignatures.Inc()
		return ErrInvalidSignature
	}
	return l.applyTransfer(body, true)
}

// ApplyTransferCommand applies a transfer that already passed through the
// replicated command log's commit order (spec §4.4); the log's own
// at-most-once delivery makes the gossip replay cache redundant here, so
// it is skipped.
func (l *Ledger) ApplyTransferCommand(body envelope.CreditTransfer, signature []byte) error {
	ok, err := identity.Verify(body.From, mustSigningBytes(body), signature)
	if err != nil || !ok {
		l.metrics.InvalidSignatures.Inc()
		return ErrInvalidSignature
	}
	return l.applyTransfer(body, false)
}

func mustSigningBytes(body envelope.CreditTransfer) []byte {
	env, err := envelope.NewCreditTransfer(body)
	if err != nil {
		return nil
	}
	b, _ := env.SigningBytes()
	return b
}

func (l *Ledger) applyTransfer(body envelope.CreditTransfer, checkReplay bool) error {
	if body.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrMalformed)
	}
	if body.From == body.To {
		return fmt.Errorf("%w: self transfer", ErrMalformed)
	}

	tax := Tax(body.Amount)
	total := body.Amount + tax
	key := replayKey{From: body.From, Nonce: body.Nonce}

	l.mu.Lock()
	defer l.mu.Unlock()

	if checkReplay {
		if _, seen := l.replay.Get(key); seen {
			l.metrics.ReplayDrops.Inc()
			return ErrReplay
		}
	}

	l.ensureAccount(body.From)
	l.ensureAccount(body.To)

	if l.balances[body.From] < total {
		l.metrics.InsufficientBalance.Inc()
		l.log.WithFields(logger.Fields{
			"from": body.From.String(), "amount": body.Amount,
		}).Warn("dropping transfer: insufficient balance at apply time")
		return ErrInsufficientBalance
	}

	l.balances[body.From] -= total
	l.balances[body.To] += body.Amount
	l.balances[RevivalPool] += tax
	if checkReplay {
		l.replay.Add(key, struct{}{})
	}
	return nil
}

// GrantCredits applies an admin/bootstrap credit grant (spec §4.4
// GrantCredits command), e.g. issued by the replicated log.
func (l *Ledger) GrantCredits(node identity.NodeId, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureAccount(node)
	l.balances[node] += amount
}

// Snapshot captures the full replicated state for persistence (spec §3
// Snapshot / §6 persistent state).
type Snapshot struct {
	Balances         map[identity.NodeId]uint64
	RevivalPool      uint64
	LastAppliedIndex uint64
}

// ExportSnapshot returns a point-in-time copy of the balances map.
func (l *Ledger) ExportSnapshot(lastAppliedIndex uint64) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := make(map[identity.NodeId]uint64, len(l.balances))
	for k, v := range l.balances {
		if k == RevivalPool {
			continue
		}
		cp[k] = v
	}
	return Snapshot{Balances: cp, RevivalPool: l.balances[RevivalPool], LastAppliedIndex: lastAppliedIndex}
}

// ImportSnapshot replaces the in-memory state with snap, used when
// installing a leader-provided snapshot on a lagging follower.
func (l *Ledger) ImportSnapshot(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[identity.NodeId]uint64, len(snap.Balances)+1)
	for k, v := range snap.Balances {
		l.balances[k] = v
	}
	l.balances[RevivalPool] = snap.RevivalPool
}

// TotalSupply sums every balance plus the revival pool; applied transfers
// leave it unchanged (spec §8 conservation). Applying a transfer that
// names an account this replica has not yet observed also adds that
// account's InitialNodeCredits grant.
func (l *Ledger) TotalSupply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total uint64
	for _, v := range l.balances {
		total += v
	}
	return total
}
