package replog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/envelope"
	"github.com/vudo/enr/pkg/identity"
	"github.com/vudo/enr/pkg/ledger"
	"github.com/vudo/enr/pkg/metrics"
	"github.com/vudo/enr/pkg/transport"
)

// Config configures a replicated log Node. Membership is fixed at
// startup (spec §4.4 "Sprint-1 scope"); dynamic reconfiguration is out
// of scope.
type Config struct {
	RaftID uint64
	// Peers maps every member's raft ID (including this node's own
	// RaftID) to its gossip identity, for leader NodeId reporting.
	Peers  map[uint64]identity.NodeId
	PubSub transport.PubSub
	Ledger *ledger.Ledger

	TickInterval     time.Duration // default 100ms
	ElectionTick     int           // default 10
	HeartbeatTick    int           // default 1
	SnapshotInterval uint64        // default 1000 applied entries
	SnapshotRetain   int           // default 3

	Log     *logger.Logger
	Metrics *metrics.Registry
}

type proposalReq struct {
	data []byte
	done chan error
}

// Node drives one replica's participation in the replicated command log,
// wrapping raft.Node with a gossip Transport, an in-memory raft log
// store, and the ledger state machine the log ultimately feeds.
type Node struct {
	mu sync.Mutex

	raw       raft.Node
	storage   *raft.MemoryStorage
	transport *Transport
	ledger    *ledger.Ledger
	snapshots *SnapshotManager

	selfRaftID   uint64
	peers        map[uint64]identity.NodeId
	tickInterval time.Duration

	appliedIndex   uint64
	currentTerm    uint64
	confState      raftpb.ConfState
	pendingDigests [][32]byte

	proposeC chan proposalReq

	log     *logger.Logger
	metrics *metrics.Registry
}

// NewNode constructs a Node. Call Run to start its event loop.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Peers == nil || len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("replog: at least one peer (including self) is required")
	}
	if _, ok := cfg.Peers[cfg.RaftID]; !ok {
		return nil, fmt.Errorf("replog: Peers must include this node's own RaftID")
	}

	electionTick := cfg.ElectionTick
	if electionTick <= 0 {
		electionTick = 10
	}
	heartbeatTick := cfg.HeartbeatTick
	if heartbeatTick <= 0 {
		heartbeatTick = 1
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}

	storage := raft.NewMemoryStorage()
	peers := make([]raft.Peer, 0, len(cfg.Peers))
	for id := range cfg.Peers {
		peers = append(peers, raft.Peer{ID: id})
	}

	raftCfg := &raft.Config{
		ID:              cfg.RaftID,
		ElectionTick:    electionTick,
		HeartbeatTick:   heartbeatTick,
		Storage:         storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
		PreVote:         true,
	}

	raw := raft.StartNode(raftCfg, peers)

	n := &Node{
		raw:          raw,
		storage:      storage,
		transport:    NewTransport(cfg.PubSub, cfg.RaftID, cfg.Log),
		ledger:       cfg.Ledger,
		snapshots:    NewSnapshotManager(cfg.SnapshotInterval, cfg.SnapshotRetain, cfg.Log),
		selfRaftID:   cfg.RaftID,
		peers:        cfg.Peers,
		tickInterval: tickInterval,
		proposeC:     make(chan proposalReq),
		log:          cfg.Log,
		metrics:      cfg.Metrics,
	}
	cfg.Ledger.SetProposer(n)
	return n, nil
}

// Run drives the raft event loop (tick, ready processing, message
// transport) until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	transportErrC := make(chan error, 1)
	go func() {
		transportErrC <- n.transport.Run(ctx, func(msg raftpb.Message) {
			_ = n.raw.Step(ctx, msg)
		})
	}()

	for {
		select {
		case <-ctx.Done():
			n.raw.Stop()
			n.transport.Close()
			return ctx.Err()
		case err := <-transportErrC:
			if err != nil {
				n.log.WithError(err).Warn("replog: raft transport loop exited")
			}
		case <-ticker.C:
			n.raw.Tick()
		case req := <-n.proposeC:
			req.done <- n.raw.Propose(ctx, req.data)
		case rd := <-n.raw.Ready():
			n.processReady(ctx, rd)
		}
	}
}

func (n *Node) processReady(ctx context.Context, rd raft.Ready) {
	n.mu.Lock()
	if !raft.IsEmptyHardState(rd.HardState) {
		n.currentTerm = rd.HardState.Term
	}
	n.mu.Unlock()

	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.storage.SetHardState(rd.HardState); err != nil {
			n.log.WithError(err).Warn("replog: failed to persist hard state")
		}
	}
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
			n.log.WithError(err).Warn("replog: failed to apply inbound snapshot")
		} else {
			n.installSnapshot(rd.Snapshot)
		}
	}
	if len(rd.Entries) > 0 {
		if err := n.storage.Append(rd.Entries); err != nil {
			n.log.WithError(err).Warn("replog: failed to append log entries")
		}
	}

	n.transport.Send(ctx, rd.Messages)

	for _, entry := range rd.CommittedEntries {
		n.applyEntry(entry)
	}

	n.mu.Lock()
	applied := n.appliedIndex
	n.mu.Unlock()
	if n.snapshots.ShouldSnapshot(applied) {
		n.createSnapshot()
	}

	n.raw.Advance()
}

func (n *Node) applyEntry(entry raftpb.Entry) {
	switch entry.Type {
	case raftpb.EntryNormal:
		if len(entry.Data) > 0 {
			n.applyCommand(entry.Data)
		}
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			n.log.WithError(err).Warn("replog: malformed conf change entry")
			break
		}
		n.mu.Lock()
		n.confState = *n.raw.ApplyConfChange(cc)
		n.mu.Unlock()
	}

	n.mu.Lock()
	n.appliedIndex = entry.Index
	n.mu.Unlock()
}

func (n *Node) applyCommand(data []byte) {
	cmd, err := DecodeCommand(data)
	if err != nil {
		n.log.WithError(err).Warn("replog: dropping malformed committed command")
		return
	}

	digest, err := commandDigest(cmd)
	if err == nil {
		n.mu.Lock()
		n.pendingDigests = append(n.pendingDigests, digest)
		n.mu.Unlock()
	}

	switch cmd.Kind {
	case CommandTransfer:
		body, err := cmd.AsTransfer()
		if err != nil {
			n.log.WithError(err).Warn("replog: malformed Transfer command")
			return
		}
		if err := n.ledger.ApplyTransferCommand(body.Transfer, body.Signature); err != nil {
			n.log.WithError(err).Debug("replog: transfer command not applied")
		}
	case CommandGrantCredits:
		body, err := cmd.AsGrantCredits()
		if err != nil {
			n.log.WithError(err).Warn("replog: malformed GrantCredits command")
			return
		}
		n.ledger.GrantCredits(body.Node, body.Amount)
	case CommandRecordFailure:
		body, err := cmd.AsRecordFailure()
		if err != nil {
			n.log.WithError(err).Warn("replog: malformed RecordFailure command")
			return
		}
		n.log.WithFields(logger.Fields{
			"node": body.Node.String(), "reason": body.Reason,
		}).Warn("replog: recorded failure")
	case CommandNoop:
	}
}

func (n *Node) createSnapshot() {
	n.mu.Lock()
	applied := n.appliedIndex
	term := n.currentTerm
	digests := n.pendingDigests
	n.pendingDigests = nil
	confState := n.confState
	n.mu.Unlock()

	snap := n.ledger.ExportSnapshot(applied)
	rec, err := n.snapshots.Create(applied, term, snap, digests)
	if err != nil {
		n.log.WithError(err).Warn("replog: failed to build snapshot record")
		return
	}

	data, err := encodeLedgerSnapshot(rec.Ledger)
	if err != nil {
		n.log.WithError(err).Warn("replog: failed to encode snapshot payload")
		return
	}
	if _, err := n.storage.CreateSnapshot(applied, &confState, data); err != nil {
		n.log.WithError(err).Warn("replog: failed to create raft snapshot")
		return
	}
	if applied > 1 {
		if err := n.storage.Compact(applied - 1); err != nil {
			n.log.WithError(err).Debug("replog: log compaction skipped")
		}
	}
}

func (n *Node) installSnapshot(snap raftpb.Snapshot) {
	ledgerSnap, err := decodeLedgerSnapshot(snap.Data)
	if err != nil {
		n.log.WithError(err).Warn("replog: failed to decode installed snapshot")
		return
	}
	n.ledger.ImportSnapshot(ledgerSnap)

	n.mu.Lock()
	n.appliedIndex = snap.Metadata.Index
	n.confState = snap.Metadata.ConfState
	n.mu.Unlock()
}

func (n *Node) propose(ctx context.Context, cmd Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	req := proposalReq{data: data, done: make(chan error, 1)}
	select {
	case n.proposeC <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProposeTransfer implements ledger.Proposer: it enters the transfer into
// the replicated log instead of applying it locally.
func (n *Node) ProposeTransfer(ctx context.Context, transfer envelope.CreditTransfer, signature []byte) error {
	cmd, err := NewTransferCommand(transfer, signature)
	if err != nil {
		return err
	}
	return n.propose(ctx, cmd)
}

// ProposeGrantCredits enters a GrantCredits command into the log.
func (n *Node) ProposeGrantCredits(ctx context.Context, node identity.NodeId, amount uint64) error {
	cmd, err := NewGrantCreditsCommand(node, amount)
	if err != nil {
		return err
	}
	return n.propose(ctx, cmd)
}

// ProposeRecordFailure enters a RecordFailure command into the log.
func (n *Node) ProposeRecordFailure(ctx context.Context, node identity.NodeId, reason string, timestamp int64) error {
	cmd, err := NewRecordFailureCommand(node, reason, timestamp)
	if err != nil {
		return err
	}
	return n.propose(ctx, cmd)
}

// Observability reports the current term, last-applied index, whether
// this node believes itself leader, and the leader's NodeId (spec §4.4).
type Observability struct {
	Term        uint64
	LastApplied uint64
	IsLeader    bool
	Leader      identity.NodeId
}

// Status reports the node's current raft observability and updates the
// replog_* metrics gauges.
func (n *Node) Status() Observability {
	st := n.raw.Status()

	n.mu.Lock()
	applied := n.appliedIndex
	n.mu.Unlock()

	isLeader := st.Lead != 0 && st.Lead == st.ID
	leader := n.peers[st.Lead]

	n.metrics.ReplogTerm.Set(float64(st.Term))
	n.metrics.ReplogLastApplied.Set(float64(applied))
	if isLeader {
		n.metrics.ReplogIsLeader.Set(1)
	} else {
		n.metrics.ReplogIsLeader.Set(0)
	}

	return Observability{Term: st.Term, LastApplied: applied, IsLeader: isLeader, Leader: leader}
}

// --- snapshot payload codec ---

type balanceEntry struct {
	Node   identity.NodeId `cbor:"1,keyasint"`
	Amount uint64          `cbor:"2,keyasint"`
}

type snapshotPayload struct {
	Balances         []balanceEntry `cbor:"1,keyasint"`
	RevivalPool      uint64         `cbor:"2,keyasint"`
	LastAppliedIndex uint64         `cbor:"3,keyasint"`
}

func encodeLedgerSnapshot(snap ledger.Snapshot) ([]byte, error) {
	payload := snapshotPayload{RevivalPool: snap.RevivalPool, LastAppliedIndex: snap.LastAppliedIndex}
	for id, amount := range snap.Balances {
		payload.Balances = append(payload.Balances, balanceEntry{Node: id, Amount: amount})
	}
	data, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("replog: encode snapshot payload: %w", err)
	}
	return data, nil
}

func decodeLedgerSnapshot(data []byte) (ledger.Snapshot, error) {
	var payload snapshotPayload
	if err := cbor.Unmarshal(data, &payload); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("replog: decode snapshot payload: %w", err)
	}
	balances := make(map[identity.NodeId]uint64, len(payload.Balances))
	for _, e := range payload.Balances {
		balances[e.Node] = e.Amount
	}
	return ledger.Snapshot{Balances: balances, RevivalPool: payload.RevivalPool, LastAppliedIndex: payload.LastAppliedIndex}, nil
}
