package replog

import (
	"context"
	"testing"
	"time"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/envelope"
	"github.com/vudo/enr/pkg/identity"
	"github.com/vudo/enr/pkg/ledger"
	"github.com/vudo/enr/pkg/metrics"
	"github.com/vudo/enr/pkg/transport"
)

func mustNodeId(t *testing.T) identity.NodeId {
	t.Helper()
	key, err := identity.GenerateNodeKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.NodeId()
}

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	from := mustNodeId(t)
	to := mustNodeId(t)

	transferCmd, err := NewTransferCommand(envelope.CreditTransfer{
		From: from, To: to, Amount: 10, Nonce: 1, Timestamp: 2,
	}, []byte("sig"))
	if err != nil {
		t.Fatalf("new transfer command: %v", err)
	}
	grantCmd, err := NewGrantCreditsCommand(to, 500)
	if err != nil {
		t.Fatalf("new grant command: %v", err)
	}
	failureCmd, err := NewRecordFailureCommand(from, "timeout", 99)
	if err != nil {
		t.Fatalf("new failure command: %v", err)
	}
	noopCmd := NewNoopCommand()

	for _, cmd := range []Command{transferCmd, grantCmd, failureCmd, noopCmd} {
		data, err := cmd.Encode()
		if err != nil {
			t.Fatalf("encode %s: %v", cmd.Kind, err)
		}
		decoded, err := DecodeCommand(data)
		if err != nil {
			t.Fatalf("decode %s: %v", cmd.Kind, err)
		}
		if decoded.Kind != cmd.Kind {
			t.Fatalf("kind = %s, want %s", decoded.Kind, cmd.Kind)
		}
	}

	decodedTransfer, err := transferCmd.AsTransfer()
	if err != nil {
		t.Fatalf("as transfer: %v", err)
	}
	if decodedTransfer.Transfer.Amount != 10 || string(decodedTransfer.Signature) != "sig" {
		t.Fatalf("transfer body mismatch: %+v", decodedTransfer)
	}

	decodedGrant, err := grantCmd.AsGrantCredits()
	if err != nil {
		t.Fatalf("as grant: %v", err)
	}
	if decodedGrant.Node != to || decodedGrant.Amount != 500 {
		t.Fatalf("grant body mismatch: %+v", decodedGrant)
	}

	decodedFailure, err := failureCmd.AsRecordFailure()
	if err != nil {
		t.Fatalf("as failure: %v", err)
	}
	if decodedFailure.Reason != "timeout" || decodedFailure.Timestamp != 99 {
		t.Fatalf("failure body mismatch: %+v", decodedFailure)
	}

	if _, err := grantCmd.AsTransfer(); err == nil {
		t.Fatalf("expected error decoding GrantCredits command as Transfer")
	}
}

func TestMerkleRootDeterministicAndOrderSensitive(t *testing.T) {
	a := [32]byte{1}
	b := [32]byte{2}
	c := [32]byte{3}

	if computeMerkleRoot(nil) != ([32]byte{}) {
		t.Fatalf("empty input should yield zero root")
	}
	if computeMerkleRoot([][32]byte{a}) != a {
		t.Fatalf("single-leaf root should equal the leaf")
	}

	root1 := computeMerkleRoot([][32]byte{a, b, c})
	root2 := computeMerkleRoot([][32]byte{a, b, c})
	if root1 != root2 {
		t.Fatalf("merkle root is not deterministic across identical inputs")
	}
	root3 := computeMerkleRoot([][32]byte{c, b, a})
	if root1 == root3 {
		t.Fatalf("merkle root should be sensitive to leaf order")
	}
}

func TestSnapshotManagerShouldSnapshot(t *testing.T) {
	m := NewSnapshotManager(100, 3, logger.NewLogger("error"))
	cases := map[uint64]bool{0: false, 1: false, 99: false, 100: true, 150: false, 200: true}
	for idx, want := range cases {
		if got := m.ShouldSnapshot(idx); got != want {
			t.Errorf("ShouldSnapshot(%d) = %v, want %v", idx, got, want)
		}
	}
}

func TestSnapshotManagerCreateLatestVerifyAndPrune(t *testing.T) {
	m := NewSnapshotManager(100, 2, logger.NewLogger("error"))
	node := mustNodeId(t)

	snap1 := ledger.Snapshot{Balances: map[identity.NodeId]uint64{node: 1000}, RevivalPool: 0, LastAppliedIndex: 100}
	snap2 := ledger.Snapshot{Balances: map[identity.NodeId]uint64{node: 900}, RevivalPool: 10, LastAppliedIndex: 200}
	snap3 := ledger.Snapshot{Balances: map[identity.NodeId]uint64{node: 800}, RevivalPool: 20, LastAppliedIndex: 300}

	rec1, err := m.Create(100, 1, snap1, [][32]byte{{1}})
	if err != nil {
		t.Fatalf("create snap1: %v", err)
	}
	if _, err := m.Create(200, 1, snap2, [][32]byte{{2}}); err != nil {
		t.Fatalf("create snap2: %v", err)
	}
	rec3, err := m.Create(300, 2, snap3, [][32]byte{{3}})
	if err != nil {
		t.Fatalf("create snap3: %v", err)
	}

	if latest := m.Latest(); latest == nil || latest.Index != 300 {
		t.Fatalf("Latest() = %+v, want index 300", latest)
	}
	if got := m.AtOrBefore(250); got == nil || got.Index != 200 {
		t.Fatalf("AtOrBefore(250) = %+v, want index 200", got)
	}
	// maxRetained=2 should have pruned the oldest (index 100).
	if got := m.AtOrBefore(100); got != nil {
		t.Fatalf("expected snapshot at index 100 to be pruned, got %+v", got)
	}
	if rec1 == nil {
		t.Fatalf("rec1 unexpectedly nil")
	}

	if !m.Verify(rec3) {
		t.Fatalf("Verify should accept an unmodified snapshot record")
	}
	tampered := *rec3
	tampered.Ledger = ledger.Snapshot{Balances: map[identity.NodeId]uint64{node: 1}, LastAppliedIndex: 300}
	if m.Verify(&tampered) {
		t.Fatalf("Verify should reject a tampered snapshot record")
	}
}

func TestSnapshotPayloadRoundTrip(t *testing.T) {
	a := mustNodeId(t)
	b := mustNodeId(t)
	snap := ledger.Snapshot{
		Balances:         map[identity.NodeId]uint64{a: 100, b: 200},
		RevivalPool:      30,
		LastAppliedIndex: 42,
	}

	data, err := encodeLedgerSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	restored, err := decodeLedgerSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if restored.RevivalPool != snap.RevivalPool || restored.LastAppliedIndex != snap.LastAppliedIndex {
		t.Fatalf("scalar fields mismatch: %+v", restored)
	}
	if restored.Balances[a] != 100 || restored.Balances[b] != 200 {
		t.Fatalf("balances mismatch: %+v", restored.Balances)
	}
}

// TestSingleNodeClusterCommitsTransfer starts a one-member raft cluster,
// waits for it to elect itself leader, proposes a transfer through the
// ledger's Proposer interface, and checks the committed entry reaches the
// ledger's state machine.
func TestSingleNodeClusterCommitsTransfer(t *testing.T) {
	key, err := identity.GenerateNodeKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	recipient := mustNodeId(t)

	bus := transport.NewBus()
	mem := transport.NewMemory(bus, key.NodeId().String())
	log := logger.NewLogger("error")
	metricsReg := metrics.NewTestRegistry()

	l, err := ledger.New(ledger.Config{Key: key, Publish: mem, Log: log, Metrics: metricsReg})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	node, err := NewNode(Config{
		RaftID:           1,
		Peers:            map[uint64]identity.NodeId{1: key.NodeId()},
		PubSub:           mem,
		Ledger:           l,
		TickInterval:     5 * time.Millisecond,
		ElectionTick:     5,
		HeartbeatTick:    1,
		SnapshotInterval: 1000,
		SnapshotRetain:   3,
		Log:              log,
		Metrics:          metricsReg,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if node.Status().IsLeader {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node did not become leader before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := l.SubmitTransfer(context.Background(), recipient, 100); err != nil {
		t.Fatalf("submit transfer: %v", err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for {
		if l.BalanceOf(recipient) == ledger.InitialNodeCredits+100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transfer was not applied before deadline, balance = %d", l.BalanceOf(recipient))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
