package ledger

import (
	"context"
	"testing"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/envelope"
	"github.com/vudo/enr/pkg/identity"
	"github.com/vudo/enr/pkg/metrics"
	"github.com/vudo/enr/pkg/transport"
)

type node struct {
	key    *identity.NodeKey
	ledger *Ledger
	mem    *transport.Memory
}

func newCluster(t *testing.T, n int) []*node {
	t.Helper()
	bus := transport.NewBus()
	nodes := make([]*node, n)
	for i := 0; i < n; i++ {
		key, err := identity.GenerateNodeKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		mem := transport.NewMemory(bus, key.NodeId().String())
		l, err := New(Config{
			Key:     key,
			Publish: mem,
			Log:     logger.NewLogger("error"),
			Metrics: metrics.NewTestRegistry(),
		})
		if err != nil {
			t.Fatalf("new ledger: %v", err)
		}
		nodes[i] = &node{key: key, ledger: l, mem: mem}
	}
	return nodes
}

// relayOnce subscribes every node to the credit topic, publishes one
// transfer from sender, and synchronously delivers it to every other
// replica, modeling one round of gossip dissemination without relying on
// background goroutines or timing.
func relayOnce(t *testing.T, nodes []*node, sender *node, to identity.NodeId, amount uint64) {
	t.Helper()
	subs := make([]transport.Subscription, len(nodes))
	for i, n := range nodes {
		sub, err := n.mem.Subscribe(envelope.CreditTopic)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		subs[i] = sub
	}

	if err := sender.ledger.SubmitTransfer(context.Background(), to, amount); err != nil {
		t.Fatalf("submit transfer: %v", err)
	}

	for i, n := range nodes {
		msg, err := subs[i].Next(context.Background())
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if msg.Local {
			continue
		}
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if err := n.ledger.ApplyRemote(env); err != nil {
			t.Fatalf("apply remote on replica: %v", err)
		}
	}
}

func TestTaxRounding(t *testing.T) {
	cases := map[uint64]uint64{
		0:   0,
		1:   1,
		49:  1,
		50:  1,
		51:  2,
		100: 2,
		200: 4,
	}
	for amount, want := range cases {
		if got := Tax(amount); got != want {
			t.Errorf("Tax(%d) = %d, want %d", amount, got, want)
		}
	}
}

func TestSubmitTransferSelfRejected(t *testing.T) {
	nodes := newCluster(t, 1)
	err := nodes[0].ledger.SubmitTransfer(context.Background(), nodes[0].key.NodeId(), 10)
	if err != ErrSelfTransfer {
		t.Fatalf("expected ErrSelfTransfer, got %v", err)
	}
}

func TestSubmitTransferInsufficientBalance(t *testing.T) {
	nodes := newCluster(t, 2)
	err := nodes[0].ledger.SubmitTransfer(context.Background(), nodes[1].key.NodeId(), InitialNodeCredits*10)
	if err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

// TestSequentialTransfers reproduces the spec's three-node scenario: node 0
// sends 100 to node 1, then 200 to node 2, ending with balance 694.
func TestSequentialTransfers(t *testing.T) {
	nodes := newCluster(t, 3)

	if err := nodes[0].ledger.SubmitTransfer(context.Background(), nodes[1].key.NodeId(), 100); err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	if err := nodes[0].ledger.SubmitTransfer(context.Background(), nodes[2].key.NodeId(), 200); err != nil {
		t.Fatalf("second transfer: %v", err)
	}

	want := InitialNodeCredits - 100 - Tax(100) - 200 - Tax(200)
	if got := nodes[0].ledger.LocalBalance(); got != want {
		t.Fatalf("sender balance = %d, want %d", got, want)
	}
	if got := nodes[0].ledger.BalanceOf(nodes[1].key.NodeId()); got != InitialNodeCredits+100 {
		t.Fatalf("recipient 1 balance = %d, want %d", got, InitialNodeCredits+100)
	}
	if got := nodes[0].ledger.BalanceOf(nodes[2].key.NodeId()); got != InitialNodeCredits+200 {
		t.Fatalf("recipient 2 balance = %d, want %d", got, InitialNodeCredits+200)
	}
	if got := nodes[0].ledger.RevivalPoolBalance(); got != Tax(100)+Tax(200) {
		t.Fatalf("revival pool = %d, want %d", got, Tax(100)+Tax(200))
	}
}

// TestApplyRemotePropagatesAndConservesSupply checks that a transfer
// gossiped to every replica converges and that total supply (every
// balance plus the revival pool) is conserved, per the spec's conservation
// invariant.
func TestApplyRemotePropagatesAndConservesSupply(t *testing.T) {
	nodes := newCluster(t, 3)

	before := nodes[1].ledger.TotalSupply()
	relayOnce(t, nodes, nodes[0], nodes[1].key.NodeId(), 50)
	after := nodes[1].ledger.TotalSupply()

	if before != after {
		t.Fatalf("total supply changed across replicas view: before=%d after=%d", before, after)
	}
	if got, want := nodes[1].ledger.BalanceOf(nodes[0].key.NodeId()), InitialNodeCredits-50-Tax(50); got != want {
		t.Fatalf("replica's view of sender balance = %d, want %d", got, want)
	}
	if got, want := nodes[1].ledger.BalanceOf(nodes[1].key.NodeId()), InitialNodeCredits+50; got != want {
		t.Fatalf("replica's own balance = %d, want %d", got, want)
	}
}

func TestApplyRemoteRejectsReplay(t *testing.T) {
	nodes := newCluster(t, 2)
	body := envelope.CreditTransfer{
		From: nodes[0].key.NodeId(), To: nodes[1].key.NodeId(),
		Amount: 10, Nonce: 0, Timestamp: 1,
	}
	env, err := envelope.NewCreditTransfer(body)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := env.Sign(nodes[0].key); err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := nodes[1].ledger.ApplyRemote(env); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := nodes[1].ledger.ApplyRemote(env); err != ErrReplay {
		t.Fatalf("expected ErrReplay on re-apply, got %v", err)
	}
}

func TestApplyRemoteRejectsBadSignature(t *testing.T) {
	nodes := newCluster(t, 2)
	body := envelope.CreditTransfer{
		From: nodes[0].key.NodeId(), To: nodes[1].key.NodeId(),
		Amount: 10, Nonce: 0, Timestamp: 1,
	}
	env, err := envelope.NewCreditTransfer(body)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	// Sign with the wrong key.
	if err := env.Sign(nodes[1].key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := nodes[1].ledger.ApplyRemote(env); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestApplyTransferCommandAppliesSignedTransfer(t *testing.T) {
	nodes := newCluster(t, 2)
	body := envelope.CreditTransfer{
		From: nodes[0].key.NodeId(), To: nodes[1].key.NodeId(),
		Amount: 10, Nonce: 7, Timestamp: 1,
	}
	env, err := envelope.NewCreditTransfer(body)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := env.Sign(nodes[0].key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := nodes[1].ledger.ApplyTransferCommand(body, env.Signature); err != nil {
		t.Fatalf("apply command: %v", err)
	}
	want := InitialNodeCredits + 10
	if got := nodes[1].ledger.LocalBalance(); got != want {
		t.Fatalf("balance = %d, want %d", got, want)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	nodes := newCluster(t, 3)
	if err := nodes[0].ledger.SubmitTransfer(context.Background(), nodes[1].key.NodeId(), 100); err != nil {
		t.Fatalf("submit transfer: %v", err)
	}

	snap := nodes[0].ledger.ExportSnapshot(42)

	restored, err := New(Config{
		Key:     nodes[0].key,
		Publish: nodes[0].mem,
		Log:     logger.NewLogger("error"),
		Metrics: metrics.NewTestRegistry(),
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	restored.ImportSnapshot(snap)

	if got, want := restored.LocalBalance(), nodes[0].ledger.LocalBalance(); got != want {
		t.Fatalf("restored balance = %d, want %d", got, want)
	}
	if got, want := restored.RevivalPoolBalance(), nodes[0].ledger.RevivalPoolBalance(); got != want {
		t.Fatalf("restored revival pool = %d, want %d", got, want)
	}
}
