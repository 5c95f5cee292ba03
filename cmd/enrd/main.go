// Command enrd is the entropic node runtime: it wires identity, the
// credit ledger, gossip transport, the LoRa bridge, nexus elections, the
// optional replicated command log, and the status API into one running
// mesh node (spec §6 CLI surface).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vudo/enr/internal/config"
	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/internal/nodekey"
	"github.com/vudo/enr/internal/snapshotio"
	"github.com/vudo/enr/internal/statusapi"
	"github.com/vudo/enr/pkg/bridge"
	"github.com/vudo/enr/pkg/content"
	"github.com/vudo/enr/pkg/election"
	"github.com/vudo/enr/pkg/envelope"
	"github.com/vudo/enr/pkg/gradient"
	"github.com/vudo/enr/pkg/identity"
	"github.com/vudo/enr/pkg/ledger"
	"github.com/vudo/enr/pkg/ledgerstore"
	"github.com/vudo/enr/pkg/metrics"
	"github.com/vudo/enr/pkg/peerscore"
	"github.com/vudo/enr/pkg/replog"
	"github.com/vudo/enr/pkg/transport"
)

// Exit codes (spec §6).
const (
	exitClean  = 0
	exitConfig = 2
	exitBoot   = 3
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:           "enrd",
		Short:         "entropic node runtime: a mesh-resilient offline credit node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if err := config.BindFlags(root, v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return run(v)
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, ok := err.(*config.ErrConfig); ok {
			os.Exit(exitConfig)
		}
		os.Exit(exitBoot)
	}
}

func run(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return &config.ErrConfig{Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.NewLogger(cfg.LogLevel)
	log.WithField("region", cfg.Region).Info("enrd: starting")

	key, err := nodekey.LoadOrCreate(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("enrd: %w", err)
	}
	log.WithField("node_id", key.NodeId().String()).Info("enrd: identity loaded")

	promReg := prometheus.NewRegistry()
	mreg := metrics.NewRegistry(promReg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := transport.NewLibp2p(ctx, transport.Libp2pConfig{
		ListenPort:     cfg.ListenPort,
		BootstrapPeers: cfg.MeshBootstrap,
		MaxPeers:       128,
		Identity:       key.PrivateKey(),
	}, log)
	if err != nil {
		return fmt.Errorf("enrd: start mesh host: %w", err)
	}
	defer host.Close()
	log.WithField("peer_id", host.ID().String()).Info("enrd: mesh host listening")

	l, err := ledger.New(ledger.Config{
		Key: key, Publish: host, ConsensusOn: cfg.EnableConsensus,
		InitialCredits: cfg.InitialCredits,
		Log:            log, Metrics: mreg,
	})
	if err != nil {
		return fmt.Errorf("enrd: start ledger: %w", err)
	}

	if !cfg.EnableConsensus {
		if snap, ok, err := snapshotio.Load(cfg.SnapshotPath); err != nil {
			log.WithError(err).Warn("enrd: discarding unreadable balances snapshot")
		} else if ok {
			l.ImportSnapshot(snap)
			log.WithField("path", cfg.SnapshotPath).Info("enrd: restored balances snapshot")
		}
	}

	store, err := ledgerstore.Open(cfg.LedgerStorePath, log)
	if err != nil {
		return fmt.Errorf("enrd: open ledger store: %w", err)
	}
	defer store.Close()

	peers := peerscore.New(ctx, log)

	el := election.New(election.Config{
		Key: key, Publish: host, MinBandwidthMbps: cfg.MinBandwidthMbps,
		CandidacyDelay: cfg.CandidacyDelay, VoteDelay: cfg.VoteDelay, FinalizeDelay: cfg.FinalizeDelay,
		Log: log, Metrics: mreg,
	})

	grad := gradient.New(gradient.Config{
		Key: key, Publish: host, BandwidthMbps: cfg.BandwidthMbps,
		Interval: cfg.GradientInterval, Log: log,
	})

	var cs *content.Store
	if cfg.IPFSAPI != "" {
		cs = content.New(cfg.IPFSAPI, log)
	}

	var br *bridge.Bridge
	if radio := buildRadio(cfg, log); radio != nil {
		topics, err := bridge.NewTopicMapper(defaultChannelMappings())
		if err != nil {
			return fmt.Errorf("enrd: build bridge topic map: %w", err)
		}
		br, err = bridge.New(bridge.Config{
			PubSub: host, Radio: radio, Topics: topics,
			DedupSize: cfg.DedupCacheSize, DedupTTL: cfg.DedupTTL,
			ReassemblyTimeout: cfg.ReassemblyTimeout,
			Log:               log, Metrics: mreg,
		})
		if err != nil {
			return fmt.Errorf("enrd: start bridge: %w", err)
		}
	}

	var rn *replog.Node
	if cfg.EnableConsensus {
		rn, err = replog.NewNode(replog.Config{
			RaftID: 1, Peers: map[uint64]identity.NodeId{1: key.NodeId()},
			PubSub: host, Ledger: l,
			SnapshotInterval: cfg.SnapshotInterval, SnapshotRetain: cfg.SnapshotRetain,
			Log: log, Metrics: mreg,
		})
		if err != nil {
			return fmt.Errorf("enrd: start replicated log: %w", err)
		}
	}

	status := statusapi.New(statusapi.Config{
		Addr: cfg.StatusAddr, Region: cfg.Region,
		Ledger: l, Election: el, Replog: rn,
		Gatherer: promReg, Log: log,
	})

	g := newGroup(ctx)
	g.spawn(func(ctx context.Context) error { return status.Run(ctx) })
	g.spawn(func(ctx context.Context) error { grad.Run(ctx); return nil })
	g.spawn(func(ctx context.Context) error { return runGradientFeed(ctx, grad, el, host) })
	g.spawn(func(ctx context.Context) error { return runAuditSubscriber(ctx, host, store, log) })
	g.spawn(func(ctx context.Context) error { return runEnvelopeDispatcher(ctx, host, l, el, peers, log) })
	g.spawn(func(ctx context.Context) error { return runElectionClock(ctx, cfg, el, log) })
	if !cfg.EnableConsensus {
		g.spawn(func(ctx context.Context) error { return runBalancesSnapshotter(ctx, cfg, l, cs, log) })
	}

	if br != nil {
		g.spawn(func(ctx context.Context) error { return br.RunOutbound(ctx) })
		g.spawn(func(ctx context.Context) error { br.RunInbound(ctx); return nil })
		defer br.Close()
	}
	if rn != nil {
		g.spawn(func(ctx context.Context) error { return rn.Run(ctx) })
	}

	err = g.wait()
	if !cfg.EnableConsensus {
		if saveErr := saveBalancesSnapshot(cfg, l, cs, log); saveErr != nil {
			log.WithError(saveErr).Warn("enrd: final balances snapshot")
		}
	}
	log.Info("enrd: shutdown complete")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runBalancesSnapshotter periodically persists the ledger's balances to
// --snapshot-path when consensus is disabled, since pkg/replog's
// index-keyed snapshotting only runs for replicated nodes.
func runBalancesSnapshotter(ctx context.Context, cfg config.Config, l *ledger.Ledger, cs *content.Store, log *logger.Logger) error {
	period := cfg.BalanceSnapshotPeriod
	if period <= 0 {
		period = 5 * time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := saveBalancesSnapshot(cfg, l, cs, log); err != nil {
				log.WithError(err).Warn("enrd: periodic balances snapshot")
			}
		}
	}
}

func saveBalancesSnapshot(cfg config.Config, l *ledger.Ledger, cs *content.Store, log *logger.Logger) error {
	snap := l.ExportSnapshot(0)
	if err := snapshotio.Save(cfg.SnapshotPath, snap); err != nil {
		return fmt.Errorf("enrd: save balances snapshot: %w", err)
	}
	if cs != nil {
		raw, err := os.ReadFile(cfg.SnapshotPath)
		if err != nil {
			return fmt.Errorf("enrd: read back snapshot for pinning: %w", err)
		}
		id, err := cs.Put(raw)
		if err != nil {
			log.WithError(err).Warn("enrd: pin balances snapshot to IPFS")
			return nil
		}
		log.WithField("content_id", id.String()).Info("enrd: balances snapshot pinned")
	}
	return nil
}

// buildRadio constructs the configured LoRa radio interface, or nil if
// none of --bridge-serial/--bridge-tcp/--bridge-ble was set.
func buildRadio(cfg config.Config, log *logger.Logger) bridge.RadioInterface {
	switch {
	case cfg.BridgeSerial != "":
		return bridge.NewSerialInterface(cfg.BridgeSerial, bridge.BackoffConfig{}, log)
	case cfg.BridgeTCP != "":
		return bridge.NewTcpInterface(cfg.BridgeTCP, bridge.BackoffConfig{}, log)
	case cfg.BridgeBLE != "":
		return bridge.NewBleInterface(cfg.BridgeBLE, bridge.BackoffConfig{}, log)
	default:
		return nil
	}
}

// defaultChannelMappings is the static gossip-topic <-> LoRa-channel
// table (spec §6). The raft topic is deliberately left unmapped: consensus
// traffic is too frequent and too large for a LoRa link.
func defaultChannelMappings() []bridge.ChannelMapping {
	return []bridge.ChannelMapping{
		{Topic: envelope.GradientTopic, Channel: 0, Direction: bridge.Both, Priority: bridge.PriorityLow},
		{Topic: envelope.CreditTopic, Channel: 1, Direction: bridge.Both, Priority: bridge.PriorityHigh},
		{Topic: envelope.ElectionTopic, Channel: 2, Direction: bridge.Both, Priority: bridge.PriorityNormal},
		{Topic: envelope.SeptalTopic, Channel: 3, Direction: bridge.Both, Priority: bridge.PriorityNormal},
		{Topic: "/mycelial/1.0.0/vouch", Channel: 4, Direction: bridge.Both, Priority: bridge.PriorityNormal},
		{Topic: "/mycelial/1.0.0/credit", Channel: 5, Direction: bridge.Both, Priority: bridge.PriorityNormal},
		{Topic: "/mycelial/1.0.0/governance", Channel: 6, Direction: bridge.Both, Priority: bridge.PriorityLow},
		{Topic: "/mycelial/1.0.0/resource", Channel: 7, Direction: bridge.Both, Priority: bridge.PriorityLow},
	}
}

// runGradientFeed refreshes the election engine's self-candidacy metrics
// from the same resource sample the gradient producer broadcasts,
// wiring pkg/gradient into pkg/election without either depending on the
// other (spec's supplemented "gradient seeds update_metrics" behavior).
func runGradientFeed(ctx context.Context, grad *gradient.Producer, el *election.Engine, host *transport.Libp2p) error {
	ticker := time.NewTicker(grad.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g := grad.Sample()
			m := el.CurrentMetrics()
			m.UptimeRatio = g.UptimeRatio
			m.BandwidthMbps = g.BandwidthMbps
			m.ConnectedPeers = uint32(host.PeerCount())
			el.UpdateMetrics(m)
		}
	}
}

// runAuditSubscriber records every credit-transfer envelope seen on the
// credit topic, this node's own included, into the local SQLite audit log
// (pkg/ledgerstore) as a best-effort, duplicate-tolerant side channel. It
// checks neither the signature nor whether the ledger applied the
// transfer; pkg/ledger has no hook for it, so enrd subscribes
// independently.
func runAuditSubscriber(ctx context.Context, sub transport.PubSub, store *ledgerstore.Store, log *logger.Logger) error {
	s, err := sub.Subscribe(envelope.CreditTopic)
	if err != nil {
		return fmt.Errorf("enrd: subscribe credit topic: %w", err)
	}
	defer s.Cancel()

	var seq int64
	for {
		msg, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("enrd: audit subscriber: next")
			continue
		}
		env, err := envelope.Decode(msg.Data)
		if err != nil || env.Kind != envelope.KindCreditTransfer {
			continue
		}
		body, err := env.AsCreditTransfer()
		if err != nil {
			continue
		}
		seq++
		entry := ledgerstore.Entry{
			Sequence: seq, From: body.From, To: body.To, Amount: body.Amount,
			Tax: ledger.Tax(body.Amount), Nonce: body.Nonce,
			Timestamp: body.Timestamp, AppliedAt: time.Now(),
		}
		if err := store.Record(entry); err != nil {
			log.WithError(err).Warn("enrd: audit subscriber: record")
		}
	}
}

// runEnvelopeDispatcher pumps incoming credit and election envelopes into
// the subsystems that apply them; both pkg/ledger and pkg/election expose
// handlers but neither subscribes for itself (spec §9 callback injection).
// Every inbound envelope is checked against peers before being decoded
// further: a sender already banned for flooding malformed or unsigned
// traffic has its messages dropped before any ledger or election work.
func runEnvelopeDispatcher(ctx context.Context, sub transport.PubSub, l *ledger.Ledger, el *election.Engine, peers *peerscore.Tracker, log *logger.Logger) error {
	credits, err := sub.Subscribe(envelope.CreditTopic)
	if err != nil {
		return fmt.Errorf("enrd: subscribe credit topic: %w", err)
	}
	defer credits.Cancel()
	elections, err := sub.Subscribe(envelope.ElectionTopic)
	if err != nil {
		return fmt.Errorf("enrd: subscribe election topic: %w", err)
	}
	defer elections.Cancel()

	go func() {
		for {
			msg, err := credits.Next(ctx)
			if err != nil {
				return
			}
			if msg.Local || !peers.Allowed(msg.From) {
				continue
			}
			env, err := envelope.Decode(msg.Data)
			if err != nil {
				peers.RecordMalformed(msg.From)
				continue
			}
			if env.Kind != envelope.KindCreditTransfer {
				continue
			}
			body, err := env.AsCreditTransfer()
			if err != nil {
				peers.RecordMalformed(msg.From)
				continue
			}
			if ok, err := env.VerifySignature(body.From); err != nil || !ok {
				peers.RecordInvalid(msg.From)
				continue
			}
			if err := l.ApplyRemote(env); err != nil {
				log.WithError(err).Debug("enrd: apply remote transfer")
				continue
			}
			peers.RecordValid(msg.From)
		}
	}()

	for {
		msg, err := elections.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("enrd: election subscription: %w", err)
		}
		if msg.Local || !peers.Allowed(msg.From) {
			continue
		}
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			peers.RecordMalformed(msg.From)
			continue
		}
		if err := el.HandleEnvelope(ctx, env); err != nil {
			log.WithError(err).Debug("enrd: handle election envelope")
			continue
		}
		peers.RecordValid(msg.From)
	}
}

// runElectionClock drives the nexus election state machine's phase
// advancement for this node's region, since Engine exposes TriggerElection
// / VoteNow / Finalize as explicit calls rather than an internal ticker.
func runElectionClock(ctx context.Context, cfg config.Config, el *election.Engine, log *logger.Logger) error {
	period := cfg.CandidacyDelay + cfg.VoteDelay + cfg.FinalizeDelay
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := el.TriggerElection(ctx, cfg.Region); err != nil {
				log.WithError(err).Debug("enrd: trigger election")
				continue
			}
			time.AfterFunc(cfg.VoteDelay, func() {
				if err := el.VoteNow(ctx, cfg.Region); err != nil {
					log.WithError(err).Debug("enrd: vote")
				}
			})
			time.AfterFunc(cfg.FinalizeDelay, func() {
				if err := el.Finalize(ctx, cfg.Region); err != nil {
					log.WithError(err).Debug("enrd: finalize")
				}
			})
		}
	}
}

// group runs a set of goroutines under one context, cancelling the rest
// and returning the first non-nil error once any of them returns.
type group struct {
	ctx    context.Context
	cancel context.CancelFunc
	errc   chan error
	n      int
}

func newGroup(ctx context.Context) *group {
	ctx, cancel := context.WithCancel(ctx)
	return &group{ctx: ctx, cancel: cancel, errc: make(chan error)}
}

func (g *group) spawn(fn func(ctx context.Context) error) {
	g.n++
	go func() { g.errc <- fn(g.ctx) }()
}

func (g *group) wait() error {
	var first error
	for i := 0; i < g.n; i++ {
		if err := <-g.errc; err != nil && first == nil {
			first = err
			g.cancel()
		}
	}
	return first
}
