package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/vudo/enr/internal/logger"
)

// Libp2pConfig configures the libp2p-backed PubSub adapter, mirroring the
// teacher's P2PConfig fields (host.go).
type Libp2pConfig struct {
	// ListenPort is the TCP/QUIC port to listen on. 0 picks a random port.
	ListenPort int
	// BootstrapPeers is a list of multiaddrs to connect to on startup.
	BootstrapPeers []string
	// MaxPeers bounds the connection manager's high watermark.
	MaxPeers int
	// Identity is reused as the host's libp2p identity, so the mesh
	// peer id and the ledger's NodeId are derived from the same key.
	Identity crypto.PrivKey
}

// Libp2p is the concrete PubSub backed by a libp2p host, a Kademlia DHT
// for peer discovery, and go-libp2p-pubsub for gossip dissemination.
// Adapted from the teacher's pkg/p2p/host.go NewHost plus the repeated
// topic-join/subscribe pattern of its transactions.go/blocks.go/ipfs.go.
type Libp2p struct {
	host host.Host
	dht  *dht.IpfsDHT
	ps   *pubsub.PubSub
	log  *logger.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewLibp2p creates a libp2p host, bootstraps its DHT, joins the gossipsub
// overlay, and connects to any configured bootstrap peers.
func NewLibp2p(ctx context.Context, cfg Libp2pConfig, log *logger.Logger) (*Libp2p, error) {
	priv := cfg.Identity
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("transport: generate identity: %w", err)
		}
	}

	listenAddrs := []multiaddr.Multiaddr{}
	tcpAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("transport: tcp multiaddr: %w", err)
	}
	listenAddrs = append(listenAddrs, tcpAddr)

	if quicAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.ListenPort)); err != nil {
		log.Warn("failed to build QUIC multiaddr, skipping QUIC transport")
	} else {
		listenAddrs = append(listenAddrs, quicAddr)
	}

	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = 50
	}
	connMgr, err := connmgr.NewConnManager(maxPeers/2, maxPeers, connmgr.WithGracePeriod(0))
	if err != nil {
		return nil, fmt.Errorf("transport: connection manager: %w", err)
	}

	var dhtInstance *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(connMgr),
		libp2p.NATPortMap(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			dhtInstance, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
			return dhtInstance, err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}

	if err := dhtInstance.Bootstrap(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("transport: bootstrap dht: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("transport: create gossipsub: %w", err)
	}

	log.WithField("peer_id", h.ID().String()).Info("libp2p transport initialized")

	l := &Libp2p{host: h, dht: dhtInstance, ps: ps, log: log, topics: make(map[string]*pubsub.Topic)}

	for _, addr := range cfg.BootstrapPeers {
		l.connectBootstrap(ctx, addr)
	}

	return l, nil
}

func (l *Libp2p) connectBootstrap(ctx context.Context, addr string) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		l.log.WithFields(logger.Fields{"addr": addr, "error": err}).Warn("invalid bootstrap peer address")
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		l.log.WithFields(logger.Fields{"addr": addr, "error": err}).Warn("failed to parse bootstrap peer info")
		return
	}
	if err := l.host.Connect(ctx, *info); err != nil {
		l.log.WithFields(logger.Fields{"peer_id": info.ID.String(), "error": err}).Warn("failed to connect to bootstrap peer")
		return
	}
	l.log.WithField("peer_id", info.ID.String()).Info("connected to bootstrap peer")
}

// ID returns the host's peer ID.
func (l *Libp2p) ID() peer.ID { return l.host.ID() }

// PeerCount returns the number of currently connected peers.
func (l *Libp2p) PeerCount() int { return len(l.host.Network().Peers()) }

func (l *Libp2p) topic(name string) (*pubsub.Topic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.topics[name]; ok {
		return t, nil
	}
	t, err := l.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic %s: %w", name, err)
	}
	l.topics[name] = t
	return t, nil
}

// Publish publishes data to the named gossip topic, joining it on demand.
func (l *Libp2p) Publish(ctx context.Context, topicName string, data []byte) error {
	t, err := l.topic(topicName)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", topicName, err)
	}
	return nil
}

type libp2pSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	sub    *pubsub.Subscription
	self   peer.ID
	topic  string
}

func (s *libp2pSub) Next(ctx context.Context) (*Message, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: subscription next: %w", err)
	}
	return &Message{
		Topic: s.topic,
		Data:  msg.Data,
		From:  msg.ReceivedFrom.String(),
		Local: msg.ReceivedFrom == s.self,
	}, nil
}

func (s *libp2pSub) Cancel() {
	s.sub.Cancel()
	s.cancel()
}

// Subscribe joins topicName (if not already joined) and returns a
// Subscription over it.
func (l *Libp2p) Subscribe(topicName string) (Subscription, error) {
	t, err := l.topic(topicName)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe to %s: %w", topicName, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &libp2pSub{ctx: ctx, cancel: cancel, sub: sub, self: l.host.ID(), topic: topicName}, nil
}

// Close tears down the DHT and host.
func (l *Libp2p) Close() error {
	if err := l.dht.Close(); err != nil {
		l.log.WithError(err).Error("failed to close dht")
	}
	return l.host.Close()
}
