package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/metrics"
	"github.com/vudo/enr/pkg/transport"
)

// radioPacketHeaderSize is channel(1) + hops(1) + flags(1).
const radioPacketHeaderSize = 3

const flagChunked = 0x1

// Bridge relays payloads between the gossip overlay and a LoRa radio,
// enforcing the topic mapping, deduplication, hop limit, and
// compression/chunking size discipline of spec §4.3.
type Bridge struct {
	pubsub transport.PubSub
	radio  RadioInterface

	topics      *TopicMapper
	nodeIds     *NodeIdMapper
	dedup       *DeduplicationCache
	compressor  *Compressor
	chunker     *Chunker
	reassembler *Reassembler

	nextMessageId uint64

	mu   sync.Mutex
	subs []transport.Subscription

	log     *logger.Logger
	metrics *metrics.Registry
}

// Config configures a new Bridge.
type Config struct {
	PubSub           transport.PubSub
	Radio            RadioInterface
	Topics           *TopicMapper
	DedupSize        int
	DedupTTL         time.Duration
	ReassemblyTimeout time.Duration
	Log              *logger.Logger
	Metrics          *metrics.Registry
}

// New constructs a Bridge.
func New(cfg Config) (*Bridge, error) {
	dedup, err := NewDeduplicationCache(cfg.DedupSize, cfg.DedupTTL)
	if err != nil {
		return nil, fmt.Errorf("bridge: create dedup cache: %w", err)
	}
	compressor, err := NewCompressor()
	if err != nil {
		return nil, fmt.Errorf("bridge: create compressor: %w", err)
	}
	nodeIds, err := NewNodeIdMapper(0)
	if err != nil {
		return nil, fmt.Errorf("bridge: create node id mapper: %w", err)
	}
	return &Bridge{
		pubsub: cfg.PubSub, radio: cfg.Radio, topics: cfg.Topics,
		nodeIds: nodeIds, dedup: dedup, compressor: compressor,
		chunker: NewChunker(), reassembler: NewReassembler(cfg.ReassemblyTimeout),
		log: cfg.Log, metrics: cfg.Metrics,
	}, nil
}

// RunOutbound subscribes to every gossip-to-lora-mapped topic and relays
// matching messages to the radio until ctx is done.
func (b *Bridge) RunOutbound(ctx context.Context) error {
	for topic, mapping := range b.outboundTopics() {
		sub, err := b.pubsub.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("bridge: subscribe %s: %w", topic, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
		go b.pumpOutbound(ctx, sub, mapping)
	}
	return nil
}

func (b *Bridge) outboundTopics() map[string]ChannelMapping {
	out := make(map[string]ChannelMapping)
	b.topics.mu.RLock()
	defer b.topics.mu.RUnlock()
	for topic, m := range b.topics.byTopic {
		if m.Direction.allowsOutbound() {
			out[topic] = m
		}
	}
	return out
}

func (b *Bridge) pumpOutbound(ctx context.Context, sub transport.Subscription, mapping ChannelMapping) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.Local {
			continue
		}
		if err := b.RelayOutbound(ctx, mapping, msg.Data, 0); err != nil {
			b.log.WithError(err).WithField("topic", mapping.Topic).Warn("failed to relay outbound frame")
		}
	}
}

// RelayOutbound sends payload (already addressed to mapping's topic) to
// the radio over mapping's channel, applying dedup, hop-limit,
// compression, and chunking as needed.
func (b *Bridge) RelayOutbound(ctx context.Context, mapping ChannelMapping, payload []byte, hops uint8) error {
	if hops > MaxHopLimit {
		b.metrics.HopLimitExceeded.Inc()
		return nil
	}
	if b.dedup.SeenBefore(GossipToLora, mapping.Topic, payload) {
		b.metrics.DedupHits.Inc()
		return nil
	}

	body := payload
	chunked := false
	if radioPacketHeaderSize+len(body) > LoraPayloadCeiling {
		body = b.compressor.Compress(payload)
	}
	if radioPacketHeaderSize+len(body) > LoraPayloadCeiling {
		return b.sendChunked(ctx, mapping, hops, body)
	}

	packet := buildRadioPacket(mapping.Channel, hops, chunked, body)
	frame, err := EncodeFrame(packet)
	if err != nil {
		return fmt.Errorf("bridge: encode frame: %w", err)
	}
	if err := b.radio.WriteFrame(ctx, frame); err != nil {
		b.metrics.FrameErrors.Inc()
		return fmt.Errorf("bridge: write frame: %w", err)
	}
	b.metrics.BridgeRelayed.WithLabelValues("gossip_to_lora").Inc()
	return nil
}

func (b *Bridge) sendChunked(ctx context.Context, mapping ChannelMapping, hops uint8, body []byte) error {
	messageId := atomic.AddUint64(&b.nextMessageId, 1)
	for _, c := range b.chunker.Split(messageId, body) {
		packet := buildRadioPacket(mapping.Channel, hops, true, c.Encode())
		frame, err := EncodeFrame(packet)
		if err != nil {
			return fmt.Errorf("bridge: encode chunk frame: %w", err)
		}
		if err := b.radio.WriteFrame(ctx, frame); err != nil {
			b.metrics.FrameErrors.Inc()
			return fmt.Errorf("bridge: write chunk frame: %w", err)
		}
	}
	b.metrics.BridgeRelayed.WithLabelValues("gossip_to_lora").Inc()
	return nil
}

func buildRadioPacket(channel, hops uint8, chunked bool, body []byte) []byte {
	var flags uint8
	if chunked {
		flags |= flagChunked
	}
	packet := make([]byte, radioPacketHeaderSize+len(body))
	packet[0] = channel
	packet[1] = hops
	packet[2] = flags
	copy(packet[radioPacketHeaderSize:], body)
	return packet
}

// RunInbound reads frames from the radio until ctx is done, relaying
// completed messages to their mapped gossip topic.
func (b *Bridge) RunInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := b.radio.ReadFrame(ctx)
		if err != nil {
			continue
		}
		if err := b.HandleInboundFrame(ctx, frame); err != nil {
			b.log.WithError(err).Warn("failed to handle inbound frame")
		}
	}
}

// HandleInboundFrame decodes one radio frame and, once any chunked
// message is fully reassembled, republishes it to the mapped gossip
// topic (spec §4.3).
func (b *Bridge) HandleInboundFrame(ctx context.Context, rawFrame []byte) error {
	payload, _, err := DecodeFrame(rawFrame)
	if err != nil {
		b.metrics.FrameErrors.Inc()
		return fmt.Errorf("bridge: decode frame: %w", err)
	}
	if len(payload) < radioPacketHeaderSize {
		b.metrics.FrameErrors.Inc()
		return fmt.Errorf("bridge: radio packet too short")
	}
	channel, hops, flags := payload[0], payload[1], payload[2]
	body := payload[radioPacketHeaderSize:]

	if hops > MaxHopLimit {
		b.metrics.HopLimitExceeded.Inc()
		return nil
	}

	mapping, ok := b.topics.ForChannel(channel)
	if !ok || !mapping.Direction.allowsInbound() {
		return nil // unmapped or outbound-only channel: not relayed
	}

	if flags&flagChunked != 0 {
		chunk, err := DecodeChunk(body)
		if err != nil {
			b.metrics.FrameErrors.Inc()
			return fmt.Errorf("bridge: decode chunk: %w", err)
		}
		reassembled, complete := b.reassembler.Add(chunk)
		if !complete {
			return nil
		}
		body = reassembled
	}

	decompressed, err := b.compressor.Decompress(body)
	if err == nil {
		body = decompressed
	}

	if b.dedup.SeenBefore(LoraToGossip, mapping.Topic, body) {
		b.metrics.DedupHits.Inc()
		return nil
	}

	if err := b.pubsub.Publish(ctx, mapping.Topic, body); err != nil {
		return fmt.Errorf("bridge: publish to %s: %w", mapping.Topic, err)
	}
	b.metrics.BridgeRelayed.WithLabelValues("lora_to_gossip").Inc()
	return nil
}

// ExpireStaleReassembly discards any partial chunked message that has
// exceeded the reassembly timeout; intended to run on a periodic ticker.
func (b *Bridge) ExpireStaleReassembly() int {
	discarded := b.reassembler.ExpireStale()
	for i := 0; i < discarded; i++ {
		b.metrics.ChunkTimeouts.Inc()
	}
	return discarded
}

// Close tears down every active subscription.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.Cancel()
	}
	b.compressor.Close()
	return nil
}
