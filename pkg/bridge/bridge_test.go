package bridge

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/metrics"
	"github.com/vudo/enr/pkg/transport"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello mesh")
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, consumed, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(frame) {
		t.Fatalf("consumed %d, want %d", consumed, len(frame))
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("decoded = %q, want %q", decoded, payload)
	}
}

func TestEncodeFrameRejectsOversizedPayload(t *testing.T) {
	_, err := EncodeFrame(make([]byte, LoraPayloadCeiling+1))
	if err != ErrOversizedPayload {
		t.Fatalf("expected ErrOversizedPayload, got %v", err)
	}
}

func TestDecodeFrameRejectsBadMagic(t *testing.T) {
	bad := []byte{0x00, 0x00, 0x00, 0x01, 0xff}
	_, _, err := DecodeFrame(bad)
	if err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeFrameRejectsTruncated(t *testing.T) {
	frame, _ := EncodeFrame([]byte("abc"))
	_, _, err := DecodeFrame(frame[:len(frame)-1])
	if err != ErrTruncatedFrame {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestChunkSplitReassemble(t *testing.T) {
	data := bytes.Repeat([]byte("x"), LoraPayloadCeiling*3)
	c := NewChunker()
	chunks := c.Split(42, data)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}

	r := NewReassembler(time.Second)
	var out []byte
	var done bool
	for _, chunk := range chunks {
		encoded := chunk.Encode()
		decoded, err := DecodeChunk(encoded)
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		out, done = r.Add(decoded)
	}
	if !done {
		t.Fatal("expected reassembly to complete after all chunks added")
	}
	if !bytes.Equal(out, data) {
		t.Fatal("reassembled data does not match original")
	}
}

func TestReassemblerExpiresStale(t *testing.T) {
	r := NewReassembler(time.Millisecond)
	chunk := Chunk{MessageId: 1, Index: 0, Total: 2, Data: []byte("a")}
	if _, done := r.Add(chunk); done {
		t.Fatal("should not be complete with only 1 of 2 chunks")
	}
	time.Sleep(5 * time.Millisecond)
	if discarded := r.ExpireStale(); discarded != 1 {
		t.Fatalf("expected 1 discarded partial message, got %d", discarded)
	}
}

func TestDeduplicationCacheDropsRepeats(t *testing.T) {
	d, err := NewDeduplicationCache(10, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if d.SeenBefore(GossipToLora, "/t", []byte("payload")) {
		t.Fatal("first observation should not be seen before")
	}
	if !d.SeenBefore(GossipToLora, "/t", []byte("payload")) {
		t.Fatal("second observation should be seen before")
	}
	if d.SeenBefore(LoraToGossip, "/t", []byte("payload")) {
		t.Fatal("different direction should not collide")
	}
}

func TestNodeIdMapperObserveAndLookup(t *testing.T) {
	m, err := NewNodeIdMapper(10)
	if err != nil {
		t.Fatalf("new mapper: %v", err)
	}
	var node [32]byte
	node[0] = 0xAB
	m.Observe(7, node)
	got, ok := m.NodeIdFor(7)
	if !ok || got != node {
		t.Fatalf("NodeIdFor(7) = %v, %v", got, ok)
	}
	meshId, ok := m.MeshIdFor(node)
	if !ok || meshId != 7 {
		t.Fatalf("MeshIdFor = %v, %v", meshId, ok)
	}
}

func newTestBridge(t *testing.T) (*Bridge, transport.PubSub) {
	t.Helper()
	bus := transport.NewBus()
	pubsub := transport.NewMemory(bus, "bridge")
	topics, err := NewTopicMapper([]ChannelMapping{
		{Topic: "/vudo/enr/gradient/1.0.0", Channel: 0, Direction: Both, Priority: PriorityNormal},
	})
	if err != nil {
		t.Fatalf("new topic mapper: %v", err)
	}
	radio := newFakeRadio()
	b, err := New(Config{
		PubSub: pubsub, Radio: radio, Topics: topics,
		Log: logger.NewLogger("error"), Metrics: metrics.NewTestRegistry(),
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return b, pubsub
}

type fakeRadio struct {
	state ConnectionState
	sent  [][]byte
}

func newFakeRadio() *fakeRadio { return &fakeRadio{state: Connected} }

func (f *fakeRadio) Connect(ctx context.Context) error { f.state = Connected; return nil }
func (f *fakeRadio) Disconnect() error                 { f.state = Disconnected; return nil }
func (f *fakeRadio) State() ConnectionState            { return f.state }
func (f *fakeRadio) ReadFrame(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (f *fakeRadio) WriteFrame(ctx context.Context, frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeRadio) Name() string { return "fake" }

func TestRelayOutboundRespectsHopLimit(t *testing.T) {
	b, _ := newTestBridge(t)
	mapping, _ := b.topics.ForTopic("/vudo/enr/gradient/1.0.0")

	if err := b.RelayOutbound(context.Background(), mapping, []byte("ok"), MaxHopLimit+1); err != nil {
		t.Fatalf("relay: %v", err)
	}
	radio := b.radio.(*fakeRadio)
	if len(radio.sent) != 0 {
		t.Fatalf("expected no frames sent over hop limit, got %d", len(radio.sent))
	}
}

func TestRelayOutboundSendsWithinLimit(t *testing.T) {
	b, _ := newTestBridge(t)
	mapping, _ := b.topics.ForTopic("/vudo/enr/gradient/1.0.0")

	if err := b.RelayOutbound(context.Background(), mapping, []byte("ok"), 0); err != nil {
		t.Fatalf("relay: %v", err)
	}
	radio := b.radio.(*fakeRadio)
	if len(radio.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(radio.sent))
	}
}

func TestHandleInboundFrameRepublishesToMappedTopic(t *testing.T) {
	b, pubsub := newTestBridge(t)
	mapping, _ := b.topics.ForTopic("/vudo/enr/gradient/1.0.0")

	sub, err := pubsub.Subscribe(mapping.Topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	body := []byte("gradient bytes")
	packet := buildRadioPacket(mapping.Channel, 0, false, body)
	frame, err := EncodeFrame(packet)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	if err := b.HandleInboundFrame(context.Background(), frame); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	msg, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(msg.Data, body) {
		t.Fatalf("republished data = %q, want %q", msg.Data, body)
	}
}

func TestHandleInboundFrameDropsOverHopLimit(t *testing.T) {
	b, pubsub := newTestBridge(t)
	mapping, _ := b.topics.ForTopic("/vudo/enr/gradient/1.0.0")

	sub, err := pubsub.Subscribe(mapping.Topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	packet := buildRadioPacket(mapping.Channel, MaxHopLimit+1, false, []byte("x"))
	frame, _ := EncodeFrame(packet)
	if err := b.HandleInboundFrame(context.Background(), frame); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	// publish a sentinel through pubsub directly so the test can prove
	// nothing arrived from the dropped frame ahead of it.
	if err := pubsub.Publish(context.Background(), mapping.Topic, []byte("sentinel")); err != nil {
		t.Fatalf("publish sentinel: %v", err)
	}
	msg, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(msg.Data, []byte("sentinel")) {
		t.Fatalf("expected only the sentinel to arrive, got %q", msg.Data)
	}
}
