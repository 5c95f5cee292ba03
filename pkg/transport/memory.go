package transport

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process PubSub fake used by package tests and by the
// end-to-end cluster scenarios in spec §8 that don't need a real libp2p
// swarm. Every Memory instance sharing the same *Bus sees every publish.
type Memory struct {
	bus  *Bus
	self string
}

// Bus is the shared fan-out point a cluster of Memory transports attach
// to, modeling a single gossip overlay.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
}

// NewBus creates an empty in-memory gossip bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*memorySub)}
}

// NewMemory attaches a new node identity to bus. self is used to mark
// messages as Local for subscribers on the same node, mirroring the
// transport's "skip messages from self" convention.
func NewMemory(bus *Bus, self string) *Memory {
	return &Memory{bus: bus, self: self}
}

type memorySub struct {
	ch     chan *Message
	cancel chan struct{}
	once   sync.Once
	owner  string
}

func (s *memorySub) Next(ctx context.Context) (*Message, error) {
	select {
	case m, ok := <-s.ch:
		if !ok {
			return nil, fmt.Errorf("transport: subscription cancelled")
		}
		return m, nil
	case <-s.cancel:
		return nil, fmt.Errorf("transport: subscription cancelled")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySub) Cancel() {
	s.once.Do(func() { close(s.cancel) })
}

// Publish delivers data to every subscriber of topic on the bus,
// including subscribers on this same Memory (marked Local).
func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	m.bus.mu.Lock()
	subs := append([]*memorySub(nil), m.bus.subs[topic]...)
	m.bus.mu.Unlock()

	for _, s := range subs {
		msg := &Message{Topic: topic, Data: data, From: m.self, Local: s.owner == m.self}
		select {
		case s.ch <- msg:
		case <-s.cancel:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers for deliveries on topic.
func (m *Memory) Subscribe(topic string) (Subscription, error) {
	s := &memorySub{ch: make(chan *Message, 256), cancel: make(chan struct{}), owner: m.self}
	m.bus.mu.Lock()
	m.bus.subs[topic] = append(m.bus.subs[topic], s)
	m.bus.mu.Unlock()
	return s, nil
}

// Close is a no-op; subscriptions are cancelled individually.
func (m *Memory) Close() error { return nil }
