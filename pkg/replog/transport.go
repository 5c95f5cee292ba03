package replog

import (
	"context"
	"fmt"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/envelope"
	"github.com/vudo/enr/pkg/transport"
)

// Transport carries raft.Message traffic over the gossip substrate's
// dedicated topic (spec §6), the same callback-injection shape as the
// ledger and election transports use. Every member publishes to and
// subscribes from the same topic; a message addressed to a different
// raft ID is silently dropped, mirroring the bridge's per-channel filter.
type Transport struct {
	pubsub transport.PubSub
	selfID uint64
	sub    transport.Subscription
	log    *logger.Logger
}

// NewTransport builds a gossip-backed raft transport for selfID.
func NewTransport(pubsub transport.PubSub, selfID uint64, log *logger.Logger) *Transport {
	return &Transport{pubsub: pubsub, selfID: selfID, log: log}
}

// Send publishes each message addressed to a raft peer over the shared
// raft topic.
func (t *Transport) Send(ctx context.Context, msgs []raftpb.Message) {
	for _, msg := range msgs {
		data, err := msg.Marshal()
		if err != nil {
			t.log.WithError(err).Warn("replog: failed to marshal raft message")
			continue
		}
		if err := t.pubsub.Publish(ctx, envelope.RaftTopic, data); err != nil {
			t.log.WithError(err).Warn("replog: failed to publish raft message")
		}
	}
}

// Run subscribes to the raft topic and delivers messages addressed to
// this node's raft ID to deliver, until ctx is done.
func (t *Transport) Run(ctx context.Context, deliver func(raftpb.Message)) error {
	sub, err := t.pubsub.Subscribe(envelope.RaftTopic)
	if err != nil {
		return fmt.Errorf("replog: subscribe raft topic: %w", err)
	}
	t.sub = sub

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return nil
		}
		if msg.Local {
			continue
		}
		var raw raftpb.Message
		if err := raw.Unmarshal(msg.Data); err != nil {
			t.log.WithError(err).Warn("replog: dropping malformed raft message")
			continue
		}
		if raw.To != t.selfID {
			continue
		}
		deliver(raw)
	}
}

// Close cancels the transport's subscription, if any.
func (t *Transport) Close() {
	if t.sub != nil {
		t.sub.Cancel()
	}
}
