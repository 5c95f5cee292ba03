package envelope

import (
	"testing"

	"github.com/vudo/enr/pkg/identity"
)

func mustKey(t *testing.T) *identity.NodeKey {
	t.Helper()
	key, err := identity.GenerateNodeKey()
	if err != nil {
		t.Fatalf("generate node key: %v", err)
	}
	return key
}

func TestGradientUpdateRoundTrip(t *testing.T) {
	key := mustKey(t)

	env, err := NewGradientUpdate(GradientUpdate{
		Source:    key.NodeId(),
		Gradient:  ResourceGradient{UptimeRatio: 0.99, BandwidthMbps: 120},
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatalf("NewGradientUpdate: %v", err)
	}
	if err := env.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}

	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	ok, err := decoded.VerifySignature(key.NodeId())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}

	body, err := decoded.AsGradientUpdate()
	if err != nil {
		t.Fatalf("AsGradientUpdate: %v", err)
	}
	if body.Source != key.NodeId() || body.Gradient.BandwidthMbps != 120 {
		t.Fatalf("round-trip mismatch: %+v", body)
	}
	if decoded.Topic() != GradientTopic {
		t.Fatalf("expected gradient topic, got %s", decoded.Topic())
	}
}

func TestCreditTransferRoundTrip(t *testing.T) {
	key := mustKey(t)
	to := mustKey(t).NodeId()

	env, err := NewCreditTransfer(CreditTransfer{
		From:      key.NodeId(),
		To:        to,
		Amount:    100,
		Nonce:     1,
		Timestamp: 42,
	})
	if err != nil {
		t.Fatalf("NewCreditTransfer: %v", err)
	}
	if err := env.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}

	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	body, err := decoded.AsCreditTransfer()
	if err != nil {
		t.Fatalf("AsCreditTransfer: %v", err)
	}
	if body != (CreditTransfer{From: key.NodeId(), To: to, Amount: 100, Nonce: 1, Timestamp: 42}) {
		t.Fatalf("round-trip mismatch: %+v", body)
	}

	if decoded.Topic() != CreditTopic {
		t.Fatalf("expected credit topic, got %s", decoded.Topic())
	}

	// Tampering with the body must invalidate the signature.
	decoded.Body = append(decoded.Body, 0x00)
	ok, err := decoded.VerifySignature(key.NodeId())
	if err == nil && ok {
		t.Fatal("expected tampered body to fail verification")
	}
}

func TestElectionMessageVariants(t *testing.T) {
	key := mustKey(t)

	announce, err := NewAnnouncement(Announcement{ElectionId: 7, Initiator: key.NodeId(), Region: "test-region", Timestamp: 1})
	if err != nil {
		t.Fatalf("NewAnnouncement: %v", err)
	}
	if announce.Topic() != ElectionTopic {
		t.Fatalf("expected election topic")
	}

	encoded, err := announce.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, err := decoded.AsElectionMessage()
	if err != nil {
		t.Fatalf("AsElectionMessage: %v", err)
	}
	ann, err := msg.AsAnnouncement()
	if err != nil {
		t.Fatalf("AsAnnouncement: %v", err)
	}
	if ann.Region != "test-region" || ann.ElectionId != 7 {
		t.Fatalf("round-trip mismatch: %+v", ann)
	}

	// A Vote decoded as the wrong variant must error, not panic.
	if _, err := msg.AsVote(); err == nil {
		t.Fatal("expected error decoding Announcement body as Vote")
	}
}
