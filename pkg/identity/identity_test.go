package identity

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}
	msg := []byte("transfer 10 credits")

	sig, err := key.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ok, err := Verify(key.NodeId(), msg, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	key, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}
	sig, err := key.Sign([]byte("original"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(key.NodeId(), []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected signature over a different message to fail verification")
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	a, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey a: %v", err)
	}
	b, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey b: %v", err)
	}
	msg := []byte("transfer 10 credits")
	sig, err := a.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(b.NodeId(), msg, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected signature from a to fail verification against b's NodeId")
	}
}

func TestNodeIdBase58RoundTrip(t *testing.T) {
	key, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}
	id := key.NodeId()
	parsed, err := ParseNodeId(id.String())
	if err != nil {
		t.Fatalf("ParseNodeId: %v", err)
	}
	if parsed != id {
		t.Fatalf("ParseNodeId(id.String()) = %v, want %v", parsed, id)
	}
}

func TestParseNodeIdRejectsWrongLength(t *testing.T) {
	if _, err := ParseNodeId("2NEpo7TZRRrLZSi2U"); err == nil {
		t.Fatalf("expected an error decoding a too-short base58 string")
	}
}

func TestLessIsAStrictTotalOrder(t *testing.T) {
	var a, b NodeId
	a[31] = 1
	b[31] = 2
	if !a.Less(b) {
		t.Fatalf("expected a < b")
	}
	if b.Less(a) {
		t.Fatalf("expected b not < a")
	}
	if a.Less(a) {
		t.Fatalf("expected a not < a")
	}
}
