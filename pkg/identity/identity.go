// Package identity provides the node keypair and derived NodeId used to
// sign and verify everything that crosses the gossip substrate.
package identity

import (
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/mr-tron/base58"
)

// NodeId is a 32-byte public-key-derived handle, displayed in base58.
// It is the raw Ed25519 public key: never mutated, derivable from the key.
type NodeId [32]byte

// String renders the NodeId in base58, the display form used throughout
// logs and the status API.
func (n NodeId) String() string {
	return base58.Encode(n[:])
}

// Bytes returns the raw 32-byte handle.
func (n NodeId) Bytes() []byte { return n[:] }

// Less defines the deterministic NodeId ordering used to break ties
// (e.g. election vote ties favor the lowest NodeId).
func (n NodeId) Less(other NodeId) bool {
	for i := range n {
		if n[i] != other[i] {
			return n[i] < other[i]
		}
	}
	return false
}

// ParseNodeId decodes a base58-encoded NodeId.
func ParseNodeId(s string) (NodeId, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return NodeId{}, fmt.Errorf("decode node id: %w", err)
	}
	if len(raw) != 32 {
		return NodeId{}, fmt.Errorf("decode node id: expected 32 bytes, got %d", len(raw))
	}
	var id NodeId
	copy(id[:], raw)
	return id, nil
}

// NodeKey is the Ed25519 keypair owned exclusively by one peer for its
// lifetime. It is built on libp2p's crypto types so the same key material
// flows straight into the transport's host identity (see pkg/transport).
type NodeKey struct {
	priv crypto.PrivKey
	pub  crypto.PubKey
	id   NodeId
}

// GenerateNodeKey creates a fresh Ed25519 keypair.
func GenerateNodeKey() (*NodeKey, error) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	return newNodeKey(priv, pub)
}

// NodeKeyFromLibp2p wraps an existing libp2p Ed25519 keypair, letting the
// transport's host identity and the ledger's signing identity be the same
// key without generating it twice.
func NodeKeyFromLibp2p(priv crypto.PrivKey) (*NodeKey, error) {
	return newNodeKey(priv, priv.GetPublic())
}

func newNodeKey(priv crypto.PrivKey, pub crypto.PubKey) (*NodeKey, error) {
	raw, err := pub.Raw()
	if err != nil {
		return nil, fmt.Errorf("extract ed25519 public key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("unexpected public key length %d", len(raw))
	}
	var id NodeId
	copy(id[:], raw)
	return &NodeKey{priv: priv, pub: pub, id: id}, nil
}

// NodeId returns the public handle derived from this key.
func (k *NodeKey) NodeId() NodeId { return k.id }

// PrivateKey exposes the underlying libp2p private key, e.g. for
// constructing the transport host with the same identity.
func (k *NodeKey) PrivateKey() crypto.PrivKey { return k.priv }

// Sign signs an arbitrary message with this node's key.
func (k *NodeKey) Sign(msg []byte) ([]byte, error) {
	sig, err := k.priv.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify checks a signature against a NodeId's public key, reconstructed
// from the raw 32-byte handle.
func Verify(id NodeId, msg, sig []byte) (bool, error) {
	pub, err := crypto.UnmarshalEd25519PublicKey(id[:])
	if err != nil {
		return false, fmt.Errorf("unmarshal public key: %w", err)
	}
	ok, err := pub.Verify(msg, sig)
	if err != nil {
		return false, fmt.Errorf("verify: %w", err)
	}
	return ok, nil
}
