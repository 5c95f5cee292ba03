// Package nodekey persists a node's identity keypair across restarts, so
// a peer's NodeId (and its libp2p peer.ID) survive a daemon restart
// instead of being re-rolled every time (spec: "owned exclusively by one
// peer for its lifetime").
package nodekey

import (
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/vudo/enr/pkg/identity"
)

// LoadOrCreate reads a marshaled private key from path, or generates and
// persists a new one if path does not exist yet.
func LoadOrCreate(path string) (*identity.NodeKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("nodekey: unmarshal %s: %w", path, err)
		}
		return identity.NodeKeyFromLibp2p(priv)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("nodekey: read %s: %w", path, err)
	}

	key, err := identity.GenerateNodeKey()
	if err != nil {
		return nil, fmt.Errorf("nodekey: generate: %w", err)
	}
	marshaled, err := crypto.MarshalPrivateKey(key.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("nodekey: marshal: %w", err)
	}
	if err := os.WriteFile(path, marshaled, 0o600); err != nil {
		return nil, fmt.Errorf("nodekey: write %s: %w", path, err)
	}
	return key, nil
}
