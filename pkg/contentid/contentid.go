// Package contentid computes the Blake3-based content addressing digest
// used both for payload identification and for the bridge's dedup keys.
package contentid

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// ContentId is a 32-byte Blake3 digest of a byte string. Immutable;
// equality is byte equality.
type ContentId [32]byte

// Of hashes an arbitrary byte string into a ContentId.
func Of(data []byte) ContentId {
	return ContentId(blake3.Sum256(data))
}

// OfParts hashes the concatenation of several byte strings without an
// intermediate allocation of the joined buffer, used by the bridge's
// dedup key derivation: hash(direction || topic || payload_content_id).
func OfParts(parts ...[]byte) ContentId {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out ContentId
	copy(out[:], h.Sum(nil))
	return out
}

// String renders the digest as lowercase hex.
func (c ContentId) String() string {
	return hex.EncodeToString(c[:])
}

// Bytes returns the raw 32-byte digest.
func (c ContentId) Bytes() []byte { return c[:] }

// Parse decodes a hex-encoded ContentId.
func Parse(s string) (ContentId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ContentId{}, fmt.Errorf("decode content id: %w", err)
	}
	if len(raw) != 32 {
		return ContentId{}, fmt.Errorf("decode content id: expected 32 bytes, got %d", len(raw))
	}
	var c ContentId
	copy(c[:], raw)
	return c, nil
}
