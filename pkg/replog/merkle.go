package replog

import "crypto/sha256"

// computeMerkleRoot folds a batch of command digests into a single
// integrity root, the same bottom-up pairwise-hash construction the
// teacher's blockchain layer used for tx_root/state_root, repurposed here
// to cover the batch of commands a snapshot has applied.
func computeMerkleRoot(hashes [][32]byte) [32]byte {
	if len(hashes) == 0 {
		return [32]byte{}
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([][32]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				combined := append(append([]byte(nil), level[i][:]...), level[i+1][:]...)
				next = append(next, sha256.Sum256(combined))
			} else {
				combined := append(append([]byte(nil), level[i][:]...), level[i][:]...)
				next = append(next, sha256.Sum256(combined))
			}
		}
		level = next
	}
	return level[0]
}

// commandDigest hashes a command's encoded form into a merkle leaf.
func commandDigest(cmd Command) ([32]byte, error) {
	encoded, err := cmd.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(encoded), nil
}
