// Package snapshotio persists a ledger.Snapshot to a single CRC-protected
// file (spec §6 "a balances snapshot file (binary, CRC-protected) written
// periodically and on shutdown"), for nodes running without the
// replicated command log, which otherwise has no durable state at all.
package snapshotio

import (
	"fmt"
	"hash/crc32"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/vudo/enr/pkg/identity"
	"github.com/vudo/enr/pkg/ledger"
)

// balanceEntry flattens ledger.Snapshot's map into a list: cbor has no
// native support for a [32]byte-keyed map, the same constraint
// pkg/replog's snapshot codec works around.
type balanceEntry struct {
	Node   identity.NodeId `cbor:"1,keyasint"`
	Amount uint64          `cbor:"2,keyasint"`
}

type payload struct {
	Balances         []balanceEntry `cbor:"1,keyasint"`
	RevivalPool      uint64         `cbor:"2,keyasint"`
	LastAppliedIndex uint64         `cbor:"3,keyasint"`
}

type record struct {
	Payload payload `cbor:"1,keyasint"`
	CRC     uint32  `cbor:"2,keyasint"`
}

func toPayload(snap ledger.Snapshot) payload {
	p := payload{RevivalPool: snap.RevivalPool, LastAppliedIndex: snap.LastAppliedIndex}
	for node, amount := range snap.Balances {
		p.Balances = append(p.Balances, balanceEntry{Node: node, Amount: amount})
	}
	return p
}

func fromPayload(p payload) ledger.Snapshot {
	balances := make(map[identity.NodeId]uint64, len(p.Balances))
	for _, e := range p.Balances {
		balances[e.Node] = e.Amount
	}
	return ledger.Snapshot{Balances: balances, RevivalPool: p.RevivalPool, LastAppliedIndex: p.LastAppliedIndex}
}

var canonical = cbor.CanonicalEncOptions()

func encMode() cbor.EncMode {
	mode, err := canonical.EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshotio: invalid canonical cbor options: %v", err))
	}
	return mode
}

var mode = encMode()

func checksum(p payload) (uint32, error) {
	raw, err := mode.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("snapshotio: encode snapshot for checksum: %w", err)
	}
	return crc32.ChecksumIEEE(raw), nil
}

// Save writes snap to path, replacing any prior contents atomically via a
// temp-file rename.
func Save(path string, snap ledger.Snapshot) error {
	p := toPayload(snap)
	crc, err := checksum(p)
	if err != nil {
		return err
	}
	raw, err := mode.Marshal(record{Payload: p, CRC: crc})
	if err != nil {
		return fmt.Errorf("snapshotio: encode record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("snapshotio: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("snapshotio: rename %s: %w", tmp, err)
	}
	return nil
}

// Load reads and integrity-checks a snapshot previously written by Save.
// A missing file is not an error; it reports ok=false so the caller falls
// back to a fresh ledger.
func Load(path string) (snap ledger.Snapshot, ok bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ledger.Snapshot{}, false, nil
		}
		return ledger.Snapshot{}, false, fmt.Errorf("snapshotio: read %s: %w", path, err)
	}
	var rec record
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return ledger.Snapshot{}, false, fmt.Errorf("snapshotio: decode %s: %w", path, err)
	}
	want, err := checksum(rec.Payload)
	if err != nil {
		return ledger.Snapshot{}, false, err
	}
	if want != rec.CRC {
		return ledger.Snapshot{}, false, fmt.Errorf("snapshotio: %s: checksum mismatch", path)
	}
	return fromPayload(rec.Payload), true, nil
}
