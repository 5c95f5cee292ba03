// Package content provides optional IPFS-backed storage for ledger
// snapshots and bridge payloads too large for a single gossip message,
// using the teacher's unwired github.com/ipfs/go-ipfs-api dependency.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/contentid"
)

// ErrNotFound is returned when a ContentId has no known IPFS mapping.
var ErrNotFound = errors.New("content: unknown content id")

// ErrIntegrity is returned when fetched bytes don't hash back to the
// requested ContentId.
var ErrIntegrity = errors.New("content: fetched data does not match content id")

// Store pins arbitrary payloads to an IPFS node and indexes them by their
// blake3 ContentId, so the rest of the system can refer to content
// without caring whether it lives inline or in IPFS.
type Store struct {
	mu    sync.RWMutex
	shell *shell.Shell
	index map[contentid.ContentId]string // ContentId -> IPFS CID

	log *logger.Logger
}

// New builds a Store against the IPFS HTTP API at apiURL (e.g.
// "localhost:5001").
func New(apiURL string, log *logger.Logger) *Store {
	return &Store{
		shell: shell.NewShell(apiURL),
		index: make(map[contentid.ContentId]string),
		log:   log,
	}
}

// Put adds data to IPFS, pins it, and records its ContentId mapping.
func (s *Store) Put(data []byte) (contentid.ContentId, error) {
	id := contentid.Of(data)

	cid, err := s.shell.Add(bytes.NewReader(data))
	if err != nil {
		return id, fmt.Errorf("content: add to ipfs: %w", err)
	}
	if err := s.shell.Pin(cid); err != nil {
		s.log.WithError(err).WithField("cid", cid).Warn("content: pin failed, continuing unpinned")
	}

	s.mu.Lock()
	s.index[id] = cid
	s.mu.Unlock()

	s.log.WithField("content_id", id.String()).WithField("cid", cid).Debug("content: stored")
	return id, nil
}

// Get fetches and verifies the payload for a previously stored ContentId.
func (s *Store) Get(id contentid.ContentId) ([]byte, error) {
	s.mu.RLock()
	cid, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	r, err := s.shell.Cat(cid)
	if err != nil {
		return nil, fmt.Errorf("content: cat %s: %w", cid, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("content: read %s: %w", cid, err)
	}
	if contentid.Of(data) != id {
		return nil, ErrIntegrity
	}
	return data, nil
}

// Unpin releases a previously pinned ContentId's IPFS object and forgets
// its mapping.
func (s *Store) Unpin(id contentid.ContentId) error {
	s.mu.Lock()
	cid, ok := s.index[id]
	delete(s.index, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := s.shell.Unpin(cid); err != nil {
		return fmt.Errorf("content: unpin %s: %w", cid, err)
	}
	return nil
}

// Lookup returns the IPFS CID backing id, if known.
func (s *Store) Lookup(id contentid.ContentId) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cid, ok := s.index[id]
	return cid, ok
}
