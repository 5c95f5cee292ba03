package bridge

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// chunkHeaderSize is the fixed prefix of a chunk payload: message_id(8) +
// index(2) + total(2).
const chunkHeaderSize = 12

// Chunk is one indexed fragment of an oversized message (spec §4.3).
type Chunk struct {
	MessageId uint64
	Index     uint16
	Total     uint16
	Data      []byte
}

// Encode serializes a chunk to its wire form, which must itself still fit
// within LoraPayloadCeiling.
func (c Chunk) Encode() []byte {
	buf := make([]byte, chunkHeaderSize+len(c.Data))
	binary.BigEndian.PutUint64(buf[0:8], c.MessageId)
	binary.BigEndian.PutUint16(buf[8:10], c.Index)
	binary.BigEndian.PutUint16(buf[10:12], c.Total)
	copy(buf[chunkHeaderSize:], c.Data)
	return buf
}

// DecodeChunk parses a chunk from its wire form.
func DecodeChunk(data []byte) (Chunk, error) {
	if len(data) < chunkHeaderSize {
		return Chunk{}, fmt.Errorf("bridge: chunk too short")
	}
	return Chunk{
		MessageId: binary.BigEndian.Uint64(data[0:8]),
		Index:     binary.BigEndian.Uint16(data[8:10]),
		Total:     binary.BigEndian.Uint16(data[10:12]),
		Data:      append([]byte(nil), data[chunkHeaderSize:]...),
	}, nil
}

// Chunker splits an oversized payload into chunks that each fit within
// maxChunkData bytes of payload, after the chunk header.
type Chunker struct {
	maxChunkData int
}

// NewChunker builds a Chunker whose chunks, once the bridge prefixes its
// radio packet header, fit within the LoRa ceiling.
func NewChunker() *Chunker {
	return &Chunker{maxChunkData: LoraPayloadCeiling - radioPacketHeaderSize - chunkHeaderSize}
}

// Split divides data into chunks tagged with messageId.
func (c *Chunker) Split(messageId uint64, data []byte) []Chunk {
	if len(data) == 0 {
		return []Chunk{{MessageId: messageId, Index: 0, Total: 1, Data: nil}}
	}
	total := (len(data) + c.maxChunkData - 1) / c.maxChunkData
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * c.maxChunkData
		end := start + c.maxChunkData
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{
			MessageId: messageId, Index: uint16(i), Total: uint16(total), Data: data[start:end],
		})
	}
	return chunks
}

type partial struct {
	total     uint16
	received  map[uint16][]byte
	firstSeen time.Time
}

// Reassembler collects chunks back into whole messages, discarding any
// partial message that times out before completion (spec §4.3).
type Reassembler struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[uint64]*partial
}

// NewReassembler builds a Reassembler with the given per-message timeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Reassembler{timeout: timeout, pending: make(map[uint64]*partial)}
}

// Add feeds one chunk in. It returns the reassembled message and true
// once every chunk for its MessageId has arrived.
func (r *Reassembler) Add(c Chunk) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[c.MessageId]
	if !ok {
		p = &partial{total: c.Total, received: make(map[uint16][]byte), firstSeen: time.Now()}
		r.pending[c.MessageId] = p
	}
	p.received[c.Index] = c.Data

	if uint16(len(p.received)) < p.total {
		return nil, false
	}

	out := make([]byte, 0)
	for i := uint16(0); i < p.total; i++ {
		out = append(out, p.received[i]...)
	}
	delete(r.pending, c.MessageId)
	return out, true
}

// ExpireStale drops any partial message older than the reassembly
// timeout, returning how many were discarded.
func (r *Reassembler) ExpireStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	discarded := 0
	now := time.Now()
	for id, p := range r.pending {
		if now.Sub(p.firstSeen) > r.timeout {
			delete(r.pending, id)
			discarded++
		}
	}
	return discarded
}
