package bridge

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor shrinks outbound payloads that exceed the LoRa ceiling
// before the bridge resorts to chunking (spec §4.3 size discipline).
type Compressor struct {
	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor builds a reusable zstd encoder/decoder pair.
func NewCompressor() (*Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, fmt.Errorf("bridge: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: create zstd decoder: %w", err)
	}
	return &Compressor{encoder: enc, decoder: dec}, nil
}

// Compress returns the zstd-compressed form of data.
func (c *Compressor) Compress(data []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder.EncodeAll(data, nil)
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: decompress: %w", err)
	}
	return out, nil
}

// Close releases the encoder/decoder.
func (c *Compressor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoder.Close()
	c.decoder.Close()
}
