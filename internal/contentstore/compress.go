package contentstore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored objects carry a one-byte frame tag so small or incompressible
// payloads can be kept raw.
const (
	frameRaw  byte = 0
	frameZstd byte = 1

	minCompressSize = 128
)

type compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCompressor() (*compressor, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, err
	}
	return &compressor{encoder: encoder, decoder: decoder}, nil
}

func (c *compressor) compress(data []byte) []byte {
	if len(data) >= minCompressSize {
		out := c.encoder.EncodeAll(data, []byte{frameZstd})
		if len(out) < len(data)+1 {
			return out
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, frameRaw)
	return append(out, data...)
}

func (c *compressor) decompress(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.New("empty object frame")
	}
	switch stored[0] {
	case frameRaw:
		return stored[1:], nil
	case frameZstd:
		data, err := c.decoder.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown object frame %d", stored[0])
	}
}

func (c *compressor) close() {
	c.encoder.Close()
	c.decoder.Close()
}
