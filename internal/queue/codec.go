// Package queue moves messages between the engine and its buses: outbound
// notifier events (SQS or AMQP), inbound request events, and delivery job
// pointers.
package queue

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"notifier/internal/types"
)

// DefaultCompressThreshold keeps bodies well under the 256 KiB SQS limit
// once attributes are added.
const DefaultCompressThreshold = 64 * 1024

// Codec compresses large message bodies with zstd. Compressed bodies are
// base64 encoded, since SQS bodies must be valid text, and flagged with
// types.ContentEncodingZstd.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec creates a Codec. A threshold <= 0 means DefaultCompressThreshold.
func NewCodec(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("queue: failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("queue: failed to create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, encoder: enc, decoder: dec}, nil
}

// Encode returns the body to send and its content encoding, empty when the
// body is sent as is.
func (c *Codec) Encode(body []byte) (string, string) {
	if len(body) < c.threshold {
		return string(body), ""
	}
	compressed := c.encoder.EncodeAll(body, make([]byte, 0, len(body)/4))
	return base64.StdEncoding.EncodeToString(compressed), types.ContentEncodingZstd
}

// Decode reverses Encode.
func (c *Codec) Decode(body, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return []byte(body), nil
	case types.ContentEncodingZstd:
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("queue: compressed body is not base64: %w", err)
		}
		out, err := c.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("queue: failed to decompress body: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("queue: unsupported content encoding %q", encoding)
}
