package mirror

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
)

// value encodings, stored as the first byte of every value
const (
	encodingRaw  byte = 0x00
	encodingZstd byte = 0x01
)

// Compressed wraps a mirror and zstd-compresses values at or above the
// threshold. Values written without a marker byte are returned as-is, and
// List skips entries that fail to decompress.
type Compressed struct {
	inner     delivery.Mirror
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	logger    *logrus.Logger
}

func NewCompressed(inner delivery.Mirror, threshold int, logger *logrus.Logger) (*Compressed, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Compressed{inner: inner, threshold: threshold, encoder: encoder, decoder: decoder, logger: logger}, nil
}

func (c *Compressed) encode(value []byte) []byte {
	if c.threshold <= 0 || len(value) < c.threshold {
		out := make([]byte, 0, len(value)+1)
		out = append(out, encodingRaw)
		return append(out, value...)
	}
	out := make([]byte, 1, len(value)/2+1)
	out[0] = encodingZstd
	return c.encoder.EncodeAll(value, out)
}

func (c *Compressed) decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return value, nil
	}
	switch value[0] {
	case encodingRaw:
		return value[1:], nil
	case encodingZstd:
		out, err := c.decoder.DecodeAll(value[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress mirror value: %w", err)
		}
		return out, nil
	default:
		return value, nil
	}
}

func (c *Compressed) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.inner.Put(ctx, key, c.encode(value), ttl)
}

func (c *Compressed) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.decode(value)
}

func (c *Compressed) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	entries, err := c.inner.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for key, value := range entries {
		decoded, err := c.decode(value)
		if err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Skipping undecodable mirror entry")
			delete(entries, key)
			continue
		}
		entries[key] = decoded
	}
	return entries, nil
}

func (c *Compressed) Delete(ctx context.Context, keys ...string) (int64, error) {
	if deleter, ok := c.inner.(delivery.MirrorDeleter); ok {
		return deleter.Delete(ctx, keys...)
	}
	return 0, nil
}

func (c *Compressed) Stats(ctx context.Context) (delivery.ExternalStoreMetrics, error) {
	if statter, ok := c.inner.(delivery.MirrorStatter); ok {
		return statter.Stats(ctx)
	}
	return delivery.ExternalStoreMetrics{}, nil
}

func (c *Compressed) Compact(ctx context.Context) (int64, error) {
	if compactor, ok := c.inner.(delivery.MirrorCompactor); ok {
		return compactor.Compact(ctx)
	}
	return 0, nil
}

func (c *Compressed) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	if closer, ok := c.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
