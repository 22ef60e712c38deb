package store

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/eldtechnologies/chatvault/internal/metrics"
)

// DefaultMaxBlobBytes is the default ceiling for a single compressed blob.
const DefaultMaxBlobBytes = 8 << 20

// CompressedStore compresses blobs with zstd at its best-compression level
// before handing them to the wrapped backend.
type CompressedStore struct {
	next     BlobStore
	backend  string
	maxBytes int
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewCompressedStore wraps next. maxBytes <= 0 selects DefaultMaxBlobBytes.
// backend labels the latency metrics.
func NewCompressedStore(next BlobStore, backend string, maxBytes int) (*CompressedStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBlobBytes
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &CompressedStore{
		next:     next,
		backend:  backend,
		maxBytes: maxBytes,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Close closes the codec and the wrapped backend.
func (s *CompressedStore) Close() {
	s.encoder.Close()
	s.decoder.Close()
	s.next.Close()
}

// Ping checks the wrapped backend.
func (s *CompressedStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

// Get fetches and decompresses the blob at key.
func (s *CompressedStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.next.Get(ctx, key)
	metrics.BlobLatency.WithLabelValues(s.backend, "get").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	plain, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	return plain, nil
}

// Put compresses data and stores it at key, rejecting results above the
// configured ceiling.
func (s *CompressedStore) Put(ctx context.Context, key string, data []byte) error {
	packed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/4))
	if len(packed) > s.maxBytes {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrBlobTooLarge, key, len(packed), s.maxBytes)
	}

	start := time.Now()
	err := s.next.Put(ctx, key, packed)
	metrics.BlobLatency.WithLabelValues(s.backend, "put").Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	metrics.BlobBytesWritten.WithLabelValues(s.backend).Add(float64(len(packed)))
	return nil
}

// TotalBytes reports the compressed volume held by the wrapped backend.
// ok is false when the backend cannot report it.
func (s *CompressedStore) TotalBytes(ctx context.Context) (total int64, ok bool, err error) {
	sizer, ok := s.next.(Sizer)
	if !ok {
		return 0, false, nil
	}
	total, err = sizer.TotalBytes(ctx)
	return total, true, err
}
