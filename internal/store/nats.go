package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultNATSBucket is the object store bucket used when none is configured.
const DefaultNATSBucket = "chat-history"

// NATSBlobStore stores blobs in a NATS JetStream object store bucket.
type NATSBlobStore struct {
	conn   *nats.Conn
	bucket jetstream.ObjectStore
}

// NewNATSBlobStore connects to url and opens bucket, creating it on first use.
func NewNATSBlobStore(ctx context.Context, url, bucket string) (*NATSBlobStore, error) {
	if bucket == "" {
		bucket = DefaultNATSBucket
	}

	conn, err := nats.Connect(url,
		nats.Name("chatvault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	obs, err := js.ObjectStore(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		obs, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "archived chat history",
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open object store %s: %w", bucket, err)
	}

	return &NATSBlobStore{conn: conn, bucket: obs}, nil
}

// Close drains the NATS connection.
func (s *NATSBlobStore) Close() {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}

// Ping checks the NATS connection with a server round trip.
func (s *NATSBlobStore) Ping(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	// FlushWithContext requires a deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	return s.conn.FlushWithContext(ctx)
}

// Get retrieves the object stored under key.
func (s *NATSBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("object get %s: %w", key, err)
	}
	return data, nil
}

// Put replaces the object stored under key.
func (s *NATSBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.bucket.PutBytes(ctx, key, data); err != nil {
		return fmt.Errorf("object put %s: %w", key, err)
	}
	return nil
}
