package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBlobNotFound is returned by Get when nothing is stored at a key.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrBlobTooLarge is returned by Put when a blob exceeds the size ceiling.
	ErrBlobTooLarge = errors.New("blob exceeds size limit")
)

// BlobStore is the object storage backend for archived chat history.
// Every Put is a full overwrite of the object at key.
// PostgresBlobStore, SQLiteBlobStore, NATSBlobStore and MemoryBlobStore
// implement this interface.
type BlobStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Object operations
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Sizer is implemented by backends that can report their stored volume.
type Sizer interface {
	TotalBytes(ctx context.Context) (int64, error)
}

// DayBucketKey returns the object key of a room's day bucket.
// day is a YYYY/MM/DD path.
func DayBucketKey(roomID int64, day string) string {
	return fmt.Sprintf("chats/%d/%s.json", roomID, day)
}

// RoomIndexKey returns the object key of a room's index.
func RoomIndexKey(roomID int64) string {
	return fmt.Sprintf("chats/%d/index.json", roomID)
}
