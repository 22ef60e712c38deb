// Package archive is the durable message store: day-bucketed, compact
// message blobs plus one index blob per room, kept in a store.BlobStore.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatvault/internal/metrics"
	"github.com/eldtechnologies/chatvault/internal/models"
	"github.com/eldtechnologies/chatvault/internal/store"
)

// Options tunes an Archive.
type Options struct {
	// BucketCacheSize is the number of decoded day buckets kept in memory.
	// Zero disables the cache. Only enable it when this process is the sole
	// writer of the rooms it reads.
	BucketCacheSize int

	// Now overrides the clock used for index timestamps.
	Now func() time.Time
}

// Archive reads and writes day buckets and room indexes.
type Archive struct {
	blobs   store.BlobStore
	logger  zerolog.Logger
	locks   *roomLocks
	buckets *lru.Cache[string, []models.StoredMessage]
	now     func() time.Time
}

// New creates an Archive on top of blobs.
func New(blobs store.BlobStore, logger zerolog.Logger, opts Options) (*Archive, error) {
	a := &Archive{
		blobs:  blobs,
		logger: logger.With().Str("component", "archive").Logger(),
		locks:  newRoomLocks(),
		now:    opts.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}

	if opts.BucketCacheSize > 0 {
		cache, err := lru.New[string, []models.StoredMessage](opts.BucketCacheSize)
		if err != nil {
			return nil, fmt.Errorf("create bucket cache: %w", err)
		}
		a.buckets = cache
	}

	return a, nil
}

// AppendMessages merges msgs into the day buckets of their timestamps and
// updates the room index. Each affected bucket is read, extended, re-sorted
// and rewritten in full. A failure part way leaves earlier days written.
func (a *Archive) AppendMessages(ctx context.Context, roomID int64, msgs []models.StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	unlock := a.locks.lock(roomID)
	defer unlock()

	byDay := make(map[string][]models.StoredMessage)
	for _, m := range msgs {
		day := m.Day()
		byDay[day] = append(byDay[day], m)
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		existing, err := a.loadBucket(ctx, roomID, day)
		if err != nil {
			return err
		}

		combined := make([]models.StoredMessage, 0, len(existing)+len(byDay[day]))
		combined = append(combined, existing...)
		combined = append(combined, byDay[day]...)
		sort.SliceStable(combined, func(i, j int) bool {
			return combined[i].Timestamp.Before(combined[j].Timestamp)
		})

		if err := a.writeBucket(ctx, roomID, day, combined); err != nil {
			return err
		}
	}

	if err := a.updateRoomIndex(ctx, roomID, days, len(msgs)); err != nil {
		return err
	}

	metrics.MessagesArchived.Add(float64(len(msgs)))
	a.logger.Debug().
		Int64("room_id", roomID).
		Int("messages", len(msgs)).
		Strs("days", days).
		Msg("messages archived")
	return nil
}

// GetDayBucket returns the messages of one room on one UTC day, oldest first.
// A missing bucket yields an empty slice.
func (a *Archive) GetDayBucket(ctx context.Context, roomID int64, day string) ([]models.StoredMessage, error) {
	msgs, err := a.loadBucket(ctx, roomID, day)
	if err != nil {
		return nil, err
	}
	return append([]models.StoredMessage{}, msgs...), nil
}

// GetRoomIndex returns the room index, or nil if the room was never written.
func (a *Archive) GetRoomIndex(ctx context.Context, roomID int64) (*models.RoomIndex, error) {
	data, err := a.blobs.Get(ctx, store.RoomIndexKey(roomID))
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index of room %d: %w", roomID, err)
	}

	idx := &models.RoomIndex{}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("decode index of room %d: %w", roomID, err)
	}
	if idx.Days == nil {
		idx.Days = []string{}
	}
	return idx, nil
}

// GetMessagesBeforeTimestamp returns up to limit messages strictly older than
// before, newest first. Day buckets are walked from the most recent backwards
// until enough messages are collected.
func (a *Archive) GetMessagesBeforeTimestamp(ctx context.Context, roomID int64, before time.Time, limit int) ([]models.StoredMessage, error) {
	result := []models.StoredMessage{}
	if limit <= 0 {
		return result, nil
	}

	idx, err := a.GetRoomIndex(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return result, nil
	}

	beforeDay := models.DayPath(before)
	for _, day := range idx.Days {
		// later days cannot hold anything older than before
		if day > beforeDay {
			continue
		}

		msgs, err := a.loadBucket(ctx, roomID, day)
		if err != nil {
			return nil, err
		}

		older := make([]models.StoredMessage, 0, len(msgs))
		for _, m := range msgs {
			if m.Timestamp.Before(before) {
				older = append(older, m)
			}
		}
		result = append(older, result...)

		if len(result) >= limit {
			break
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// LatestMessageID returns the highest message id in the room's most recent
// non-empty day bucket, or 0 when nothing is archived.
func (a *Archive) LatestMessageID(ctx context.Context, roomID int64) (int64, error) {
	idx, err := a.GetRoomIndex(ctx, roomID)
	if err != nil || idx == nil {
		return 0, err
	}

	for _, day := range idx.Days {
		msgs, err := a.loadBucket(ctx, roomID, day)
		if err != nil {
			return 0, err
		}
		var latest int64
		for _, m := range msgs {
			if m.ID > latest {
				latest = m.ID
			}
		}
		if len(msgs) > 0 {
			return latest, nil
		}
	}
	return 0, nil
}

// UpdateRoomIndex unions days into the room index and adds added to its
// message total, creating the index on first use.
func (a *Archive) UpdateRoomIndex(ctx context.Context, roomID int64, days []string, added int) error {
	unlock := a.locks.lock(roomID)
	defer unlock()
	return a.updateRoomIndex(ctx, roomID, days, added)
}

func (a *Archive) updateRoomIndex(ctx context.Context, roomID int64, days []string, added int) error {
	idx, err := a.GetRoomIndex(ctx, roomID)
	if err != nil {
		return err
	}
	if idx == nil {
		idx = models.NewRoomIndex(roomID)
	}

	idx.Merge(days, added, a.now())

	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode index of room %d: %w", roomID, err)
	}
	if err := a.blobs.Put(ctx, store.RoomIndexKey(roomID), data); err != nil {
		return fmt.Errorf("write index of room %d: %w", roomID, err)
	}
	return nil
}

// loadBucket returns the decoded bucket. The slice may be shared with the
// bucket cache and must not be modified.
func (a *Archive) loadBucket(ctx context.Context, roomID int64, day string) ([]models.StoredMessage, error) {
	key := store.DayBucketKey(roomID, day)
	if a.buckets != nil {
		if msgs, ok := a.buckets.Get(key); ok {
			return msgs, nil
		}
	}

	data, err := a.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return []models.StoredMessage{}, nil
		}
		return nil, fmt.Errorf("read bucket %s: %w", key, err)
	}

	msgs, err := models.DecodeBucket(data, roomID)
	if err != nil {
		return nil, fmt.Errorf("decode bucket %s: %w", key, err)
	}

	if a.buckets != nil {
		a.buckets.Add(key, msgs)
	}
	return msgs, nil
}

func (a *Archive) writeBucket(ctx context.Context, roomID int64, day string, msgs []models.StoredMessage) error {
	key := store.DayBucketKey(roomID, day)

	data, err := models.EncodeBucket(msgs)
	if err != nil {
		return fmt.Errorf("encode bucket %s: %w", key, err)
	}
	if err := a.blobs.Put(ctx, key, data); err != nil {
		if a.buckets != nil {
			a.buckets.Remove(key)
		}
		return fmt.Errorf("write bucket %s: %w", key, err)
	}

	if a.buckets != nil {
		// cache what a reader would decode, not the caller's values
		if stored, err := models.DecodeBucket(data, roomID); err == nil {
			a.buckets.Add(key, stored)
		} else {
			a.buckets.Remove(key)
		}
	}
	return nil
}
