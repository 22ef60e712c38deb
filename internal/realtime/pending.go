package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/chatvault/internal/metrics"
	"github.com/eldtechnologies/chatvault/internal/models"
)

// errFlushBusy means another process holds the room's flush lock.
var errFlushBusy = errors.New("flush already running for room")

// releaseFlushLock deletes the lock only if this holder still owns it.
var releaseFlushLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// popFlushed removes ARGV[2] entries from the queue tail, but only while
// the caller still holds the flush lock. It returns -1 when the lock was lost.
var popFlushed = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return -1
end
local n = tonumber(ARGV[2])
for i = 1, n do
	if not redis.call("RPOP", KEYS[2]) then
		break
	end
end
return n
`)

// errFlushLockLost means the flush lock expired while the room was being
// archived. The queue is left untouched for the next holder.
var errFlushLockLost = errors.New("flush lock lost before trimming queue")

func flushLockKey(roomID int64) string {
	return fmt.Sprintf("chat:flushlock:%d", roomID)
}

// QueuePending stages msg for the next flush. When the cache is down, or the
// push itself fails, the message is written straight to the archive instead.
func (s *Service) QueuePending(ctx context.Context, roomID int64, msg models.StoredMessage) error {
	if !s.available() {
		return s.writeThrough(ctx, roomID, msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := s.client().TxPipeline()
	pipe.LPush(ctx, pendingKey(roomID), data)
	pipe.SAdd(ctx, pendingRoomsKey, strconv.FormatInt(roomID, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Int64("room_id", roomID).Msg("pending push failed, writing through")
		return s.writeThrough(ctx, roomID, msg)
	}

	s.mu.Lock()
	s.knownRooms[roomID] = struct{}{}
	s.mu.Unlock()

	metrics.MessagesQueued.Inc()
	return nil
}

func (s *Service) writeThrough(ctx context.Context, roomID int64, msg models.StoredMessage) error {
	if err := s.archive.AppendMessages(ctx, roomID, []models.StoredMessage{msg}); err != nil {
		return err
	}
	metrics.WriteThroughs.Inc()
	return nil
}

// PendingCount returns the number of messages waiting in roomID's queue.
func (s *Service) PendingCount(ctx context.Context, roomID int64) (int64, error) {
	if !s.available() {
		return 0, nil
	}
	return s.client().LLen(ctx, pendingKey(roomID)).Result()
}

// FlushAll drains the pending queue of every room this process has queued
// to, plus every room any process has registered in the shared pending set.
// Per-room failures are logged and leave that room's queue intact. It
// returns the number of messages archived.
func (s *Service) FlushAll(ctx context.Context) int {
	if !s.available() {
		return 0
	}

	total := 0
	for _, roomID := range s.pendingRooms(ctx) {
		n, err := s.FlushRoom(ctx, roomID)
		switch {
		case errors.Is(err, errFlushBusy):
			s.logger.Debug().Int64("room_id", roomID).Msg("flush skipped, room busy")
		case err != nil:
			metrics.FlushFailures.Inc()
			s.logger.Error().Err(err).Int64("room_id", roomID).Msg("flush failed")
		default:
			total += n
		}
	}

	metrics.FlushRuns.Inc()
	if total > 0 {
		s.logger.Debug().Int("messages", total).Msg("pending queues flushed")
	}
	return total
}

func (s *Service) pendingRooms(ctx context.Context) []int64 {
	seen := make(map[int64]struct{})

	s.mu.Lock()
	for id := range s.knownRooms {
		seen[id] = struct{}{}
	}
	s.mu.Unlock()

	members, err := s.client().SMembers(ctx, pendingRoomsKey).Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read pending room set")
	}
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		seen[id] = struct{}{}
	}

	rooms := make([]int64, 0, len(seen))
	for id := range seen {
		rooms = append(rooms, id)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// FlushRoom drains roomID's pending queue into the archive. Entries are read
// oldest first from the tail in batches, archived in one call, and only then
// popped, provided the flush lock is still held. A failed archive write or a
// lost lock removes nothing, so delivery is at least once. Messages pushed
// while the flush runs land at the head and stay queued.
func (s *Service) FlushRoom(ctx context.Context, roomID int64) (int, error) {
	if !s.available() {
		return 0, nil
	}

	token := uuid.NewString()
	lockKey := flushLockKey(roomID)
	acquired, err := s.client().SetNX(ctx, lockKey, token, s.opts.FlushLockTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("acquire flush lock: %w", err)
	}
	if !acquired {
		return 0, errFlushBusy
	}
	defer func() {
		if err := releaseFlushLock.Run(context.WithoutCancel(ctx), s.client(), []string{lockKey}, token).Err(); err != nil {
			s.logger.Warn().Err(err).Int64("room_id", roomID).Msg("failed to release flush lock")
		}
	}()

	key := pendingKey(roomID)
	raws, err := s.readPending(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		s.forgetRoom(ctx, roomID)
		return 0, nil
	}

	msgs := make([]models.StoredMessage, 0, len(raws))
	for _, raw := range raws {
		var m models.StoredMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			s.logger.Warn().Err(err).Int64("room_id", roomID).Msg("dropping unreadable pending message")
			continue
		}
		msgs = append(msgs, m)
	}

	if err := s.archive.AppendMessages(ctx, roomID, msgs); err != nil {
		return 0, fmt.Errorf("archive room %d: %w", roomID, err)
	}

	// already archived either way; on error the entries are archived again next run
	popped, err := popFlushed.Run(ctx, s.client(), []string{lockKey, key}, token, len(raws)).Int()
	if err != nil {
		return 0, fmt.Errorf("trim pending queue of room %d: %w", roomID, err)
	}
	if popped < 0 {
		return 0, fmt.Errorf("room %d: %w", roomID, errFlushLockLost)
	}

	metrics.FlushedMessages.Add(float64(len(msgs)))
	return len(msgs), nil
}

// readPending returns every entry of the queue at key, oldest first.
func (s *Service) readPending(ctx context.Context, key string) ([]string, error) {
	batch := int64(s.opts.FlushBatch)
	var out []string

	for i := int64(0); ; i++ {
		stop := -i*batch - 1
		start := stop - batch + 1
		vals, err := s.client().LRange(ctx, key, start, stop).Result()
		if err != nil {
			return nil, fmt.Errorf("read pending queue: %w", err)
		}
		for j := len(vals) - 1; j >= 0; j-- {
			out = append(out, vals[j])
		}
		if int64(len(vals)) < batch {
			return out, nil
		}
	}
}

// forgetRoom drops roomID from the shared pending set once its queue is
// empty. A concurrent push re-adds it in the same transaction as the message.
func (s *Service) forgetRoom(ctx context.Context, roomID int64) {
	member := strconv.FormatInt(roomID, 10)
	err := s.client().Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, pendingKey(roomID)).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, pendingRoomsKey, member)
			return nil
		})
		return err
	}, pendingKey(roomID))
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		s.logger.Debug().Err(err).Int64("room_id", roomID).Msg("failed to prune pending room set")
	}
}
