// Package realtime is the cache tier in front of the archive: typing
// indicators, presence, a recent-message ring per room, the write-behind
// pending queue with its flush worker, and pub/sub fanout.
//
// Every method degrades to a no-op or an empty result when the cache is
// unavailable, except QueuePending which then writes straight to the archive.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatvault/internal/models"
	"github.com/eldtechnologies/chatvault/internal/store"
)

// Archiver is the durable side the pending queues drain into. It also
// seeds message id counters the cache has lost.
type Archiver interface {
	AppendMessages(ctx context.Context, roomID int64, msgs []models.StoredMessage) error
	LatestMessageID(ctx context.Context, roomID int64) (int64, error)
}

// Options tunes the cache tier. Zero values select the defaults.
type Options struct {
	FlushInterval time.Duration // default 5s
	RingSize      int           // default 100
	FlushBatch    int           // default 100
	TypingTTL     time.Duration // default 5s
	PresenceTTL   time.Duration // default 60s
	FlushLockTTL  time.Duration // default 30s
	Channel       string        // default "chat:messages"
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.RingSize <= 0 {
		o.RingSize = 100
	}
	if o.FlushBatch <= 0 {
		o.FlushBatch = 100
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 5 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 60 * time.Second
	}
	if o.FlushLockTTL <= 0 {
		o.FlushLockTTL = 30 * time.Second
	}
	if o.Channel == "" {
		o.Channel = "chat:messages"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Service is the realtime cache layer.
type Service struct {
	cache   *store.RedisStore
	archive Archiver
	logger  zerolog.Logger
	opts    Options
	worker  *FlushWorker

	mu          sync.Mutex
	knownRooms  map[int64]struct{} // rooms with queued writes from this process
	typingRooms map[int64]struct{}
}

// New creates the cache layer. cache may be nil, in which case the service
// behaves as if Redis were down.
func New(cache *store.RedisStore, archive Archiver, logger zerolog.Logger, opts Options) *Service {
	s := &Service{
		cache:       cache,
		archive:     archive,
		logger:      logger.With().Str("component", "realtime").Logger(),
		opts:        opts.withDefaults(),
		knownRooms:  make(map[int64]struct{}),
		typingRooms: make(map[int64]struct{}),
	}
	s.worker = newFlushWorker(s, s.opts.FlushInterval)
	return s
}

func typingKey(roomID int64) string {
	return fmt.Sprintf("chat:typing:%d", roomID)
}

func onlineKey(userID string) string {
	return "chat:online:" + userID
}

func recentKey(roomID int64) string {
	return fmt.Sprintf("chat:recent:%d", roomID)
}

func pendingKey(roomID int64) string {
	return fmt.Sprintf("chat:pending:%d", roomID)
}

func seqKey(roomID int64) string {
	return fmt.Sprintf("chat:seq:%d", roomID)
}

const pendingRoomsKey = "chat:pending:rooms"

func (s *Service) available() bool {
	return s.cache.Available()
}

func (s *Service) client() *redis.Client {
	return s.cache.Client()
}

// Available reports whether the cache tier is currently in use.
func (s *Service) Available() bool {
	return s.available()
}

// --- typing indicators ---

type typingEntry struct {
	Nickname string `json:"nickname"`
	TS       int64  `json:"ts"` // unix ms
}

// Typer is a trainer currently typing in a room.
type Typer struct {
	TrainerID int64  `json:"trainer_id"`
	Nickname  string `json:"nickname"`
}

// SetTyping marks trainerID as typing in roomID. Entries carry no TTL;
// GetTypers evicts stale ones.
func (s *Service) SetTyping(ctx context.Context, roomID, trainerID int64, nickname string) error {
	if !s.available() {
		return nil
	}

	data, err := json.Marshal(typingEntry{Nickname: nickname, TS: s.opts.Now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := s.client().HSet(ctx, typingKey(roomID), strconv.FormatInt(trainerID, 10), data).Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.typingRooms[roomID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// ClearTyping removes trainerID's typing entry.
func (s *Service) ClearTyping(ctx context.Context, roomID, trainerID int64) error {
	if !s.available() {
		return nil
	}
	return s.client().HDel(ctx, typingKey(roomID), strconv.FormatInt(trainerID, 10)).Err()
}

// GetTypers returns the fresh typing entries of roomID, evicting stale and
// unreadable ones as it goes.
func (s *Service) GetTypers(ctx context.Context, roomID int64) ([]Typer, error) {
	typers := []Typer{}
	if !s.available() {
		return typers, nil
	}

	key := typingKey(roomID)
	entries, err := s.client().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	now := s.opts.Now().UnixMilli()
	staleAfter := s.opts.TypingTTL.Milliseconds()

	var evict []string
	for field, value := range entries {
		trainerID, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			evict = append(evict, field)
			continue
		}
		var entry typingEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			evict = append(evict, field)
			continue
		}
		if now-entry.TS >= staleAfter {
			evict = append(evict, field)
			continue
		}
		typers = append(typers, Typer{TrainerID: trainerID, Nickname: entry.Nickname})
	}

	if len(evict) > 0 {
		if err := s.client().HDel(ctx, key, evict...).Err(); err != nil {
			s.logger.Warn().Err(err).Int64("room_id", roomID).Msg("failed to evict typing entries")
		}
	}

	sort.Slice(typers, func(i, j int) bool { return typers[i].TrainerID < typers[j].TrainerID })
	return typers, nil
}

// CleanupStaleTyping sweeps every room this process has seen for stale
// typing entries.
func (s *Service) CleanupStaleTyping(ctx context.Context) {
	if !s.available() {
		return
	}

	s.mu.Lock()
	rooms := make([]int64, 0, len(s.knownRooms)+len(s.typingRooms))
	for id := range s.knownRooms {
		rooms = append(rooms, id)
	}
	for id := range s.typingRooms {
		if _, ok := s.knownRooms[id]; !ok {
			rooms = append(rooms, id)
		}
	}
	s.mu.Unlock()

	for _, roomID := range rooms {
		if _, err := s.GetTypers(ctx, roomID); err != nil {
			s.logger.Warn().Err(err).Int64("room_id", roomID).Msg("typing cleanup failed")
		}
	}
}

// --- presence ---

// SetOnline records userID as online as trainerID. The key expires after
// the presence TTL unless renewed.
func (s *Service) SetOnline(ctx context.Context, userID string, trainerID int64) error {
	if !s.available() {
		return nil
	}
	return s.client().Set(ctx, onlineKey(userID), strconv.FormatInt(trainerID, 10), s.opts.PresenceTTL).Err()
}

// IsOnline reports whether userID has a live presence key.
func (s *Service) IsOnline(ctx context.Context, userID string) (bool, error) {
	if !s.available() {
		return false, nil
	}
	n, err := s.client().Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- recent-message ring ---

// CacheMessage pushes msg onto the room's ring, keeping the newest entries.
func (s *Service) CacheMessage(ctx context.Context, roomID int64, msg models.StoredMessage) error {
	if !s.available() {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := recentKey(roomID)
	pipe := s.client().TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.opts.RingSize)-1)
	_, err = pipe.Exec(ctx)
	return err
}

// GetRecentMessages returns up to count of the newest cached messages,
// oldest first.
func (s *Service) GetRecentMessages(ctx context.Context, roomID int64, count int) ([]models.StoredMessage, error) {
	msgs := []models.StoredMessage{}
	if !s.available() || count <= 0 {
		return msgs, nil
	}

	raws, err := s.client().LRange(ctx, recentKey(roomID), 0, int64(count)-1).Result()
	if err != nil {
		return nil, err
	}

	for i := len(raws) - 1; i >= 0; i-- {
		var m models.StoredMessage
		if err := json.Unmarshal([]byte(raws[i]), &m); err != nil {
			s.logger.Debug().Err(err).Int64("room_id", roomID).Msg("skipping unreadable cached message")
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// --- message ids ---

// NextMessageID returns the next room-unique message id from the cache's
// per-room counter. ok is false when the cache is unavailable. A missing
// counter is first seeded from the highest id already archived or cached,
// so ids keep growing after the cache loses its data.
func (s *Service) NextMessageID(ctx context.Context, roomID int64) (id int64, ok bool, err error) {
	if !s.available() {
		return 0, false, nil
	}

	key := seqKey(roomID)
	exists, err := s.client().Exists(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	if exists == 0 {
		seed, err := s.latestMessageID(ctx, roomID)
		if err != nil {
			return 0, false, fmt.Errorf("seed id counter: %w", err)
		}
		if err := s.client().SetNX(ctx, key, seed, 0).Err(); err != nil {
			return 0, false, err
		}
	}

	id, err = s.client().Incr(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// latestMessageID is the highest id held by the archive, the recent ring
// or the pending queue.
func (s *Service) latestMessageID(ctx context.Context, roomID int64) (int64, error) {
	latest, err := s.archive.LatestMessageID(ctx, roomID)
	if err != nil {
		return 0, err
	}

	for _, key := range []string{recentKey(roomID), pendingKey(roomID)} {
		raw, err := s.client().LIndex(ctx, key, 0).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return 0, err
		}
		var m models.StoredMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if m.ID > latest {
			latest = m.ID
		}
	}
	return latest, nil
}
