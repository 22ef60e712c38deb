// Package history is the chat feature's entry point into message storage:
// it builds messages, routes them through the cache tier and reads pages
// back from the ring and the archive.
package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatvault/internal/archive"
	"github.com/eldtechnologies/chatvault/internal/models"
	"github.com/eldtechnologies/chatvault/internal/realtime"
)

const (
	// DefaultPageSize is used when a read asks for zero messages.
	DefaultPageSize = 50
	// MaxPageSize caps any single read.
	MaxPageSize = 100

	replyLookback  = 100
	previewRunes   = 100
	imagePreview   = "[Image]"
	unknownSender  = "Unknown"
	adminTrainerID = 0
)

// SendInput is a message as submitted by a trainer.
type SendInput struct {
	RoomID    int64
	TrainerID int64
	Nickname  string
	AvatarURL string
	Content   string
	ImageURL  string
	ReplyToID *int64
}

// Service composes the realtime layer and the archive.
type Service struct {
	realtime *realtime.Service
	archive  *archive.Archive
	logger   zerolog.Logger
	now      func() time.Time

	idMu   sync.Mutex
	lastID int64
}

// New creates a history service.
func New(rt *realtime.Service, a *archive.Archive, logger zerolog.Logger) *Service {
	return &Service{
		realtime: rt,
		archive:  a,
		logger:   logger.With().Str("component", "history").Logger(),
		now:      time.Now,
	}
}

// Send stores a trainer's message and announces it. The message is durable
// once Send returns without error: either queued for the next flush or, with
// the cache down, already archived.
func (s *Service) Send(ctx context.Context, in SendInput) (*models.StoredMessage, error) {
	msg := models.StoredMessage{
		RoomID:          in.RoomID,
		SenderTrainerID: in.TrainerID,
		SenderNickname:  in.Nickname,
		SenderAvatarURL: models.StringPtr(in.AvatarURL),
		Content:         models.StringPtr(in.Content),
		ImageURL:        models.StringPtr(in.ImageURL),
		Timestamp:       s.timestamp(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	if in.ReplyToID != nil {
		msg.ReplyTo = s.replyContext(ctx, in.RoomID, *in.ReplyToID)
	}

	return s.store(ctx, msg)
}

// SendAdmin stores a system message with sender id 0. An empty sender name
// becomes "Unknown".
func (s *Service) SendAdmin(ctx context.Context, roomID int64, content, senderName string) (*models.StoredMessage, error) {
	senderName = strings.TrimSpace(senderName)
	if senderName == "" {
		senderName = unknownSender
	}

	msg := models.StoredMessage{
		RoomID:          roomID,
		SenderTrainerID: adminTrainerID,
		SenderNickname:  senderName,
		Content:         models.StringPtr(content),
		Timestamp:       s.timestamp(),
	}
	if msg.Content == nil || strings.TrimSpace(*msg.Content) == "" {
		return nil, models.ErrEmptyMessage
	}

	return s.store(ctx, msg)
}

func (s *Service) store(ctx context.Context, msg models.StoredMessage) (*models.StoredMessage, error) {
	msg.ID = s.nextID(ctx, msg.RoomID)

	if err := s.realtime.QueuePending(ctx, msg.RoomID, msg); err != nil {
		return nil, err
	}

	if err := s.realtime.CacheMessage(ctx, msg.RoomID, msg); err != nil {
		s.logger.Warn().Err(err).Int64("room_id", msg.RoomID).Msg("message not cached")
	}
	if err := s.realtime.PublishMessage(ctx, msg.RoomID, msg); err != nil {
		s.logger.Warn().Err(err).Int64("room_id", msg.RoomID).Msg("message not published")
	}

	return &msg, nil
}

// Recent returns the newest limit messages of a room, oldest first. The ring
// is read first and the archive fills whatever it cannot cover.
func (s *Service) Recent(ctx context.Context, roomID int64, limit int) ([]models.StoredMessage, error) {
	limit = ClampLimit(limit)

	cached, err := s.realtime.GetRecentMessages(ctx, roomID, limit)
	if err != nil {
		s.logger.Warn().Err(err).Int64("room_id", roomID).Msg("recent ring unreadable, using archive")
		cached = nil
	}
	if len(cached) >= limit {
		return cached[len(cached)-limit:], nil
	}

	before := s.now()
	need := limit - len(cached)
	fetch := need
	if len(cached) > 0 {
		// include the oldest cached instant; messages sharing it may have
		// left the ring already
		before = cached[0].Timestamp.Add(time.Nanosecond)
		for _, m := range cached {
			if m.Timestamp.Equal(cached[0].Timestamp) {
				fetch++
			}
		}
	}

	older, err := s.archive.GetMessagesBeforeTimestamp(ctx, roomID, before, fetch)
	if err != nil {
		if len(cached) > 0 {
			s.logger.Warn().Err(err).Int64("room_id", roomID).Msg("archive unreadable, serving cached messages only")
			return cached, nil
		}
		return nil, err
	}

	seen := make(map[int64]struct{}, len(cached))
	for _, m := range cached {
		seen[m.ID] = struct{}{}
	}
	fill := make([]models.StoredMessage, 0, need)
	for _, m := range older {
		if len(fill) == need {
			break
		}
		if _, dup := seen[m.ID]; !dup {
			fill = append(fill, m)
		}
	}

	out := make([]models.StoredMessage, 0, len(fill)+len(cached))
	for i := len(fill) - 1; i >= 0; i-- {
		out = append(out, fill[i])
	}
	return append(out, cached...), nil
}

// Older returns up to limit messages strictly before the given instant,
// newest first.
func (s *Service) Older(ctx context.Context, roomID int64, before time.Time, limit int) ([]models.StoredMessage, error) {
	return s.archive.GetMessagesBeforeTimestamp(ctx, roomID, before, ClampLimit(limit))
}

// Index returns the room's day index, or nil if nothing was archived yet.
func (s *Service) Index(ctx context.Context, roomID int64) (*models.RoomIndex, error) {
	return s.archive.GetRoomIndex(ctx, roomID)
}

func (s *Service) replyContext(ctx context.Context, roomID, replyToID int64) *models.ReplyTo {
	recent, err := s.realtime.GetRecentMessages(ctx, roomID, replyLookback)
	if err != nil {
		s.logger.Debug().Err(err).Int64("room_id", roomID).Msg("reply context unavailable")
		return nil
	}

	for _, m := range recent {
		if m.ID != replyToID {
			continue
		}
		preview := imagePreview
		if m.Content != nil {
			preview = truncateRunes(*m.Content, previewRunes)
		}
		return &models.ReplyTo{
			MessageID:      m.ID,
			SenderNickname: m.SenderNickname,
			ContentPreview: preview,
		}
	}
	return nil
}

// nextID draws from the room's counter in the cache, or derives an id from
// the clock when the cache is down. Clock ids are microseconds since the
// epoch, far above any counter value, and strictly increasing per process.
func (s *Service) nextID(ctx context.Context, roomID int64) int64 {
	id, ok, err := s.realtime.NextMessageID(ctx, roomID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("room_id", roomID).Msg("id counter unavailable, using clock id")
	}
	if ok {
		return id
	}

	s.idMu.Lock()
	defer s.idMu.Unlock()

	id = s.now().UnixMicro()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

// timestamp is truncated to the millisecond precision archived buckets keep,
// so cached and archived copies of a message compare equal.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// ClampLimit maps a requested page size onto [1, MaxPageSize], with zero
// or less selecting DefaultPageSize.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
