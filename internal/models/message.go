package models

import (
	"errors"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 instant layout used for message timestamps
// in both cached and archived records.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrEmptyMessage is returned when a message has neither content nor an image.
	ErrEmptyMessage = errors.New("message must have content or an image")
	// ErrMissingTimestamp is returned when a message carries a zero timestamp.
	ErrMissingTimestamp = errors.New("message timestamp is required")
)

// ReplyTo is the quoted context of the message being replied to.
type ReplyTo struct {
	MessageID      int64  `json:"message_id"`
	SenderNickname string `json:"sender_nickname"`
	ContentPreview string `json:"content_preview"`
}

// StoredMessage is the canonical in-memory form of a chat message.
type StoredMessage struct {
	ID              int64      `json:"id"`
	RoomID          int64      `json:"room_id"`
	SenderTrainerID int64      `json:"sender_trainer_id"`
	SenderNickname  string     `json:"sender_nickname"`
	SenderAvatarURL *string    `json:"sender_avatar_url"`
	Content         *string    `json:"content"`
	ImageURL        *string    `json:"image_url"`
	ReplyTo         *ReplyTo   `json:"reply_to"`
	Timestamp       time.Time  `json:"timestamp"`
	EditedAt        *time.Time `json:"edited_at"`
	Deleted         bool       `json:"deleted"`
}

// Validate checks the caller-side invariants of a message.
func (m *StoredMessage) Validate() error {
	if isBlank(m.Content) && isBlank(m.ImageURL) {
		return ErrEmptyMessage
	}
	if m.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// Day returns the UTC day path of the message timestamp.
func (m *StoredMessage) Day() string {
	return DayPath(m.Timestamp)
}

// DayPath formats t as a zero-padded UTC day path (YYYY/MM/DD).
func DayPath(t time.Time) string {
	return t.UTC().Format("2006/01/02")
}

// ParseDayPath parses a YYYY/MM/DD day path as midnight UTC.
func ParseDayPath(day string) (time.Time, error) {
	return time.Parse("2006/01/02", day)
}

// FormatTimestamp renders t the way timestamps are stored: millisecond
// precision, or full RFC 3339 nanoseconds when t carries finer detail.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond()%int(time.Millisecond) != 0 {
		return t.Format(time.RFC3339Nano)
	}
	return t.Format(TimestampLayout)
}

// ParseTimestamp accepts any RFC 3339 instant.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
