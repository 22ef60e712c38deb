package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorruptBucket is returned when a day bucket holds a record that is
// neither a compact nor a legacy message.
var ErrCorruptBucket = errors.New("corrupt day bucket")

// CompactMessage is the archived form of a StoredMessage. Optional fields are
// only written when they carry a value. The room id is implied by the bucket.
type CompactMessage struct {
	I int64         `json:"i"`
	S int64         `json:"s"`
	N string        `json:"n"`
	T string        `json:"t"`
	A string        `json:"a,omitempty"`
	C string        `json:"c,omitempty"`
	M string        `json:"m,omitempty"`
	R *CompactReply `json:"r,omitempty"`
	E string        `json:"e,omitempty"`
	D bool          `json:"d,omitempty"`
}

// CompactReply is the archived form of ReplyTo.
type CompactReply struct {
	I int64  `json:"i"`
	N string `json:"n"`
	P string `json:"p,omitempty"`
}

// ToCompact converts m to its archived form.
func ToCompact(m StoredMessage) CompactMessage {
	c := CompactMessage{
		I: m.ID,
		S: m.SenderTrainerID,
		N: m.SenderNickname,
		T: FormatTimestamp(m.Timestamp),
		D: m.Deleted,
	}
	if m.SenderAvatarURL != nil {
		c.A = *m.SenderAvatarURL
	}
	if m.Content != nil {
		c.C = *m.Content
	}
	if m.ImageURL != nil {
		c.M = *m.ImageURL
	}
	if m.ReplyTo != nil {
		c.R = &CompactReply{
			I: m.ReplyTo.MessageID,
			N: m.ReplyTo.SenderNickname,
			P: m.ReplyTo.ContentPreview,
		}
	}
	if m.EditedAt != nil {
		c.E = FormatTimestamp(*m.EditedAt)
	}
	return c
}

// FromCompact restores the canonical message for a record of roomID.
func FromCompact(c CompactMessage, roomID int64) (StoredMessage, error) {
	ts, err := ParseTimestamp(c.T)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("message %d timestamp: %w", c.I, err)
	}
	m := StoredMessage{
		ID:              c.I,
		RoomID:          roomID,
		SenderTrainerID: c.S,
		SenderNickname:  c.N,
		SenderAvatarURL: StringPtr(c.A),
		Content:         StringPtr(c.C),
		ImageURL:        StringPtr(c.M),
		Timestamp:       ts,
		Deleted:         c.D,
	}
	if c.R != nil {
		m.ReplyTo = &ReplyTo{
			MessageID:      c.R.I,
			SenderNickname: c.R.N,
			ContentPreview: c.R.P,
		}
	}
	if c.E != "" {
		edited, err := ParseTimestamp(c.E)
		if err != nil {
			return StoredMessage{}, fmt.Errorf("message %d edited_at: %w", c.I, err)
		}
		m.EditedAt = &edited
	}
	return m, nil
}

// bucketRecord is one element of a day bucket in either archived format.
type bucketRecord interface {
	canonical(roomID int64) (StoredMessage, error)
}

type compactRecord CompactMessage

func (r compactRecord) canonical(roomID int64) (StoredMessage, error) {
	return FromCompact(CompactMessage(r), roomID)
}

type legacyRecord StoredMessage

func (r legacyRecord) canonical(roomID int64) (StoredMessage, error) {
	m := StoredMessage(r)
	if m.RoomID == 0 {
		m.RoomID = roomID
	}
	m.Timestamp = m.Timestamp.UTC()
	if m.EditedAt != nil {
		edited := m.EditedAt.UTC()
		m.EditedAt = &edited
	}
	return m, nil
}

// recordProbe captures the required fields of both formats.
type recordProbe struct {
	I         *int64          `json:"i"`
	T         *string         `json:"t"`
	ID        *int64          `json:"id"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func decodeRecord(raw json.RawMessage) (bucketRecord, error) {
	var probe recordProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBucket, err)
	}

	switch {
	case probe.I != nil && probe.T != nil:
		var c CompactMessage
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBucket, err)
		}
		return compactRecord(c), nil
	case probe.ID != nil && len(probe.Timestamp) > 0:
		var m StoredMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBucket, err)
		}
		return legacyRecord(m), nil
	default:
		return nil, fmt.Errorf("%w: record has neither compact nor legacy fields", ErrCorruptBucket)
	}
}

// DecodeBucket decodes an uncompressed day bucket of roomID. Each record may
// be in compact or legacy form.
func DecodeBucket(data []byte, roomID int64) ([]StoredMessage, error) {
	if len(data) == 0 {
		return []StoredMessage{}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBucket, err)
	}

	msgs := make([]StoredMessage, 0, len(raws))
	for _, raw := range raws {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		m, err := rec.canonical(roomID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBucket, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// EncodeBucket encodes msgs in compact form.
func EncodeBucket(msgs []StoredMessage) ([]byte, error) {
	compact := make([]CompactMessage, len(msgs))
	for i, m := range msgs {
		compact[i] = ToCompact(m)
	}
	return json.Marshal(compact)
}
