package realtime

import (
	"context"
	"encoding/json"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/chatvault/internal/models"
)

// Envelope is the payload published on the message channel.
type Envelope struct {
	EventID string               `json:"event_id"`
	RoomID  int64                `json:"room_id"`
	Message models.StoredMessage `json:"message"`
}

// PublishMessage broadcasts msg to every subscriber of the message channel.
func (s *Service) PublishMessage(ctx context.Context, roomID int64, msg models.StoredMessage) error {
	if !s.available() {
		return nil
	}

	data, err := json.Marshal(Envelope{
		EventID: ulid.Make().String(),
		RoomID:  roomID,
		Message: msg,
	})
	if err != nil {
		return err
	}
	return s.client().Publish(ctx, s.opts.Channel, data).Err()
}

// Subscribe delivers published envelopes for roomID to handler until ctx is
// done. roomID 0 receives every room. ready, if non-nil, is closed once the
// subscription is confirmed by the server. Subscribe returns immediately when
// the cache is unavailable.
func (s *Service) Subscribe(ctx context.Context, roomID int64, ready chan<- struct{}, handler func(Envelope)) error {
	if !s.available() {
		if ready != nil {
			close(ready)
		}
		return nil
	}

	sub := s.client().Subscribe(ctx, s.opts.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				s.logger.Debug().Err(err).Msg("skipping unreadable envelope")
				continue
			}
			if roomID != 0 && env.RoomID != roomID {
				continue
			}
			handler(env)
		}
	}
}
