package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatvault/internal/archive"
	"github.com/eldtechnologies/chatvault/internal/models"
	"github.com/eldtechnologies/chatvault/internal/realtime"
	"github.com/eldtechnologies/chatvault/internal/store"
)

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// Now returns the current time and then advances by one step.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

type fixture struct {
	svc   *Service
	rt    *realtime.Service
	arch  *archive.Archive
	cache *store.RedisStore
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.Close() })

	a, err := archive.New(store.NewMemoryBlobStore(), zerolog.Nop(), archive.Options{})
	require.NoError(t, err)
	rt := realtime.New(cache, a, zerolog.Nop(), realtime.Options{})

	svc := New(rt, a, zerolog.Nop())
	clock := &stepClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), step: time.Second}
	svc.now = clock.Now

	return &fixture{svc: svc, rt: rt, arch: a, cache: cache, mr: mr}
}

func (f *fixture) send(t *testing.T, content string) *models.StoredMessage {
	t.Helper()
	msg, err := f.svc.Send(context.Background(), SendInput{
		RoomID:    7,
		TrainerID: 3,
		Nickname:  "misty",
		Content:   content,
	})
	require.NoError(t, err)
	return msg
}

func contents(msgs []models.StoredMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		if m.Content != nil {
			out[i] = *m.Content
		}
	}
	return out
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), SendInput{RoomID: 7, TrainerID: 3, Content: "   "})
	assert.ErrorIs(t, err, models.ErrEmptyMessage)

	n, err := f.rt.PendingCount(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendQueuesAndCaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.send(t, "hello")
	second, err := f.svc.Send(ctx, SendInput{RoomID: 7, TrainerID: 4, Nickname: "brock", ImageURL: "https://img/x.png", AvatarURL: "https://img/a.png"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, time.UTC, first.Timestamp.Location())
	assert.Nil(t, second.Content)
	require.NotNil(t, second.SenderAvatarURL)

	n, err := f.rt.PendingCount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recent, err := f.rt.GetRecentMessages(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(1), recent[0].ID)
}

func TestSendBuildsReplyContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	long := strings.Repeat("é", 150)
	original := f.send(t, long)
	image, err := f.svc.Send(ctx, SendInput{RoomID: 7, TrainerID: 4, Nickname: "brock", ImageURL: "https://img/x.png"})
	require.NoError(t, err)

	reply, err := f.svc.Send(ctx, SendInput{RoomID: 7, TrainerID: 5, Nickname: "ash", Content: "agreed", ReplyToID: &original.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, original.ID, reply.ReplyTo.MessageID)
	assert.Equal(t, "misty", reply.ReplyTo.SenderNickname)
	assert.Equal(t, strings.Repeat("é", 100), reply.ReplyTo.ContentPreview)

	reply, err = f.svc.Send(ctx, SendInput{RoomID: 7, TrainerID: 5, Nickname: "ash", Content: "nice", ReplyToID: &image.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "[Image]", reply.ReplyTo.ContentPreview)

	missing := int64(999)
	reply, err = f.svc.Send(ctx, SendInput{RoomID: 7, TrainerID: 5, Nickname: "ash", Content: "what?", ReplyToID: &missing})
	require.NoError(t, err)
	assert.Nil(t, reply.ReplyTo)
}

func TestSendAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg, err := f.svc.SendAdmin(ctx, 7, "server restarting", "  ")
	require.NoError(t, err)
	assert.Equal(t, int64(0), msg.SenderTrainerID)
	assert.Equal(t, "Unknown", msg.SenderNickname)
	assert.Nil(t, msg.ImageURL)
	assert.Nil(t, msg.ReplyTo)

	msg, err = f.svc.SendAdmin(ctx, 7, "maintenance done", "Ops")
	require.NoError(t, err)
	assert.Equal(t, "Ops", msg.SenderNickname)

	_, err = f.svc.SendAdmin(ctx, 7, "", "Ops")
	assert.ErrorIs(t, err, models.ErrEmptyMessage)
}

func TestSendWritesThroughWhenCacheDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache.SetAvailable(false)

	a := f.send(t, "one")
	b := f.send(t, "two")
	assert.Greater(t, b.ID, a.ID)

	idx, err := f.arch.GetRoomIndex(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.Equal(t, int64(2), idx.TotalMessages)

	recent, err := f.svc.Recent(ctx, 7, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, contents(recent))
}

func TestSendKeepsIDsUniqueAcrossCacheLoss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.send(t, "one")
	require.Equal(t, 1, f.rt.FlushAll(ctx))

	f.mr.FlushAll()

	second := f.send(t, "two")
	require.Equal(t, 1, f.rt.FlushAll(ctx))
	assert.Greater(t, second.ID, first.ID)

	bucket, err := f.arch.GetDayBucket(ctx, 7, first.Day())
	require.NoError(t, err)
	require.Len(t, bucket, 2)
	assert.NotEqual(t, bucket[0].ID, bucket[1].ID)
}

func TestRecentCombinesArchiveAndRing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.cache.SetAvailable(false)
	for i := 1; i <= 10; i++ {
		f.send(t, fmt.Sprintf("archived %d", i))
	}
	f.cache.SetAvailable(true)
	for i := 1; i <= 5; i++ {
		f.send(t, fmt.Sprintf("cached %d", i))
	}

	recent, err := f.svc.Recent(ctx, 7, 8)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"archived 8", "archived 9", "archived 10",
		"cached 1", "cached 2", "cached 3", "cached 4", "cached 5",
	}, contents(recent))

	recent, err = f.svc.Recent(ctx, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"cached 3", "cached 4", "cached 5"}, contents(recent))

	// after a flush the ring and the archive overlap; no duplicates
	assert.Equal(t, 5, f.rt.FlushAll(ctx))
	recent, err = f.svc.Recent(ctx, 7, 8)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"archived 8", "archived 9", "archived 10",
		"cached 1", "cached 2", "cached 3", "cached 4", "cached 5",
	}, contents(recent))
}

func TestRecentKeepsMessagesSharingTheOldestCachedInstant(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cache := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.Close() })

	a, err := archive.New(store.NewMemoryBlobStore(), zerolog.Nop(), archive.Options{})
	require.NoError(t, err)
	rt := realtime.New(cache, a, zerolog.Nop(), realtime.Options{RingSize: 2})
	svc := New(rt, a, zerolog.Nop())
	frozen := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return frozen }

	for _, c := range []string{"a", "b", "c"} {
		_, err := svc.Send(ctx, SendInput{RoomID: 7, TrainerID: 3, Nickname: "misty", Content: c})
		require.NoError(t, err)
	}
	require.Equal(t, 3, rt.FlushAll(ctx))

	recent, err := svc.Recent(ctx, 7, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, contents(recent))
	assert.Equal(t, []string{"b", "c"}, contents(recent[1:]))
}

func TestOlderPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var sent []*models.StoredMessage
	for i := 1; i <= 6; i++ {
		sent = append(sent, f.send(t, fmt.Sprintf("m%d", i)))
	}
	require.Equal(t, 6, f.rt.FlushAll(ctx))

	page, err := f.svc.Older(ctx, 7, sent[4].Timestamp, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4", "m3", "m2"}, contents(page))

	page, err = f.svc.Older(ctx, 7, sent[1].Timestamp, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, contents(page))

	idx, err := f.svc.Index(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.Equal(t, []string{"2024/03/01"}, idx.Days)
}

func TestClampLimitBounds(t *testing.T) {
	assert.Equal(t, DefaultPageSize, ClampLimit(0))
	assert.Equal(t, DefaultPageSize, ClampLimit(-3))
	assert.Equal(t, 20, ClampLimit(20))
	assert.Equal(t, MaxPageSize, ClampLimit(MaxPageSize+1))
}
