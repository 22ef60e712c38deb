package realtime

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/eldtechnologies/chatvault/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingArchiver struct {
	calls int
}

func (f *failingArchiver) AppendMessages(context.Context, int64, []models.StoredMessage) error {
	f.calls++
	return errors.New("object store offline")
}

func (f *failingArchiver) LatestMessageID(context.Context, int64) (int64, error) {
	return 0, errors.New("object store offline")
}

// hookArchiver runs before once, ahead of its first append.
type hookArchiver struct {
	*archive.Archive
	once   sync.Once
	before func()
}

func (h *hookArchiver) AppendMessages(ctx context.Context, roomID int64, msgs []models.StoredMessage) error {
	if h.before != nil {
		h.once.Do(h.before)
	}
	return h.Archive.AppendMessages(ctx, roomID, msgs)
}

func newTestCache(t *testing.T, mr *miniredis.Miniredis) *store.RedisStore {
	t.Helper()
	cache := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.Close() })
	return cache
}

func newTestService(t *testing.T, opts Options) (*Service, *archive.Archive, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	a, err := archive.New(store.NewMemoryBlobStore(), zerolog.Nop(), archive.Options{})
	require.NoError(t, err)
	return New(newTestCache(t, mr), a, zerolog.Nop(), opts), a, mr
}

func testMessage(id int64, ts time.Time) models.StoredMessage {
	return models.StoredMessage{
		ID:              id,
		RoomID:          7,
		SenderTrainerID: 3,
		SenderNickname:  "misty",
		Content:         models.StringPtr(fmt.Sprintf("hello %d", id)),
		Timestamp:       ts.UTC(),
	}
}

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func archivedCount(t *testing.T, a *archive.Archive, roomID int64) int64 {
	t.Helper()
	idx, err := a.GetRoomIndex(context.Background(), roomID)
	require.NoError(t, err)
	if idx == nil {
		return 0
	}
	return idx.TotalMessages
}

func TestRingKeepsNewestMessages(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, Options{})

	for i := int64(1); i <= 120; i++ {
		require.NoError(t, svc.CacheMessage(ctx, 7, testMessage(i, baseTime.Add(time.Duration(i)*time.Second))))
	}

	msgs, err := svc.GetRecentMessages(ctx, 7, 500)
	require.NoError(t, err)
	require.Len(t, msgs, 100)
	assert.Equal(t, int64(21), msgs[0].ID)
	assert.Equal(t, int64(120), msgs[99].ID)

	msgs, err = svc.GetRecentMessages(ctx, 7, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []int64{118, 119, 120}, []int64{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	msgs, err = svc.GetRecentMessages(ctx, 7, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGetRecentMessagesSkipsUnreadable(t *testing.T) {
	ctx := context.Background()
	svc, _, mr := newTestService(t, Options{})

	require.NoError(t, svc.CacheMessage(ctx, 7, testMessage(1, baseTime)))
	_, err := mr.Lpush(recentKey(7), "{not json")
	require.NoError(t, err)
	require.NoError(t, svc.CacheMessage(ctx, 7, testMessage(2, baseTime.Add(time.Second))))

	msgs, err := svc.GetRecentMessages(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, int64(2), msgs[1].ID)
}

func TestTypingFreshness(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: baseTime}
	svc, _, mr := newTestService(t, Options{Now: clock.Now})

	require.NoError(t, svc.SetTyping(ctx, 7, 42, "brock"))

	clock.Advance(4999 * time.Millisecond)
	typers, err := svc.GetTypers(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []Typer{{TrainerID: 42, Nickname: "brock"}}, typers)

	clock.Advance(time.Millisecond)
	typers, err = svc.GetTypers(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, typers)
	assert.False(t, mr.Exists(typingKey(7)), "stale entry should be evicted")
}

func TestTypingEvictsUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: baseTime}
	svc, _, mr := newTestService(t, Options{Now: clock.Now})

	mr.HSet(typingKey(7), "9", "garbage")
	mr.HSet(typingKey(7), "not-a-number", `{"nickname":"x","ts":0}`)
	require.NoError(t, svc.SetTyping(ctx, 7, 1, "ash"))

	typers, err := svc.GetTypers(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []Typer{{TrainerID: 1, Nickname: "ash"}}, typers)
	fields, err := mr.HKeys(typingKey(7))
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, fields)
}

func TestClearTypingAndCleanup(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: baseTime}
	svc, _, mr := newTestService(t, Options{Now: clock.Now})

	require.NoError(t, svc.SetTyping(ctx, 7, 1, "ash"))
	require.NoError(t, svc.SetTyping(ctx, 7, 2, "misty"))
	require.NoError(t, svc.SetTyping(ctx, 8, 3, "brock"))

	require.NoError(t, svc.ClearTyping(ctx, 7, 1))
	typers, err := svc.GetTypers(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []Typer{{TrainerID: 2, Nickname: "misty"}}, typers)

	clock.Advance(10 * time.Second)
	svc.CleanupStaleTyping(ctx)
	assert.False(t, mr.Exists(typingKey(7)))
	assert.False(t, mr.Exists(typingKey(8)))
}

func TestPresenceExpires(t *testing.T) {
	ctx := context.Background()
	svc, _, mr := newTestService(t, Options{})

	online, err := svc.IsOnline(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, svc.SetOnline(ctx, "user-1", 42))
	online, err = svc.IsOnline(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, online)

	mr.FastForward(61 * time.Second)
	online, err = svc.IsOnline(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, online)
}

// With the cache down, a queued message lands in the archive
// immediately and the cache-only features return defaults.
func TestQueuePendingWritesThroughWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, a, mr := newTestService(t, Options{})
	svc.cache.SetAvailable(false)

	msg := testMessage(1, baseTime)
	require.NoError(t, svc.QueuePending(ctx, 7, msg))

	bucket, err := a.GetDayBucket(ctx, 7, msg.Day())
	require.NoError(t, err)
	require.Len(t, bucket, 1)
	assert.Equal(t, int64(1), bucket[0].ID)
	assert.False(t, mr.Exists(pendingKey(7)))

	require.NoError(t, svc.CacheMessage(ctx, 7, msg))
	recent, err := svc.GetRecentMessages(ctx, 7, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	require.NoError(t, svc.SetTyping(ctx, 7, 1, "ash"))
	typers, err := svc.GetTypers(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, typers)

	online, err := svc.IsOnline(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, online)

	_, ok, err := svc.NextMessageID(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 0, svc.FlushAll(ctx))
}

func TestNilCacheBehavesUnavailable(t *testing.T) {
	ctx := context.Background()
	a, err := archive.New(store.NewMemoryBlobStore(), zerolog.Nop(), archive.Options{})
	require.NoError(t, err)
	svc := New(nil, a, zerolog.Nop(), Options{})

	assert.False(t, svc.Available())
	require.NoError(t, svc.QueuePending(ctx, 7, testMessage(1, baseTime)))
	assert.Equal(t, int64(1), archivedCount(t, a, 7))
	require.NoError(t, svc.PublishMessage(ctx, 7, testMessage(1, baseTime)))
}

// 150 queued messages drain completely in one flush.
func TestFlushAllDrainsQueue(t *testing.T) {
	ctx := context.Background()
	svc, a, mr := newTestService(t, Options{})

	for i := int64(1); i <= 150; i++ {
		require.NoError(t, svc.QueuePending(ctx, 7, testMessage(i, baseTime.Add(time.Duration(i)*time.Minute))))
	}
	n, err := svc.PendingCount(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(150), n)

	assert.Equal(t, 150, svc.FlushAll(ctx))

	n, err = svc.PendingCount(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(150), archivedCount(t, a, 7))

	bucket, err := a.GetDayBucket(ctx, 7, "2024/01/01")
	require.NoError(t, err)
	require.NotEmpty(t, bucket)
	assert.Equal(t, int64(1), bucket[0].ID)

	assert.False(t, mr.Exists(flushLockKey(7)), "flush lock should be released")

	// a second sweep finds nothing and prunes the room from the shared set
	assert.Equal(t, 0, svc.FlushAll(ctx))
	members, err := mr.Members(pendingRoomsKey)
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestFlushRoomExactBatchMultiple(t *testing.T) {
	ctx := context.Background()
	svc, a, _ := newTestService(t, Options{FlushBatch: 10})

	for i := int64(1); i <= 30; i++ {
		require.NoError(t, svc.QueuePending(ctx, 7, testMessage(i, baseTime.Add(time.Duration(i)*time.Second))))
	}

	n, err := svc.FlushRoom(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.Equal(t, int64(30), archivedCount(t, a, 7))

	bucket, err := a.GetDayBucket(ctx, 7, "2024/01/01")
	require.NoError(t, err)
	require.Len(t, bucket, 30)
	for i, m := range bucket {
		assert.Equal(t, int64(i+1), m.ID)
	}
}

func TestFlushFailureKeepsQueue(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	failing := &failingArchiver{}
	svc := New(newTestCache(t, mr), failing, zerolog.Nop(), Options{})

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, svc.QueuePending(ctx, 7, testMessage(i, baseTime)))
	}

	_, err := svc.FlushRoom(ctx, 7)
	require.Error(t, err)

	assert.Equal(t, 0, svc.FlushAll(ctx))
	assert.Equal(t, 2, failing.calls)

	n, err := svc.PendingCount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.False(t, mr.Exists(flushLockKey(7)))
}

func TestFlushRoomSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	svc, a, mr := newTestService(t, Options{})

	require.NoError(t, svc.QueuePending(ctx, 7, testMessage(1, baseTime)))
	require.NoError(t, mr.Set(flushLockKey(7), "someone-else"))

	_, err := svc.FlushRoom(ctx, 7)
	assert.ErrorIs(t, err, errFlushBusy)
	assert.Equal(t, 0, svc.FlushAll(ctx))
	assert.Zero(t, archivedCount(t, a, 7))

	got, err := mr.Get(flushLockKey(7))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got, "foreign lock must not be released")

	mr.Del(flushLockKey(7))
	assert.Equal(t, 1, svc.FlushAll(ctx))
}

func TestFlushRoomKeepsQueueWhenLockExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a, err := archive.New(store.NewMemoryBlobStore(), zerolog.Nop(), archive.Options{})
	require.NoError(t, err)

	slow := &hookArchiver{Archive: a}
	svc := New(newTestCache(t, mr), slow, zerolog.Nop(), Options{})
	other := New(newTestCache(t, mr), a, zerolog.Nop(), Options{})

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, svc.QueuePending(ctx, 7, testMessage(i, baseTime)))
	}

	// the lock expires mid-write and another instance drains and refills the queue
	slow.before = func() {
		mr.FastForward(31 * time.Second)
		n, err := other.FlushRoom(ctx, 7)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		for i := int64(4); i <= 6; i++ {
			require.NoError(t, other.QueuePending(ctx, 7, testMessage(i, baseTime.Add(time.Minute))))
		}
	}

	_, err = svc.FlushRoom(ctx, 7)
	assert.ErrorIs(t, err, errFlushLockLost)

	left, err := svc.PendingCount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), left, "newer messages must stay queued")

	assert.Equal(t, 3, svc.FlushAll(ctx))

	bucket, err := a.GetDayBucket(ctx, 7, "2024/01/01")
	require.NoError(t, err)
	archived := make(map[int64]bool)
	for _, m := range bucket {
		archived[m.ID] = true
	}
	for i := int64(1); i <= 6; i++ {
		assert.True(t, archived[i], "message %d archived", i)
	}
}

func TestFlushDropsUnreadablePendingEntries(t *testing.T) {
	ctx := context.Background()
	svc, a, mr := newTestService(t, Options{})

	_, err := mr.Lpush(pendingKey(7), "garbage")
	require.NoError(t, err)
	require.NoError(t, svc.QueuePending(ctx, 7, testMessage(1, baseTime)))

	n, err := svc.FlushRoom(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), archivedCount(t, a, 7))

	left, err := svc.PendingCount(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestFlushAllDiscoversRoomsFromOtherInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a, err := archive.New(store.NewMemoryBlobStore(), zerolog.Nop(), archive.Options{})
	require.NoError(t, err)

	producer := New(newTestCache(t, mr), a, zerolog.Nop(), Options{})
	flusher := New(newTestCache(t, mr), a, zerolog.Nop(), Options{})

	require.NoError(t, producer.QueuePending(ctx, 7, testMessage(1, baseTime)))
	require.NoError(t, producer.QueuePending(ctx, 9, testMessage(2, baseTime)))

	assert.Equal(t, 2, flusher.FlushAll(ctx))
	assert.Equal(t, int64(1), archivedCount(t, a, 7))
	assert.Equal(t, int64(1), archivedCount(t, a, 9))
}

func TestNextMessageID(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, Options{})

	for want := int64(1); want <= 3; want++ {
		id, ok, err := svc.NextMessageID(ctx, 7)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, id)
	}

	id, _, err := svc.NextMessageID(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestNextMessageIDSurvivesCacheLoss(t *testing.T) {
	ctx := context.Background()
	svc, _, mr := newTestService(t, Options{})

	for i := 0; i < 3; i++ {
		id, ok, err := svc.NextMessageID(ctx, 7)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, svc.QueuePending(ctx, 7, testMessage(id, baseTime)))
	}
	require.Equal(t, 3, svc.FlushAll(ctx))

	mr.FlushAll()

	id, ok, err := svc.NextMessageID(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), id)
}

func TestNextMessageIDSeedsFromQueuedMessages(t *testing.T) {
	ctx := context.Background()
	svc, _, mr := newTestService(t, Options{})

	require.NoError(t, svc.QueuePending(ctx, 7, testMessage(41, baseTime)))
	require.NoError(t, svc.CacheMessage(ctx, 7, testMessage(40, baseTime)))
	mr.Del(seqKey(7))

	id, _, err := svc.NextMessageID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestNextMessageIDSeedFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	svc := New(newTestCache(t, mr), &failingArchiver{}, zerolog.Nop(), Options{})

	_, ok, err := svc.NextMessageID(context.Background(), 7)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(seqKey(7)))
}

func TestFlushWorkerLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, a, _ := newTestService(t, Options{FlushInterval: 10 * time.Millisecond})

	assert.False(t, svc.FlushWorkerRunning())
	svc.StopFlushWorker()

	svc.StartFlushWorker()
	svc.StartFlushWorker()
	assert.True(t, svc.FlushWorkerRunning())

	require.NoError(t, svc.QueuePending(ctx, 7, testMessage(1, baseTime)))
	assert.Eventually(t, func() bool {
		idx, err := a.GetRoomIndex(ctx, 7)
		return err == nil && idx != nil && idx.TotalMessages == 1
	}, 2*time.Second, 10*time.Millisecond)

	svc.StopFlushWorker()
	svc.StopFlushWorker()
	assert.False(t, svc.FlushWorkerRunning())

	// no ticks after stop
	require.NoError(t, svc.QueuePending(ctx, 7, testMessage(2, baseTime)))
	time.Sleep(50 * time.Millisecond)
	n, err := svc.PendingCount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	svc.StartFlushWorker()
	defer svc.StopFlushWorker()
	assert.True(t, svc.FlushWorkerRunning())
}

func TestSubscribeFiltersByRoom(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Envelope, 4)
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- svc.Subscribe(ctx, 9, ready, func(env Envelope) { got <- env })
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	require.NoError(t, svc.PublishMessage(context.Background(), 7, testMessage(1, baseTime)))
	require.NoError(t, svc.PublishMessage(context.Background(), 9, testMessage(2, baseTime)))

	select {
	case env := <-got:
		assert.Equal(t, int64(9), env.RoomID)
		assert.Equal(t, int64(2), env.Message.ID)
		assert.Len(t, env.EventID, 26)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
	assert.Empty(t, got)
}
