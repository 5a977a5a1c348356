package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T) (*StreamQueue, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewStreamQueue(rdb, "test:settlements", "g1", "c1", nil)
	q.retryDelay = time.Millisecond
	require.NoError(t, q.ensureGroup(context.Background()))
	return q, rdb
}

func TestStreamQueueAckOnSettled(t *testing.T) {
	ctx := context.Background()
	q, rdb := newTestStream(t)
	h := &recordingHandler{}

	require.NoError(t, q.Publish(ctx, testEvent(t, "o-1")))
	n, err := q.poll(ctx, h, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "o-1", h.events[0].OrderID)

	l, err := rdb.XLen(ctx, q.stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), l)
}

func TestStreamQueueRetryRedelivers(t *testing.T) {
	ctx := context.Background()
	q, rdb := newTestStream(t)
	h := &recordingHandler{outcomes: []Outcome{Retry}}

	require.NoError(t, q.Publish(ctx, testEvent(t, "o-1")))

	n, err := q.poll(ctx, h, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	pending, err := rdb.XPending(ctx, q.stream, q.group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	// 第二轮从 PEL 重读同一条
	n, err = q.poll(ctx, h, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.events, 2)
	assert.Equal(t, h.events[0].EventID, h.events[1].EventID)
}

func TestStreamQueueMalformedEntry(t *testing.T) {
	ctx := context.Background()
	q, rdb := newTestStream(t)
	h := &recordingHandler{}

	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"v": 1, "other": "x"},
	}).Err())

	n, err := q.poll(ctx, h, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.malformed, 1)
	assert.ErrorIs(t, h.errs[0], ErrMalformedEvent)
}

func TestStreamQueueSubscribeStopsOnCancel(t *testing.T) {
	q, _ := newTestStream(t)
	q.block = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, q.Subscribe(ctx, &recordingHandler{}))
}

func TestStreamQueueClaimsIdleEntriesFromOtherConsumer(t *testing.T) {
	ctx := context.Background()
	q, rdb := newTestStream(t)

	require.NoError(t, q.Publish(ctx, testEvent(t, "o-1")))
	// c1 读到后未出终态，消息挂在 c1 名下
	n, err := q.poll(ctx, &recordingHandler{outcomes: []Outcome{Retry}}, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c2 := NewStreamQueue(rdb, q.stream, q.group, "c2", nil, WithClaimIdle(time.Millisecond))
	c2.retryDelay = time.Millisecond
	time.Sleep(10 * time.Millisecond)

	h := &recordingHandler{}
	n, err = c2.poll(ctx, h, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.events, 1)
	assert.Equal(t, "o-1", h.events[0].OrderID)

	pending, err := rdb.XPending(ctx, q.stream, q.group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamQueueDoesNotClaimBusyEntries(t *testing.T) {
	ctx := context.Background()
	q, rdb := newTestStream(t)

	require.NoError(t, q.Publish(ctx, testEvent(t, "o-1")))
	_, err := q.poll(ctx, &recordingHandler{outcomes: []Outcome{Retry}}, -1)
	require.NoError(t, err)

	// 默认阈值下刚投递的消息不应被接管
	c2 := NewStreamQueue(rdb, q.stream, q.group, "c2", nil)
	h := &recordingHandler{}
	n, err := c2.poll(ctx, h, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, h.events)

	pending, err := rdb.XPendingExt(ctx, &rd.XPendingExtArgs{
		Stream: q.stream, Group: q.group, Start: "-", End: "+", Count: 10,
	}).Result()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].Consumer)
}
