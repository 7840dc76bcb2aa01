package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test"), mr
}

func TestRedisStore_AppendAndRead(t *testing.T) {
	store, mr := newTestRedisStore(t)
	l := newTestLedger(t, store, Options{PageSize: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, AppendRequest{
			TenantID:  "tenant-r",
			EventType: EventARCORequestCreated,
			Payload:   Payload{"request": i, "right": "access"},
		})
		require.NoError(t, err)
	}

	events, err := l.ReadAll(ctx, "tenant-r", Query{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	assertUnbroken(t, l, events)

	tip, err := store.Tip(ctx, "tenant-r")
	require.NoError(t, err)
	assert.Equal(t, events[4].CombinedHash, tip.Hash)
	assert.Equal(t, uint64(5), tip.Sequence)

	stored, err := mr.Get("test:{tenant-r}:tip")
	require.NoError(t, err)
	assert.Equal(t, string(tip.Hash), stored)
}

func TestRedisStore_EmptyTenant(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	tip, err := store.Tip(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, tip.IsZero())

	events, err := store.Scan(ctx, "nobody", Query{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisStore_RejectsStaleTip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	l := newTestLedger(t, store, Options{})
	ctx := context.Background()

	first, err := l.Append(ctx, AppendRequest{TenantID: "t", EventType: "X"})
	require.NoError(t, err)

	dup := first
	dup.ID = "dup"
	assert.ErrorIs(t, store.AppendIfTip(ctx, "", dup), ErrTipMismatch)

	events, err := store.Scan(ctx, "t", Query{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRedisStore_ScanWindowAcrossChunks(t *testing.T) {
	store, _ := newTestRedisStore(t)
	l := newTestLedger(t, store, Options{})
	ctx := context.Background()

	total := redisScanChunk + 20
	for i := 0; i < total; i++ {
		_, err := l.Append(ctx, AppendRequest{TenantID: "t", EventType: "X", Timestamp: epoch.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	from := epoch.Add(250 * time.Second)
	to := epoch.Add(260 * time.Second)
	events, err := store.Scan(ctx, "t", Query{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, events, 11)
	assert.Equal(t, uint64(251), events[0].Sequence)
	assert.Equal(t, uint64(261), events[10].Sequence)

	tail, err := store.Scan(ctx, "t", Query{AfterSequence: uint64(total - 3)})
	require.NoError(t, err)
	assert.Len(t, tail, 3)

	limited, err := store.Scan(ctx, "t", Query{AfterSequence: 10, Limit: 4})
	require.NoError(t, err)
	require.Len(t, limited, 4)
	assert.Equal(t, uint64(11), limited[0].Sequence)
}
