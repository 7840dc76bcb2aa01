package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return openTestSQLite(t) },
		"redis": func(t *testing.T) Store {
			store, _ := newTestRedisStore(t)
			return store
		},
	}
}

func TestStores_DuplicateEventID(t *testing.T) {
	for name, open := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			l := newTestLedger(t, store, Options{})
			ctx := context.Background()

			first, err := l.Append(ctx, AppendRequest{TenantID: "t1", EventType: "X", ID: "evt-1"})
			require.NoError(t, err)

			_, err = l.Append(ctx, AppendRequest{TenantID: "t1", EventType: "Y", ID: "evt-1"})
			require.ErrorIs(t, err, ErrDuplicateEventID)
			assert.NotErrorIs(t, err, ErrConcurrentAppendConflict)

			tip, err := l.Tip(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, first.CombinedHash, tip.Hash)
			events, err := l.ReadAll(ctx, "t1", Query{})
			require.NoError(t, err)
			assert.Len(t, events, 1)

			other, err := l.Append(ctx, AppendRequest{TenantID: "t2", EventType: "X", ID: "evt-1"})
			require.NoError(t, err, "ids are scoped to a tenant")
			assert.Equal(t, "evt-1", other.ID)

			next, err := l.Append(ctx, AppendRequest{TenantID: "t1", EventType: "X", ID: "evt-2"})
			require.NoError(t, err)
			assert.Equal(t, uint64(2), next.Sequence)
		})
	}
}

func TestStores_TimestampRange(t *testing.T) {
	outside := []time.Time{
		time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxTimestamp.Add(time.Nanosecond),
	}

	for name, open := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			l := newTestLedger(t, open(t), Options{})
			ctx := context.Background()

			_, err := l.Append(ctx, AppendRequest{TenantID: "t", EventType: "X", Timestamp: epoch})
			require.NoError(t, err)
			for _, ts := range outside {
				_, err := l.Append(ctx, AppendRequest{TenantID: "t", EventType: "X", Timestamp: ts})
				assert.ErrorIs(t, err, ErrInvalidTimestamp, ts.String())
			}

			// The tip still guards monotonicity after the rejections.
			_, err = l.Append(ctx, AppendRequest{TenantID: "t", EventType: "X", Timestamp: epoch.Add(-time.Hour)})
			assert.ErrorIs(t, err, ErrNonMonotonicTimestamp)
			_, err = l.Append(ctx, AppendRequest{TenantID: "t", EventType: "X", Timestamp: MaxTimestamp})
			require.NoError(t, err)

			events, err := l.ReadAll(ctx, "t", Query{})
			require.NoError(t, err)
			require.Len(t, events, 2)
			assertUnbroken(t, l, events)
			assert.True(t, events[0].Timestamp.Equal(epoch))
			assert.True(t, events[1].Timestamp.Equal(MaxTimestamp))

			tip, err := l.Tip(ctx, "t")
			require.NoError(t, err)
			assert.True(t, tip.Timestamp.Equal(MaxTimestamp))
		})
	}
}

func TestAppend_ClockOutOfRange(t *testing.T) {
	far := time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLedger(t, NewMemoryStore(), Options{Clock: func() time.Time { return far }})

	_, err := l.Append(context.Background(), AppendRequest{TenantID: "t", EventType: "X"})
	assert.ErrorIs(t, err, ErrInvalidTimestamp)
}
