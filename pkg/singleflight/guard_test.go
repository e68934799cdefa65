package singleflight

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitglue/stravasync/pkg/infrastructure/database"
	"github.com/fitglue/stravasync/pkg/storage/memory"
	"github.com/fitglue/stravasync/pkg/testing/mocks"
	"github.com/fitglue/stravasync/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireReleaseCycle(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(database.NewAdapter(memory.New()), DefaultLease, discard())

	ok, err := g.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, "X"))

	ok, err = g.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	db := database.NewAdapter(memory.New())

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate guards model separate processes sharing the store.
			ok, err := NewGuard(db, DefaultLease, discard()).TryAcquire(ctx, "X")
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	db := database.NewAdapter(memory.New())
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	crashed := NewGuard(db, 10*time.Minute, discard())
	crashed.now = func() time.Time { return now }
	ok, err := crashed.TryAcquire(ctx, "X")
	require.NoError(t, err)
	require.True(t, ok)

	next := NewGuard(db, 10*time.Minute, discard())
	next.now = func() time.Time { return now.Add(5 * time.Minute) }
	ok, err = next.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok)

	next.now = func() time.Time { return now.Add(11 * time.Minute) }
	ok, err = next.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)

	status, err := next.Status(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, next.owner, status.Owner)
}

func TestStaleHolderReleaseKeepsReclaimedGuard(t *testing.T) {
	ctx := context.Background()
	db := database.NewAdapter(memory.New())
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	slow := NewGuard(db, time.Minute, discard())
	slow.now = clock
	ok, err := slow.TryAcquire(ctx, "X")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	reclaimer := NewGuard(db, time.Minute, discard())
	reclaimer.now = clock
	ok, err = reclaimer.TryAcquire(ctx, "X")
	require.NoError(t, err)
	require.True(t, ok)

	// The slow run finishing must not free the reclaimer's flag.
	require.NoError(t, slow.Release(ctx, "X"))

	third := NewGuard(db, time.Minute, discard())
	third.now = clock
	ok, err = third.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := third.Status(ctx, "X")
	require.NoError(t, err)
	assert.True(t, status.IsRunning)
	assert.Equal(t, reclaimer.owner, status.Owner)

	require.NoError(t, reclaimer.Release(ctx, "X"))
	ok, err = third.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResetIgnoresOwner(t *testing.T) {
	ctx := context.Background()
	db := database.NewAdapter(memory.New())

	holder := NewGuard(db, DefaultLease, discard())
	ok, err := holder.TryAcquire(ctx, "X")
	require.NoError(t, err)
	require.True(t, ok)

	operator := NewGuard(db, DefaultLease, discard())
	prev, err := operator.Reset(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, holder.owner, prev.Owner)

	ok, err = operator.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestZeroLeaseNeverExpires(t *testing.T) {
	ctx := context.Background()
	db := database.NewAdapter(memory.New())

	first := NewGuard(db, 0, discard())
	ok, err := first.TryAcquire(ctx, "X")
	require.NoError(t, err)
	require.True(t, ok)

	later := NewGuard(db, 0, discard())
	later.now = func() time.Time { return time.Now().Add(365 * 24 * time.Hour) }
	ok, err = later.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok)

	prev, err := later.Reset(ctx, "X")
	require.NoError(t, err)
	assert.True(t, prev.IsRunning)

	ok, err = later.TryAcquire(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireErrorPropagates(t *testing.T) {
	boom := errors.New("store down")
	g := NewGuard(&mocks.MockDatabase{
		UpdateRunningStatusFunc: func(ctx context.Context, job string, fn func(*types.RunningStatus) (*types.RunningStatus, error)) error {
			return boom
		},
	}, DefaultLease, discard())

	ok, err := g.TryAcquire(context.Background(), "X")
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}
