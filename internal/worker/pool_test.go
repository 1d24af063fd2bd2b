package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linksniff/internal/task"
)

type blockingRunner struct {
	mu      sync.Mutex
	release chan struct{}
	ran     []int64
	ctxErr  error
}

func (r *blockingRunner) Run(ctx context.Context, t task.Task) error {
	<-r.release
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, t.ID)
	r.ctxErr = ctx.Err()
	return errors.New("ignored by pool")
}

func (r *blockingRunner) finished() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ran...)
}

func TestPoolTracksInFlightScripts(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{release: make(chan struct{})}
	pool := NewPool(context.Background(), runner, zap.NewNop())

	require.True(t, pool.Launch(task.Task{ID: 1, Script: "youtube"}))
	require.True(t, pool.Launch(task.Task{ID: 2, Script: "tiktok"}))
	require.False(t, pool.Launch(task.Task{ID: 3, Script: "youtube"}))
	require.Equal(t, []string{"tiktok", "youtube"}, pool.InFlight())

	close(runner.release)
	require.NoError(t, pool.Close(context.Background()))
	require.Empty(t, pool.InFlight())
	require.ElementsMatch(t, []int64{1, 2}, runner.finished())
	require.False(t, pool.Launch(task.Task{ID: 4, Script: "instagram"}))
}

func TestPoolWorkersOutliveParentCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runner := &blockingRunner{release: make(chan struct{})}
	pool := NewPool(ctx, runner, nil)

	require.True(t, pool.Launch(task.Task{ID: 1, Script: "youtube"}))
	cancel()
	close(runner.release)
	require.NoError(t, pool.Close(context.Background()))

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.NoError(t, runner.ctxErr)
}

func TestPoolCloseHonorsDeadline(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{release: make(chan struct{})}
	pool := NewPool(context.Background(), runner, nil)
	require.True(t, pool.Launch(task.Task{ID: 1, Script: "youtube"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Close(ctx), context.DeadlineExceeded)
	require.Equal(t, []string{"youtube"}, pool.InFlight())

	close(runner.release)
	require.NoError(t, pool.Close(context.Background()))
}
