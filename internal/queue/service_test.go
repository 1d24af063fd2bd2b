package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linksniff/internal/process"
	"github.com/JakeFAU/linksniff/internal/settings"
	"github.com/JakeFAU/linksniff/internal/storage/memory"
	"github.com/JakeFAU/linksniff/internal/task"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type catalog map[string]bool

func (c catalog) Exists(script string) bool { return c[script] }

type fakeRunner struct {
	got process.Command
	ctx context.Context
	res process.Result
	err error
}

func (r *fakeRunner) Run(ctx context.Context, cmd process.Command) (process.Result, error) {
	r.got = cmd
	r.ctx = ctx
	return r.res, r.err
}

func newService(t *testing.T) (*Service, *memory.TaskStore, *fakeRunner) {
	t.Helper()
	store := memory.NewTaskStore()
	st, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"), 3)
	require.NoError(t, err)
	runner := &fakeRunner{}
	svc := New(
		store,
		st,
		catalog{"youtube": true, "tiktok": true},
		runner,
		fixedClock{now: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)},
		Maintenance{Command: []string{"pip", "install", "--upgrade", "yt-dlp"}, Timeout: time.Minute},
		zap.NewNop(),
	)
	return svc, store, runner
}

func TestEnqueueIsImmediatelyVisible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newService(t)

	id, err := svc.Enqueue(ctx, "youtube", "https://www.youtube.com/watch?v=1")
	require.NoError(t, err)

	tasks, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, id, tasks[0].ID)
	require.Equal(t, task.StatusPending, tasks[0].Status)
	require.Equal(t, time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC), tasks[0].Added)
}

func TestEnqueueValidatesScript(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.Enqueue(ctx, "vimeo", "https://vimeo.com/1")
	require.ErrorIs(t, err, task.ErrUnknownScript)
	_, err = svc.Enqueue(ctx, "../etc", "https://x.com")
	require.ErrorIs(t, err, task.ErrInvalidTask)
	_, err = svc.Enqueue(ctx, "youtube", "  ")
	require.ErrorIs(t, err, task.ErrInvalidTask)
}

func TestEnqueueURLDerivesScript(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newService(t)

	id, script, err := svc.EnqueueURL(ctx, "https://www.tiktok.com/@user/video/7")
	require.NoError(t, err)
	require.Equal(t, "tiktok", script)
	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "tiktok", got.Script)

	_, _, err = svc.EnqueueURL(ctx, "")
	require.ErrorIs(t, err, task.ErrInvalidTask)
}

func TestRequeueRejectsCompletedTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, _ := newService(t)

	id, err := svc.Enqueue(ctx, "youtube", "https://youtube.com/1")
	require.NoError(t, err)
	sess, err := store.Session(ctx)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, sess.MarkActive(ctx, id, now))
	require.NoError(t, sess.SaveLog(ctx, id, "ok\n"))
	require.NoError(t, sess.Finish(ctx, id, task.StatusCompleted, now))

	require.ErrorIs(t, svc.Requeue(ctx, id), task.ErrNotFailed)
	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.Equal(t, "ok\n", *got.Log)

	require.ErrorIs(t, svc.Requeue(ctx, id+1), task.ErrNotFound)
}

func TestRequeueResetsFailedTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, _ := newService(t)

	id, err := svc.Enqueue(ctx, "youtube", "https://youtube.com/1")
	require.NoError(t, err)
	sess, err := store.Session(ctx)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, sess.MarkActive(ctx, id, now))
	require.NoError(t, sess.SaveLog(ctx, id, "ERROR\n"))
	require.NoError(t, sess.Finish(ctx, id, task.StatusFailed, now))

	require.NoError(t, svc.Requeue(ctx, id))
	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Nil(t, got.Log)
	require.Nil(t, got.Started)
	require.Nil(t, got.Ended)
}

func TestClearOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, _ := newService(t)

	done, err := svc.Enqueue(ctx, "youtube", "https://youtube.com/1")
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, "tiktok", "https://tiktok.com/1")
	require.NoError(t, err)
	sess, err := store.Session(ctx)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, sess.MarkActive(ctx, done, now))
	require.NoError(t, sess.Finish(ctx, done, task.StatusCompleted, now))

	n, err := svc.ClearCompleted(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	tasks, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	n, err = svc.ClearAll(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	tasks, err = svc.List(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestConcurrencySettings(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	require.Equal(t, 3, svc.Concurrency())
	require.NoError(t, svc.SetConcurrency(1))
	require.Equal(t, 1, svc.Concurrency())
	require.ErrorIs(t, svc.SetConcurrency(0), task.ErrInvalidConcurrency)
	require.Equal(t, 1, svc.Concurrency())
}

func TestUpdateTool(t *testing.T) {
	t.Parallel()

	svc, _, runner := newService(t)
	runner.res = process.Result{ExitCode: 0, Output: "Successfully installed yt-dlp\n"}

	res, err := svc.UpdateTool(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Successfully installed yt-dlp\n", res.Output)
	require.Equal(t, "pip", runner.got.Path)
	require.Equal(t, []string{"install", "--upgrade", "yt-dlp"}, runner.got.Args)
	_, hasDeadline := runner.ctx.Deadline()
	require.True(t, hasDeadline)

	runner.err = errors.New("context deadline exceeded")
	_, err = svc.UpdateTool(context.Background())
	require.ErrorContains(t, err, "update tool")
}

func TestUpdateToolNotConfigured(t *testing.T) {
	t.Parallel()

	svc := New(memory.NewTaskStore(), nil, nil, nil, fixedClock{}, Maintenance{}, nil)
	_, err := svc.UpdateTool(context.Background())
	require.Error(t, err)
}
