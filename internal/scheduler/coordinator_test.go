package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingDispatcher struct {
	ticks atomic.Int32
	fail  func(n int32) error
	panic func(n int32) bool
}

func (d *countingDispatcher) Tick(context.Context) (int, error) {
	n := d.ticks.Add(1)
	if d.panic != nil && d.panic(n) {
		panic("tick exploded")
	}
	if d.fail != nil {
		if err := d.fail(n); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

type countingCompactor struct {
	runs atomic.Int32
	err  error
}

func (c *countingCompactor) Compact(context.Context) error {
	c.runs.Add(1)
	return c.err
}

func TestCoordinatorTicksRepeatedly(t *testing.T) {
	t.Parallel()

	d := &countingDispatcher{}
	c, err := New(context.Background(), Config{DispatchInterval: 10 * time.Millisecond}, d, nil, zap.NewNop())
	require.NoError(t, err)

	c.Start()
	require.Eventually(t, func() bool { return d.ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown())
}

func TestCoordinatorSurvivesFailingAndPanickingTicks(t *testing.T) {
	t.Parallel()

	d := &countingDispatcher{
		fail:  func(n int32) error { return errors.New("database is locked") },
		panic: func(n int32) bool { return n%2 == 0 },
	}
	c, err := New(context.Background(), Config{DispatchInterval: 10 * time.Millisecond}, d, nil, nil)
	require.NoError(t, err)

	c.Start()
	require.Eventually(t, func() bool { return d.ticks.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown())
}

func TestCoordinatorRunsCompaction(t *testing.T) {
	t.Parallel()

	comp := &countingCompactor{err: errors.New("checkpoint busy")}
	c, err := New(context.Background(), Config{
		DispatchInterval: time.Hour,
		CompactInterval:  10 * time.Millisecond,
	}, &countingDispatcher{}, comp, nil)
	require.NoError(t, err)

	c.Start()
	require.Eventually(t, func() bool { return comp.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown())
}

func TestCoordinatorRunStopsWithContext(t *testing.T) {
	t.Parallel()

	d := &countingDispatcher{}
	c, err := New(context.Background(), Config{DispatchInterval: time.Hour, CompactCron: "0 3 * * *"}, d, &countingCompactor{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return d.ticks.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, &countingDispatcher{}, nil, nil)
	require.Error(t, err)

	_, err = New(context.Background(), Config{
		DispatchInterval: time.Second,
		CompactCron:      "not a cron",
	}, &countingDispatcher{}, &countingCompactor{}, nil)
	require.Error(t, err)
}
