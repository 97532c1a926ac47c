package ticketregistry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type cleanerFunc func(ctx context.Context) (*CleanResult, error)

func (f cleanerFunc) Clean(ctx context.Context) (*CleanResult, error) {
	return f(ctx)
}

func TestScheduleSpec(t *testing.T) {
	require.Equal(t, "@every 2m0s", ScheduleSpec("", 2*time.Minute))
	require.Equal(t, "*/5 * * * *", ScheduleSpec("*/5 * * * *", 2*time.Minute))

	_, err := NewScheduler(NoOpCleaner{}, ScheduleSpec("", 2*time.Minute))
	require.NoError(t, err)
	_, err = NewScheduler(NoOpCleaner{}, "*/5 * * * *")
	require.NoError(t, err)
	_, err = NewScheduler(NoOpCleaner{}, "every five minutes")
	require.Error(t, err)
}

func TestSchedulerRunsCleaner(t *testing.T) {
	var runs atomic.Int32
	cleaner := cleanerFunc(func(ctx context.Context) (*CleanResult, error) {
		runs.Add(1)
		return &CleanResult{}, nil
	})
	s, err := NewScheduler(cleaner, "@every 1s")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var running, runs atomic.Int32
	release := make(chan struct{})
	cleaner := cleanerFunc(func(ctx context.Context) (*CleanResult, error) {
		runs.Add(1)
		running.Add(1)
		defer running.Add(-1)
		<-release
		return &CleanResult{}, nil
	})
	s, err := NewScheduler(cleaner, "@every 1s")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, 50*time.Millisecond)
	time.Sleep(2500 * time.Millisecond)
	require.Equal(t, int32(1), runs.Load())
	require.Equal(t, int32(1), running.Load())

	close(release)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunOnce(t *testing.T) {
	failure := errors.New("store down")
	s, err := NewScheduler(cleanerFunc(func(ctx context.Context) (*CleanResult, error) {
		return nil, failure
	}), "@every 1m")
	require.NoError(t, err)
	require.ErrorIs(t, s.RunOnce(context.Background()), failure)

	s, err = NewScheduler(cleanerFunc(func(ctx context.Context) (*CleanResult, error) {
		return &CleanResult{Skipped: true}, nil
	}), "@every 1m")
	require.NoError(t, err)
	require.NoError(t, s.RunOnce(context.Background()))
}
