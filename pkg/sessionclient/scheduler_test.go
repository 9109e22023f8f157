package sessionclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackgroundSchedulerStartStop(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clockStart)
	var proactiveRuns, heartbeatRuns atomic.Int32
	scheduler := newBackgroundScheduler(clock, time.Minute, 5*time.Minute,
		func(ctx context.Context) { proactiveRuns.Add(1) },
		func(ctx context.Context) { heartbeatRuns.Add(1) },
		zap.NewNop())

	scheduler.Stop()
	require.False(t, scheduler.Running())

	scheduler.Start(context.Background())
	require.True(t, scheduler.Running())
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return proactiveRuns.Load() == 1 }, time.Second, time.Millisecond)
	require.Zero(t, heartbeatRuns.Load())

	clock.Advance(4 * time.Minute)
	require.Eventually(t, func() bool { return heartbeatRuns.Load() == 1 }, time.Second, time.Millisecond)

	scheduler.Stop()
	scheduler.Stop()
	require.False(t, scheduler.Running())
	before := proactiveRuns.Load()
	clock.Advance(time.Hour)
	require.Never(t, func() bool { return proactiveRuns.Load() != before }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBackgroundSchedulerRestartReplacesTickers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clockStart)
	var proactiveRuns atomic.Int32
	scheduler := newBackgroundScheduler(clock, time.Minute, time.Hour,
		func(ctx context.Context) { proactiveRuns.Add(1) },
		func(ctx context.Context) {},
		zap.NewNop())
	t.Cleanup(scheduler.Stop)

	scheduler.Start(context.Background())
	scheduler.Start(context.Background())
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return proactiveRuns.Load() == 1 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return proactiveRuns.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBackgroundSchedulerStopFromTask(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clockStart)
	var scheduler *BackgroundScheduler
	stopped := make(chan struct{})
	scheduler = newBackgroundScheduler(clock, time.Minute, time.Hour,
		func(ctx context.Context) {
			scheduler.Stop()
			close(stopped)
		},
		func(ctx context.Context) {},
		zap.NewNop())

	scheduler.Start(context.Background())
	clock.Advance(time.Minute)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("task did not run")
	}
	require.False(t, scheduler.Running())
}

func TestProactiveTickRenewsInsideBuffer(t *testing.T) {
	harness := newTestHarness(t, func(config *Config) {
		config.BufferWindow = 300 * time.Second
		config.ProactiveInterval = time.Second
	})
	harness.seedSession(t)

	harness.clock.Advance(3299 * time.Second)
	restored, err := harness.manager.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, restored)
	before, _ := harness.manager.ExpiresAt(context.Background())

	// tick at t=3300s: exactly the buffer remains
	harness.clock.Advance(time.Second)
	require.Never(t, func() bool { return harness.api.count("refresh") > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	// tick at t=3301s: inside the buffer
	harness.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return harness.api.count("refresh") == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		after, _ := harness.manager.ExpiresAt(context.Background())
		return after.After(before)
	}, time.Second, time.Millisecond)

	for range 5 {
		harness.clock.Advance(time.Second)
	}
	require.Never(t, func() bool { return harness.api.count("refresh") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestNoExchangeAfterLogout(t *testing.T) {
	harness := newTestHarness(t, nil)
	if _, err := harness.manager.Login(context.Background(), Credentials{Username: "registrar", Password: "correct-horse"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	require.True(t, harness.manager.BackgroundRunning())

	harness.manager.Logout(context.Background())
	require.False(t, harness.manager.BackgroundRunning())

	harness.clock.Advance(2 * time.Hour)
	require.Never(t, func() bool {
		return harness.api.count("refresh") > 0 || harness.api.count("validate") > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestHeartbeatOutcomes(t *testing.T) {
	t.Run("success keeps session", func(t *testing.T) {
		harness := newTestHarness(t, nil)
		harness.activate(t)
		harness.manager.heartbeat(context.Background())
		require.Equal(t, 1, harness.api.count("validate"))
		require.True(t, harness.manager.IsAuthenticated(context.Background()))
	})

	t.Run("network failure keeps session", func(t *testing.T) {
		harness := newTestHarness(t, nil)
		harness.api.validateFunc = func(ctx context.Context, accessToken string) error {
			return fmt.Errorf("dial: %w", ErrNetwork)
		}
		harness.activate(t)
		harness.manager.heartbeat(context.Background())
		require.Zero(t, harness.api.count("refresh"))
		require.True(t, harness.manager.IsAuthenticated(context.Background()))
	})

	t.Run("rejection recovered by refresh", func(t *testing.T) {
		harness := newTestHarness(t, nil)
		harness.api.validateFunc = func(ctx context.Context, accessToken string) error {
			return fmt.Errorf("status 401: %w", ErrUnauthorized)
		}
		harness.activate(t)
		recorder := &endedRecorder{}
		harness.manager.OnSessionEnded(recorder.observe)
		harness.manager.heartbeat(context.Background())
		require.Equal(t, 1, harness.api.count("refresh"))
		require.Empty(t, recorder.snapshot())
		require.True(t, harness.manager.IsAuthenticated(context.Background()))
	})

	t.Run("rejection with failed recovery logs out", func(t *testing.T) {
		harness := newTestHarness(t, nil)
		harness.api.validateFunc = func(ctx context.Context, accessToken string) error {
			return fmt.Errorf("status 401: %w", ErrUnauthorized)
		}
		harness.api.refreshFunc = func(ctx context.Context, refreshToken string) (TokenGrant, error) {
			return TokenGrant{}, fmt.Errorf("status 503: %w", ErrNetwork)
		}
		harness.activate(t)
		recorder := &endedRecorder{}
		harness.manager.OnSessionEnded(recorder.observe)
		harness.manager.heartbeat(context.Background())
		events := recorder.snapshot()
		require.Len(t, events, 1)
		require.Equal(t, ReasonHeartbeatFailed, events[0].Reason)
		require.False(t, harness.manager.BackgroundRunning())
	})

	t.Run("rejection without refresh token logs out", func(t *testing.T) {
		harness := newTestHarness(t, nil)
		harness.api.validateFunc = func(ctx context.Context, accessToken string) error {
			return fmt.Errorf("status 401: %w", ErrUnauthorized)
		}
		harness.activate(t)
		require.NoError(t, harness.values.DeleteMany(context.Background(), []string{keyRefreshToken}))
		recorder := &endedRecorder{}
		harness.manager.OnSessionEnded(recorder.observe)
		harness.manager.heartbeat(context.Background())
		require.Zero(t, harness.api.count("refresh"))
		require.Len(t, recorder.snapshot(), 1)
		require.Equal(t, int64(1), harness.metrics.Count(EventHeartbeatFailure))
	})
}
