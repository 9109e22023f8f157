package sessionclient

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// BackgroundScheduler runs the proactive refresh check and the heartbeat while a session is active.
type BackgroundScheduler struct {
	clock             clockwork.Clock
	proactiveInterval time.Duration
	heartbeatInterval time.Duration
	proactiveTask     func(ctx context.Context)
	heartbeatTask     func(ctx context.Context)
	logger            *zap.Logger

	mutex   sync.Mutex
	cancel  context.CancelFunc
	tickers []clockwork.Ticker
}

func newBackgroundScheduler(clock clockwork.Clock, proactiveInterval time.Duration, heartbeatInterval time.Duration, proactiveTask func(ctx context.Context), heartbeatTask func(ctx context.Context), logger *zap.Logger) *BackgroundScheduler {
	return &BackgroundScheduler{
		clock:             clock,
		proactiveInterval: proactiveInterval,
		heartbeatInterval: heartbeatInterval,
		proactiveTask:     proactiveTask,
		heartbeatTask:     heartbeatTask,
		logger:            logger,
	}
}

// Start creates both tickers and launches their loops. A running pair is stopped first.
func (scheduler *BackgroundScheduler) Start(ctx context.Context) {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	scheduler.stopLocked()

	runContext, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proactiveTicker := scheduler.clock.NewTicker(scheduler.proactiveInterval)
	heartbeatTicker := scheduler.clock.NewTicker(scheduler.heartbeatInterval)
	scheduler.cancel = cancel
	scheduler.tickers = []clockwork.Ticker{proactiveTicker, heartbeatTicker}

	go scheduler.loop(runContext, proactiveTicker, scheduler.proactiveTask)
	go scheduler.loop(runContext, heartbeatTicker, scheduler.heartbeatTask)

	scheduler.logger.Debug("background tasks started",
		zap.String("code", "session.scheduler.started"),
		zap.Duration("proactive_interval", scheduler.proactiveInterval),
		zap.Duration("heartbeat_interval", scheduler.heartbeatInterval))
}

// Stop cancels both tasks. Safe to call repeatedly and from inside a task.
func (scheduler *BackgroundScheduler) Stop() {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.stopLocked() {
		scheduler.logger.Debug("background tasks stopped",
			zap.String("code", "session.scheduler.stopped"))
	}
}

// Running reports whether the tasks are active.
func (scheduler *BackgroundScheduler) Running() bool {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return scheduler.cancel != nil
}

func (scheduler *BackgroundScheduler) stopLocked() bool {
	if scheduler.cancel == nil {
		return false
	}
	scheduler.cancel()
	for _, ticker := range scheduler.tickers {
		ticker.Stop()
	}
	scheduler.cancel = nil
	scheduler.tickers = nil
	return true
}

func (scheduler *BackgroundScheduler) loop(ctx context.Context, ticker clockwork.Ticker, task func(ctx context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			// a tick can win the select against a concurrent Stop
			if ctx.Err() != nil {
				return
			}
			task(ctx)
		}
	}
}
