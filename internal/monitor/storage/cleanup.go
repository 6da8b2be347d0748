package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/logging"
)

// CleanupScheduler periodically removes audit events older than the retention
type CleanupScheduler struct {
	audit     *AuditLog
	logger    *logging.Logger
	interval  time.Duration
	retention time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Bool
}

// NewCleanupScheduler creates a new cleanup scheduler
func NewCleanupScheduler(audit *AuditLog, logger *logging.Logger, interval, retention time.Duration) *CleanupScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &CleanupScheduler{
		audit:     audit,
		logger:    logging.OrNop(logger),
		interval:  interval,
		retention: retention,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins the cleanup scheduler
func (cs *CleanupScheduler) Start() {
	if !cs.started.CompareAndSwap(false, true) {
		return
	}
	cs.logger.Info("Starting audit cleanup scheduler", "interval", cs.interval, "retention", cs.retention)
	go cs.run()
}

// Stop stops the scheduler and waits for a running cleanup to finish
func (cs *CleanupScheduler) Stop() {
	cs.cancel()
	if cs.started.Load() {
		<-cs.done
	}
}

func (cs *CleanupScheduler) run() {
	defer close(cs.done)

	cs.performCleanup()

	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			cs.performCleanup()
		}
	}
}

func (cs *CleanupScheduler) performCleanup() {
	start := time.Now()

	removed, err := cs.audit.Cleanup(cs.ctx, cs.retention)
	if err != nil {
		if cs.ctx.Err() == nil {
			cs.logger.Error("Audit cleanup failed", "error", err)
		}
		return
	}

	cs.logger.Debug("Audit cleanup completed",
		"duration", time.Since(start),
		"events_removed", removed)
}
