// Package scheduler drives background suggestion generation and telemetry
// retention. Triggers fire on a fixed interval; per-task claims inside the
// engine make overlapping triggers (or other instances) harmless.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/DuvanRCuero/SmartFlow-Ai/features"
	"github.com/DuvanRCuero/SmartFlow-Ai/models"
	"github.com/DuvanRCuero/SmartFlow-Ai/suggest"
	"github.com/DuvanRCuero/SmartFlow-Ai/telemetry"
	"github.com/DuvanRCuero/SmartFlow-Ai/utils"
)

type Runner struct {
	db        *gorm.DB
	engine    *suggest.Engine
	ingest    *telemetry.Ingest
	clock     utils.Clock
	log       *zap.SugaredLogger
	interval  time.Duration
	retention time.Duration
	windows   features.Windows

	mu       sync.Mutex
	lastTick time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(db *gorm.DB, engine *suggest.Engine, ingest *telemetry.Ingest, clock utils.Clock, log *zap.SugaredLogger, interval, retention time.Duration, windows features.Windows) *Runner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Runner{
		db:        db,
		engine:    engine,
		ingest:    ingest,
		clock:     clock,
		log:       log,
		interval:  interval,
		retention: retention,
		windows:   windows,
		lastTick:  clock.Now().Add(-interval),
		stop:      make(chan struct{}),
	}
}

// Start launches the trigger loop.
func (r *Runner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.tick(context.Background())
			}
		}
	}()
	r.log.Infow("scheduler started", "interval", r.interval)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
	r.log.Info("scheduler stopped")
}

// tick regenerates suggestions for tasks with telemetry since the previous
// tick, sweeps parent completions, and compacts telemetry past the horizon.
func (r *Runner) tick(ctx context.Context) {
	r.mu.Lock()
	since := r.lastTick
	now := r.clock.Now()
	r.lastTick = now
	r.mu.Unlock()

	taskIDs, err := r.activeTasks(ctx, since)
	if err != nil {
		r.log.Errorw("active task scan failed", "error", err)
		return
	}
	for _, taskID := range taskIDs {
		if _, err := r.engine.Generate(ctx, taskID, r.windows); err != nil {
			if errors.Is(err, suggest.ErrDuplicateInFlight) {
				r.log.Debugw("generation already in flight", "task", taskID)
				continue
			}
			r.log.Warnw("background generation failed", "task", taskID, "error", err)
			continue
		}
		if _, err := r.engine.ParentCompletionSweep(ctx, taskID); err != nil {
			r.log.Warnw("parent completion sweep failed", "task", taskID, "error", err)
		}
	}

	if r.retention > 0 {
		if _, err := r.ingest.Compact(ctx, now.Add(-r.retention)); err != nil {
			r.log.Errorw("telemetry compaction failed", "error", err)
		}
	}
}

// activeTasks lists open tasks that received telemetry since the last tick.
func (r *Runner) activeTasks(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.ProductivityLog{}).
		Distinct("productivity_logs.task_id").
		Joins("JOIN tasks ON tasks.id = productivity_logs.task_id").
		Where("productivity_logs.ts > ? AND productivity_logs.task_id IS NOT NULL", since.UTC()).
		Where("tasks.status IN ?", []models.TaskStatus{models.TaskPending, models.TaskInProgress}).
		Order("productivity_logs.task_id ASC").
		Pluck("productivity_logs.task_id", &ids).Error
	return ids, err
}
