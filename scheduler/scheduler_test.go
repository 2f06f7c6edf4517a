package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DuvanRCuero/SmartFlow-Ai/config"
	"github.com/DuvanRCuero/SmartFlow-Ai/features"
	"github.com/DuvanRCuero/SmartFlow-Ai/models"
	"github.com/DuvanRCuero/SmartFlow-Ai/planstore"
	"github.com/DuvanRCuero/SmartFlow-Ai/suggest"
	"github.com/DuvanRCuero/SmartFlow-Ai/telemetry"
	"github.com/DuvanRCuero/SmartFlow-Ai/utils"
)

type fixedRecommender struct {
	cands []suggest.Candidate
	calls int
}

func (f *fixedRecommender) Recommend(context.Context, suggest.TaskState, features.Vector) ([]suggest.Candidate, error) {
	f.calls++
	return f.cands, nil
}

type tickEnv struct {
	db     *gorm.DB
	runner *Runner
	ingest *telemetry.Ingest
	clock  *utils.FixedClock
	rec    *fixedRecommender
}

func newTickEnv(t *testing.T, retention time.Duration) *tickEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := config.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	clock := utils.NewFixedClock(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	log := zap.NewNop().Sugar()
	plans := planstore.New(db, clock, log)
	ingest := telemetry.New(db, clock, log, 24*time.Hour, time.Hour)
	agg := features.New(ingest, plans)
	rec := &fixedRecommender{cands: []suggest.Candidate{
		{Message: "take a break", Type: "break", Confidence: 0.8},
	}}
	engine := suggest.NewEngine(db, plans, agg, rec, suggest.NewLocalClaims(clock), clock, log,
		suggest.Config{ConfidenceFloor: 0.5})

	runner := New(db, engine, ingest, clock, log, 5*time.Minute, retention, features.DefaultWindows)
	return &tickEnv{db: db, runner: runner, ingest: ingest, clock: clock, rec: rec}
}

func (env *tickEnv) makeTask(t *testing.T, status models.TaskStatus) models.Task {
	t.Helper()
	task := models.Task{
		ID:     utils.GenerateID(),
		UserID: "u1",
		Title:  "task",
		Status: status,
	}
	if err := env.db.Create(&task).Error; err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	return task
}

func (env *tickEnv) record(t *testing.T, taskID string, ts time.Time) {
	t.Helper()
	_, err := env.ingest.Record(context.Background(), telemetry.ProductivityEvent{
		UserID:     "u1",
		TaskID:     &taskID,
		Ts:         ts,
		FocusScore: 0.6,
		Mood:       models.MoodOK,
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
}

func TestTickGeneratesForTasksWithFreshTelemetry(t *testing.T) {
	env := newTickEnv(t, 0)
	active := env.makeTask(t, models.TaskInProgress)
	done := env.makeTask(t, models.TaskCompleted)

	// A third task with no telemetry at all must also stay quiet.
	env.makeTask(t, models.TaskPending)

	// Fresh telemetry on the active and completed tasks; none on the quiet one.
	env.record(t, active.ID, env.clock.Now().Add(-time.Minute))
	env.record(t, done.ID, env.clock.Now().Add(-time.Minute))

	env.runner.tick(context.Background())

	var got []models.Suggestion
	if err := env.db.Find(&got).Error; err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d suggestions, want 1", len(got))
	}
	if got[0].TaskID == nil || *got[0].TaskID != active.ID {
		t.Errorf("suggestion attached to wrong task: %+v", got[0])
	}
}

func TestTickSkipsStaleTelemetry(t *testing.T) {
	env := newTickEnv(t, 0)
	task := env.makeTask(t, models.TaskInProgress)

	// Event before the previous tick must not retrigger generation.
	env.record(t, task.ID, env.clock.Now().Add(-time.Hour))
	env.runner.tick(context.Background())
	if env.rec.calls != 0 {
		t.Errorf("stale telemetry triggered %d generations", env.rec.calls)
	}

	// A fresh event between ticks does.
	env.clock.Advance(5 * time.Minute)
	env.record(t, task.ID, env.clock.Now())
	env.clock.Advance(5 * time.Minute)
	env.runner.tick(context.Background())
	if env.rec.calls != 1 {
		t.Errorf("fresh telemetry triggered %d generations, want 1", env.rec.calls)
	}
}

func TestTickCompactsPastRetention(t *testing.T) {
	env := newTickEnv(t, 7*24*time.Hour)
	task := env.makeTask(t, models.TaskCompleted)

	env.record(t, task.ID, env.clock.Now().Add(-30*24*time.Hour))
	env.record(t, task.ID, env.clock.Now().Add(-time.Hour))

	env.runner.tick(context.Background())

	var raw int64
	if err := env.db.Model(&models.ProductivityLog{}).Count(&raw).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if raw != 1 {
		t.Errorf("raw events after compaction = %d, want 1", raw)
	}
	var rollups int64
	if err := env.db.Model(&models.TelemetryRollup{}).Count(&rollups).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rollups == 0 {
		t.Error("old bucket produced no rollup")
	}
}

func TestStartStop(t *testing.T) {
	env := newTickEnv(t, 0)
	env.runner.Start()
	env.runner.Stop()
}
