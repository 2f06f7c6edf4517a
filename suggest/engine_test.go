package suggest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
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
	"github.com/DuvanRCuero/SmartFlow-Ai/telemetry"
	"github.com/DuvanRCuero/SmartFlow-Ai/utils"
)

// fakeRecommender returns a fixed candidate list, optionally after a delay
// it spends honoring ctx like a real remote call would.
type fakeRecommender struct {
	mu        sync.Mutex
	cands     []Candidate
	planTexts []string
	delay     time.Duration
	calls     int
}

func (f *fakeRecommender) Recommend(ctx context.Context, _ TaskState, _ features.Vector) ([]Candidate, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.cands, nil
}

func (f *fakeRecommender) GeneratePlan(context.Context, TaskState, features.Vector) ([]string, error) {
	return f.planTexts, nil
}

type testEnv struct {
	db     *gorm.DB
	engine *Engine
	plans  *planstore.Store
	clock  *utils.FixedClock
	rec    *fakeRecommender
	task   models.Task
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
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
	rec := &fakeRecommender{}

	engine := NewEngine(db, plans, agg, rec, NewLocalClaims(clock), clock, log, cfg)

	user := models.User{ID: utils.GenerateID(), Email: "u@test.local"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	task := models.Task{
		ID:       utils.GenerateID(),
		UserID:   user.ID,
		Title:    "ship the report",
		Priority: models.PriorityHigh,
		Status:   models.TaskInProgress,
	}
	if err := db.Create(&task).Error; err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	return &testEnv{db: db, engine: engine, plans: plans, clock: clock, rec: rec, task: task}
}

func (env *testEnv) suggestionCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := env.db.Model(&models.Suggestion{}).Where("task_id = ?", env.task.ID).Count(&n).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func TestGenerateFiltersByConfidenceFloor(t *testing.T) {
	env := newTestEnv(t, Config{ConfidenceFloor: 0.5})
	env.rec.cands = []Candidate{
		{Message: "take a break", Type: "break", Confidence: 0.8, Reason: map[string]interface{}{"focus_trend": 0.2}},
		{Message: "weak idea", Type: "defer", Confidence: 0.3},
		{Message: "", Type: "empty", Confidence: 0.9},
		{Message: "bogus score", Type: "odd", Confidence: 1.5},
	}

	got, err := env.engine.Generate(context.Background(), env.task.ID, features.DefaultWindows)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("persisted %d suggestions, want 1", len(got))
	}
	if got[0].Type != "break" || got[0].Confidence != 0.8 {
		t.Errorf("unexpected suggestion: %+v", got[0])
	}
	if got[0].UserID != env.task.UserID || got[0].TaskID == nil || *got[0].TaskID != env.task.ID {
		t.Errorf("suggestion not linked to task/user: %+v", got[0])
	}
}

func TestGenerateDeduplicatesByType(t *testing.T) {
	env := newTestEnv(t, Config{ConfidenceFloor: 0.1})
	ctx := context.Background()

	env.rec.cands = []Candidate{{Message: "split step 2", Type: "split_step", Confidence: 0.6}}
	if _, err := env.engine.Generate(ctx, env.task.ID, features.DefaultWindows); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// Same type, lower confidence: the existing row wins.
	env.rec.cands = []Candidate{{Message: "split step 2 differently", Type: "split_step", Confidence: 0.4}}
	if _, err := env.engine.Generate(ctx, env.task.ID, features.DefaultWindows); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if n := env.suggestionCount(t); n != 1 {
		t.Fatalf("have %d suggestions, want 1 after lower-confidence duplicate", n)
	}
	var sug models.Suggestion
	env.db.Where("task_id = ?", env.task.ID).First(&sug)
	if sug.Confidence != 0.6 {
		t.Errorf("existing higher-confidence row replaced: %+v", sug)
	}

	// Same type, higher confidence: the new one replaces it.
	env.rec.cands = []Candidate{{Message: "split step 2 better", Type: "split_step", Confidence: 0.9}}
	if _, err := env.engine.Generate(ctx, env.task.ID, features.DefaultWindows); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if n := env.suggestionCount(t); n != 1 {
		t.Fatalf("have %d suggestions, want 1 after higher-confidence duplicate", n)
	}
	sug = models.Suggestion{}
	env.db.Where("task_id = ?", env.task.ID).First(&sug)
	if sug.Confidence != 0.9 {
		t.Errorf("higher-confidence candidate did not replace: %+v", sug)
	}

	// Applied suggestions are off the dedupe table: a new unapplied row of
	// the same type may appear afterwards.
	if _, err := env.engine.Apply(ctx, sug.ID); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	env.rec.cands = []Candidate{{Message: "split again", Type: "split_step", Confidence: 0.5}}
	if _, err := env.engine.Generate(ctx, env.task.ID, features.DefaultWindows); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if n := env.suggestionCount(t); n != 2 {
		t.Errorf("have %d suggestions, want 2 (one applied, one fresh)", n)
	}
}

func TestGenerateSingleFlightPerTask(t *testing.T) {
	env := newTestEnv(t, Config{ConfidenceFloor: 0.1})
	env.rec.cands = []Candidate{{Message: "start now", Type: "start_now", Confidence: 0.7}}
	env.rec.delay = 600 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.engine.Generate(context.Background(), env.task.ID, features.DefaultWindows)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateInFlight):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Errorf("want exactly one winner and one ErrDuplicateInFlight, got ok=%d dup=%d", ok, dup)
	}
	if n := env.suggestionCount(t); n != 1 {
		t.Errorf("have %d suggestions, want 1 (no double insert)", n)
	}
}

func TestGenerateTimeoutPersistsNothing(t *testing.T) {
	env := newTestEnv(t, Config{ConfidenceFloor: 0.1, Timeout: 50 * time.Millisecond})
	env.rec.cands = []Candidate{{Message: "too late", Type: "late", Confidence: 0.9}}
	env.rec.delay = time.Second

	_, err := env.engine.Generate(context.Background(), env.task.ID, features.DefaultWindows)
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Fatalf("expected ErrGenerationTimeout, got %v", err)
	}
	if n := env.suggestionCount(t); n != 0 {
		t.Errorf("timeout persisted %d suggestions, want 0", n)
	}

	// The claim is released on failure; a retry goes through.
	env.rec.delay = 0
	if _, err := env.engine.Generate(context.Background(), env.task.ID, features.DefaultWindows); err != nil {
		t.Errorf("retry after timeout failed: %v", err)
	}
}

func TestApplyIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{ConfidenceFloor: 0.1})
	ctx := context.Background()
	env.rec.cands = []Candidate{{Message: "reschedule", Type: "reschedule", Confidence: 0.8}}
	created, err := env.engine.Generate(ctx, env.task.ID, features.DefaultWindows)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	first, err := env.engine.Apply(ctx, created[0].ID)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !first.IsApplied || first.AppliedAt == nil {
		t.Fatalf("apply did not transition: %+v", first)
	}
	firstAppliedAt := *first.AppliedAt

	env.clock.Advance(time.Hour)
	second, err := env.engine.Apply(ctx, created[0].ID)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if !second.IsApplied || second.AppliedAt == nil || !second.AppliedAt.Equal(firstAppliedAt) {
		t.Errorf("applied_at not stable across re-apply: %v vs %v", second.AppliedAt, firstAppliedAt)
	}

	if _, err := env.engine.ApplyStrict(ctx, created[0].ID); !errors.Is(err, ErrAlreadyApplied) {
		t.Errorf("ApplyStrict: expected ErrAlreadyApplied, got %v", err)
	}
	if _, err := env.engine.Apply(ctx, utils.GenerateID()); !errors.Is(err, ErrSuggestionNotFound) {
		t.Errorf("expected ErrSuggestionNotFound, got %v", err)
	}
}

func TestParentCompletionSweep(t *testing.T) {
	env := newTestEnv(t, Config{ConfidenceFloor: 0.1})
	ctx := context.Background()

	root, _ := env.plans.AddStep(ctx, env.task.ID, nil, "assemble deck", 0)
	c1, _ := env.plans.AddStep(ctx, env.task.ID, &root.ID, "collect figures", 1)
	c2, _ := env.plans.AddStep(ctx, env.task.ID, &root.ID, "write outline", 2)

	// Children not all done yet: nothing to say.
	if _, err := env.plans.SetStatus(ctx, c1.ID, models.StepCompleted); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	got, err := env.engine.ParentCompletionSweep(ctx, env.task.ID)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("premature sweep emitted %d suggestions", len(got))
	}

	if _, err := env.plans.SetStatus(ctx, c2.ID, models.StepCompleted); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	got, err = env.engine.ParentCompletionSweep(ctx, env.task.ID)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(got) != 1 || got[0].Type != "complete_parent" {
		t.Fatalf("unexpected sweep result: %+v", got)
	}

	// Sweeping again dedupes instead of stacking rows.
	if _, err := env.engine.ParentCompletionSweep(ctx, env.task.ID); err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	var n int64
	env.db.Model(&models.Suggestion{}).Where("task_id = ? AND suggestion_type = ?", env.task.ID, "complete_parent").Count(&n)
	if n != 1 {
		t.Errorf("sweep stacked %d complete_parent suggestions", n)
	}

	// The plan store itself never auto-completed the parent.
	steps, _ := env.plans.StepsForTask(ctx, env.task.ID)
	for _, st := range steps {
		if st.ID == root.ID && st.Status != models.StepPending {
			t.Errorf("parent status mutated by sweep: %s", st.Status)
		}
	}
}

func TestGeneratePlanInsertsSteps(t *testing.T) {
	env := newTestEnv(t, Config{ConfidenceFloor: 0.1})
	env.rec.planTexts = []string{"scope the work", "draft", "review", "ship"}

	steps, err := env.engine.GeneratePlan(context.Background(), env.task.ID, features.DefaultWindows)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("inserted %d steps, want 4", len(steps))
	}
	for i, st := range steps {
		if st.StepOrder != i {
			t.Errorf("step %d has order %d", i, st.StepOrder)
		}
	}
}

func TestListOrdering(t *testing.T) {
	env := newTestEnv(t, Config{ConfidenceFloor: 0.1})
	ctx := context.Background()

	env.rec.cands = []Candidate{
		{Message: "a", Type: "a", Confidence: 0.6},
		{Message: "b", Type: "b", Confidence: 0.7},
	}
	created, err := env.engine.Generate(ctx, env.task.ID, features.DefaultWindows)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := env.engine.Apply(ctx, created[0].ID); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	unapplied, err := env.engine.ListForTask(ctx, env.task.ID, false)
	if err != nil {
		t.Fatalf("ListForTask failed: %v", err)
	}
	if len(unapplied) != 1 || unapplied[0].ID != created[1].ID {
		t.Errorf("unexpected unapplied list: %+v", unapplied)
	}

	all, err := env.engine.ListForUser(ctx, env.task.UserID, true)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(all) != 2 || all[0].IsApplied {
		t.Errorf("applied suggestions should sort last: %+v", all)
	}
}
