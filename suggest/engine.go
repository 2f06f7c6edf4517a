// Package suggest produces, ranks, deduplicates and manages the lifecycle of
// suggestions. Generation for a task is exclusive: a per-task claim makes
// concurrent triggers serialize or fail fast instead of double-inserting.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/DuvanRCuero/SmartFlow-Ai/features"
	"github.com/DuvanRCuero/SmartFlow-Ai/models"
	"github.com/DuvanRCuero/SmartFlow-Ai/utils"
)

var (
	ErrTaskNotFound       = errors.New("suggest: task not found")
	ErrSuggestionNotFound = errors.New("suggest: suggestion not found")
	ErrDuplicateInFlight  = errors.New("suggest: generation already in flight for task")
	ErrGenerationTimeout  = errors.New("suggest: generation timed out")
	ErrAlreadyApplied     = errors.New("suggest: suggestion already applied")
)

// Config tunes the engine. Zero values fall back to usable defaults.
type Config struct {
	// ConfidenceFloor drops candidates scored below it.
	ConfidenceFloor float64
	// ClaimTTL bounds how long a crashed generation can hold a task.
	ClaimTTL time.Duration
	// Timeout bounds one call to the recommendation function.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

// PlanStore is the slice of the plan store the engine needs: reading a
// task's steps for state snapshots and appending generated plans.
type PlanStore interface {
	StepsForTask(ctx context.Context, taskID string) ([]models.PlanStep, error)
	InsertPlan(ctx context.Context, taskID string, texts []string) ([]models.PlanStep, error)
}

type Engine struct {
	db     *gorm.DB
	plans  PlanStore
	agg    *features.Aggregator
	rec    Recommender
	claims Claims
	clock  utils.Clock
	log    *zap.SugaredLogger
	cfg    Config
	owner  string

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewEngine(db *gorm.DB, plans PlanStore, agg *features.Aggregator, rec Recommender, claims Claims, clock utils.Clock, log *zap.SugaredLogger, cfg Config) *Engine {
	return &Engine{
		db:       db,
		plans:    plans,
		agg:      agg,
		rec:      rec,
		claims:   claims,
		clock:    clock,
		log:      log,
		cfg:      cfg.withDefaults(),
		owner:    utils.GenerateID(),
		inflight: make(map[string]context.CancelFunc),
	}
}

// acquireWithBackoff retries claim contention a few times before surfacing
// ErrDuplicateInFlight. Structural errors are never retried. The returned
// owner token is unique per call so two generations inside one process
// exclude each other just like generations on different instances.
func (e *Engine) acquireWithBackoff(ctx context.Context, taskID string) (string, error) {
	owner := e.owner + ":" + utils.GenerateID()
	delay := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := e.claims.Acquire(ctx, taskID, owner, e.cfg.ClaimTTL)
		if err != nil {
			return "", err
		}
		if ok {
			return owner, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", fmt.Errorf("%w: %s", ErrDuplicateInFlight, taskID)
}

// Generate runs one suggestion pass for the task: feature vector, external
// recommendation call under the configured timeout, confidence floor,
// per-type dedupe against unapplied suggestions, then a single transactional
// insert. On any failure nothing is persisted.
func (e *Engine) Generate(ctx context.Context, taskID string, w features.Windows) ([]models.Suggestion, error) {
	owner, err := e.acquireWithBackoff(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.claims.Release(context.Background(), taskID, owner); err != nil {
			e.log.Warnw("claim release failed", "task", taskID, "error", err)
		}
	}()

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	e.registerInFlight(taskID, cancel)
	defer e.unregisterInFlight(taskID)

	state, err := e.taskState(genCtx, taskID)
	if err != nil {
		return nil, err
	}
	vec, err := e.agg.FeaturesFor(genCtx, state.Task.UserID, &taskID, e.clock.Now(), w)
	if err != nil {
		return nil, err
	}

	cands, err := e.rec.Recommend(genCtx, state, vec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
		}
		return nil, fmt.Errorf("recommendation call: %w", err)
	}

	kept := e.filterCandidates(cands)
	persisted, err := e.persistCandidates(ctx, state.Task.UserID, &taskID, kept)
	if err != nil {
		return nil, err
	}
	e.log.Infow("suggestions generated", "task", taskID, "candidates", len(cands), "persisted", len(persisted))
	return persisted, nil
}

// CancelInFlight aborts a generation running in this process for the task,
// letting a superseding request invalidate work based on a stale feature
// vector. No-op when nothing is in flight here.
func (e *Engine) CancelInFlight(taskID string) {
	e.mu.Lock()
	cancel := e.inflight[taskID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) registerInFlight(taskID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.inflight[taskID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterInFlight(taskID string) {
	e.mu.Lock()
	delete(e.inflight, taskID)
	e.mu.Unlock()
}

// GeneratePlan decomposes the task into 4-6 steps via the recommender's
// planning capability and appends them to the plan store. Guarded by the
// same per-task claim as Generate.
func (e *Engine) GeneratePlan(ctx context.Context, taskID string, w features.Windows) ([]models.PlanStep, error) {
	planner, ok := e.rec.(Planner)
	if !ok {
		return nil, fmt.Errorf("recommender cannot generate plans")
	}
	owner, err := e.acquireWithBackoff(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.claims.Release(context.Background(), taskID, owner); err != nil {
			e.log.Warnw("claim release failed", "task", taskID, "error", err)
		}
	}()

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	state, err := e.taskState(genCtx, taskID)
	if err != nil {
		return nil, err
	}
	vec, err := e.agg.FeaturesFor(genCtx, state.Task.UserID, &taskID, e.clock.Now(), w)
	if err != nil {
		return nil, err
	}
	texts, err := planner.GeneratePlan(genCtx, state, vec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
		}
		return nil, err
	}
	return e.plans.InsertPlan(ctx, taskID, texts)
}

// Apply marks the suggestion applied. Idempotent by design: applying an
// already-applied suggestion is a no-op success and applied_at stays at its
// first value. The transition is one-way.
func (e *Engine) Apply(ctx context.Context, suggestionID string) (*models.Suggestion, error) {
	return e.apply(ctx, suggestionID, false)
}

// ApplyStrict behaves like Apply but reports ErrAlreadyApplied on the second
// call, for callers that must distinguish duplicates.
func (e *Engine) ApplyStrict(ctx context.Context, suggestionID string) (*models.Suggestion, error) {
	return e.apply(ctx, suggestionID, true)
}

func (e *Engine) apply(ctx context.Context, suggestionID string, strict bool) (*models.Suggestion, error) {
	var sug models.Suggestion
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", suggestionID).First(&sug).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrSuggestionNotFound, suggestionID)
			}
			return err
		}
		if sug.IsApplied {
			if strict {
				return fmt.Errorf("%w: %s", ErrAlreadyApplied, suggestionID)
			}
			return nil
		}
		now := e.clock.Now()
		sug.IsApplied = true
		sug.AppliedAt = &now
		return tx.Model(&models.Suggestion{}).Where("id = ?", suggestionID).
			Updates(map[string]interface{}{"is_applied": true, "applied_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return &sug, nil
}

// ParentCompletionSweep emits a complete_parent suggestion for every step of
// the task whose direct children are all completed while the parent is not.
// Marking the parent done stays a suggestion; the plan store never derives
// parent status itself.
func (e *Engine) ParentCompletionSweep(ctx context.Context, taskID string) ([]models.Suggestion, error) {
	state, err := e.taskState(ctx, taskID)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]models.PlanStep)
	for _, st := range state.Steps {
		if st.ParentID != nil {
			children[*st.ParentID] = append(children[*st.ParentID], st)
		}
	}

	var cands []Candidate
	for _, st := range state.Steps {
		kids := children[st.ID]
		if len(kids) == 0 || st.Status == models.StepCompleted || st.Status == models.StepSkipped {
			continue
		}
		allDone := true
		kidIDs := make([]interface{}, 0, len(kids))
		for _, k := range kids {
			kidIDs = append(kidIDs, k.ID)
			if k.Status != models.StepCompleted {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		cands = append(cands, Candidate{
			Message:    fmt.Sprintf("All sub-steps of %q are done; mark it completed?", st.Text),
			Type:       "complete_parent",
			Reason:     map[string]interface{}{"step_id": st.ID, "children": kidIDs},
			Confidence: 0.9,
		})
	}
	return e.persistCandidates(ctx, state.Task.UserID, &taskID, cands)
}

// ListForTask returns the task's suggestions, unapplied first, newest first
// within each group.
func (e *Engine) ListForTask(ctx context.Context, taskID string, includeApplied bool) ([]models.Suggestion, error) {
	q := e.db.WithContext(ctx).Where("task_id = ?", taskID)
	if !includeApplied {
		q = q.Where("is_applied = ?", false)
	}
	var out []models.Suggestion
	err := q.Order("is_applied ASC, created_at DESC, id ASC").Find(&out).Error
	return out, err
}

// ListForUser returns the user's suggestions across tasks.
func (e *Engine) ListForUser(ctx context.Context, userID string, includeApplied bool) ([]models.Suggestion, error) {
	q := e.db.WithContext(ctx).Where("user_id = ?", userID)
	if !includeApplied {
		q = q.Where("is_applied = ?", false)
	}
	var out []models.Suggestion
	err := q.Order("is_applied ASC, created_at DESC, id ASC").Find(&out).Error
	return out, err
}

func (e *Engine) taskState(ctx context.Context, taskID string) (TaskState, error) {
	var task models.Task
	if err := e.db.WithContext(ctx).Where("id = ?", taskID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TaskState{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return TaskState{}, err
	}
	steps, err := e.plans.StepsForTask(ctx, taskID)
	if err != nil {
		return TaskState{}, err
	}
	return TaskState{Task: task, Steps: steps}, nil
}

// filterCandidates drops candidates under the confidence floor or outside
// [0,1], and collapses same-type duplicates inside the batch keeping the
// higher confidence.
func (e *Engine) filterCandidates(cands []Candidate) []Candidate {
	best := make(map[string]int)
	var kept []Candidate
	for _, c := range cands {
		if c.Confidence < e.cfg.ConfidenceFloor || c.Confidence < 0 || c.Confidence > 1 {
			continue
		}
		if c.Type == "" || c.Message == "" {
			continue
		}
		if i, ok := best[c.Type]; ok {
			if c.Confidence > kept[i].Confidence {
				kept[i] = c
			}
			continue
		}
		best[c.Type] = len(kept)
		kept = append(kept, c)
	}
	return kept
}

// persistCandidates dedupes against existing unapplied suggestions of the
// same task and type, keeping the higher-confidence one, and inserts the
// survivors in one transaction.
func (e *Engine) persistCandidates(ctx context.Context, userID string, taskID *string, cands []Candidate) ([]models.Suggestion, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	var out []models.Suggestion
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := e.clock.Now()
		for _, c := range cands {
			var existing models.Suggestion
			q := tx.Where("user_id = ? AND suggestion_type = ? AND is_applied = ?", userID, c.Type, false)
			if taskID != nil {
				q = q.Where("task_id = ?", *taskID)
			} else {
				q = q.Where("task_id IS NULL")
			}
			err := q.First(&existing).Error
			switch {
			case err == nil:
				if existing.Confidence >= c.Confidence {
					continue
				}
				if err := tx.Delete(&models.Suggestion{}, "id = ?", existing.ID).Error; err != nil {
					return err
				}
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}

			sug := models.Suggestion{
				ID:         utils.GenerateID(),
				UserID:     userID,
				TaskID:     taskID,
				Type:       c.Type,
				Message:    c.Message,
				Reason:     datatypes.JSONMap(c.Reason),
				Confidence: c.Confidence,
				CreatedAt:  now,
			}
			if err := tx.Create(&sug).Error; err != nil {
				return err
			}
			out = append(out, sug)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
