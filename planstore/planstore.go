// Package planstore owns the hierarchical step tree under each task. It is
// the only writer of step_order, which stays dense ({0..n-1} per task) and
// unique across every mutation, including mid-transaction.
package planstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/DuvanRCuero/SmartFlow-Ai/models"
	"github.com/DuvanRCuero/SmartFlow-Ai/utils"
)

var (
	ErrTaskNotFound  = errors.New("planstore: task not found")
	ErrStepNotFound  = errors.New("planstore: step not found")
	ErrInvalidParent = errors.New("planstore: invalid parent")
	ErrOrderConflict = errors.New("planstore: order conflict")
	ErrSetMismatch   = errors.New("planstore: step set mismatch")
	ErrInvalidStatus = errors.New("planstore: invalid step status")
)

// maxTreeDepth bounds ancestor walks during cycle checks. A plan nested
// deeper than this is rejected as structurally invalid.
const maxTreeDepth = 64

type Store struct {
	db    *gorm.DB
	clock utils.Clock
	log   *zap.SugaredLogger
}

func New(db *gorm.DB, clock utils.Clock, log *zap.SugaredLogger) *Store {
	return &Store{db: db, clock: clock, log: log}
}

// AddStep inserts a step at position among the task's steps (0-based over the
// whole task; position == len appends). Existing steps at or after position
// shift up one. The parent, when given, must belong to the same task.
func (s *Store) AddStep(ctx context.Context, taskID string, parentID *string, text string, position int) (*models.PlanStep, error) {
	var created *models.PlanStep
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := taskExists(tx, taskID); err != nil {
			return err
		}
		steps, err := stepsOf(tx, taskID)
		if err != nil {
			return err
		}
		if position < 0 || position > len(steps) {
			return fmt.Errorf("%w: position %d out of [0,%d]", ErrOrderConflict, position, len(steps))
		}
		if parentID != nil {
			if findStep(steps, *parentID) == nil {
				return fmt.Errorf("%w: parent %s not in task %s", ErrInvalidParent, *parentID, taskID)
			}
		}

		now := s.clock.Now()
		step := &models.PlanStep{
			ID:        utils.GenerateID(),
			TaskID:    taskID,
			ParentID:  parentID,
			StepOrder: maxOrder(steps) + 1, // placeholder outside the dense range
			Text:      text,
			Status:    models.StepPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(step).Error; err != nil {
			return err
		}

		ordered := make([]string, 0, len(steps)+1)
		for _, st := range steps[:position] {
			ordered = append(ordered, st.ID)
		}
		ordered = append(ordered, step.ID)
		for _, st := range steps[position:] {
			ordered = append(ordered, st.ID)
		}
		if err := s.renumber(tx, taskID, ordered); err != nil {
			return err
		}
		step.StepOrder = position
		created = step
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debugw("step added", "task", taskID, "step", created.ID, "position", position)
	return created, nil
}

// InsertPlan appends generated root steps in the given order. Used by the
// suggestion engine's plan generation path.
func (s *Store) InsertPlan(ctx context.Context, taskID string, texts []string) ([]models.PlanStep, error) {
	var out []models.PlanStep
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := taskExists(tx, taskID); err != nil {
			return err
		}
		steps, err := stepsOf(tx, taskID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		next := len(steps)
		for _, text := range texts {
			step := models.PlanStep{
				ID:        utils.GenerateID(),
				TaskID:    taskID,
				StepOrder: next,
				Text:      text,
				Status:    models.StepPending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
			out = append(out, step)
			next++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reorder renumbers the task's steps to match newOrder exactly. The id set
// must equal the current step set; only order values change.
func (s *Store) Reorder(ctx context.Context, taskID string, newOrder []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		steps, err := stepsOf(tx, taskID)
		if err != nil {
			return err
		}
		if len(steps) != len(newOrder) {
			return fmt.Errorf("%w: have %d steps, got %d ids", ErrSetMismatch, len(steps), len(newOrder))
		}
		current := make(map[string]bool, len(steps))
		for _, st := range steps {
			current[st.ID] = true
		}
		seen := make(map[string]bool, len(newOrder))
		for _, id := range newOrder {
			if !current[id] || seen[id] {
				return fmt.Errorf("%w: id %s", ErrSetMismatch, id)
			}
			seen[id] = true
		}
		return s.renumber(tx, taskID, newOrder)
	})
}

// SetStatus applies a pure status transition. Completing a step stamps
// completed_at and derives actual_minutes when a start time was recorded;
// leaving completed clears both. Parent status is never derived here.
func (s *Store) SetStatus(ctx context.Context, stepID string, status models.StepStatus) (*models.PlanStep, error) {
	if !models.ValidStepStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var step models.PlanStep
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", stepID).First(&step).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
			}
			return err
		}
		now := s.clock.Now()
		prev := step.Status
		step.Status = status
		step.UpdatedAt = now

		switch {
		case status == models.StepCompleted && prev != models.StepCompleted:
			step.CompletedAt = &now
			if step.StartedAt != nil {
				mins := int(now.Sub(*step.StartedAt).Minutes())
				step.ActualMinutes = &mins
			}
		case status == models.StepInProgress && step.StartedAt == nil:
			step.StartedAt = &now
		}
		if prev == models.StepCompleted && status != models.StepCompleted {
			step.CompletedAt = nil
			step.ActualMinutes = nil
		}
		return tx.Save(&step).Error
	})
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// Reparent moves a step under newParentID (nil makes it a root). Rejects
// parents from other tasks and any move that would make the step its own
// ancestor.
func (s *Store) Reparent(ctx context.Context, stepID string, newParentID *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step models.PlanStep
		if err := tx.Where("id = ?", stepID).First(&step).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
			}
			return err
		}
		if newParentID != nil {
			steps, err := stepsOf(tx, step.TaskID)
			if err != nil {
				return err
			}
			parent := findStep(steps, *newParentID)
			if parent == nil {
				return fmt.Errorf("%w: parent %s not in task %s", ErrInvalidParent, *newParentID, step.TaskID)
			}
			if err := checkNoCycle(steps, stepID, *newParentID); err != nil {
				return err
			}
		}
		now := s.clock.Now()
		return tx.Model(&models.PlanStep{}).Where("id = ?", stepID).
			Updates(map[string]interface{}{"parent_id": newParentID, "updated_at": now}).Error
	})
}

// DeleteStep removes the step and all its descendants, renumbers the
// survivors dense, and returns the full set of removed ids so callers can
// invalidate caches.
func (s *Store) DeleteStep(ctx context.Context, stepID string) ([]string, error) {
	var removed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step models.PlanStep
		if err := tx.Where("id = ?", stepID).First(&step).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
			}
			return err
		}
		steps, err := stepsOf(tx, step.TaskID)
		if err != nil {
			return err
		}

		doomed := descendantSet(steps, stepID)
		for id := range doomed {
			removed = append(removed, id)
		}
		if err := tx.Where("id IN ?", removed).Delete(&models.PlanStep{}).Error; err != nil {
			return err
		}

		var survivors []string
		for _, st := range steps {
			if !doomed[st.ID] {
				survivors = append(survivors, st.ID)
			}
		}
		return s.renumber(tx, step.TaskID, survivors)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debugw("step deleted", "step", stepID, "removed", len(removed))
	return removed, nil
}

// DeleteTask removes the task with its steps and suggestions, and nulls the
// task reference on productivity and activity logs so the audit trail
// survives the deletion.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := taskExists(tx, taskID); err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", taskID).Delete(&models.PlanStep{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", taskID).Delete(&models.Suggestion{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ProductivityLog{}).Where("task_id = ?", taskID).
			Update("task_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ActivityLog{}).Where("task_id = ?", taskID).
			Update("task_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.TelemetryRollup{}).Where("task_id = ?", taskID).
			Update("task_id", nil).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", taskID).Delete(&models.Task{}).Error
	})
}

// StepsForTask returns the task's steps ordered by step_order.
func (s *Store) StepsForTask(ctx context.Context, taskID string) ([]models.PlanStep, error) {
	var steps []models.PlanStep
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("step_order ASC").
		Find(&steps).Error
	return steps, err
}

// renumber assigns dense {0..n-1} order values matching ordered, in two
// phases inside the caller's transaction: every row first shifts into a
// range disjoint from any final value, then each row gets its final order.
// The UNIQUE(task_id, step_order) index is never violated, not even between
// the two statements.
func (s *Store) renumber(tx *gorm.DB, taskID string, ordered []string) error {
	var max int
	if err := tx.Model(&models.PlanStep{}).
		Where("task_id = ?", taskID).
		Select("COALESCE(MAX(step_order), -1)").
		Scan(&max).Error; err != nil {
		return err
	}
	offset := max + len(ordered) + 1

	if err := tx.Model(&models.PlanStep{}).
		Where("task_id = ?", taskID).
		UpdateColumn("step_order", gorm.Expr("step_order + ?", offset)).Error; err != nil {
		return err
	}

	now := s.clock.Now()
	for i, id := range ordered {
		if err := tx.Model(&models.PlanStep{}).
			Where("id = ? AND task_id = ?", id, taskID).
			UpdateColumns(map[string]interface{}{"step_order": i, "updated_at": now}).Error; err != nil {
			return err
		}
	}
	return nil
}

func taskExists(tx *gorm.DB, taskID string) error {
	var n int64
	if err := tx.Model(&models.Task{}).Where("id = ?", taskID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

func stepsOf(tx *gorm.DB, taskID string) ([]models.PlanStep, error) {
	var steps []models.PlanStep
	err := tx.Where("task_id = ?", taskID).Order("step_order ASC").Find(&steps).Error
	return steps, err
}

func findStep(steps []models.PlanStep, id string) *models.PlanStep {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}

func maxOrder(steps []models.PlanStep) int {
	max := -1
	for _, st := range steps {
		if st.StepOrder > max {
			max = st.StepOrder
		}
	}
	return max
}

// checkNoCycle walks ancestors from candidate upward; hitting stepID means
// the candidate parent is a descendant of the step being reparented.
func checkNoCycle(steps []models.PlanStep, stepID, candidateParent string) error {
	byID := make(map[string]*models.PlanStep, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}
	cur := candidateParent
	for depth := 0; depth < maxTreeDepth; depth++ {
		if cur == stepID {
			return fmt.Errorf("%w: %s is a descendant of %s", ErrInvalidParent, candidateParent, stepID)
		}
		node := byID[cur]
		if node == nil || node.ParentID == nil {
			return nil
		}
		cur = *node.ParentID
	}
	return fmt.Errorf("%w: ancestor chain exceeds depth %d", ErrInvalidParent, maxTreeDepth)
}

// descendantSet returns stepID plus every transitive child id.
func descendantSet(steps []models.PlanStep, stepID string) map[string]bool {
	children := make(map[string][]string, len(steps))
	for _, st := range steps {
		if st.ParentID != nil {
			children[*st.ParentID] = append(children[*st.ParentID], st.ID)
		}
	}
	set := map[string]bool{stepID: true}
	queue := []string{stepID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if !set[child] {
				set[child] = true
				queue = append(queue, child)
			}
		}
	}
	return set
}
