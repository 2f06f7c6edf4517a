// Package prioritizer computes recommended execution orders for a task's
// open steps and a user's open tasks. It only reads: callers decide whether
// to feed the recommendation back through the plan store's Reorder.
package prioritizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/DuvanRCuero/SmartFlow-Ai/features"
	"github.com/DuvanRCuero/SmartFlow-Ai/models"
)

var ErrTaskNotFound = errors.New("prioritizer: task not found")

// Weights balances the scoring terms. Urgency and effort add, the energy
// mismatch subtracts, and the task's explicit priority multiplies the total
// as a tie-break.
type Weights struct {
	Urgency     float64
	Effort      float64
	EnergyMatch float64
}

func DefaultWeights() Weights {
	return Weights{Urgency: 3, Effort: 1, EnergyMatch: 1.5}
}

type Prioritizer struct {
	db                *gorm.DB
	weights           Weights
	defaultEstMinutes int
}

func New(db *gorm.DB, weights Weights, defaultEstMinutes int) *Prioritizer {
	if defaultEstMinutes <= 0 {
		defaultEstMinutes = 30
	}
	return &Prioritizer{db: db, weights: weights, defaultEstMinutes: defaultEstMinutes}
}

// RankedStep is one entry of a recommended order, with the score and a human
// explanation of what drove it.
type RankedStep struct {
	StepID      string
	Score       float64
	Explanation string
}

type RankedTask struct {
	TaskID      string
	Score       float64
	Explanation string
}

// urgency grows as the due date approaches and without bound once overdue.
// No due date scores zero.
func urgency(due *time.Time, asOf time.Time) float64 {
	if due == nil {
		return 0
	}
	if asOf.After(*due) {
		overdueDays := asOf.Sub(*due).Hours() / 24
		return 1 + overdueDays
	}
	daysLeft := due.Sub(asOf).Hours() / 24
	return 1 / (1 + daysLeft)
}

// effort prefers shorter work: an estimate of zero scores 1, an hour scores
// 0.5, and long slogs tend toward zero.
func (p *Prioritizer) effort(estMinutes *int) float64 {
	est := p.defaultEstMinutes
	if estMinutes != nil {
		est = *estMinutes
	}
	return 60.0 / (60.0 + float64(est))
}

// energyPenalty is the shortfall between what the work demands and what the
// user currently has, per the telemetry energy trend.
func energyPenalty(req *models.EnergyLevel, vec features.Vector) float64 {
	if req == nil {
		return 0
	}
	gap := req.Score() - vec.EnergyTrend
	if gap < 0 {
		return 0
	}
	return gap
}

func (p *Prioritizer) score(due *time.Time, estMinutes *int, energyReq *models.EnergyLevel, priority models.TaskPriority, asOf time.Time, vec features.Vector) (float64, string) {
	u := urgency(due, asOf)
	e := p.effort(estMinutes)
	pen := energyPenalty(energyReq, vec)
	total := (p.weights.Urgency*u + p.weights.Effort*e - p.weights.EnergyMatch*pen) * priority.Multiplier()
	expl := fmt.Sprintf("urgency=%.2f effort=%.2f energy_penalty=%.2f priority=%s", u, e, pen, priority)
	return total, expl
}

// RecommendOrder scores the task's pending and in-progress steps and returns
// them best first. Ties break by step_order ascending, so the result is
// stable and deterministic for a given snapshot.
func (p *Prioritizer) RecommendOrder(ctx context.Context, taskID string, asOf time.Time, vec features.Vector) ([]RankedStep, error) {
	var task models.Task
	if err := p.db.WithContext(ctx).Where("id = ?", taskID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	var steps []models.PlanStep
	if err := p.db.WithContext(ctx).
		Where("task_id = ? AND status IN ?", taskID, []models.StepStatus{models.StepPending, models.StepInProgress}).
		Order("step_order ASC").
		Find(&steps).Error; err != nil {
		return nil, err
	}

	ranked := make([]RankedStep, len(steps))
	orderOf := make(map[string]int, len(steps))
	for i, st := range steps {
		// Steps inherit the task's due date, energy requirement and
		// priority; the effort estimate is their own.
		score, expl := p.score(task.DueDate, st.EstMinutes, task.EnergyReq, task.Priority, asOf, vec)
		ranked[i] = RankedStep{StepID: st.ID, Score: score, Explanation: expl}
		orderOf[st.ID] = st.StepOrder
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return orderOf[ranked[i].StepID] < orderOf[ranked[j].StepID]
	})
	return ranked, nil
}

// RankTasks scores a user's pending and in-progress tasks best first. Ties
// break by creation time then id, so repeated calls agree.
func (p *Prioritizer) RankTasks(ctx context.Context, userID string, asOf time.Time, vec features.Vector) ([]RankedTask, error) {
	var tasks []models.Task
	if err := p.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []models.TaskStatus{models.TaskPending, models.TaskInProgress}).
		Order("created_at ASC, id ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}

	ranked := make([]RankedTask, len(tasks))
	for i, task := range tasks {
		score, expl := p.score(task.DueDate, task.EstMinutes, task.EnergyReq, task.Priority, asOf, vec)
		ranked[i] = RankedTask{TaskID: task.ID, Score: score, Explanation: expl}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}
