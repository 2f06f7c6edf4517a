// Package features turns raw telemetry into the bounded vector the
// suggestion engine and prioritizer rank with. Everything here is pure: the
// same telemetry snapshot, as-of time and window parameters always produce
// the same vector.
package features

import (
	"context"
	"math"
	"time"

	"github.com/DuvanRCuero/SmartFlow-Ai/models"
	"github.com/DuvanRCuero/SmartFlow-Ai/telemetry"
)

// Ranger is the telemetry read surface the aggregator consumes.
type Ranger interface {
	QueryRange(ctx context.Context, userID string, taskID *string, start, end time.Time) (telemetry.RangeResult, error)
}

// StepReader exposes the plan store view needed for completion velocity.
type StepReader interface {
	StepsForTask(ctx context.Context, taskID string) ([]models.PlanStep, error)
}

// Windows parameterizes a feature computation. Callers pick short-term
// ("last hour") or long-term ("last 2 weeks") vectors per call; nothing is
// hardcoded.
type Windows struct {
	// Lookback bounds how far back of asOf telemetry is read.
	Lookback time.Duration
	// HalfLife sets the exponential decay of the focus/energy trends: a
	// sample this old weighs half as much as one at asOf.
	HalfLife time.Duration
}

// DefaultWindows is the long-term vector used by background generation.
var DefaultWindows = Windows{
	Lookback: 14 * 24 * time.Hour,
	HalfLife: 12 * time.Hour,
}

// Vector is the derived per-user (optionally per-task) feature set.
type Vector struct {
	FocusTrend         float64                 `json:"focus_trend"`
	EnergyTrend        float64                 `json:"energy_trend"`
	InterruptionRate   float64                 `json:"interruption_rate"`
	CompletionVelocity float64                 `json:"completion_velocity"`
	MoodDist           map[models.Mood]float64 `json:"mood_dist"`
	SampleCount        int                     `json:"sample_count"`
	AsOf               time.Time               `json:"as_of"`
}

type Aggregator struct {
	ranger Ranger
	steps  StepReader
}

func New(ranger Ranger, steps StepReader) *Aggregator {
	return &Aggregator{ranger: ranger, steps: steps}
}

// FeaturesFor computes the vector for a user (narrowed to a task when taskID
// is set) over the lookback window ending at asOf. Raw events and rollups are
// folded together; a rollup contributes its window's mean weighted by sample
// count at the window midpoint age.
func (a *Aggregator) FeaturesFor(ctx context.Context, userID string, taskID *string, asOf time.Time, w Windows) (Vector, error) {
	if w.Lookback <= 0 {
		w.Lookback = DefaultWindows.Lookback
	}
	if w.HalfLife <= 0 {
		w.HalfLife = DefaultWindows.HalfLife
	}
	start := asOf.Add(-w.Lookback)

	res, err := a.ranger.QueryRange(ctx, userID, taskID, start, asOf)
	if err != nil {
		return Vector{}, err
	}

	vec := Vector{
		MoodDist: make(map[models.Mood]float64, len(models.Moods)),
		AsOf:     asOf.UTC(),
	}

	var focusNum, focusDen float64
	var energyNum, energyDen float64
	var minutes float64
	var interruptions float64
	moodCounts := make(map[models.Mood]float64, len(models.Moods))
	var moodTotal float64

	decay := func(age time.Duration) float64 {
		if age < 0 {
			age = 0
		}
		return math.Exp2(-age.Hours() / w.HalfLife.Hours())
	}

	for _, ev := range res.Events {
		wgt := decay(asOf.Sub(ev.Ts))
		focusNum += wgt * ev.FocusScore
		focusDen += wgt
		energyNum += wgt * ev.EnergyLevel
		energyDen += wgt
		minutes += ev.SessionMinutes
		interruptions += float64(ev.Interruptions)
		moodCounts[ev.Mood]++
		moodTotal++
		vec.SampleCount++
	}

	for _, roll := range res.Rollups {
		mid := roll.WindowStart.Add(roll.WindowEnd.Sub(roll.WindowStart) / 2)
		wgt := decay(asOf.Sub(mid)) * float64(roll.SampleCount)
		focusNum += wgt * roll.FocusMean
		focusDen += wgt
		energyNum += wgt * roll.EnergyMean
		energyDen += wgt
		minutes += roll.SessionMinutes
		interruptions += float64(roll.Interruptions)
		for _, m := range models.Moods {
			if v, ok := roll.MoodCounts[string(m)]; ok {
				n := toFloat(v)
				moodCounts[m] += n
				moodTotal += n
			}
		}
		vec.SampleCount += roll.SampleCount
	}

	if focusDen > 0 {
		vec.FocusTrend = focusNum / focusDen
	}
	if energyDen > 0 {
		vec.EnergyTrend = energyNum / energyDen
	}
	if minutes > 0 {
		vec.InterruptionRate = interruptions / minutes
	}
	if moodTotal > 0 {
		for _, m := range models.Moods {
			if moodCounts[m] > 0 {
				vec.MoodDist[m] = moodCounts[m] / moodTotal
			}
		}
	}

	if taskID != nil && a.steps != nil {
		velocity, err := a.completionVelocity(ctx, *taskID, asOf)
		if err != nil {
			return Vector{}, err
		}
		vec.CompletionVelocity = velocity
	}

	return vec, nil
}

// completionVelocity is completed steps per day over the task's lifetime,
// measured from the earliest step to asOf.
func (a *Aggregator) completionVelocity(ctx context.Context, taskID string, asOf time.Time) (float64, error) {
	steps, err := a.steps.StepsForTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if len(steps) == 0 {
		return 0, nil
	}
	birth := steps[0].CreatedAt
	completed := 0
	for _, st := range steps {
		if st.CreatedAt.Before(birth) {
			birth = st.CreatedAt
		}
		if st.Status == models.StepCompleted && st.CompletedAt != nil && !st.CompletedAt.After(asOf) {
			completed++
		}
	}
	elapsed := asOf.Sub(birth)
	if elapsed < time.Hour {
		elapsed = time.Hour
	}
	return float64(completed) / (elapsed.Hours() / 24), nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
