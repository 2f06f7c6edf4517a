// Package telemetry is the append-only intake for productivity and activity
// events. Rows land in time buckets so range scans touch only the buckets
// overlapping the query, and retention compacts whole buckets into rollups
// without touching recent data.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/DuvanRCuero/SmartFlow-Ai/models"
	"github.com/DuvanRCuero/SmartFlow-Ai/utils"
)

var ErrOutOfRange = errors.New("telemetry: value out of range")

// ProductivityEvent is the inbound shape for Record. Ts defaults to the
// ingest clock when zero.
type ProductivityEvent struct {
	UserID         string
	TaskID         *string
	Ts             time.Time
	FocusScore     float64
	EnergyLevel    float64
	SessionMinutes float64
	Interruptions  int
	Mood           models.Mood
}

// ActivityEvent is the inbound shape for the audit trail.
type ActivityEvent struct {
	UserID string
	TaskID *string
	Ts     time.Time
	Action string
	Detail map[string]interface{}
}

// RangeResult stitches the two storage regimes: raw events still inside the
// retention horizon and rollups for compacted history. Both slices are
// time-ordered; either may be empty.
type RangeResult struct {
	Events  []models.ProductivityLog
	Rollups []models.TelemetryRollup
}

type Ingest struct {
	db           *gorm.DB
	clock        utils.Clock
	log          *zap.SugaredLogger
	bucket       time.Duration
	rollupWindow time.Duration
}

func New(db *gorm.DB, clock utils.Clock, log *zap.SugaredLogger, bucket, rollupWindow time.Duration) *Ingest {
	if bucket <= 0 {
		bucket = 24 * time.Hour
	}
	if rollupWindow <= 0 {
		rollupWindow = time.Hour
	}
	return &Ingest{db: db, clock: clock, log: log, bucket: bucket, rollupWindow: rollupWindow}
}

func (in *Ingest) bucketStart(ts time.Time) int64 {
	return ts.UTC().Truncate(in.bucket).Unix()
}

func validate(ev ProductivityEvent) error {
	if ev.FocusScore < 0 || ev.FocusScore > 1 {
		return fmt.Errorf("%w: focus_score %v", ErrOutOfRange, ev.FocusScore)
	}
	if ev.EnergyLevel < 0 || ev.EnergyLevel > 1 {
		return fmt.Errorf("%w: energy_level %v", ErrOutOfRange, ev.EnergyLevel)
	}
	if ev.SessionMinutes < 0 {
		return fmt.Errorf("%w: session_minutes %v", ErrOutOfRange, ev.SessionMinutes)
	}
	if ev.Interruptions < 0 {
		return fmt.Errorf("%w: interruptions %d", ErrOutOfRange, ev.Interruptions)
	}
	if !models.ValidMood(ev.Mood) {
		return fmt.Errorf("%w: mood %q", ErrOutOfRange, ev.Mood)
	}
	return nil
}

// Record validates and appends one productivity event. The write path never
// reads existing rows, so concurrent writers do not contend.
func (in *Ingest) Record(ctx context.Context, ev ProductivityEvent) (*models.ProductivityLog, error) {
	if err := validate(ev); err != nil {
		return nil, err
	}
	ts := ev.Ts
	if ts.IsZero() {
		ts = in.clock.Now()
	}
	row := models.ProductivityLog{
		ID:             utils.GenerateID(),
		UserID:         ev.UserID,
		TaskID:         ev.TaskID,
		Ts:             ts.UTC(),
		Bucket:         in.bucketStart(ts),
		FocusScore:     ev.FocusScore,
		EnergyLevel:    ev.EnergyLevel,
		SessionMinutes: ev.SessionMinutes,
		Interruptions:  ev.Interruptions,
		Mood:           ev.Mood,
	}
	if err := in.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// RecordBatch appends every valid event and reports per-event errors indexed
// like the input. A bad event never aborts the rest of the batch.
func (in *Ingest) RecordBatch(ctx context.Context, evs []ProductivityEvent) ([]*models.ProductivityLog, []error) {
	rows := make([]*models.ProductivityLog, len(evs))
	errs := make([]error, len(evs))
	for i, ev := range evs {
		rows[i], errs[i] = in.Record(ctx, ev)
	}
	return rows, errs
}

// RecordActivity appends one audit event under its composite (id, ts) key.
func (in *Ingest) RecordActivity(ctx context.Context, ev ActivityEvent) (*models.ActivityLog, error) {
	if ev.Action == "" {
		return nil, fmt.Errorf("%w: empty action", ErrOutOfRange)
	}
	ts := ev.Ts
	if ts.IsZero() {
		ts = in.clock.Now()
	}
	row := models.ActivityLog{
		ID:     utils.GenerateID(),
		Ts:     ts.UTC(),
		UserID: ev.UserID,
		TaskID: ev.TaskID,
		Action: ev.Action,
		Detail: ev.Detail,
	}
	if err := in.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// QueryRange returns everything recorded for the user in [start, end),
// optionally narrowed to one task, stitching raw events and rollups. The scan
// is bounded by the bucket index, never the whole table.
func (in *Ingest) QueryRange(ctx context.Context, userID string, taskID *string, start, end time.Time) (RangeResult, error) {
	var res RangeResult
	if !end.After(start) {
		return res, nil
	}
	b0 := in.bucketStart(start)

	q := in.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("bucket >= ? AND bucket < ?", b0, end.UTC().Unix()).
		Where("ts >= ? AND ts < ?", start.UTC(), end.UTC())
	if taskID != nil {
		q = q.Where("task_id = ?", *taskID)
	}
	if err := q.Order("ts ASC").Find(&res.Events).Error; err != nil {
		return RangeResult{}, err
	}

	r := in.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("window_end > ? AND window_start < ?", start.UTC(), end.UTC())
	if taskID != nil {
		r = r.Where("task_id = ?", *taskID)
	}
	if err := r.Order("window_start ASC").Find(&res.Rollups).Error; err != nil {
		return RangeResult{}, err
	}
	return res, nil
}

// QueryActivity returns the audit trail for the user in [start, end).
func (in *Ingest) QueryActivity(ctx context.Context, userID string, taskID *string, start, end time.Time) ([]models.ActivityLog, error) {
	var out []models.ActivityLog
	q := in.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("ts >= ? AND ts < ?", start.UTC(), end.UTC())
	if taskID != nil {
		q = q.Where("task_id = ?", *taskID)
	}
	err := q.Order("ts ASC").Find(&out).Error
	return out, err
}
