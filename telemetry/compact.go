package telemetry

import (
	"context"
	"sort"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/DuvanRCuero/SmartFlow-Ai/models"
	"github.com/DuvanRCuero/SmartFlow-Ai/utils"
)

// Compact downsamples every bucket that ended before olderThan into
// per-window rollups and drops the raw rows, one transaction per bucket so a
// failure never leaves a bucket half raw, half rolled up. Returns the number
// of rollup rows written.
func (in *Ingest) Compact(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := in.bucketStart(olderThan.Add(-in.bucket)) + 1
	type target struct {
		UserID string
		Bucket int64
	}
	var targets []target
	err := in.db.WithContext(ctx).
		Model(&models.ProductivityLog{}).
		Distinct("user_id", "bucket").
		Where("bucket < ?", cutoff).
		Order("bucket ASC").
		Find(&targets).Error
	if err != nil {
		return 0, err
	}

	total := 0
	for _, tgt := range targets {
		n, err := in.compactBucket(ctx, tgt.UserID, tgt.Bucket)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		in.log.Infow("telemetry compacted", "buckets", len(targets), "rollups", total)
	}
	return total, nil
}

type rollupKey struct {
	task   string // "" for user-level events
	window int64
}

func (in *Ingest) compactBucket(ctx context.Context, userID string, bucket int64) (int, error) {
	written := 0
	err := in.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var events []models.ProductivityLog
		if err := tx.Where("user_id = ? AND bucket = ?", userID, bucket).
			Order("ts ASC, id ASC").
			Find(&events).Error; err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		groups := make(map[rollupKey][]models.ProductivityLog)
		var keys []rollupKey
		for _, ev := range events {
			k := rollupKey{window: ev.Ts.Truncate(in.rollupWindow).Unix()}
			if ev.TaskID != nil {
				k.task = *ev.TaskID
			}
			if _, ok := groups[k]; !ok {
				keys = append(keys, k)
			}
			groups[k] = append(groups[k], ev)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].window != keys[j].window {
				return keys[i].window < keys[j].window
			}
			return keys[i].task < keys[j].task
		})

		now := in.clock.Now()
		for _, k := range keys {
			roll := in.buildRollup(userID, bucket, k, groups[k], now)
			if err := tx.Create(&roll).Error; err != nil {
				return err
			}
			written++
		}

		return tx.Where("user_id = ? AND bucket = ?", userID, bucket).
			Delete(&models.ProductivityLog{}).Error
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (in *Ingest) buildRollup(userID string, bucket int64, k rollupKey, events []models.ProductivityLog, now time.Time) models.TelemetryRollup {
	focus := make([]float64, 0, len(events))
	var energySum, minutes float64
	var interruptions int
	moods := map[string]interface{}{}
	for _, ev := range events {
		focus = append(focus, ev.FocusScore)
		energySum += ev.EnergyLevel
		minutes += ev.SessionMinutes
		interruptions += ev.Interruptions
		cur, _ := moods[string(ev.Mood)].(int)
		moods[string(ev.Mood)] = cur + 1
	}
	sort.Float64s(focus)

	var taskID *string
	if k.task != "" {
		t := k.task
		taskID = &t
	}
	start := time.Unix(k.window, 0).UTC()
	return models.TelemetryRollup{
		ID:             utils.GenerateID(),
		UserID:         userID,
		TaskID:         taskID,
		Bucket:         bucket,
		WindowStart:    start,
		WindowEnd:      start.Add(in.rollupWindow),
		SampleCount:    len(events),
		FocusMean:      mean(focus),
		FocusMedian:    percentile(focus, 0.5),
		FocusP90:       percentile(focus, 0.9),
		EnergyMean:     energySum / float64(len(events)),
		SessionMinutes: minutes,
		Interruptions:  interruptions,
		MoodCounts:     datatypes.JSONMap(moods),
		CreatedAt:      now,
	}
}

// PruneRollups bulk-deletes rollups whose window ended before olderThan.
func (in *Ingest) PruneRollups(ctx context.Context, olderThan time.Time) (int64, error) {
	res := in.db.WithContext(ctx).
		Where("window_end < ?", olderThan.UTC()).
		Delete(&models.TelemetryRollup{})
	return res.RowsAffected, res.Error
}

func mean(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

// percentile takes an ascending slice and the nearest-rank percentile.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
