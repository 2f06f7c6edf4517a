package models

import (
	"time"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
)

func ValidStepStatus(s StepStatus) bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepSkipped:
		return true
	}
	return false
}

// PlanStep is one node in a task's hierarchical breakdown. ParentID forms a
// forest within the same task; StepOrder is dense and unique per task, which
// the composite unique index enforces at the storage boundary too.
type PlanStep struct {
	ID            string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	TaskID        string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_task_step_order" json:"task_id"`
	ParentID      *string    `gorm:"type:varchar(36);index" json:"parent_id,omitempty"`
	StepOrder     int        `gorm:"not null;uniqueIndex:idx_task_step_order" json:"stepOrder"`
	Text          string     `gorm:"type:text;not null" json:"text"`
	Status        StepStatus `gorm:"type:varchar(20);default:'pending'" json:"status"`
	EstMinutes    *int       `json:"estMinutes,omitempty"`
	ActualMinutes *int       `json:"actualMinutes,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (PlanStep) TableName() string {
	return "plan_steps"
}
