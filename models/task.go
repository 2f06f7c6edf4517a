package models

import (
	"time"
)

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Multiplier is the tie-break factor a priority contributes to scheduling
// scores. Unknown values fall back to the medium weight.
func (p TaskPriority) Multiplier() float64 {
	switch p {
	case PriorityHigh:
		return 1.25
	case PriorityLow:
		return 0.8
	default:
		return 1.0
	}
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

type EnergyLevel string

const (
	EnergyLow    EnergyLevel = "low"
	EnergyMedium EnergyLevel = "medium"
	EnergyHigh   EnergyLevel = "high"
)

// Score maps a categorical energy requirement onto the same [0,1] scale the
// telemetry energy trend uses, so the two can be compared directly.
func (e EnergyLevel) Score() float64 {
	switch e {
	case EnergyLow:
		return 0.25
	case EnergyHigh:
		return 0.75
	default:
		return 0.5
	}
}

// Task is the unit of work suggestions and plans hang off of. Owned by
// exactly one user; plan steps and suggestions cascade with it.
type Task struct {
	ID          string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID      string       `gorm:"type:varchar(36);index;not null" json:"user_id"`
	Title       string       `gorm:"type:varchar(255);not null" json:"title"`
	Description string       `gorm:"type:text" json:"description"`
	Priority    TaskPriority `gorm:"type:varchar(20);default:'medium'" json:"priority"`
	Status      TaskStatus   `gorm:"type:varchar(20);default:'pending'" json:"status"`
	DueDate     *time.Time   `json:"dueDate,omitempty"`
	EstMinutes  *int         `json:"estMinutes,omitempty"`
	EnergyReq   *EnergyLevel `gorm:"type:varchar(20)" json:"energyReq,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (t *Task) IsOpen() bool {
	return t.Status == TaskPending || t.Status == TaskInProgress
}
