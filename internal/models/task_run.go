package models

import (
	"time"
)

type TaskRunStatus string

const (
	TaskRunSucceeded TaskRunStatus = "succeeded"
	TaskRunFailed    TaskRunStatus = "failed"
)

// TaskRun tracks one execution of a worker task
type TaskRun struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TaskName  string                 `gorm:"type:varchar(255);index" json:"task_name"`
	RunAt     time.Time              `json:"run_at"`
	Runtime   int64                  `json:"runtime"` // milliseconds
	Status    TaskRunStatus          `gorm:"type:varchar(50)" json:"status"`
	Arguments map[string]interface{} `gorm:"serializer:json" json:"arguments"`
	Result    map[string]interface{} `gorm:"serializer:json" json:"result"`
	Error     string                 `gorm:"type:text" json:"error,omitempty"`
}
