package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type StageKind string

const (
	StageKindSTT      StageKind = "STT"
	StageKindContext  StageKind = "CONTEXT"
	StageKindNoteback StageKind = "NOTEBACK"
)

type StageStatus string

const (
	StageStatusPending    StageStatus = "PENDING"
	StageStatusInProgress StageStatus = "IN_PROGRESS"
	StageStatusCompleted  StageStatus = "COMPLETED"
	StageStatusFailed     StageStatus = "FAILED"
)

// PipelineStage is the ledger row for one unit of pipeline work. Exactly one
// row exists per (job_id, stage_kind); the row is created by the job admission
// flow and mutated only through PipelineStageRepo.
type PipelineStage struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex:idx_stage_job_kind;index" json:"job_id"`
	StageKind     StageKind   `gorm:"column:stage_kind;not null;uniqueIndex:idx_stage_job_kind" json:"stage_kind"`
	Status        StageStatus `gorm:"column:status;not null;index" json:"status"`
	AttemptCount  int         `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	LastHeartbeat *time.Time  `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	ErrorMessage  string      `gorm:"column:error_message" json:"error_message,omitempty"`
	StartedAt     *time.Time  `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time  `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time   `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"not null" json:"updated_at"`
}

func (PipelineStage) TableName() string { return "pipeline_stage" }

func (s *PipelineStage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
