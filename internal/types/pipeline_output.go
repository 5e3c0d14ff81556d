package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PipelineOutput holds the result of a completed stage. Rows are append-only:
// written once on completion, soft-deleted at most, never updated.
type PipelineOutput struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StageID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"stage_id"`
	Content     string         `gorm:"column:content" json:"content"`
	Data        datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`
	StartSecond *int           `gorm:"column:start_second" json:"start_second,omitempty"`
	EndSecond   *int           `gorm:"column:end_second" json:"end_second,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (PipelineOutput) TableName() string { return "pipeline_output" }

func (o *PipelineOutput) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
