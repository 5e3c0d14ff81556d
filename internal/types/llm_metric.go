package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LLMMetric records usage and cost data for a single generation call. One row
// is written per call, immediately after the call returns, independent of
// whether the owning stage ultimately succeeds.
type LLMMetric struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID            uuid.UUID  `gorm:"type:uuid;not null;index" json:"job_id"`
	AudioID          *uuid.UUID `gorm:"type:uuid;index" json:"audio_id,omitempty"`
	StageID          uuid.UUID  `gorm:"type:uuid;not null;index" json:"stage_id"`
	CallKind         string     `gorm:"column:call_kind;not null" json:"call_kind"`
	InputTokens      int        `gorm:"column:input_tokens;not null;default:0" json:"input_tokens"`
	PromptTokens     int        `gorm:"column:prompt_tokens;not null;default:0" json:"prompt_tokens"`
	TotalInputTokens int        `gorm:"column:total_input_tokens;not null;default:0" json:"total_input_tokens"`
	OutputTokens     int        `gorm:"column:output_tokens;not null;default:0" json:"output_tokens"`
	ThoughtTokens    int        `gorm:"column:thought_tokens;not null;default:0" json:"thought_tokens"`
	ConfidenceScore  *float64   `gorm:"column:confidence_score" json:"confidence_score,omitempty"`
	ElapsedTime      float64    `gorm:"column:elapsed_time;not null;default:0" json:"elapsed_time"`
	CreatedAt        time.Time  `gorm:"not null" json:"created_at"`
}

func (LLMMetric) TableName() string { return "llm_metric" }

func (m *LLMMetric) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
