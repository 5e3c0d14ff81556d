package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingDimensions is the fixed dimensionality of stored sentence vectors.
// The embedding client requests the same dimensionality, so a mismatch fails
// at insert time rather than silently skewing distances.
const EmbeddingDimensions = 1536

// SentenceEmbedding is one indexed sentence of a user's note, with the
// metadata the hybrid ranking reads: importance weight and timestamp.
type SentenceEmbedding struct {
	UserID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"user_id"`
	NoteID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"note_id"`
	SentenceIndex   int             `gorm:"column:sentence_index;primaryKey" json:"sentence_index"`
	SentenceText    string          `gorm:"column:sentence_text;not null" json:"sentence_text"`
	Embedding       pgvector.Vector `gorm:"type:vector(1536)" json:"-"`
	Language        string          `gorm:"column:language;not null;default:'en'" json:"language"`
	ImportanceScore float64         `gorm:"column:importance_score;not null;default:0" json:"importance_score"`
	Timestamp       time.Time       `gorm:"column:timestamp;not null" json:"timestamp"`
}

func (SentenceEmbedding) TableName() string { return "sentence_embedding" }
