package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/types"
)

// ScoredSentence is one hybrid-search hit. CombinedScore blends normalized
// similarity, importance, and recency; see services.CombinedScore for the
// formula the SQL below mirrors.
type ScoredSentence struct {
	SentenceIndex   int     `gorm:"column:sentence_index" json:"sentence_index"`
	SentenceText    string  `gorm:"column:sentence_text" json:"sentence_text"`
	Distance        float64 `gorm:"column:distance" json:"distance"`
	ImportanceScore float64 `gorm:"column:importance_score" json:"importance_score"`
	TimestampEpoch  float64 `gorm:"column:ts_epoch" json:"timestamp_epoch"`
	CombinedScore   float64 `gorm:"column:combined_score" json:"combined_score"`
}

type SentenceEmbeddingRepo interface {
	// Insert bulk-writes sentence rows, ignoring conflicts on the
	// (user_id, note_id, sentence_index) key so re-ingestion is idempotent.
	Insert(ctx context.Context, tx *gorm.DB, sentences []*types.SentenceEmbedding) error
	// SearchHybrid ranks a user's sentences against the query vector in a
	// single statement: per-user normalization stats and the weighted score
	// are computed store-side so ranking and limiting stay consistent.
	SearchHybrid(ctx context.Context, tx *gorm.DB, userID uuid.UUID, queryVec pgvector.Vector, topK int) ([]ScoredSentence, error)
	DeleteByNote(ctx context.Context, tx *gorm.DB, userID, noteID uuid.UUID) error
}

type sentenceEmbeddingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSentenceEmbeddingRepo(db *gorm.DB, baseLog *logger.Logger) SentenceEmbeddingRepo {
	return &sentenceEmbeddingRepo{db: db, log: baseLog.With("repo", "SentenceEmbeddingRepo")}
}

func (r *sentenceEmbeddingRepo) Insert(ctx context.Context, tx *gorm.DB, sentences []*types.SentenceEmbedding) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(sentences) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&sentences).Error
}

// A zero normalizer denominator (single candidate, or all-equal importances
// or timestamps) nulls out via NULLIF and the COALESCE pins that term to 0,
// so the score never divides by zero and never turns NULL.
const hybridSearchSQL = `
WITH ranked_notes AS (
    SELECT
        sentence_index,
        sentence_text,
        embedding <=> ? AS distance,
        importance_score,
        EXTRACT(EPOCH FROM timestamp) AS ts_epoch
    FROM sentence_embedding
    WHERE user_id = ?
),
stats AS (
    SELECT
        MAX(importance_score) AS max_importance,
        MIN(ts_epoch) AS min_ts,
        MAX(ts_epoch) AS max_ts
    FROM ranked_notes
)
SELECT
    rn.sentence_index,
    rn.sentence_text,
    rn.distance,
    rn.importance_score,
    rn.ts_epoch,
    (1 / (1 + rn.distance)) * 0.6 +
    COALESCE(rn.importance_score / NULLIF(s.max_importance, 0), 0) * 0.2 +
    COALESCE((rn.ts_epoch - s.min_ts) / NULLIF(s.max_ts - s.min_ts, 0), 0) * 0.2 AS combined_score
FROM ranked_notes rn
CROSS JOIN stats s
ORDER BY combined_score DESC
LIMIT ?
`

func (r *sentenceEmbeddingRepo) SearchHybrid(ctx context.Context, tx *gorm.DB, userID uuid.UUID, queryVec pgvector.Vector, topK int) ([]ScoredSentence, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if topK <= 0 {
		topK = 5
	}
	var results []ScoredSentence
	err := transaction.WithContext(ctx).
		Raw(hybridSearchSQL, queryVec, userID, topK).
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *sentenceEmbeddingRepo) DeleteByNote(ctx context.Context, tx *gorm.DB, userID, noteID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("user_id = ? AND note_id = ?", userID, noteID).
		Delete(&types.SentenceEmbedding{}).Error
}
