package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/types"
)

type LLMMetricRepo interface {
	Create(ctx context.Context, tx *gorm.DB, metrics []*types.LLMMetric) ([]*types.LLMMetric, error)
}

type llmMetricRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLLMMetricRepo(db *gorm.DB, baseLog *logger.Logger) LLMMetricRepo {
	return &llmMetricRepo{db: db, log: baseLog.With("repo", "LLMMetricRepo")}
}

func (r *llmMetricRepo) Create(ctx context.Context, tx *gorm.DB, metrics []*types.LLMMetric) ([]*types.LLMMetric, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(metrics) == 0 {
		return []*types.LLMMetric{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&metrics).Error; err != nil {
		return nil, err
	}
	return metrics, nil
}
