package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/types"
)

type PipelineOutputRepo interface {
	Create(ctx context.Context, tx *gorm.DB, output *types.PipelineOutput) (*types.PipelineOutput, error)
	GetByStageID(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) (*types.PipelineOutput, error)
}

type pipelineOutputRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineOutputRepo(db *gorm.DB, baseLog *logger.Logger) PipelineOutputRepo {
	return &pipelineOutputRepo{db: db, log: baseLog.With("repo", "PipelineOutputRepo")}
}

func (r *pipelineOutputRepo) Create(ctx context.Context, tx *gorm.DB, output *types.PipelineOutput) (*types.PipelineOutput, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if output == nil {
		return nil, nil
	}
	if err := transaction.WithContext(ctx).Create(output).Error; err != nil {
		return nil, err
	}
	return output, nil
}

func (r *pipelineOutputRepo) GetByStageID(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) (*types.PipelineOutput, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var output types.PipelineOutput
	err := transaction.WithContext(ctx).
		Where("stage_id = ?", stageID).
		Order("created_at DESC").
		First(&output).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &output, nil
}
