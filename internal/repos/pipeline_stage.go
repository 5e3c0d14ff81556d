package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/types"
)

type CheckoutDecision string

const (
	DecisionProceed           CheckoutDecision = "proceed"
	DecisionAlreadyInProgress CheckoutDecision = "already_in_progress"
	DecisionAlreadyCompleted  CheckoutDecision = "already_completed"
	DecisionAttemptsExhausted CheckoutDecision = "attempts_exhausted"
	DecisionNoSuchStage       CheckoutDecision = "no_such_stage"
)

// ErrAttemptsExceeded is the standardized ledger message written when a stage
// runs out of retry budget, regardless of what the prior failures were.
const ErrAttemptsExceeded = "attempts exceeded: maximum retry attempts exhausted"

type CheckoutPolicy struct {
	// MaxAttempts caps attempt_count; a checkout at or past the cap marks the
	// stage FAILED instead of claiming it.
	MaxAttempts int
	// StaleAfter is how old an IN_PROGRESS heartbeat may be before the stage
	// is treated as abandoned by a dead worker and becomes claimable again.
	StaleAfter time.Duration
}

type CheckoutResult struct {
	Decision CheckoutDecision
	Stage    *types.PipelineStage
	// Output is set only for DecisionAlreadyCompleted.
	Output *types.PipelineOutput
}

type PipelineStageRepo interface {
	GetByJobAndKind(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, kind types.StageKind) (*types.PipelineStage, error)
	// Checkout atomically claims a stage for execution, recording the attempt.
	// Exactly one of two concurrent checkouts on the same claimable stage wins.
	Checkout(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, kind types.StageKind, policy CheckoutPolicy) (*CheckoutResult, error)
	MarkCompleted(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) error
	MarkFailed(ctx context.Context, tx *gorm.DB, stageID uuid.UUID, errorMessage string) error
	// MarkRetryable records a transient failure: the stage stays IN_PROGRESS
	// with its attempt count, but the heartbeat is cleared so the next
	// delivery can reclaim it without waiting out the staleness window.
	MarkRetryable(ctx context.Context, tx *gorm.DB, stageID uuid.UUID, errorMessage string) error
	Heartbeat(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) error
}

type pipelineStageRepo struct {
	db      *gorm.DB
	log     *logger.Logger
	outputs PipelineOutputRepo
}

func NewPipelineStageRepo(db *gorm.DB, baseLog *logger.Logger, outputs PipelineOutputRepo) PipelineStageRepo {
	return &pipelineStageRepo{
		db:      db,
		log:     baseLog.With("repo", "PipelineStageRepo"),
		outputs: outputs,
	}
}

func (r *pipelineStageRepo) GetByJobAndKind(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, kind types.StageKind) (*types.PipelineStage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var stage types.PipelineStage
	err := transaction.WithContext(ctx).
		Where("job_id = ? AND stage_kind = ?", jobID, kind).
		First(&stage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

func (r *pipelineStageRepo) Checkout(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, kind types.StageKind, policy CheckoutPolicy) (*CheckoutResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}

	var result *CheckoutResult
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var stage types.PipelineStage
		qErr := txx.Where("job_id = ? AND stage_kind = ?", jobID, kind).First(&stage).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			result = &CheckoutResult{Decision: DecisionNoSuchStage}
			return nil
		}
		if qErr != nil {
			return qErr
		}

		now := time.Now()

		switch stage.Status {
		case types.StageStatusInProgress:
			if !r.isStale(&stage, policy, now) {
				result = &CheckoutResult{Decision: DecisionAlreadyInProgress, Stage: &stage}
				return nil
			}
			// No live heartbeat: either the prior attempt failed transiently
			// or its worker died. Either way the stage falls through to reclaim.
			r.log.Info("Reclaiming IN_PROGRESS stage without live heartbeat",
				"stage_id", stage.ID, "job_id", jobID, "stage_kind", kind,
				"last_heartbeat", stage.LastHeartbeat)
		case types.StageStatusCompleted:
			output, oErr := r.outputs.GetByStageID(ctx, txx, stage.ID)
			if oErr != nil {
				return oErr
			}
			if output != nil {
				result = &CheckoutResult{Decision: DecisionAlreadyCompleted, Stage: &stage, Output: output}
				return nil
			}
			// COMPLETED without a persisted output is an inconsistency; allow
			// re-execution rather than failing silently.
			r.log.Warn("Stage marked COMPLETED but output row missing, re-executing",
				"stage_id", stage.ID, "job_id", jobID, "stage_kind", kind)
		case types.StageStatusFailed:
			result = &CheckoutResult{Decision: DecisionAttemptsExhausted, Stage: &stage}
			return nil
		}

		if stage.AttemptCount >= policy.MaxAttempts {
			uErr := txx.Model(&types.PipelineStage{}).
				Where("id = ?", stage.ID).
				Updates(map[string]interface{}{
					"status":         types.StageStatusFailed,
					"error_message":  ErrAttemptsExceeded,
					"last_heartbeat": now,
					"updated_at":     now,
				}).Error
			if uErr != nil {
				return uErr
			}
			stage.Status = types.StageStatusFailed
			stage.ErrorMessage = ErrAttemptsExceeded
			result = &CheckoutResult{Decision: DecisionAttemptsExhausted, Stage: &stage}
			return nil
		}

		// Claim via guarded compare-and-set: of two deliveries that both read
		// the row above, only one can match status+attempt_count here.
		claim := txx.Model(&types.PipelineStage{}).
			Where("id = ? AND status = ? AND attempt_count = ?", stage.ID, stage.Status, stage.AttemptCount).
			Updates(map[string]interface{}{
				"status":         types.StageStatusInProgress,
				"attempt_count":  gorm.Expr("attempt_count + 1"),
				"started_at":     now,
				"last_heartbeat": now,
				"updated_at":     now,
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			result = &CheckoutResult{Decision: DecisionAlreadyInProgress, Stage: &stage}
			return nil
		}

		stage.Status = types.StageStatusInProgress
		stage.AttemptCount++
		stage.StartedAt = &now
		stage.LastHeartbeat = &now
		stage.UpdatedAt = now
		result = &CheckoutResult{Decision: DecisionProceed, Stage: &stage}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *pipelineStageRepo) isStale(stage *types.PipelineStage, policy CheckoutPolicy, now time.Time) bool {
	if policy.StaleAfter <= 0 {
		return false
	}
	if stage.LastHeartbeat == nil {
		return true
	}
	return stage.LastHeartbeat.Before(now.Add(-policy.StaleAfter))
}

func (r *pipelineStageRepo) MarkCompleted(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.PipelineStage{}).
		Where("id = ? AND status = ?", stageID, types.StageStatusInProgress).
		Updates(map[string]interface{}{
			"status":         types.StageStatusCompleted,
			"error_message":  "",
			"completed_at":   now,
			"last_heartbeat": now,
			"updated_at":     now,
		}).Error
}

func (r *pipelineStageRepo) MarkFailed(ctx context.Context, tx *gorm.DB, stageID uuid.UUID, errorMessage string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.PipelineStage{}).
		Where("id = ? AND status = ?", stageID, types.StageStatusInProgress).
		Updates(map[string]interface{}{
			"status":         types.StageStatusFailed,
			"error_message":  errorMessage,
			"last_heartbeat": now,
			"updated_at":     now,
		}).Error
}

func (r *pipelineStageRepo) MarkRetryable(ctx context.Context, tx *gorm.DB, stageID uuid.UUID, errorMessage string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.PipelineStage{}).
		Where("id = ? AND status = ?", stageID, types.StageStatusInProgress).
		Updates(map[string]interface{}{
			"error_message":  errorMessage,
			"last_heartbeat": nil,
			"updated_at":     time.Now(),
		}).Error
}

func (r *pipelineStageRepo) Heartbeat(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.PipelineStage{}).
		Where("id = ? AND status = ?", stageID, types.StageStatusInProgress).
		Updates(map[string]interface{}{
			"last_heartbeat": now,
			"updated_at":     now,
		}).Error
}
