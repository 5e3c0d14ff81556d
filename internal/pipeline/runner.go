package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/repos"
	"github.com/notesmith/engine/internal/types"
)

// OutcomeKind summarizes a delivery for the transport layer. Everything but a
// transient failure acknowledges the message: duplicates and drops are final,
// and a fatal failure will not improve on redelivery.
type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeDuplicate       OutcomeKind = "duplicate"
	OutcomeDropped         OutcomeKind = "dropped"
	OutcomeFailedFatal     OutcomeKind = "failed_fatal"
	OutcomeFailedTransient OutcomeKind = "failed_transient"
)

type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func (o *Outcome) ShouldAck() bool {
	return o.Kind != OutcomeFailedTransient
}

// StageNotice is the outcome report sent upstream. Delivery is best-effort
// and may repeat; receivers key on (job_id, stage_kind, status).
type StageNotice struct {
	JobID        uuid.UUID
	UserID       uuid.UUID
	NoteID       *uuid.UUID
	StageKind    types.StageKind
	Output       map[string]any
	ErrorMessage string
}

type Notifier interface {
	StageCompleted(ctx context.Context, notice *StageNotice)
	StageFailed(ctx context.Context, notice *StageNotice)
}

type RunnerConfig struct {
	Policy            repos.CheckoutPolicy
	HeartbeatInterval time.Duration
}

// Runner drives one stage execution end to end: claim the ledger row, run the
// registered step, persist output and metrics, settle the row, and report
// upstream. It owns the retry semantics; steps only compute.
type Runner struct {
	log      *logger.Logger
	cfg      RunnerConfig
	registry *Registry
	stages   repos.PipelineStageRepo
	outputs  repos.PipelineOutputRepo
	metrics  repos.LLMMetricRepo
	notifier Notifier
}

func NewRunner(
	log *logger.Logger,
	cfg RunnerConfig,
	registry *Registry,
	stages repos.PipelineStageRepo,
	outputs repos.PipelineOutputRepo,
	metrics repos.LLMMetricRepo,
	notifier Notifier,
) *Runner {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = 3
	}
	if cfg.Policy.StaleAfter <= 0 {
		cfg.Policy.StaleAfter = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Runner{
		log:      log.With("service", "PipelineRunner"),
		cfg:      cfg,
		registry: registry,
		stages:   stages,
		outputs:  outputs,
		metrics:  metrics,
		notifier: notifier,
	}
}

// Execute processes one delivery. It never returns an error for step
// failures; those are folded into the outcome so the transport layer can map
// them to an acknowledgement decision.
func (r *Runner) Execute(ctx context.Context, req *StageRequest) *Outcome {
	runLog := r.log.With("job_id", req.JobID, "stage_kind", req.StageKind)

	if err := req.Validate(); err != nil {
		runLog.Error("Dropping invalid stage request", "error", err)
		return &Outcome{Kind: OutcomeDropped, Err: err}
	}

	checkout, err := r.stages.Checkout(ctx, nil, req.JobID, req.StageKind, r.cfg.Policy)
	if err != nil {
		runLog.Error("Stage checkout failed", "error", err)
		return &Outcome{Kind: OutcomeFailedTransient, Err: Transient("stage checkout failed", err)}
	}

	switch checkout.Decision {
	case repos.DecisionNoSuchStage:
		runLog.Error("No ledger row for stage request, dropping")
		return &Outcome{Kind: OutcomeDropped, Err: Fatalf("no such stage for job %s kind %s", req.JobID, req.StageKind)}
	case repos.DecisionAlreadyInProgress:
		runLog.Info("Stage already in progress elsewhere, acknowledging duplicate")
		return &Outcome{Kind: OutcomeDuplicate}
	case repos.DecisionAlreadyCompleted:
		runLog.Info("Stage already completed, re-reporting stored output")
		r.notifier.StageCompleted(ctx, r.noticeFromOutput(req, checkout.Output))
		return &Outcome{Kind: OutcomeDuplicate}
	case repos.DecisionAttemptsExhausted:
		runLog.Warn("Stage out of retry budget, dropping", "attempt_count", checkout.Stage.AttemptCount)
		r.notifier.StageFailed(ctx, r.notice(req, nil, checkout.Stage.ErrorMessage))
		return &Outcome{Kind: OutcomeDropped, Err: Fatalf("%s", checkout.Stage.ErrorMessage)}
	}

	stage := checkout.Stage
	runLog = runLog.With("stage_id", stage.ID, "attempt", stage.AttemptCount)
	runLog.Info("Stage claimed, executing")

	step, ok := r.registry.Get(req.StageKind)
	if !ok {
		// A claim without an implementation is a deployment bug; fail the row
		// so the job does not wedge in IN_PROGRESS.
		err := Fatalf("no step registered for stage kind %q", req.StageKind)
		r.settleFailure(ctx, runLog, req, stage, err)
		return &Outcome{Kind: OutcomeFailedFatal, Err: err}
	}

	stopHeartbeat := r.startHeartbeat(ctx, stage.ID)
	defer stopHeartbeat()

	sc := &StepContext{Request: req, Stage: stage, Log: runLog}
	result, stepErr := r.runStep(ctx, step, sc)

	// Usage metrics are kept even when the stage fails; partial work still
	// consumed tokens.
	r.flushMetrics(ctx, runLog, req, stage, sc.drainMetrics())

	if stepErr != nil {
		stepErr = Classify(stepErr)
		if IsFatal(stepErr) {
			r.settleFailure(ctx, runLog, req, stage, stepErr)
			return &Outcome{Kind: OutcomeFailedFatal, Err: stepErr}
		}
		runLog.Warn("Stage failed transiently, releasing for retry", "error", stepErr)
		if markErr := r.stages.MarkRetryable(ctx, nil, stage.ID, stepErr.Error()); markErr != nil {
			runLog.Error("Failed to release stage for retry", "error", markErr)
		}
		return &Outcome{Kind: OutcomeFailedTransient, Err: stepErr}
	}

	output, persistErr := r.persistOutput(ctx, stage.ID, result)
	if persistErr != nil {
		runLog.Error("Failed to persist stage output, releasing for retry", "error", persistErr)
		if markErr := r.stages.MarkRetryable(ctx, nil, stage.ID, persistErr.Error()); markErr != nil {
			runLog.Error("Failed to release stage for retry", "error", markErr)
		}
		return &Outcome{Kind: OutcomeFailedTransient, Err: Transient("output persistence failed", persistErr)}
	}

	if err := r.stages.MarkCompleted(ctx, nil, stage.ID); err != nil {
		runLog.Error("Failed to mark stage completed", "error", err)
		return &Outcome{Kind: OutcomeFailedTransient, Err: Transient("stage completion failed", err)}
	}

	runLog.Info("Stage completed")
	r.notifier.StageCompleted(ctx, r.noticeFromOutput(req, output))
	return &Outcome{Kind: OutcomeCompleted}
}

// runStep isolates step panics; a panicking step is treated as a transient
// failure rather than taking the worker down.
func (r *Runner) runStep(ctx context.Context, step Step, sc *StepContext) (result *StepResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sc.Log.Error("Step panicked", "panic", rec)
			result = nil
			err = Transientf("step panic: %v", rec)
		}
	}()
	result, err = step.Run(ctx, sc)
	if err == nil && result == nil {
		err = Transientf("step returned no result and no error")
	}
	return result, err
}

func (r *Runner) startHeartbeat(ctx context.Context, stageID uuid.UUID) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.stages.Heartbeat(hbCtx, nil, stageID); err != nil {
					r.log.Warn("Heartbeat update failed", "stage_id", stageID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) settleFailure(ctx context.Context, runLog *logger.Logger, req *StageRequest, stage *types.PipelineStage, stepErr error) {
	runLog.Error("Stage failed fatally", "error", stepErr)
	if err := r.stages.MarkFailed(ctx, nil, stage.ID, stepErr.Error()); err != nil {
		runLog.Error("Failed to mark stage failed", "error", err)
	}
	r.notifier.StageFailed(ctx, r.notice(req, nil, stepErr.Error()))
}

func (r *Runner) flushMetrics(ctx context.Context, runLog *logger.Logger, req *StageRequest, stage *types.PipelineStage, metrics []*types.LLMMetric) {
	if len(metrics) == 0 {
		return
	}
	for _, metric := range metrics {
		metric.JobID = req.JobID
		metric.StageID = stage.ID
		metric.AudioID = req.AudioID
	}
	if _, err := r.metrics.Create(ctx, nil, metrics); err != nil {
		// Metrics loss is not worth failing the stage over.
		runLog.Error("Failed to persist call metrics", "count", len(metrics), "error", err)
		return
	}
	runLog.Debug("Persisted call metrics", "count", len(metrics))
}

func (r *Runner) persistOutput(ctx context.Context, stageID uuid.UUID, result *StepResult) (*types.PipelineOutput, error) {
	output := &types.PipelineOutput{
		StageID:     stageID,
		Content:     result.Content,
		StartSecond: result.StartSecond,
		EndSecond:   result.EndSecond,
	}
	if result.Data != nil {
		raw, err := json.Marshal(result.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode output data: %w", err)
		}
		output.Data = datatypes.JSON(raw)
	}
	return r.outputs.Create(ctx, nil, output)
}

func (r *Runner) notice(req *StageRequest, output map[string]any, errorMessage string) *StageNotice {
	return &StageNotice{
		JobID:        req.JobID,
		UserID:       req.UserID,
		NoteID:       req.NoteID,
		StageKind:    req.StageKind,
		Output:       output,
		ErrorMessage: errorMessage,
	}
}

func (r *Runner) noticeFromOutput(req *StageRequest, output *types.PipelineOutput) *StageNotice {
	payload := map[string]any{}
	if output != nil {
		payload["content"] = output.Content
		if len(output.Data) > 0 {
			var data map[string]any
			if err := json.Unmarshal(output.Data, &data); err == nil {
				payload["data"] = data
			}
		}
		if output.StartSecond != nil {
			payload["start_second"] = *output.StartSecond
		}
		if output.EndSecond != nil {
			payload["end_second"] = *output.EndSecond
		}
	}
	return r.notice(req, payload, "")
}
