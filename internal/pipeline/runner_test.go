package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/repos"
	"github.com/notesmith/engine/internal/types"
)

type fakeStageRepo struct {
	mu              sync.Mutex
	checkoutResult  *repos.CheckoutResult
	checkoutErr     error
	completedIDs    []uuid.UUID
	failedMessages  []string
	retryableErrors []string
	heartbeats      int
}

func (f *fakeStageRepo) GetByJobAndKind(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, kind types.StageKind) (*types.PipelineStage, error) {
	return nil, nil
}

func (f *fakeStageRepo) Checkout(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, kind types.StageKind, policy repos.CheckoutPolicy) (*repos.CheckoutResult, error) {
	return f.checkoutResult, f.checkoutErr
}

func (f *fakeStageRepo) MarkCompleted(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedIDs = append(f.completedIDs, stageID)
	return nil
}

func (f *fakeStageRepo) MarkFailed(ctx context.Context, tx *gorm.DB, stageID uuid.UUID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedMessages = append(f.failedMessages, errorMessage)
	return nil
}

func (f *fakeStageRepo) MarkRetryable(ctx context.Context, tx *gorm.DB, stageID uuid.UUID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryableErrors = append(f.retryableErrors, errorMessage)
	return nil
}

func (f *fakeStageRepo) Heartbeat(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

type fakeOutputRepo struct {
	created []*types.PipelineOutput
}

func (f *fakeOutputRepo) Create(ctx context.Context, tx *gorm.DB, output *types.PipelineOutput) (*types.PipelineOutput, error) {
	f.created = append(f.created, output)
	return output, nil
}

func (f *fakeOutputRepo) GetByStageID(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) (*types.PipelineOutput, error) {
	return nil, nil
}

type fakeMetricRepo struct {
	created []*types.LLMMetric
}

func (f *fakeMetricRepo) Create(ctx context.Context, tx *gorm.DB, metrics []*types.LLMMetric) ([]*types.LLMMetric, error) {
	f.created = append(f.created, metrics...)
	return metrics, nil
}

type fakeNotifier struct {
	completed []*StageNotice
	failed    []*StageNotice
}

func (f *fakeNotifier) StageCompleted(ctx context.Context, notice *StageNotice) {
	f.completed = append(f.completed, notice)
}

func (f *fakeNotifier) StageFailed(ctx context.Context, notice *StageNotice) {
	f.failed = append(f.failed, notice)
}

type scriptedStep struct {
	kind   types.StageKind
	run    func(ctx context.Context, sc *StepContext) (*StepResult, error)
	called int
}

func (s *scriptedStep) Kind() types.StageKind { return s.kind }

func (s *scriptedStep) Run(ctx context.Context, sc *StepContext) (*StepResult, error) {
	s.called++
	return s.run(ctx, sc)
}

type runnerFixture struct {
	runner   *Runner
	stages   *fakeStageRepo
	outputs  *fakeOutputRepo
	metrics  *fakeMetricRepo
	notifier *fakeNotifier
	step     *scriptedStep
}

func newRunnerFixture(t *testing.T, step *scriptedStep, checkout *repos.CheckoutResult) *runnerFixture {
	t.Helper()
	stages := &fakeStageRepo{checkoutResult: checkout}
	outputs := &fakeOutputRepo{}
	metrics := &fakeMetricRepo{}
	notifier := &fakeNotifier{}
	registry := NewRegistry()
	if step != nil {
		if err := registry.Register(step); err != nil {
			t.Fatalf("failed to register step: %v", err)
		}
	}
	runner := NewRunner(
		logger.NewNop(),
		RunnerConfig{HeartbeatInterval: time.Hour},
		registry,
		stages,
		outputs,
		metrics,
		notifier,
	)
	return &runnerFixture{runner: runner, stages: stages, outputs: outputs, metrics: metrics, notifier: notifier, step: step}
}

func testRequest(kind types.StageKind) *StageRequest {
	noteID := uuid.New()
	return &StageRequest{
		JobID:     uuid.New(),
		UserID:    uuid.New(),
		NoteID:    &noteID,
		StageKind: kind,
		ObjectKey: "audio/recording.wav",
	}
}

func claimedStage(kind types.StageKind) *types.PipelineStage {
	now := time.Now()
	return &types.PipelineStage{
		ID:            uuid.New(),
		JobID:         uuid.New(),
		StageKind:     kind,
		Status:        types.StageStatusInProgress,
		AttemptCount:  1,
		StartedAt:     &now,
		LastHeartbeat: &now,
	}
}

func TestExecuteCompletedFlow(t *testing.T) {
	stage := claimedStage(types.StageKindSTT)
	step := &scriptedStep{
		kind: types.StageKindSTT,
		run: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
			sc.RecordMetric(&types.LLMMetric{CallKind: "stt", OutputTokens: 42})
			return &StepResult{Content: "hello world", Data: map[string]any{"language": "en"}}, nil
		},
	}
	fx := newRunnerFixture(t, step, &repos.CheckoutResult{Decision: repos.DecisionProceed, Stage: stage})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindSTT))

	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeCompleted)
	}
	if !outcome.ShouldAck() {
		t.Fatal("completed outcome must acknowledge")
	}
	if len(fx.outputs.created) != 1 || fx.outputs.created[0].Content != "hello world" {
		t.Fatalf("expected one persisted output, got %+v", fx.outputs.created)
	}
	if len(fx.stages.completedIDs) != 1 || fx.stages.completedIDs[0] != stage.ID {
		t.Fatalf("expected stage marked completed, got %v", fx.stages.completedIDs)
	}
	if len(fx.notifier.completed) != 1 {
		t.Fatalf("expected one completion notice, got %d", len(fx.notifier.completed))
	}
	if len(fx.metrics.created) != 1 {
		t.Fatalf("expected one metric row, got %d", len(fx.metrics.created))
	}
	if fx.metrics.created[0].StageID != stage.ID {
		t.Fatal("runner must stamp stage id onto metrics")
	}
}

func TestExecuteTransientFailureLeavesRetryable(t *testing.T) {
	stage := claimedStage(types.StageKindContext)
	step := &scriptedStep{
		kind: types.StageKindContext,
		run: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
			sc.RecordMetric(&types.LLMMetric{CallKind: "context", OutputTokens: 7})
			return nil, Transientf("generation service unavailable")
		},
	}
	fx := newRunnerFixture(t, step, &repos.CheckoutResult{Decision: repos.DecisionProceed, Stage: stage})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindContext))

	if outcome.Kind != OutcomeFailedTransient {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeFailedTransient)
	}
	if outcome.ShouldAck() {
		t.Fatal("transient failure must not acknowledge")
	}
	if len(fx.stages.retryableErrors) != 1 {
		t.Fatalf("expected stage released for retry, got %v", fx.stages.retryableErrors)
	}
	if len(fx.stages.failedMessages) != 0 {
		t.Fatalf("transient failure must not mark FAILED, got %v", fx.stages.failedMessages)
	}
	if len(fx.notifier.failed)+len(fx.notifier.completed) != 0 {
		t.Fatal("transient failure must not notify upstream")
	}
	// Partial work still consumed tokens.
	if len(fx.metrics.created) != 1 {
		t.Fatalf("metrics from the failed attempt must persist, got %d", len(fx.metrics.created))
	}
}

func TestExecuteFatalFailureSettlesStage(t *testing.T) {
	stage := claimedStage(types.StageKindSTT)
	step := &scriptedStep{
		kind: types.StageKindSTT,
		run: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
			return nil, Fatalf("audio object missing")
		},
	}
	fx := newRunnerFixture(t, step, &repos.CheckoutResult{Decision: repos.DecisionProceed, Stage: stage})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindSTT))

	if outcome.Kind != OutcomeFailedFatal {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeFailedFatal)
	}
	if !outcome.ShouldAck() {
		t.Fatal("fatal failure must acknowledge so the message is consumed")
	}
	if len(fx.stages.failedMessages) != 1 {
		t.Fatalf("expected stage marked FAILED once, got %v", fx.stages.failedMessages)
	}
	if len(fx.notifier.failed) != 1 {
		t.Fatalf("expected exactly one failure notice, got %d", len(fx.notifier.failed))
	}
}

func TestExecuteUnclassifiedErrorDefaultsToTransient(t *testing.T) {
	stage := claimedStage(types.StageKindSTT)
	step := &scriptedStep{
		kind: types.StageKindSTT,
		run: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
			return nil, context.DeadlineExceeded
		},
	}
	fx := newRunnerFixture(t, step, &repos.CheckoutResult{Decision: repos.DecisionProceed, Stage: stage})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindSTT))
	if outcome.Kind != OutcomeFailedTransient {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeFailedTransient)
	}
}

func TestExecutePanicIsTransient(t *testing.T) {
	stage := claimedStage(types.StageKindSTT)
	step := &scriptedStep{
		kind: types.StageKindSTT,
		run: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
			panic("boom")
		},
	}
	fx := newRunnerFixture(t, step, &repos.CheckoutResult{Decision: repos.DecisionProceed, Stage: stage})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindSTT))
	if outcome.Kind != OutcomeFailedTransient {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeFailedTransient)
	}
	if len(fx.stages.retryableErrors) != 1 {
		t.Fatal("panicking step must release the stage for retry")
	}
}

func TestExecuteDuplicateCompletedReplaysOutput(t *testing.T) {
	stage := claimedStage(types.StageKindNoteback)
	stage.Status = types.StageStatusCompleted
	step := &scriptedStep{
		kind: types.StageKindNoteback,
		run: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
			t.Fatal("step must not run on an already completed stage")
			return nil, nil
		},
	}
	fx := newRunnerFixture(t, step, &repos.CheckoutResult{
		Decision: repos.DecisionAlreadyCompleted,
		Stage:    stage,
		Output:   &types.PipelineOutput{StageID: stage.ID, Content: "stored note"},
	})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindNoteback))

	if outcome.Kind != OutcomeDuplicate {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeDuplicate)
	}
	if !outcome.ShouldAck() {
		t.Fatal("duplicate must acknowledge")
	}
	if step.called != 0 {
		t.Fatal("no new execution on a completed stage")
	}
	if len(fx.metrics.created) != 0 {
		t.Fatal("no new metric writes on a completed stage")
	}
	if len(fx.notifier.completed) != 1 {
		t.Fatalf("expected stored output re-reported once, got %d", len(fx.notifier.completed))
	}
	if got := fx.notifier.completed[0].Output["content"]; got != "stored note" {
		t.Fatalf("replayed output content=%v, want %q", got, "stored note")
	}
}

func TestExecuteAlreadyInProgressAcknowledges(t *testing.T) {
	stage := claimedStage(types.StageKindContext)
	fx := newRunnerFixture(t, nil, &repos.CheckoutResult{Decision: repos.DecisionAlreadyInProgress, Stage: stage})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindContext))
	if outcome.Kind != OutcomeDuplicate {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeDuplicate)
	}
	if !outcome.ShouldAck() {
		t.Fatal("in-progress duplicate must acknowledge")
	}
}

func TestExecuteAttemptsExhaustedDrops(t *testing.T) {
	stage := claimedStage(types.StageKindContext)
	stage.Status = types.StageStatusFailed
	stage.ErrorMessage = repos.ErrAttemptsExceeded
	fx := newRunnerFixture(t, nil, &repos.CheckoutResult{Decision: repos.DecisionAttemptsExhausted, Stage: stage})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindContext))
	if outcome.Kind != OutcomeDropped {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeDropped)
	}
	if !outcome.ShouldAck() {
		t.Fatal("exhausted stage must acknowledge")
	}
	if len(fx.notifier.failed) != 1 {
		t.Fatalf("expected failure notice, got %d", len(fx.notifier.failed))
	}
	if fx.notifier.failed[0].ErrorMessage != repos.ErrAttemptsExceeded {
		t.Fatalf("notice error=%q, want %q", fx.notifier.failed[0].ErrorMessage, repos.ErrAttemptsExceeded)
	}
}

func TestExecuteInvalidRequestDrops(t *testing.T) {
	fx := newRunnerFixture(t, nil, nil)

	outcome := fx.runner.Execute(context.Background(), &StageRequest{})
	if outcome.Kind != OutcomeDropped {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeDropped)
	}
	if !outcome.ShouldAck() {
		t.Fatal("invalid request must acknowledge so it cannot poison the queue")
	}
}

func TestExecuteNoSuchStageDrops(t *testing.T) {
	fx := newRunnerFixture(t, nil, &repos.CheckoutResult{Decision: repos.DecisionNoSuchStage})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindSTT))
	if outcome.Kind != OutcomeDropped {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeDropped)
	}
}

func TestExecuteUnregisteredKindFailsFatally(t *testing.T) {
	stage := claimedStage(types.StageKindNoteback)
	fx := newRunnerFixture(t, nil, &repos.CheckoutResult{Decision: repos.DecisionProceed, Stage: stage})

	outcome := fx.runner.Execute(context.Background(), testRequest(types.StageKindNoteback))
	if outcome.Kind != OutcomeFailedFatal {
		t.Fatalf("outcome=%s, want %s", outcome.Kind, OutcomeFailedFatal)
	}
	if len(fx.stages.failedMessages) != 1 {
		t.Fatal("missing step must settle the claimed row as FAILED")
	}
}
