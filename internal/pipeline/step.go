package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/types"
)

// StageRequest is one decoded work message: which stage of which job to run,
// plus the input references the stage needs.
type StageRequest struct {
	JobID     uuid.UUID       `json:"job_id"`
	UserID    uuid.UUID       `json:"user_id"`
	NoteID    *uuid.UUID      `json:"note_id,omitempty"`
	AudioID   *uuid.UUID      `json:"audio_id,omitempty"`
	StageKind types.StageKind `json:"stage_kind"`
	// ObjectKey locates recorded audio in object storage.
	ObjectKey string `json:"object_key,omitempty"`
	// InputText carries inline text input for text-only jobs.
	InputText string `json:"input_text,omitempty"`
	InputType string `json:"input_type,omitempty"`
}

func (r *StageRequest) Validate() error {
	if r.JobID == uuid.Nil {
		return Fatalf("stage request missing job_id")
	}
	if r.UserID == uuid.Nil {
		return Fatalf("stage request missing user_id")
	}
	switch r.StageKind {
	case types.StageKindSTT, types.StageKindContext, types.StageKindNoteback:
	default:
		return Fatalf("unknown stage kind %q", r.StageKind)
	}
	if r.ObjectKey == "" && r.InputText == "" {
		return Fatalf("stage request carries neither object key nor inline text")
	}
	return nil
}

// StepContext is what a step sees while running: the claimed ledger row, the
// decoded request, and a sink for per-call usage metrics. Metrics are flushed
// by the runner whether the step succeeds or fails.
type StepContext struct {
	Request *StageRequest
	Stage   *types.PipelineStage
	Log     *logger.Logger

	mu      sync.Mutex
	metrics []*types.LLMMetric
}

// RecordMetric queues one call's usage row. Job, stage, and audio identifiers
// are stamped on by the runner at flush time.
func (sc *StepContext) RecordMetric(metric *types.LLMMetric) {
	if metric == nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = append(sc.metrics, metric)
}

func (sc *StepContext) drainMetrics() []*types.LLMMetric {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	drained := sc.metrics
	sc.metrics = nil
	return drained
}

// StepResult is what a successful step hands back for persistence.
type StepResult struct {
	Content     string
	Data        map[string]any
	StartSecond *int
	EndSecond   *int
}

type Step interface {
	Kind() types.StageKind
	Run(ctx context.Context, sc *StepContext) (*StepResult, error)
}

// Registry maps stage kinds to their implementations. Registration happens at
// startup; lookups after that are read-only.
type Registry struct {
	mu    sync.RWMutex
	steps map[types.StageKind]Step
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[types.StageKind]Step)}
}

func (r *Registry) Register(step Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := step.Kind()
	if _, exists := r.steps[kind]; exists {
		return fmt.Errorf("step already registered for stage kind %q", kind)
	}
	r.steps[kind] = step
	return nil
}

func (r *Registry) Get(kind types.StageKind) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[kind]
	return step, ok
}
