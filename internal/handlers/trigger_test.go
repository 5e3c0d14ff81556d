package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/repos"
	"github.com/notesmith/engine/internal/types"
)

type stubStageRepo struct {
	checkoutResult *repos.CheckoutResult
	checkoutErr    error
}

func (s *stubStageRepo) GetByJobAndKind(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, kind types.StageKind) (*types.PipelineStage, error) {
	return nil, nil
}

func (s *stubStageRepo) Checkout(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, kind types.StageKind, policy repos.CheckoutPolicy) (*repos.CheckoutResult, error) {
	return s.checkoutResult, s.checkoutErr
}

func (s *stubStageRepo) MarkCompleted(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) error {
	return nil
}

func (s *stubStageRepo) MarkFailed(ctx context.Context, tx *gorm.DB, stageID uuid.UUID, errorMessage string) error {
	return nil
}

func (s *stubStageRepo) MarkRetryable(ctx context.Context, tx *gorm.DB, stageID uuid.UUID, errorMessage string) error {
	return nil
}

func (s *stubStageRepo) Heartbeat(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) error {
	return nil
}

type stubOutputRepo struct{}

func (s *stubOutputRepo) Create(ctx context.Context, tx *gorm.DB, output *types.PipelineOutput) (*types.PipelineOutput, error) {
	return output, nil
}

func (s *stubOutputRepo) GetByStageID(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) (*types.PipelineOutput, error) {
	return nil, nil
}

type stubMetricRepo struct{}

func (s *stubMetricRepo) Create(ctx context.Context, tx *gorm.DB, metrics []*types.LLMMetric) ([]*types.LLMMetric, error) {
	return metrics, nil
}

type stubNotifier struct{}

func (s *stubNotifier) StageCompleted(ctx context.Context, notice *pipeline.StageNotice) {}
func (s *stubNotifier) StageFailed(ctx context.Context, notice *pipeline.StageNotice)    {}

type stubStep struct {
	kind types.StageKind
	err  error
}

func (s *stubStep) Kind() types.StageKind { return s.kind }

func (s *stubStep) Run(ctx context.Context, sc *pipeline.StepContext) (*pipeline.StepResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.StepResult{Content: "done"}, nil
}

func newTestRouter(t *testing.T, stages *stubStageRepo, step *stubStep) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry := pipeline.NewRegistry()
	if step != nil {
		if err := registry.Register(step); err != nil {
			t.Fatalf("failed to register step: %v", err)
		}
	}
	runner := pipeline.NewRunner(
		logger.NewNop(),
		pipeline.RunnerConfig{HeartbeatInterval: time.Hour},
		registry,
		stages,
		&stubOutputRepo{},
		&stubMetricRepo{},
		&stubNotifier{},
	)
	handler := NewTriggerHandler(logger.NewNop(), runner)
	router := gin.New()
	router.POST("/stt-branch-subscription", handler.STTBranch)
	router.POST("/smart-branch-subscription", handler.SmartBranch)
	return router
}

func pushBody(t *testing.T, req *pipeline.StageRequest) *bytes.Buffer {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	envelope := map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(payload),
			"messageId": "m-1",
		},
		"subscription": "projects/p/subscriptions/s",
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return bytes.NewBuffer(body)
}

func claimableResult(kind types.StageKind) *repos.CheckoutResult {
	now := time.Now()
	return &repos.CheckoutResult{
		Decision: repos.DecisionProceed,
		Stage: &types.PipelineStage{
			ID:            uuid.New(),
			JobID:         uuid.New(),
			StageKind:     kind,
			Status:        types.StageStatusInProgress,
			AttemptCount:  1,
			LastHeartbeat: &now,
		},
	}
}

func sttRequest() *pipeline.StageRequest {
	return &pipeline.StageRequest{
		JobID:     uuid.New(),
		UserID:    uuid.New(),
		StageKind: types.StageKindSTT,
		ObjectKey: "audio/a.wav",
	}
}

func TestTriggerCompletedAcks(t *testing.T) {
	router := newTestRouter(t,
		&stubStageRepo{checkoutResult: claimableResult(types.StageKindSTT)},
		&stubStep{kind: types.StageKindSTT},
	)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stt-branch-subscription", pushBody(t, sttRequest()))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
}

func TestTriggerTransientFailureNacks(t *testing.T) {
	router := newTestRouter(t,
		&stubStageRepo{checkoutResult: claimableResult(types.StageKindSTT)},
		&stubStep{kind: types.StageKindSTT, err: pipeline.Transientf("downstream unavailable")},
	)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stt-branch-subscription", pushBody(t, sttRequest()))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500 for redelivery", w.Code)
	}
}

func TestTriggerFatalFailureAcks(t *testing.T) {
	router := newTestRouter(t,
		&stubStageRepo{checkoutResult: claimableResult(types.StageKindSTT)},
		&stubStep{kind: types.StageKindSTT, err: pipeline.Fatalf("bad input")},
	)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stt-branch-subscription", pushBody(t, sttRequest()))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200 to consume the message", w.Code)
	}
}

func TestTriggerMalformedEnvelopeAcks(t *testing.T) {
	router := newTestRouter(t, &stubStageRepo{}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stt-branch-subscription", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200 so the poison message is consumed", w.Code)
	}
}

func TestTriggerWrongSubscriptionKindAcks(t *testing.T) {
	router := newTestRouter(t, &stubStageRepo{}, nil)

	// A context-stage request pushed at the transcription endpoint.
	request := sttRequest()
	request.StageKind = types.StageKindContext

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stt-branch-subscription", pushBody(t, request))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
}

func TestSmartBranchAcceptsContextAndNoteback(t *testing.T) {
	for _, kind := range []types.StageKind{types.StageKindContext, types.StageKindNoteback} {
		router := newTestRouter(t,
			&stubStageRepo{checkoutResult: claimableResult(kind)},
			&stubStep{kind: kind},
		)

		request := sttRequest()
		request.StageKind = kind

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/smart-branch-subscription", pushBody(t, request))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("kind %s: status=%d, want 200", kind, w.Code)
		}
	}
}
