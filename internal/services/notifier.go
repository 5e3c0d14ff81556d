package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/types"
	"github.com/notesmith/engine/internal/utils"
)

// stageEventPayload is the wire shape posted to the application server.
type stageEventPayload struct {
	JobID        uuid.UUID         `json:"job_id"`
	UserID       uuid.UUID         `json:"user_id"`
	NoteID       *uuid.UUID        `json:"note_id,omitempty"`
	StageKind    types.StageKind   `json:"stage_kind"`
	Status       types.StageStatus `json:"status"`
	Output       map[string]any    `json:"output,omitempty"`
	ErrorMessage string            `json:"error,omitempty"`
}

// upstreamNotifier reports stage outcomes back to the application server.
// Delivery is best-effort: the stage ledger is the source of truth and a
// missed notification must never change a stage outcome.
type upstreamNotifier struct {
	log        *logger.Logger
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewUpstreamNotifier(log *logger.Logger) (pipeline.Notifier, error) {
	serviceLog := log.With("service", "UpstreamNotifier")
	endpoint := utils.GetEnv("NOTIFY_ENDPOINT", "", log)
	if endpoint == "" {
		return nil, fmt.Errorf("missing NOTIFY_ENDPOINT")
	}
	apiKey := utils.GetEnv("NOTIFY_API_KEY", "", log)
	timeoutSec := utils.GetEnvAsInt("NOTIFY_TIMEOUT_SECONDS", 15, log)
	return &upstreamNotifier{
		log:        serviceLog,
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

func (n *upstreamNotifier) StageCompleted(ctx context.Context, notice *pipeline.StageNotice) {
	n.send(ctx, notice, types.StageStatusCompleted)
}

func (n *upstreamNotifier) StageFailed(ctx context.Context, notice *pipeline.StageNotice) {
	n.send(ctx, notice, types.StageStatusFailed)
}

func (n *upstreamNotifier) send(ctx context.Context, notice *pipeline.StageNotice, status types.StageStatus) {
	payload := stageEventPayload{
		JobID:        notice.JobID,
		UserID:       notice.UserID,
		NoteID:       notice.NoteID,
		StageKind:    notice.StageKind,
		Status:       status,
		Output:       notice.Output,
		ErrorMessage: notice.ErrorMessage,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("Failed to encode stage event", "job_id", notice.JobID, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		n.log.Error("Failed to build notification request", "job_id", notice.JobID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.Warn("Stage notification failed",
			"job_id", notice.JobID, "stage_kind", notice.StageKind, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.log.Warn("Stage notification rejected",
			"job_id", notice.JobID, "stage_kind", notice.StageKind, "status_code", resp.StatusCode)
		return
	}
	n.log.Debug("Stage notification delivered",
		"job_id", notice.JobID, "stage_kind", notice.StageKind, "status", status)
}
