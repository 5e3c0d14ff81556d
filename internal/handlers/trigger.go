package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/types"
)

// pushEnvelope is the push-subscription wrapper around a published message.
type pushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// TriggerHandler receives pushed work messages and maps runner outcomes to
// acknowledgement decisions: 2xx consumes the message, non-2xx redelivers.
type TriggerHandler struct {
	log    *logger.Logger
	runner *pipeline.Runner
}

func NewTriggerHandler(log *logger.Logger, runner *pipeline.Runner) *TriggerHandler {
	return &TriggerHandler{log: log.With("handler", "TriggerHandler"), runner: runner}
}

// POST /stt-branch-subscription
func (h *TriggerHandler) STTBranch(c *gin.Context) {
	h.handle(c, types.StageKindSTT)
}

// POST /smart-branch-subscription
func (h *TriggerHandler) SmartBranch(c *gin.Context) {
	h.handle(c, types.StageKindContext, types.StageKindNoteback)
}

func (h *TriggerHandler) handle(c *gin.Context, allowedKinds ...types.StageKind) {
	req, ok := h.decode(c)
	if !ok {
		// A malformed envelope will be malformed on every redelivery; consume
		// it so it cannot poison the subscription.
		c.String(http.StatusOK, "dropped")
		return
	}
	if !kindAllowed(req.StageKind, allowedKinds) {
		h.log.Error("Stage kind not valid for this subscription, dropping",
			"job_id", req.JobID, "stage_kind", req.StageKind, "path", c.FullPath())
		c.String(http.StatusOK, "dropped")
		return
	}

	outcome := h.runner.Execute(c.Request.Context(), req)
	if outcome.ShouldAck() {
		c.String(http.StatusOK, string(outcome.Kind))
		return
	}
	// Non-2xx leaves the message unacknowledged for redelivery.
	c.String(http.StatusInternalServerError, string(outcome.Kind))
}

func (h *TriggerHandler) decode(c *gin.Context) (*pipeline.StageRequest, bool) {
	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		h.log.Error("Failed to decode push envelope", "error", err)
		return nil, false
	}
	payload, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		h.log.Error("Failed to decode message data",
			"message_id", envelope.Message.MessageID, "error", err)
		return nil, false
	}
	var req pipeline.StageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.log.Error("Failed to decode stage request",
			"message_id", envelope.Message.MessageID, "error", err)
		return nil, false
	}
	return &req, true
}

func kindAllowed(kind types.StageKind, allowed []types.StageKind) bool {
	for _, k := range allowed {
		if kind == k {
			return true
		}
	}
	return false
}
