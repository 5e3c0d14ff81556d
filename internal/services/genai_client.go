package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/utils"
)

// GenAIClient is the boundary to the generation service. Errors returned are
// pre-classified: client-side rejections and safety blocks are fatal,
// unavailability and timeouts are transient.
type GenAIClient interface {
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, *CallMetrics, error)
}

type InlineInput struct {
	MIMEType string
	Data     []byte
}

type GenerationRequest struct {
	Model             string
	Prompt            string
	SystemInstruction string
	// ResponseSchema, when set, switches the call to structured JSON output.
	ResponseSchema map[string]any
	TokenLimit     int
	Temperature    float32
	TopP           float32
	// Input carries user media (audio bytes or plain text) alongside the prompt.
	Input *InlineInput
}

// GenerationResponse holds the parsed model reply. If the model did not emit
// valid JSON the raw text is wrapped under the "text" key.
type GenerationResponse struct {
	Parsed  map[string]any
	RawText string
}

type CallMetrics struct {
	InputTokens      int
	PromptTokens     int
	TotalInputTokens int
	OutputTokens     int
	ThoughtTokens    int
	ConfidenceScore  *float64
	ElapsedTime      float64
}

type genAIClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewGenAIClient(log *logger.Logger) (GenAIClient, error) {
	serviceLog := log.With("service", "GenAIClient")
	apiKey := utils.GetEnv("GENAI_API_KEY", "", log)
	if apiKey == "" {
		return nil, fmt.Errorf("missing GENAI_API_KEY")
	}
	baseURL := utils.GetEnv("GENAI_BASE_URL", "https://generativelanguage.googleapis.com", log)
	timeoutSec := utils.GetEnvAsInt("GENAI_TIMEOUT_SECONDS", 180, log)
	return &genAIClient{
		log:        serviceLog,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

type genAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *genAIHTTPError) Error() string {
	return fmt.Sprintf("generation service http %d: %s", e.StatusCode, e.Body)
}

// classifyCallErr maps a transport-level failure onto the pipeline taxonomy.
// 4xx (minus 408/429) means the request itself is bad and retrying is useless.
func classifyCallErr(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *genAIHTTPError
	if errors.As(err, &httpErr) {
		code := httpErr.StatusCode
		if code == 408 || code == 429 || (code >= 500 && code <= 599) {
			return pipeline.Transient("generation service unavailable", err)
		}
		if code >= 400 && code < 500 {
			return pipeline.Fatal("generation service rejected request", err)
		}
		return pipeline.Transient("generation service error", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.Transient("generation service timeout", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.Transient("generation service timeout", err)
	}
	return pipeline.Classify(err)
}

// Wire types follow the generative-language REST surface.

type genPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *genInlineData `json:"inline_data,omitempty"`
}

type genInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type generateContentRequest struct {
	Contents          []genContent   `json:"contents"`
	SystemInstruction *genContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]any `json:"generationConfig,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string   `json:"finishReason"`
		AvgLogprobs  *float64 `json:"avgLogprobs"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
}

type countTokensResponse struct {
	TotalTokens int `json:"totalTokens"`
}

func (c *genAIClient) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, *CallMetrics, error) {
	if req == nil {
		return nil, nil, pipeline.Fatalf("nil generation request")
	}
	if req.Model == "" || req.Prompt == "" || req.SystemInstruction == "" || req.TokenLimit <= 0 {
		return nil, nil, pipeline.Fatalf("generation request missing required fields")
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	topP := req.TopP
	if topP == 0 {
		topP = 0.8
	}

	parts := []genPart{{Text: req.Prompt}}
	var inputPart *genPart
	if req.Input != nil {
		switch req.Input.MIMEType {
		case "text/plain":
			inputPart = &genPart{Text: string(req.Input.Data)}
		default:
			inputPart = &genPart{InlineData: &genInlineData{
				MIMEType: req.Input.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(req.Input.Data),
			}}
		}
		parts = append(parts, *inputPart)
	}

	genConfig := map[string]any{
		"temperature":      temperature,
		"topP":             topP,
		"maxOutputTokens":  req.TokenLimit,
		"responseLogprobs": true,
		"logprobs":         1,
	}
	if req.ResponseSchema != nil {
		genConfig["responseMimeType"] = "application/json"
		genConfig["responseSchema"] = req.ResponseSchema
	}

	body := generateContentRequest{
		Contents:          []genContent{{Role: "user", Parts: parts}},
		SystemInstruction: &genContent{Parts: []genPart{{Text: req.SystemInstruction}}},
		GenerationConfig:  genConfig,
	}

	start := time.Now()
	var resp generateContentResponse
	if err := c.do(ctx, fmt.Sprintf("/v1beta/models/%s:generateContent", req.Model), body, &resp); err != nil {
		return nil, nil, classifyCallErr(err)
	}
	elapsed := time.Since(start).Seconds()

	if len(resp.Candidates) == 0 {
		return nil, nil, pipeline.Transientf("generation service returned no candidates")
	}
	candidate := resp.Candidates[0]
	if isBlockedFinish(candidate.FinishReason) {
		return nil, nil, pipeline.Fatalf("generation blocked: finish_reason=%s", candidate.FinishReason)
	}

	var text strings.Builder
	for _, p := range candidate.Content.Parts {
		text.WriteString(p.Text)
	}
	raw := text.String()
	if raw == "" {
		return nil, nil, pipeline.Transientf("generation service returned empty text")
	}

	metrics := &CallMetrics{
		OutputTokens:  resp.UsageMetadata.CandidatesTokenCount,
		ThoughtTokens: resp.UsageMetadata.ThoughtsTokenCount,
		ElapsedTime:   elapsed,
	}
	if candidate.AvgLogprobs != nil {
		confidence := math.Exp(*candidate.AvgLogprobs)
		metrics.ConfidenceScore = &confidence
	}
	// Separate prompt vs. user-input token counts; usageMetadata only reports
	// the combined prompt count, so count the pieces individually.
	metrics.PromptTokens = c.countTokens(ctx, req.Model, genPart{Text: req.SystemInstruction + "\n" + req.Prompt})
	if inputPart != nil {
		metrics.InputTokens = c.countTokens(ctx, req.Model, *inputPart)
	}
	metrics.TotalInputTokens = metrics.InputTokens + metrics.PromptTokens
	if metrics.TotalInputTokens == 0 {
		metrics.TotalInputTokens = resp.UsageMetadata.PromptTokenCount
	}

	out := &GenerationResponse{RawText: raw}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		out.Parsed = parsed
	} else {
		out.Parsed = map[string]any{"text": raw}
	}
	return out, metrics, nil
}

// countTokens is best-effort; a failed count degrades the metric to zero
// rather than failing the call.
func (c *genAIClient) countTokens(ctx context.Context, model string, part genPart) int {
	body := map[string]any{
		"contents": []genContent{{Role: "user", Parts: []genPart{part}}},
	}
	var resp countTokensResponse
	if err := c.do(ctx, fmt.Sprintf("/v1beta/models/%s:countTokens", model), body, &resp); err != nil {
		c.log.Warn("Token count failed", "model", model, "error", err)
		return 0
	}
	return resp.TotalTokens
}

func (c *genAIClient) do(ctx context.Context, path string, body any, out any) error {
	return postJSON(ctx, c.httpClient, c.baseURL+path, c.apiKey, body, out)
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &genAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("generation service decode error: %w", err)
	}
	return nil
}

func isBlockedFinish(reason string) bool {
	switch strings.ToUpper(reason) {
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return true
	default:
		return false
	}
}
