package steps

import (
	"context"

	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/services"
	"github.com/notesmith/engine/internal/types"
)

// resolveInput materializes the request's input reference: audio is pulled
// from object storage, inline text is passed through as-is.
func resolveInput(ctx context.Context, fetcher services.AudioFetcher, req *pipeline.StageRequest) (*services.InlineInput, error) {
	if req.ObjectKey != "" {
		data, contentType, err := fetcher.Fetch(ctx, req.ObjectKey)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, pipeline.Fatalf("audio object %q is empty", req.ObjectKey)
		}
		return &services.InlineInput{MIMEType: contentType, Data: data}, nil
	}
	if req.InputText != "" {
		return &services.InlineInput{MIMEType: "text/plain", Data: []byte(req.InputText)}, nil
	}
	return nil, pipeline.Fatalf("stage request carries no input")
}

// metricFromCall converts a generation call's usage report into a ledger row.
func metricFromCall(callKind string, m *services.CallMetrics) *types.LLMMetric {
	if m == nil {
		return nil
	}
	return &types.LLMMetric{
		CallKind:         callKind,
		InputTokens:      m.InputTokens,
		PromptTokens:     m.PromptTokens,
		TotalInputTokens: m.TotalInputTokens,
		OutputTokens:     m.OutputTokens,
		ThoughtTokens:    m.ThoughtTokens,
		ConfidenceScore:  m.ConfidenceScore,
		ElapsedTime:      m.ElapsedTime,
	}
}
