package steps

import (
	"context"
	"strings"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/prompts"
	"github.com/notesmith/engine/internal/services"
	"github.com/notesmith/engine/internal/types"
)

// STTStep transcribes recorded audio into sentences.
type STTStep struct {
	log     *logger.Logger
	genai   services.GenAIClient
	fetcher services.AudioFetcher
	library *prompts.Library
}

func NewSTTStep(log *logger.Logger, genai services.GenAIClient, fetcher services.AudioFetcher, library *prompts.Library) *STTStep {
	return &STTStep{
		log:     log.With("step", "STT"),
		genai:   genai,
		fetcher: fetcher,
		library: library,
	}
}

func (s *STTStep) Kind() types.StageKind { return types.StageKindSTT }

func (s *STTStep) Run(ctx context.Context, sc *pipeline.StepContext) (*pipeline.StepResult, error) {
	if sc.Request.ObjectKey == "" {
		return nil, pipeline.Fatalf("transcription requires an audio object key")
	}
	input, err := resolveInput(ctx, s.fetcher, sc.Request)
	if err != nil {
		return nil, err
	}

	call, err := s.library.Resolve(prompts.CallSTT)
	if err != nil {
		return nil, pipeline.Fatal("failed to resolve transcription call", err)
	}

	resp, metrics, err := s.genai.Generate(ctx, &services.GenerationRequest{
		Model:             call.Model,
		Prompt:            call.Prompt,
		SystemInstruction: call.SystemInstruction,
		ResponseSchema:    call.ResponseSchema,
		TokenLimit:        call.TokenLimit,
		Input:             input,
	})
	sc.RecordMetric(metricFromCall(prompts.CallSTT, metrics))
	if err != nil {
		return nil, err
	}

	sentences, startSec, endSec, err := parseTranscription(resp.Parsed)
	if err != nil {
		return nil, err
	}

	return &pipeline.StepResult{
		Content:     strings.Join(sentences, "\n"),
		Data:        resp.Parsed,
		StartSecond: startSec,
		EndSecond:   endSec,
	}, nil
}

// parseTranscription pulls the sentence list and the overall media offsets
// out of the structured transcription response.
func parseTranscription(parsed map[string]any) ([]string, *int, *int, error) {
	rawList, ok := parsed["transcription"].([]any)
	if !ok || len(rawList) == 0 {
		return nil, nil, nil, pipeline.Fatalf("transcription response has no sentences")
	}
	sentences := make([]string, 0, len(rawList))
	var startSec, endSec *int
	for _, raw := range rawList {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sentence, ok := entry["sentence"].(string)
		if !ok || sentence == "" {
			continue
		}
		sentences = append(sentences, sentence)
		if v, ok := entry["start_second"].(float64); ok && startSec == nil {
			sec := int(v)
			startSec = &sec
		}
		if v, ok := entry["end_second"].(float64); ok {
			sec := int(v)
			endSec = &sec
		}
	}
	if len(sentences) == 0 {
		return nil, nil, nil, pipeline.Fatalf("transcription response contained no usable sentences")
	}
	return sentences, startSec, endSec, nil
}
