package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/prompts"
	"github.com/notesmith/engine/internal/repos"
	"github.com/notesmith/engine/internal/services"
	"github.com/notesmith/engine/internal/types"
)

// ContextStep segments the input into scored sentences plus search anchors,
// and indexes the sentences for future retrieval.
type ContextStep struct {
	log        *logger.Logger
	genai      services.GenAIClient
	fetcher    services.AudioFetcher
	library    *prompts.Library
	similarity services.SimilarityService
}

func NewContextStep(
	log *logger.Logger,
	genai services.GenAIClient,
	fetcher services.AudioFetcher,
	library *prompts.Library,
	similarity services.SimilarityService,
) *ContextStep {
	return &ContextStep{
		log:        log.With("step", "CONTEXT"),
		genai:      genai,
		fetcher:    fetcher,
		library:    library,
		similarity: similarity,
	}
}

func (s *ContextStep) Kind() types.StageKind { return types.StageKindContext }

func (s *ContextStep) Run(ctx context.Context, sc *pipeline.StepContext) (*pipeline.StepResult, error) {
	input, err := resolveInput(ctx, s.fetcher, sc.Request)
	if err != nil {
		return nil, err
	}

	call, err := s.library.Resolve(prompts.CallContext)
	if err != nil {
		return nil, pipeline.Fatal("failed to resolve context call", err)
	}

	resp, metrics, err := s.genai.Generate(ctx, &services.GenerationRequest{
		Model:             call.Model,
		Prompt:            call.Prompt,
		SystemInstruction: call.SystemInstruction,
		ResponseSchema:    call.ResponseSchema,
		TokenLimit:        call.TokenLimit,
		Input:             input,
	})
	sc.RecordMetric(metricFromCall(prompts.CallContext, metrics))
	if err != nil {
		return nil, err
	}

	sentences, err := parseScoredSentences(resp.Parsed)
	if err != nil {
		return nil, err
	}
	anchors := parseAnchors(resp.Parsed)
	if len(anchors) == 0 {
		sc.Log.Warn("Context response carries no search anchors")
	}

	if sc.Request.NoteID != nil {
		inputs := make([]services.SentenceInput, len(sentences))
		now := time.Now()
		for i, sentence := range sentences {
			inputs[i] = services.SentenceInput{
				Index:           i,
				Text:            sentence.Text,
				ImportanceScore: sentence.Importance,
				Timestamp:       now,
			}
		}
		if _, err := s.similarity.IndexSentences(ctx, sc.Request.UserID, *sc.Request.NoteID, inputs); err != nil {
			return nil, err
		}
	} else {
		sc.Log.Warn("Stage request has no note id, skipping sentence indexing")
	}

	return &pipeline.StepResult{
		Content: formatCurrentNote(sentences),
		Data:    resp.Parsed,
	}, nil
}

// NotebackStep turns the context stage's analysis into the final note,
// pulling in related material from the author's history.
type NotebackStep struct {
	log        *logger.Logger
	genai      services.GenAIClient
	fetcher    services.AudioFetcher
	library    *prompts.Library
	similarity services.SimilarityService
	stages     repos.PipelineStageRepo
	outputs    repos.PipelineOutputRepo
}

func NewNotebackStep(
	log *logger.Logger,
	genai services.GenAIClient,
	fetcher services.AudioFetcher,
	library *prompts.Library,
	similarity services.SimilarityService,
	stages repos.PipelineStageRepo,
	outputs repos.PipelineOutputRepo,
) *NotebackStep {
	return &NotebackStep{
		log:        log.With("step", "NOTEBACK"),
		genai:      genai,
		fetcher:    fetcher,
		library:    library,
		similarity: similarity,
		stages:     stages,
		outputs:    outputs,
	}
}

func (s *NotebackStep) Kind() types.StageKind { return types.StageKindNoteback }

func (s *NotebackStep) Run(ctx context.Context, sc *pipeline.StepContext) (*pipeline.StepResult, error) {
	contextData, err := s.loadContextData(ctx, sc)
	if err != nil {
		return nil, err
	}
	sentences, err := parseScoredSentences(contextData)
	if err != nil {
		return nil, err
	}
	anchors := parseAnchors(contextData)

	historyContext := ""
	if len(anchors) > 0 {
		hits, err := s.similarity.SearchAnchors(ctx, sc.Request.UserID, anchors, 3)
		if err != nil {
			return nil, err
		}
		historyContext = formatHistoryContext(hits)
	} else {
		sc.Log.Warn("No search anchors in context output, generating without history")
	}

	input, err := resolveInput(ctx, s.fetcher, sc.Request)
	if err != nil {
		return nil, err
	}

	call, err := s.library.Resolve(prompts.CallNoteback,
		prompts.Replacement{Target: prompts.TargetPrompt, Key: "{{current_note}}", Value: formatCurrentNote(sentences)},
		prompts.Replacement{Target: prompts.TargetPrompt, Key: "{{history_context}}", Value: historyContext},
	)
	if err != nil {
		return nil, pipeline.Fatal("failed to resolve noteback call", err)
	}

	resp, metrics, err := s.genai.Generate(ctx, &services.GenerationRequest{
		Model:             call.Model,
		Prompt:            call.Prompt,
		SystemInstruction: call.SystemInstruction,
		ResponseSchema:    call.ResponseSchema,
		TokenLimit:        call.TokenLimit,
		Input:             input,
	})
	sc.RecordMetric(metricFromCall(prompts.CallNoteback, metrics))
	if err != nil {
		return nil, err
	}

	note, _ := resp.Parsed["note"].(string)
	if note == "" {
		return nil, pipeline.Fatalf("noteback response carries no note")
	}
	return &pipeline.StepResult{
		Content: note,
		Data:    resp.Parsed,
	}, nil
}

// loadContextData reads the completed context stage's structured output. A
// missing or incomplete context stage can never heal on redelivery of this
// message alone, so it is fatal.
func (s *NotebackStep) loadContextData(ctx context.Context, sc *pipeline.StepContext) (map[string]any, error) {
	stage, err := s.stages.GetByJobAndKind(ctx, nil, sc.Request.JobID, types.StageKindContext)
	if err != nil {
		return nil, pipeline.Transient("failed to load context stage", err)
	}
	if stage == nil {
		return nil, pipeline.Fatalf("job %s has no context stage", sc.Request.JobID)
	}
	if stage.Status != types.StageStatusCompleted {
		// The caller sequences stages; a delivery before context completion is
		// early, not wrong, and redelivery may find it finished.
		return nil, pipeline.Transientf("context stage for job %s is %s, not COMPLETED", sc.Request.JobID, stage.Status)
	}
	output, err := s.outputs.GetByStageID(ctx, nil, stage.ID)
	if err != nil {
		return nil, pipeline.Transient("failed to load context output", err)
	}
	if output == nil || len(output.Data) == 0 {
		return nil, pipeline.Fatalf("context stage %s has no stored output", stage.ID)
	}
	var data map[string]any
	if err := json.Unmarshal(output.Data, &data); err != nil {
		return nil, pipeline.Fatal("context output is not valid JSON", err)
	}
	return data, nil
}

type scoredSentence struct {
	Text       string
	Importance float64
}

func parseScoredSentences(data map[string]any) ([]scoredSentence, error) {
	rawList, ok := data["input_to_sentences"].([]any)
	if !ok || len(rawList) == 0 {
		return nil, pipeline.Fatalf("context data has no sentences")
	}
	sentences := make([]scoredSentence, 0, len(rawList))
	for _, raw := range rawList {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text, ok := entry["sentence"].(string)
		if !ok || text == "" {
			continue
		}
		importance, ok := entry["importance_score"].(float64)
		if !ok {
			continue
		}
		sentences = append(sentences, scoredSentence{Text: text, Importance: importance})
	}
	if len(sentences) == 0 {
		return nil, pipeline.Fatalf("context data contained no usable sentences")
	}
	return sentences, nil
}

func parseAnchors(data map[string]any) []string {
	rawList, ok := data["search_anchors"].([]any)
	if !ok {
		return nil
	}
	anchors := make([]string, 0, len(rawList))
	for _, raw := range rawList {
		if anchor, ok := raw.(string); ok && anchor != "" {
			anchors = append(anchors, anchor)
		}
	}
	return anchors
}

func formatCurrentNote(sentences []scoredSentence) string {
	lines := make([]string, len(sentences))
	for i, sentence := range sentences {
		lines[i] = fmt.Sprintf("%s, importance_score: %.2f", sentence.Text, sentence.Importance)
	}
	return strings.Join(lines, "\n")
}

func formatHistoryContext(hits []repos.ScoredSentence) string {
	lines := make([]string, len(hits))
	for i, hit := range hits {
		lines[i] = fmt.Sprintf("sentence_text: %s, value_score: %.4f", hit.SentenceText, hit.CombinedScore)
	}
	return strings.Join(lines, "\n")
}
