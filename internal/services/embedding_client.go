package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/types"
	"github.com/notesmith/engine/internal/utils"
)

// EmbeddingClient produces fixed-width vectors for retrieval. Queries and
// documents use different task types because the embedding space is tuned
// asymmetrically for each role.
type EmbeddingClient interface {
	// EmbedQuery embeds a single search query. Returns the vector and the
	// character count of the embedded text.
	EmbedQuery(ctx context.Context, text string) (pgvector.Vector, int, error)
	// EmbedDocuments embeds a batch of sentences for indexing. The returned
	// slices are index-aligned with the input.
	EmbedDocuments(ctx context.Context, texts []string) ([]pgvector.Vector, []int, error)
}

const (
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

type embeddingClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewEmbeddingClient(log *logger.Logger) (EmbeddingClient, error) {
	serviceLog := log.With("service", "EmbeddingClient")
	apiKey := utils.GetEnv("GENAI_API_KEY", "", log)
	if apiKey == "" {
		return nil, fmt.Errorf("missing GENAI_API_KEY")
	}
	baseURL := utils.GetEnv("GENAI_BASE_URL", "https://generativelanguage.googleapis.com", log)
	model := utils.GetEnv("EMBEDDING_MODEL", "gemini-embedding-001", log)
	timeoutSec := utils.GetEnvAsInt("EMBEDDING_TIMEOUT_SECONDS", 60, log)
	return &embeddingClient{
		log:        serviceLog,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

type embedContentRequest struct {
	Model                string     `json:"model"`
	Content              genContent `json:"content"`
	TaskType             string     `json:"taskType"`
	OutputDimensionality int        `json:"outputDimensionality"`
}

type batchEmbedRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type embeddingValues struct {
	Values []float32 `json:"values"`
}

type embedContentResponse struct {
	Embedding embeddingValues `json:"embedding"`
}

type batchEmbedResponse struct {
	Embeddings []embeddingValues `json:"embeddings"`
}

func (c *embeddingClient) EmbedQuery(ctx context.Context, text string) (pgvector.Vector, int, error) {
	if strings.TrimSpace(text) == "" {
		return pgvector.Vector{}, 0, pipeline.Fatalf("cannot embed empty query text")
	}
	body := c.buildRequest(text, taskRetrievalQuery)
	var resp embedContentResponse
	if err := c.post(ctx, fmt.Sprintf("/v1beta/models/%s:embedContent", c.model), body, &resp); err != nil {
		return pgvector.Vector{}, 0, classifyCallErr(err)
	}
	if len(resp.Embedding.Values) != types.EmbeddingDimensions {
		return pgvector.Vector{}, 0, pipeline.Transientf(
			"embedding dimension mismatch: got %d, want %d", len(resp.Embedding.Values), types.EmbeddingDimensions)
	}
	return pgvector.NewVector(resp.Embedding.Values), len(text), nil
}

func (c *embeddingClient) EmbedDocuments(ctx context.Context, texts []string) ([]pgvector.Vector, []int, error) {
	if len(texts) == 0 {
		return nil, nil, nil
	}
	reqs := make([]embedContentRequest, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, nil, pipeline.Fatalf("cannot embed empty document text")
		}
		reqs = append(reqs, c.buildRequest(t, taskRetrievalDocument))
	}
	var resp batchEmbedResponse
	if err := c.post(ctx, fmt.Sprintf("/v1beta/models/%s:batchEmbedContents", c.model), batchEmbedRequest{Requests: reqs}, &resp); err != nil {
		return nil, nil, classifyCallErr(err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, nil, pipeline.Transientf(
			"embedding batch size mismatch: got %d, want %d", len(resp.Embeddings), len(texts))
	}
	vectors := make([]pgvector.Vector, len(texts))
	charCounts := make([]int, len(texts))
	for i, emb := range resp.Embeddings {
		if len(emb.Values) != types.EmbeddingDimensions {
			return nil, nil, pipeline.Transientf(
				"embedding dimension mismatch at index %d: got %d, want %d", i, len(emb.Values), types.EmbeddingDimensions)
		}
		vectors[i] = pgvector.NewVector(emb.Values)
		charCounts[i] = len(texts[i])
	}
	return vectors, charCounts, nil
}

func (c *embeddingClient) buildRequest(text, taskType string) embedContentRequest {
	return embedContentRequest{
		Model:                "models/" + c.model,
		Content:              genContent{Parts: []genPart{{Text: text}}},
		TaskType:             taskType,
		OutputDimensionality: types.EmbeddingDimensions,
	}
}

func (c *embeddingClient) post(ctx context.Context, path string, body any, out any) error {
	return postJSON(ctx, c.httpClient, c.baseURL+path, c.apiKey, body, out)
}
