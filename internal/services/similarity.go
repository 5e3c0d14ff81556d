package services

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/pipeline"
	"github.com/notesmith/engine/internal/repos"
	"github.com/notesmith/engine/internal/types"
)

// Score weights. Similarity dominates; importance and recency act as
// tie-breakers of equal weight.
const (
	weightSimilarity = 0.6
	weightImportance = 0.2
	weightRecency    = 0.2
)

// CombinedScore blends inverse vector distance with per-user normalized
// importance and recency. It is the reference arithmetic for the ranking the
// store computes; a zero normalizer (all-equal importances or timestamps)
// contributes 0 for that term rather than dividing by zero.
func CombinedScore(distance, importance, maxImportance, tsEpoch, minTS, maxTS float64) float64 {
	score := weightSimilarity * (1.0 / (1.0 + distance))
	if maxImportance != 0 {
		score += weightImportance * (importance / maxImportance)
	}
	if span := maxTS - minTS; span != 0 {
		score += weightRecency * ((tsEpoch - minTS) / span)
	}
	return score
}

// SentenceInput is one sentence to index for later retrieval.
type SentenceInput struct {
	Index           int
	Text            string
	ImportanceScore float64
	Timestamp       time.Time
	Language        string
}

type SimilarityService interface {
	// Search embeds the query and ranks the user's sentences against it.
	Search(ctx context.Context, userID uuid.UUID, query string, topK int) ([]repos.ScoredSentence, error)
	// SearchAnchors runs one search per anchor phrase and merges the results,
	// deduplicating sentences that multiple anchors retrieve.
	SearchAnchors(ctx context.Context, userID uuid.UUID, anchors []string, perAnchorK int) ([]repos.ScoredSentence, error)
	// IndexSentences embeds and persists a note's sentences. Returns the
	// number of rows written.
	IndexSentences(ctx context.Context, userID, noteID uuid.UUID, sentences []SentenceInput) (int, error)
}

type similarityService struct {
	log       *logger.Logger
	embedder  EmbeddingClient
	sentences repos.SentenceEmbeddingRepo
}

func NewSimilarityService(log *logger.Logger, embedder EmbeddingClient, sentences repos.SentenceEmbeddingRepo) SimilarityService {
	return &similarityService{
		log:       log.With("service", "SimilarityService"),
		embedder:  embedder,
		sentences: sentences,
	}
}

func (s *similarityService) Search(ctx context.Context, userID uuid.UUID, query string, topK int) ([]repos.ScoredSentence, error) {
	vec, charCount, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Embedded similarity query", "user_id", userID, "char_count", charCount)
	results, err := s.sentences.SearchHybrid(ctx, nil, userID, vec, topK)
	if err != nil {
		return nil, pipeline.Transient("hybrid search failed", err)
	}
	return results, nil
}

func (s *similarityService) SearchAnchors(ctx context.Context, userID uuid.UUID, anchors []string, perAnchorK int) ([]repos.ScoredSentence, error) {
	if len(anchors) == 0 {
		return nil, pipeline.Fatalf("no anchors to search")
	}
	if perAnchorK <= 0 {
		perAnchorK = 3
	}
	seen := make(map[string]repos.ScoredSentence)
	for _, anchor := range anchors {
		hits, err := s.Search(ctx, userID, anchor, perAnchorK)
		if err != nil {
			if pipeline.IsFatal(err) {
				// One malformed anchor should not sink the whole retrieval;
				// surface it as retryable alongside the others.
				return nil, pipeline.Transient("anchor search failed", err)
			}
			return nil, err
		}
		for _, hit := range hits {
			prev, ok := seen[hit.SentenceText]
			if !ok || hit.CombinedScore > prev.CombinedScore {
				seen[hit.SentenceText] = hit
			}
		}
	}
	merged := make([]repos.ScoredSentence, 0, len(seen))
	for _, hit := range seen {
		merged = append(merged, hit)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].CombinedScore > merged[j].CombinedScore
	})
	return merged, nil
}

func (s *similarityService) IndexSentences(ctx context.Context, userID, noteID uuid.UUID, sentences []SentenceInput) (int, error) {
	if len(sentences) == 0 {
		return 0, nil
	}
	texts := make([]string, len(sentences))
	for i, sentence := range sentences {
		texts[i] = sentence.Text
	}
	vectors, charCounts, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, err
	}

	rows := make([]*types.SentenceEmbedding, len(sentences))
	totalChars := 0
	for i, sentence := range sentences {
		language := sentence.Language
		if language == "" {
			language = "en"
		}
		timestamp := sentence.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now()
		}
		rows[i] = &types.SentenceEmbedding{
			UserID:          userID,
			NoteID:          noteID,
			SentenceIndex:   sentence.Index,
			SentenceText:    sentence.Text,
			Embedding:       vectors[i],
			Language:        language,
			ImportanceScore: sentence.ImportanceScore,
			Timestamp:       timestamp,
		}
		totalChars += charCounts[i]
	}
	if err := s.sentences.Insert(ctx, nil, rows); err != nil {
		return 0, pipeline.Transient("sentence insert failed", err)
	}
	s.log.Info("Indexed sentences",
		"user_id", userID, "note_id", noteID, "count", len(rows), "char_count", totalChars)
	return len(rows), nil
}
