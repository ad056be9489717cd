// Package rag wires chunking, embedding, the vector store, and reranking
// into one indexing/retrieval service. A service is bound to a story; every
// index and search defaults to that story's rows, and cross-story search is
// an explicit opt-in rather than an accident.
package rag

import (
	"context"
	"fmt"

	"storywriter/pkg/chunker"
	"storywriter/pkg/embedding"
	"storywriter/pkg/logx"
	"storywriter/pkg/rerank"
	"storywriter/pkg/vectordb"
)

// Content types stored in the chunk table.
const (
	ContentTypeOutline            = "outline"
	ContentTypeStoryAnalysisChunk = "story_analysis_chunk"
	ContentTypeCharacterChunk     = "character_chunk"
	ContentTypeSettingChunk       = "setting_chunk"
	ContentTypeChapter            = "chapter"
)

// RerankType selects which reranker answers a reranked search.
type RerankType string

const (
	RerankRuleBased  RerankType = "rule_based"
	RerankModelBased RerankType = "model_based"
)

// ParseRerankType validates a reranker type from config or a CLI flag.
func ParseRerankType(raw string) (RerankType, error) {
	switch RerankType(raw) {
	case RerankRuleBased:
		return RerankRuleBased, nil
	case RerankModelBased:
		return RerankModelBased, nil
	default:
		return "", fmt.Errorf("unknown rerank type %q", raw)
	}
}

// ChunkStore is the vector-store surface the service drives. *vectordb.Store
// satisfies it; tests substitute fakes.
type ChunkStore interface {
	CreateStory(ctx context.Context, name, promptPath string) (int, error)
	InsertChunk(ctx context.Context, ins vectordb.ChunkInsert) (int, error)
	Search(ctx context.Context, queryVec []float32, f vectordb.SearchFilters) ([]vectordb.SearchResult, error)
	DeleteByFilters(ctx context.Context, storyID *int, contentType string, metadata map[string]any) (int64, error)
}

// IndexRecorder counts chunks written to the store. *metrics.Recorder
// satisfies it; nil disables counting.
type IndexRecorder interface {
	AddChunksIndexed(story, contentType string, count int)
}

// Config sizes chunking and search defaults, normally copied from the rag
// section of the application config.
type Config struct {
	ChunkSize       int
	ChunkOverlap    int
	SearchLimit     int
	SearchThreshold float64
}

// Service is the indexing/retrieval front door, bound to one story at a time.
type Service struct {
	store    ChunkStore
	embedder embedding.Provider
	rules    *rerank.RuleBased
	model    rerank.Reranker // nil when no cross-encoder is configured
	recorder IndexRecorder
	cfg      Config
	logger   *logx.Logger

	storyID   int
	storyName string
}

// New creates a service. model may be nil (model-based reranking then falls
// back to rules); recorder may be nil.
func New(store ChunkStore, embedder embedding.Provider, rules *rerank.RuleBased, model rerank.Reranker, recorder IndexRecorder, cfg Config) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
		rules:    rules,
		model:    model,
		recorder: recorder,
		cfg:      cfg,
		logger:   logx.NewLogger("rag"),
	}
}

// CreateStory registers the story in the vector store (idempotent on name)
// and binds the service to it.
func (s *Service) CreateStory(ctx context.Context, storyName, promptFilePath string) (int, error) {
	id, err := s.store.CreateStory(ctx, storyName, promptFilePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create story in vector store: %w", err)
	}
	s.storyID = id
	s.storyName = storyName
	s.logger.Debug("Bound RAG service to story %q (id %d)", storyName, id)
	return id, nil
}

// UseStory binds the service to an already-registered story.
func (s *Service) UseStory(storyID int, storyName string) {
	s.storyID = storyID
	s.storyName = storyName
}

// StoryID returns the bound story's row id, zero when unbound.
func (s *Service) StoryID() int { return s.storyID }

// IndexRequest is one artifact to chunk, embed, and store.
type IndexRequest struct {
	Text        string
	ContentType string
	Subtype     string
	Title       string
	Metadata    map[string]any
	Chapter     *int
	Scene       *int
}

// Index chunks the text, embeds every chunk, and inserts the rows under the
// bound story. Returns the new chunk ids in order.
func (s *Service) Index(ctx context.Context, req IndexRequest) ([]int, error) {
	if s.storyID == 0 {
		return nil, fmt.Errorf("rag service not bound to a story")
	}
	if req.Text == "" {
		return nil, nil
	}

	chunks := chunker.Split(req.Text, chunker.Config{
		MaxChunkSize: s.cfg.ChunkSize,
		OverlapSize:  s.cfg.ChunkOverlap,
	}, req.Metadata)
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	ids := make([]int, 0, len(chunks))
	for i, c := range chunks {
		metadata := c.Metadata
		if len(chunks) > 1 {
			if metadata == nil {
				metadata = map[string]any{}
			}
			metadata["chunk_index"] = c.Index
		}

		id, err := s.store.InsertChunk(ctx, vectordb.ChunkInsert{
			StoryID:        s.storyID,
			ContentType:    req.ContentType,
			ContentSubtype: req.Subtype,
			Title:          req.Title,
			Content:        c.Text,
			Metadata:       metadata,
			Embedding:      vectors[i],
			ChapterNumber:  req.Chapter,
			SceneNumber:    req.Scene,
		})
		if err != nil {
			return ids, fmt.Errorf("failed to insert chunk %d of %d: %w", i+1, len(chunks), err)
		}
		ids = append(ids, id)
	}

	if s.recorder != nil {
		s.recorder.AddChunksIndexed(s.storyName, req.ContentType, len(ids))
	}
	logx.Debug(ctx, "rag", "Indexed %d %s chunks", len(ids), req.ContentType)
	return ids, nil
}

// IndexOutline stores outline-family text (the combined outline, story
// elements, per-chapter outlines).
func (s *Service) IndexOutline(ctx context.Context, text, subtype string, metadata map[string]any, chapter *int) ([]int, error) {
	return s.Index(ctx, IndexRequest{
		Text:        text,
		ContentType: ContentTypeOutline,
		Subtype:     subtype,
		Metadata:    metadata,
		Chapter:     chapter,
	})
}

// IndexStoryAnalysis stores one of the eight story-analysis chunks.
func (s *Service) IndexStoryAnalysis(ctx context.Context, text, chunkType string) ([]int, error) {
	return s.Index(ctx, IndexRequest{
		Text:        text,
		ContentType: ContentTypeStoryAnalysisChunk,
		Subtype:     chunkType,
		Title:       chunkType,
		Metadata: map[string]any{
			"content_type": ContentTypeStoryAnalysisChunk,
			"chunk_type":   chunkType,
		},
	})
}

// IndexCharacterChunk stores one character sheet chunk.
func (s *Service) IndexCharacterChunk(ctx context.Context, characterName, chunkType, text, stage string) ([]int, error) {
	return s.Index(ctx, IndexRequest{
		Text:        text,
		ContentType: ContentTypeCharacterChunk,
		Subtype:     chunkType,
		Title:       characterName,
		Metadata: map[string]any{
			"character_name":   characterName,
			"content_type":     ContentTypeCharacterChunk,
			"chunk_type":       chunkType,
			"generation_stage": stage,
		},
	})
}

// IndexSettingChunk stores one setting sheet chunk.
func (s *Service) IndexSettingChunk(ctx context.Context, settingName, chunkType, text, stage string) ([]int, error) {
	return s.Index(ctx, IndexRequest{
		Text:        text,
		ContentType: ContentTypeSettingChunk,
		Subtype:     chunkType,
		Title:       settingName,
		Metadata: map[string]any{
			"setting_name":     settingName,
			"content_type":     ContentTypeSettingChunk,
			"chunk_type":       chunkType,
			"generation_stage": stage,
		},
	})
}

// SearchOptions narrows a search. Zero values take the configured defaults;
// AllStories lifts the story isolation explicitly.
type SearchOptions struct {
	AllStories  bool
	ContentType string
	Metadata    map[string]any
	Limit       int
	Threshold   float64
	// ThresholdSet distinguishes an explicit zero threshold from "use the
	// default".
	ThresholdSet bool
}

// Search embeds the query and runs a similarity search scoped to the bound
// story unless AllStories is set.
func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) ([]vectordb.SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}

	vec, err := s.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	filters := vectordb.SearchFilters{
		ContentType: opts.ContentType,
		Metadata:    opts.Metadata,
		Limit:       opts.Limit,
		Threshold:   opts.Threshold,
	}
	if filters.Limit <= 0 {
		filters.Limit = s.cfg.SearchLimit
	}
	if !opts.ThresholdSet && filters.Threshold == 0 {
		filters.Threshold = s.cfg.SearchThreshold
	}
	if !opts.AllStories {
		if s.storyID == 0 {
			return nil, fmt.Errorf("rag service not bound to a story (pass AllStories to search everything)")
		}
		id := s.storyID
		filters.StoryID = &id
	}

	results, err := s.store.Search(ctx, vec, filters)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	return results, nil
}

// SearchReranked searches and then rescores the hits. Model-based reranking
// requires a configured cross-encoder; without one the rules answer with a
// warning rather than failing the query.
func (s *Service) SearchReranked(ctx context.Context, query string, opts SearchOptions, rerankType RerankType, strategy rerank.Strategy) ([]rerank.Result, error) {
	hits, err := s.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	results := make([]rerank.Result, len(hits))
	for i, h := range hits {
		results[i] = rerank.Result{
			ChunkID:            h.ID,
			ContentType:        h.ContentType,
			Content:            h.Content,
			Metadata:           h.Metadata,
			OriginalSimilarity: h.Similarity,
		}
	}

	reranker := rerank.Reranker(s.rules)
	if rerankType == RerankModelBased {
		if s.model != nil {
			reranker = s.model
		} else {
			s.logger.Warn("⚠️  Model-based reranking requested but no cross-encoder configured; using rules")
		}
	}
	return reranker.Rerank(ctx, query, results, strategy), nil
}

// CleanupByTypeAndMetadata bulk-deletes chunks before re-indexing an updated
// artifact. The delete is scoped to the bound story so one story's refresh
// never touches another's rows.
func (s *Service) CleanupByTypeAndMetadata(ctx context.Context, contentType string, metadata map[string]any) (int64, error) {
	if s.storyID == 0 {
		return 0, fmt.Errorf("rag service not bound to a story")
	}

	id := s.storyID
	count, err := s.store.DeleteByFilters(ctx, &id, contentType, metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up %s chunks: %w", contentType, err)
	}
	if count > 0 {
		logx.Debug(ctx, "rag", "Removed %d stale %s chunks", count, contentType)
	}
	return count, nil
}
