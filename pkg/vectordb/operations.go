package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Story is one row of the stories table.
type Story struct {
	ID             int       `json:"id"`
	StoryName      string    `json:"story_name"`
	PromptFileName string    `json:"prompt_file_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// StoryContent is a chunk row without its embedding, for content listings.
type StoryContent struct {
	ID          int            `json:"id"`
	ContentType string         `json:"content_type"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ChunkInsert carries one chunk row for insertion. ChapterNumber and
// SceneNumber stay NULL when nil.
type ChunkInsert struct {
	StoryID        int
	ContentType    string
	ContentSubtype string
	Title          string
	Content        string
	Metadata       map[string]any
	Embedding      []float32
	ChapterNumber  *int
	SceneNumber    *int
}

// SearchFilters narrows a similarity search. A nil StoryID searches across
// stories and annotates results with story identity.
type SearchFilters struct {
	StoryID     *int
	ContentType string
	Metadata    map[string]any
	Limit       int
	Threshold   float64
}

// SearchResult is one similarity hit, ordered by cosine similarity
// descending. StoryName and PromptFileName are set on cross-story searches
// only.
type SearchResult struct {
	ID             int            `json:"id"`
	ContentType    string         `json:"content_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Similarity     float64        `json:"similarity"`
	StoryName      string         `json:"story_name,omitempty"`
	PromptFileName string         `json:"prompt_file_name,omitempty"`
}

// CreateStory inserts a story row or returns the existing id for the name.
func (s *Store) CreateStory(ctx context.Context, name, promptPath string) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO stories (story_name, prompt_file_name) VALUES ($1, $2)
		 ON CONFLICT (story_name) DO UPDATE SET story_name = EXCLUDED.story_name
		 RETURNING id`,
		name, promptPath).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create story %q: %w", name, err)
	}
	return id, nil
}

// ListStories returns every story, oldest first.
func (s *Store) ListStories(ctx context.Context) ([]Story, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, story_name, COALESCE(prompt_file_name, ''), created_at
		 FROM stories ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer rows.Close()

	var stories []Story
	for rows.Next() {
		var st Story
		if err := rows.Scan(&st.ID, &st.StoryName, &st.PromptFileName, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan story row: %w", err)
		}
		stories = append(stories, st)
	}
	return stories, rows.Err()
}

// GetStory returns a story by name when it exists.
func (s *Store) GetStory(ctx context.Context, name string) (*Story, bool, error) {
	var st Story
	err := s.pool.QueryRow(ctx,
		`SELECT id, story_name, COALESCE(prompt_file_name, ''), created_at
		 FROM stories WHERE story_name = $1`, name).
		Scan(&st.ID, &st.StoryName, &st.PromptFileName, &st.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load story %q: %w", name, err)
	}
	return &st, true, nil
}

// GetStoryContent returns every chunk of a story without embeddings.
func (s *Store) GetStoryContent(ctx context.Context, storyID int) ([]StoryContent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, content_type, content, COALESCE(metadata, '{}'::jsonb)
		 FROM content_chunks WHERE story_id = $1 ORDER BY id`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load story content: %w", err)
	}
	defer rows.Close()

	var contents []StoryContent
	for rows.Next() {
		var c StoryContent
		if err := rows.Scan(&c.ID, &c.ContentType, &c.Content, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan content row: %w", err)
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}

// CountChunks returns the chunk count, optionally scoped to one story.
func (s *Store) CountChunks(ctx context.Context, storyID *int) (int, error) {
	var count int
	var err error
	if storyID != nil {
		err = s.pool.QueryRow(ctx,
			"SELECT count(*) FROM content_chunks WHERE story_id = $1", *storyID).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, "SELECT count(*) FROM content_chunks").Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// InsertChunk stores one embedded chunk and returns its id.
func (s *Store) InsertChunk(ctx context.Context, ins ChunkInsert) (int, error) {
	if len(ins.Embedding) != s.dimensions {
		return 0, fmt.Errorf("embedding has %d dimensions, store expects %d", len(ins.Embedding), s.dimensions)
	}

	metadata, err := metadataParam(ins.Metadata)
	if err != nil {
		return 0, err
	}

	var id int
	err = s.pool.QueryRow(ctx,
		`INSERT INTO content_chunks
			(story_id, content_type, content_subtype, title, content, metadata, embedding, chapter_number, scene_number)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::vector, $8, $9)
		 RETURNING id`,
		ins.StoryID, ins.ContentType, nullable(ins.ContentSubtype), nullable(ins.Title),
		ins.Content, metadata, vectorLiteral(ins.Embedding), ins.ChapterNumber, ins.SceneNumber).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunk: %w", err)
	}
	return id, nil
}

// Search runs a cosine similarity query. Results below the threshold are
// omitted; ordering is similarity descending.
func (s *Store) Search(ctx context.Context, queryVec []float32, f SearchFilters) ([]SearchResult, error) {
	if len(queryVec) != s.dimensions {
		return nil, fmt.Errorf("query vector has %d dimensions, store expects %d", len(queryVec), s.dimensions)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}

	query, args, err := buildSearchQuery(queryVec, f, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if f.StoryID == nil {
			err = rows.Scan(&r.ID, &r.ContentType, &r.Content, &r.Metadata, &r.Similarity,
				&r.StoryName, &r.PromptFileName)
		} else {
			err = rows.Scan(&r.ID, &r.ContentType, &r.Content, &r.Metadata, &r.Similarity)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// buildSearchQuery assembles the similarity SQL for the given filters.
// Pulled out of Search so the shape is testable without a database.
func buildSearchQuery(queryVec []float32, f SearchFilters, limit int) (string, []any, error) {
	args := []any{vectorLiteral(queryVec)}
	where := []string{}

	appendArg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	crossStory := f.StoryID == nil
	prefix := ""
	if crossStory {
		prefix = "c."
	}

	if !crossStory {
		where = append(where, fmt.Sprintf("story_id = %s", appendArg(*f.StoryID)))
	}
	if f.ContentType != "" {
		where = append(where, fmt.Sprintf("%scontent_type = %s", prefix, appendArg(f.ContentType)))
	}
	if len(f.Metadata) > 0 {
		metadata, err := metadataParam(f.Metadata)
		if err != nil {
			return "", nil, err
		}
		where = append(where, fmt.Sprintf("%smetadata @> %s::jsonb", prefix, appendArg(metadata)))
	}
	if f.Threshold > 0 {
		where = append(where, fmt.Sprintf("1 - (%sembedding <=> $1::vector) >= %s", prefix, appendArg(f.Threshold)))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + joinAnd(where)
	}

	var query string
	if crossStory {
		query = fmt.Sprintf(
			`SELECT c.id, c.content_type, c.content, COALESCE(c.metadata, '{}'::jsonb),
				1 - (c.embedding <=> $1::vector) AS similarity,
				s.story_name, COALESCE(s.prompt_file_name, '')
			 FROM content_chunks c JOIN stories s ON s.id = c.story_id%s
			 ORDER BY c.embedding <=> $1::vector
			 LIMIT %s`, whereClause, appendArg(limit))
	} else {
		query = fmt.Sprintf(
			`SELECT id, content_type, content, COALESCE(metadata, '{}'::jsonb),
				1 - (embedding <=> $1::vector) AS similarity
			 FROM content_chunks%s
			 ORDER BY embedding <=> $1::vector
			 LIMIT %s`, whereClause, appendArg(limit))
	}

	return query, args, nil
}

// DeleteByFilters removes chunks matching a content type, an optional story
// scope, and an optional metadata containment filter, returning the number
// removed. A nil storyID deletes across stories.
func (s *Store) DeleteByFilters(ctx context.Context, storyID *int, contentType string, metadata map[string]any) (int64, error) {
	if contentType == "" {
		return 0, fmt.Errorf("delete requires a content type")
	}

	query := "DELETE FROM content_chunks WHERE content_type = $1"
	args := []any{contentType}

	if storyID != nil {
		args = append(args, *storyID)
		query += fmt.Sprintf(" AND story_id = $%d", len(args))
	}
	if len(metadata) > 0 {
		param, err := metadataParam(metadata)
		if err != nil {
			return 0, err
		}
		args = append(args, param)
		query += fmt.Sprintf(" AND metadata @> $%d::jsonb", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// metadataParam marshals a metadata map for a jsonb parameter.
func metadataParam(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

// nullable maps empty strings to NULL for optional varchar columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}
