package vectordb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,2.5,-0.25]", vectorLiteral([]float32{1, 2.5, -0.25}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}

func TestChunkTableDDLUsesDimensions(t *testing.T) {
	ddl := chunkTableDDL("content_chunks_migration_768", 768)
	assert.Contains(t, ddl, "content_chunks_migration_768")
	assert.Contains(t, ddl, "vector(768)")
	assert.Contains(t, ddl, "REFERENCES stories(id)")
}

func TestIndexDDLCoversAllIndexes(t *testing.T) {
	canonical := indexDDL(chunkTable, true)
	require.Len(t, canonical, 8)
	assert.Contains(t, canonical[0], "idx_content_chunks_story_id")
	assert.Contains(t, canonical[5], "USING gin (metadata)")
	assert.Contains(t, canonical[6], "USING hnsw (embedding vector_cosine_ops)")
	assert.Contains(t, canonical[7], "USING ivfflat (embedding vector_cosine_ops)")

	staging := indexDDL("content_chunks_migration_768", false)
	for _, stmt := range staging {
		assert.Contains(t, stmt, "idx_content_chunks_migration_768_")
	}
}

func TestBuildSearchQueryScoped(t *testing.T) {
	storyID := 3
	query, args, err := buildSearchQuery([]float32{0.1, 0.2}, SearchFilters{
		StoryID:     &storyID,
		ContentType: "character_chunk",
		Metadata:    map[string]any{"character_name": "Ana"},
		Threshold:   0.7,
	}, 5)
	require.NoError(t, err)

	assert.Contains(t, query, "story_id = $2")
	assert.Contains(t, query, "content_type = $3")
	assert.Contains(t, query, "metadata @> $4::jsonb")
	assert.Contains(t, query, ">= $5")
	assert.Contains(t, query, "ORDER BY embedding <=> $1::vector")
	assert.NotContains(t, query, "JOIN stories")
	require.Len(t, args, 6)
	assert.Equal(t, "[0.1,0.2]", args[0])
	assert.Equal(t, 5, args[5])
}

func TestBuildSearchQueryCrossStory(t *testing.T) {
	query, args, err := buildSearchQuery([]float32{0.5}, SearchFilters{Threshold: 0.5}, 10)
	require.NoError(t, err)

	assert.Contains(t, query, "JOIN stories s ON s.id = c.story_id")
	assert.Contains(t, query, "s.story_name")
	assert.Contains(t, query, "1 - (c.embedding <=> $1::vector) >= $2")
	require.Len(t, args, 3)
}

func TestBuildSearchQueryNoFilters(t *testing.T) {
	storyID := 1
	query, args, err := buildSearchQuery([]float32{0.5}, SearchFilters{StoryID: &storyID}, 10)
	require.NoError(t, err)

	assert.Contains(t, query, "WHERE story_id = $2")
	assert.NotContains(t, query, "content_type =")
	require.Len(t, args, 3)
}

func TestCanonicalAndTableIndexNames(t *testing.T) {
	assert.Equal(t, "idx_content_chunks_embedding_hnsw", canonicalIndexName("embedding_hnsw"))
	assert.Equal(t, "idx_content_chunks_backup_embedding_hnsw", tableIndexName(backupTable, "embedding_hnsw"))
}

func TestMetadataParam(t *testing.T) {
	empty, err := metadataParam(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)

	filled, err := metadataParam(map[string]any{"chunk_type": "personality"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chunk_type":"personality"}`, filled)
}
