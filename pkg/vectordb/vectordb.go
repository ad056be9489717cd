// Package vectordb provides the pgvector-backed chunk store. One
// content_chunks table holds every story's embedded artifacts behind a
// fixed set of btree, GIN, and vector indexes; stories and migration_status
// are its bookkeeping satellites. All access goes through a fixed-size
// connection pool; operations acquire, execute, release.
package vectordb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"storywriter/pkg/config"
	"storywriter/pkg/logx"
)

const chunkTable = "content_chunks"

// chunkColumns is the insert/select column list shared by the live table
// and migration tables.
const chunkColumns = "story_id, content_type, content_subtype, title, content, metadata, embedding, created_at, chapter_number, scene_number"

// chunkIndexes pairs each canonical index suffix with its definition. The
// migration routine recreates and later renames all of them, so the set
// lives in one place.
//
//nolint:gochecknoglobals // Index catalog shared by schema setup and migration
var chunkIndexes = []struct {
	Suffix string
	Using  string
}{
	{"story_id", "USING btree (story_id)"},
	{"content_type", "USING btree (content_type)"},
	{"chapter_scene", "USING btree (chapter_number, scene_number)"},
	{"created_at", "USING btree (created_at)"},
	{"type_subtype", "USING btree (content_type, content_subtype)"},
	{"metadata", "USING gin (metadata)"},
	{"embedding_hnsw", "USING hnsw (embedding vector_cosine_ops)"},
	{"embedding_ivfflat", "USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)"},
}

// canonicalIndexName returns the live-table name for an index suffix.
func canonicalIndexName(suffix string) string {
	return "idx_" + chunkTable + "_" + suffix
}

// tableIndexName returns the index name used while an alternate table (a
// migration target) owns the definition.
func tableIndexName(table, suffix string) string {
	return "idx_" + table + "_" + suffix
}

// Store is the pgvector chunk store.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
	logger     *logx.Logger
}

// Open connects to the configured database, verifies the connection, and
// ensures the schema exists with the configured vector width. Call after
// the embedding dimension probe so the width is already corrected.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	return OpenURL(ctx, cfg.VectorStore.DatabaseURL, cfg.VectorStore.PoolSize, cfg.VectorStore.VectorDimensions)
}

// OpenURL connects with explicit settings.
func OpenURL(ctx context.Context, databaseURL string, poolSize, dimensions int) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("vector store database URL is empty")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", dimensions)
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if poolSize > 0 {
		poolCfg.MaxConns = int32(poolSize) //nolint:gosec // Pool size is validated small
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		pool:       pool,
		dimensions: dimensions,
		logger:     logx.NewLogger("vectordb"),
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info("📦 Vector store ready (%d-dimensional embeddings)", dimensions)
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Dimensions returns the vector width the schema was created with.
func (s *Store) Dimensions() int { return s.dimensions }

// ensureSchema creates the extension, tables, and the full index set.
// Everything is IF NOT EXISTS so startup is idempotent.
func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS stories (
			id serial PRIMARY KEY,
			story_name varchar(255) NOT NULL UNIQUE,
			prompt_file_name varchar(255),
			created_at timestamp NOT NULL DEFAULT now()
		)`,
		chunkTableDDL(chunkTable, s.dimensions),
		`CREATE TABLE IF NOT EXISTS migration_status (
			id serial PRIMARY KEY,
			migration_type varchar(50) NOT NULL DEFAULT 'embedding_model_change',
			from_dimensions int,
			to_dimensions int,
			new_model varchar(255),
			migration_table_name varchar(255),
			status varchar(20) NOT NULL,
			error_message text,
			created_at timestamp NOT NULL DEFAULT now(),
			completed_at timestamp
		)`,
	}
	statements = append(statements, indexDDL(chunkTable, true)...)

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// chunkTableDDL renders the chunk table schema for any table name and
// vector width. The migration routine builds its staging table from the
// same definition.
func chunkTableDDL(table string, dimensions int) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id serial PRIMARY KEY,
		story_id int NOT NULL REFERENCES stories(id),
		content_type varchar(50) NOT NULL,
		content_subtype varchar(50),
		title varchar(255),
		content text NOT NULL,
		metadata jsonb,
		embedding vector(%d),
		created_at timestamp NOT NULL DEFAULT now(),
		chapter_number int,
		scene_number int
	)`, table, dimensions)
}

// indexDDL renders CREATE INDEX statements for a table. canonical selects
// the live-table index names; otherwise names derive from the table so a
// staging table's indexes never collide with the live ones.
func indexDDL(table string, canonical bool) []string {
	stmts := make([]string, 0, len(chunkIndexes))
	for _, idx := range chunkIndexes {
		name := tableIndexName(table, idx.Suffix)
		if canonical {
			name = canonicalIndexName(idx.Suffix)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s %s", name, table, idx.Using))
	}
	return stmts
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
