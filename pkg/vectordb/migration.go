package vectordb

import (
	"context"
	"fmt"
	"time"

	"storywriter/pkg/embedding"
)

// Migration status values recorded in migration_status.
const (
	MigrationInProgress = "in_progress"
	MigrationCompleted  = "completed"
	MigrationFailed     = "failed"
)

// migrationTablePrefix names staging tables; leftover tables matching it are
// swept after a successful swap.
const migrationTablePrefix = chunkTable + "_migration_"

const backupTable = chunkTable + "_backup"

// progressEvery is how many re-embedded rows pass between progress lines.
const progressEvery = 10

// MigrationOptions controls a migration run.
type MigrationOptions struct {
	// DryRun plans and prints; no writes happen.
	DryRun bool
	// SkipCleanup keeps the backup table after a successful swap.
	SkipCleanup bool
	// Confirm is asked before proceeding past re-embedding errors. A nil
	// Confirm aborts on any error rather than guessing.
	Confirm func(prompt string) bool
}

// MigrationPlan is the resolved shape of a migration before any write.
type MigrationPlan struct {
	FromDimensions int
	ToDimensions   int
	NewModel       string
	ChunkCount     int
	MigrationTable string
	// Needed is false when the dimensions already agree.
	Needed bool
}

// PlanMigration probes the new embedding provider, inspects the live column's
// type modifier, and reports what a migration would do. Read-only.
func (s *Store) PlanMigration(ctx context.Context, provider embedding.Provider) (MigrationPlan, error) {
	toDims, err := embedding.ProbeDimensions(ctx, provider)
	if err != nil {
		return MigrationPlan{}, fmt.Errorf("failed to probe new embedding model: %w", err)
	}

	fromDims, err := s.currentDimensions(ctx)
	if err != nil {
		return MigrationPlan{}, err
	}

	count, err := s.CountChunks(ctx, nil)
	if err != nil {
		return MigrationPlan{}, err
	}

	return MigrationPlan{
		FromDimensions: fromDims,
		ToDimensions:   toDims,
		NewModel:       provider.ModelName(),
		ChunkCount:     count,
		MigrationTable: fmt.Sprintf("%s%d", migrationTablePrefix, toDims),
		Needed:         fromDims != toDims,
	}, nil
}

// currentDimensions reads the embedding column's type modifier. For pgvector
// the modifier is the dimension itself; an unmodified column falls back to
// the configured width.
func (s *Store) currentDimensions(ctx context.Context) (int, error) {
	var typmod int
	err := s.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = $1::regclass AND attname = 'embedding'`, chunkTable).
		Scan(&typmod)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect embedding column: %w", err)
	}
	if typmod <= 0 {
		return s.dimensions, nil
	}
	return typmod, nil
}

// Migrate re-embeds every chunk with the new provider and swaps the staging
// table into place. The old table survives as content_chunks_backup until
// cleanup; migration_status records the outcome either way.
func (s *Store) Migrate(ctx context.Context, provider embedding.Provider, opts MigrationOptions) (MigrationPlan, error) {
	plan, err := s.PlanMigration(ctx, provider)
	if err != nil {
		return plan, err
	}

	if !plan.Needed {
		s.logger.Info("No migration needed: embeddings already %d-dimensional", plan.FromDimensions)
		return plan, nil
	}

	s.logger.Info("Migration plan: %d chunks, vector(%d) to vector(%d), model %s",
		plan.ChunkCount, plan.FromDimensions, plan.ToDimensions, plan.NewModel)

	if opts.DryRun {
		s.logger.Info("Dry run: no changes made")
		return plan, nil
	}

	if err := s.ensureNoMigrationInProgress(ctx); err != nil {
		return plan, err
	}

	if err := s.createMigrationTable(ctx, plan.MigrationTable, plan.ToDimensions); err != nil {
		return plan, err
	}

	statusID, err := s.recordMigrationStart(ctx, plan)
	if err != nil {
		return plan, err
	}

	if err := s.runMigration(ctx, provider, plan, opts); err != nil {
		if markErr := s.recordMigrationEnd(ctx, statusID, MigrationFailed, err.Error()); markErr != nil {
			s.logger.Error("Failed to record migration failure: %v", markErr)
		}
		return plan, err
	}

	if err := s.recordMigrationEnd(ctx, statusID, MigrationCompleted, ""); err != nil {
		return plan, fmt.Errorf("migration succeeded but status update failed: %w", err)
	}

	s.dimensions = plan.ToDimensions
	s.logger.Info("✅ Migration complete: %d chunks now vector(%d)", plan.ChunkCount, plan.ToDimensions)
	return plan, nil
}

// runMigration is the write phase: fill the staging table, swap, clean up.
func (s *Store) runMigration(ctx context.Context, provider embedding.Provider, plan MigrationPlan, opts MigrationOptions) error {
	failures, err := s.fillMigrationTable(ctx, provider, plan)
	if err != nil {
		return err
	}

	if failures > 0 {
		prompt := fmt.Sprintf("%d of %d chunks failed to re-embed and will be missing; proceed with swap?",
			failures, plan.ChunkCount)
		if opts.Confirm == nil || !opts.Confirm(prompt) {
			return fmt.Errorf("aborted: %d chunks failed to re-embed", failures)
		}
	}

	if err := s.swapTables(ctx, plan); err != nil {
		return err
	}

	if !opts.SkipCleanup {
		if err := s.dropBackup(ctx); err != nil {
			// The swap already happened; a surviving backup is an
			// inconvenience, not a failure.
			s.logger.Warn("⚠️  Failed to drop backup table: %v", err)
		}
	}

	if err := s.cleanupLeftoverTables(ctx); err != nil {
		s.logger.Warn("⚠️  Failed to sweep leftover migration tables: %v", err)
	}
	return nil
}

// ensureNoMigrationInProgress enforces the single-migration invariant.
func (s *Store) ensureNoMigrationInProgress(ctx context.Context) error {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM migration_status WHERE status = $1", MigrationInProgress).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("another migration is already in progress; resolve its migration_status row first")
	}
	return nil
}

// createMigrationTable builds the staging table with the new vector width and
// the full index set under table-derived names.
func (s *Store) createMigrationTable(ctx context.Context, table string, dimensions int) error {
	// A stale staging table from an interrupted run is superseded.
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("failed to drop stale migration table: %w", err)
	}

	statements := append([]string{chunkTableDDL(table, dimensions)}, indexDDL(table, false)...)
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create migration table: %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *Store) recordMigrationStart(ctx context.Context, plan MigrationPlan) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO migration_status
			(migration_type, from_dimensions, to_dimensions, new_model, migration_table_name, status)
		 VALUES ('embedding_model_change', $1, $2, $3, $4, $5)
		 RETURNING id`,
		plan.FromDimensions, plan.ToDimensions, plan.NewModel, plan.MigrationTable, MigrationInProgress).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record migration start: %w", err)
	}
	return id, nil
}

func (s *Store) recordMigrationEnd(ctx context.Context, id int, status, errorMessage string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE migration_status
		 SET status = $1, error_message = NULLIF($2, ''), completed_at = now()
		 WHERE id = $3`,
		status, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to update migration status: %w", err)
	}
	return nil
}

// migrationRow carries one chunk through re-embedding.
type migrationRow struct {
	ID             int
	StoryID        int
	ContentType    string
	ContentSubtype *string
	Title          *string
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
	ChapterNumber  *int
	SceneNumber    *int
}

// fillMigrationTable walks every story's chunks, re-embeds each content with
// the new provider, and inserts into the staging table preserving every other
// column. Returns how many rows failed to re-embed.
func (s *Store) fillMigrationTable(ctx context.Context, provider embedding.Provider, plan MigrationPlan) (int, error) {
	stories, err := s.ListStories(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	failures := 0
	for _, story := range stories {
		rows, err := s.loadStoryRows(ctx, story.ID)
		if err != nil {
			return failures, fmt.Errorf("failed to load chunks for story %q: %w", story.StoryName, err)
		}

		for i := range rows {
			row := &rows[i]
			vec, embErr := provider.EmbedSingle(ctx, row.Content)
			if embErr != nil {
				s.logger.Warn("⚠️  Chunk %d re-embedding failed: %v", row.ID, embErr)
				failures++
			} else if insErr := s.insertMigrationRow(ctx, plan.MigrationTable, row, vec); insErr != nil {
				s.logger.Warn("⚠️  Chunk %d insert failed: %v", row.ID, insErr)
				failures++
			}

			processed++
			if processed%progressEvery == 0 {
				s.logger.Info("Re-embedded %d/%d chunks", processed, plan.ChunkCount)
			}

			if ctxErr := ctx.Err(); ctxErr != nil {
				return failures, ctxErr
			}
		}
	}

	if processed%progressEvery != 0 {
		s.logger.Info("Re-embedded %d/%d chunks", processed, plan.ChunkCount)
	}
	return failures, nil
}

func (s *Store) loadStoryRows(ctx context.Context, storyID int) ([]migrationRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, story_id, content_type, content_subtype, title, content,
			COALESCE(metadata, '{}'::jsonb), created_at, chapter_number, scene_number
		 FROM content_chunks WHERE story_id = $1 ORDER BY id`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []migrationRow
	for rows.Next() {
		var r migrationRow
		if err := rows.Scan(&r.ID, &r.StoryID, &r.ContentType, &r.ContentSubtype, &r.Title,
			&r.Content, &r.Metadata, &r.CreatedAt, &r.ChapterNumber, &r.SceneNumber); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) insertMigrationRow(ctx context.Context, table string, row *migrationRow, vec []float32) error {
	metadata, err := metadataParam(row.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::vector, $8, $9, $10)`,
			table, chunkColumns),
		row.StoryID, row.ContentType, row.ContentSubtype, row.Title, row.Content,
		metadata, vectorLiteral(vec), row.CreatedAt, row.ChapterNumber, row.SceneNumber)
	return err
}

// swapTables promotes the staging table in one transaction. Renaming a table
// leaves its index names behind, so the old indexes move aside to backup
// names before the staging indexes take the canonical ones.
func (s *Store) swapTables(ctx context.Context, plan MigrationPlan) error {
	liveRows, err := s.CountChunks(ctx, nil)
	if err != nil {
		return err
	}

	// A backup from an earlier migration would collide with the rename.
	if err := s.dropBackup(ctx); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin swap transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var statements []string
	if liveRows > 0 {
		statements = append(statements,
			fmt.Sprintf("ALTER TABLE %s RENAME TO %s", chunkTable, backupTable))
		for _, idx := range chunkIndexes {
			statements = append(statements, fmt.Sprintf("ALTER INDEX %s RENAME TO %s",
				canonicalIndexName(idx.Suffix), tableIndexName(backupTable, idx.Suffix)))
		}
	} else {
		// Nothing worth keeping; the indexes drop with the table.
		statements = append(statements, "DROP TABLE "+chunkTable)
	}

	statements = append(statements,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", plan.MigrationTable, chunkTable))
	for _, idx := range chunkIndexes {
		statements = append(statements, fmt.Sprintf("ALTER INDEX %s RENAME TO %s",
			tableIndexName(plan.MigrationTable, idx.Suffix), canonicalIndexName(idx.Suffix)))
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to swap tables: %s: %w", stmt, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit table swap: %w", err)
	}
	return nil
}

func (s *Store) dropBackup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+backupTable); err != nil {
		return fmt.Errorf("failed to drop backup table: %w", err)
	}
	return nil
}

// cleanupLeftoverTables sweeps staging tables abandoned by interrupted runs.
// The freshly swapped live table no longer matches the prefix, so everything
// that still does is garbage.
func (s *Store) cleanupLeftoverTables(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT tablename FROM pg_tables
		 WHERE schemaname = current_schema() AND tablename LIKE $1`,
		migrationTablePrefix+"%")
	if err != nil {
		return fmt.Errorf("failed to list leftover migration tables: %w", err)
	}
	defer rows.Close()

	var leftovers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		leftovers = append(leftovers, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range leftovers {
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return fmt.Errorf("failed to drop leftover table %s: %w", name, err)
		}
		s.logger.Info("Dropped leftover migration table %s", name)
	}
	return nil
}

// MigrationRecord is one row of migration_status.
type MigrationRecord struct {
	ID             int
	MigrationType  string
	FromDimensions int
	ToDimensions   int
	NewModel       string
	Status         string
	ErrorMessage   string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// MigrationHistory lists recorded migrations, newest first.
func (s *Store) MigrationHistory(ctx context.Context, limit int) ([]MigrationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, migration_type, COALESCE(from_dimensions, 0), COALESCE(to_dimensions, 0),
			COALESCE(new_model, ''), status, COALESCE(error_message, ''), created_at, completed_at
		 FROM migration_status ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		if err := rows.Scan(&r.ID, &r.MigrationType, &r.FromDimensions, &r.ToDimensions,
			&r.NewModel, &r.Status, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
