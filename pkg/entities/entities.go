// Package entities generates and maintains the character and setting sheets
// a story draws on. Each entity gets a full sheet plus a fixed taxonomy of
// focused chunks, every chunk produced as a sibling follow-up on a copy of
// the sheet conversation and indexed into the vector store the moment it is
// saved. Characters and settings share all machinery and differ only in
// taxonomy.
package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"storywriter/pkg/executor"
	"storywriter/pkg/llm"
	"storywriter/pkg/logx"
	"storywriter/pkg/prompts"
	"storywriter/pkg/rag"
	"storywriter/pkg/savepoint"
)

// maxNames caps how many entities one extraction may produce.
const maxNames = 10

// stageOutline tags chunks produced during the outline phase.
const stageOutline = "outline"

// ChunkIndexer is the RAG surface the manager needs. *rag.Service satisfies
// it; nil disables indexing entirely.
type ChunkIndexer interface {
	IndexCharacterChunk(ctx context.Context, characterName, chunkType, text, stage string) ([]int, error)
	IndexSettingChunk(ctx context.Context, settingName, chunkType, text, stage string) ([]int, error)
	CleanupByTypeAndMetadata(ctx context.Context, contentType string, metadata map[string]any) (int64, error)
}

// SummaryStyle selects how Summaries renders multiple entities.
type SummaryStyle int

const (
	// SummaryNamed renders "Name:" headed blocks.
	SummaryNamed SummaryStyle = iota
	// SummarySeparated renders summaries joined by horizontal rules.
	SummarySeparated
)

// taxonomy is everything that differs between the two entity families.
type taxonomy struct {
	kind        string
	dir         string
	contentType string
	nameKey     string
	chunkTypes  []string
	summaryVars []string
}

//nolint:gochecknoglobals // Fixed taxonomies shared by both constructors
var (
	characterTaxonomy = taxonomy{
		kind:        "character",
		dir:         "characters",
		contentType: rag.ContentTypeCharacterChunk,
		nameKey:     "character_name",
		chunkTypes: []string{
			"personality", "background", "relationships",
			"motivations", "skills", "current_state", "growth_arc",
		},
		summaryVars: []string{"personality", "motivations", "current_state"},
	}

	settingTaxonomy = taxonomy{
		kind:        "setting",
		dir:         "settings",
		contentType: rag.ContentTypeSettingChunk,
		nameKey:     "setting_name",
		chunkTypes: []string{
			"physical_description", "history_background", "function_purpose",
			"atmosphere_mood", "rules_constraints", "connections_relationships",
		},
		summaryVars: []string{"physical_description", "function_purpose", "atmosphere_mood"},
	}
)

// Manager owns one entity family for one story.
type Manager struct {
	exec     *executor.Executor
	registry *prompts.Registry
	store    *savepoint.Store
	model    executor.Generator
	indexer  ChunkIndexer
	opts     executor.Options
	tax      taxonomy
	logger   *logx.Logger
}

// NewCharacterManager creates the character-sheet manager. indexer may be
// nil when the vector store is disabled.
func NewCharacterManager(exec *executor.Executor, registry *prompts.Registry, store *savepoint.Store, model executor.Generator, indexer ChunkIndexer, opts executor.Options) *Manager {
	return newManager(exec, registry, store, model, indexer, opts, characterTaxonomy)
}

// NewSettingManager creates the setting-sheet manager.
func NewSettingManager(exec *executor.Executor, registry *prompts.Registry, store *savepoint.Store, model executor.Generator, indexer ChunkIndexer, opts executor.Options) *Manager {
	return newManager(exec, registry, store, model, indexer, opts, settingTaxonomy)
}

func newManager(exec *executor.Executor, registry *prompts.Registry, store *savepoint.Store, model executor.Generator, indexer ChunkIndexer, opts executor.Options, tax taxonomy) *Manager {
	return &Manager{
		exec:     exec,
		registry: registry,
		store:    store,
		model:    model,
		indexer:  indexer,
		opts:     opts,
		tax:      tax,
		logger:   logx.NewLogger(tax.dir),
	}
}

// Kind returns "character" or "setting".
func (m *Manager) Kind() string { return m.tax.kind }

// ChunkTypes returns the family's chunk taxonomy in generation order.
func (m *Manager) ChunkTypes() []string { return slices.Clone(m.tax.chunkTypes) }

// ExtractNames asks the model for the entity names appearing in text and
// parses the reply: a JSON array of strings when possible, one name per line
// otherwise. Names dedupe case-insensitively, first spelling wins, capped at
// ten. The raw reply savepoints under savepointID so resume skips the call.
func (m *Manager) ExtractNames(ctx context.Context, text, savepointID string) ([]string, error) {
	res, err := m.exec.Execute(ctx, executor.Request{
		PromptID:    m.tax.dir + "/extract_names",
		Variables:   map[string]string{"story_elements": text},
		SavepointID: savepointID,
		Model:       m.model,
		Options:     m.opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s names: %w", m.tax.kind, err)
	}

	names := parseNames(res.Text())
	if len(names) == 0 {
		m.logger.Warn("⚠️  No %s names found in extraction reply", m.tax.kind)
	}
	return names, nil
}

// GenerateSheets produces the sheet and every chunk for each named entity,
// indexing chunks as they are written. A failing entity is logged and
// skipped so one bad name cannot sink the phase; only cancellation aborts.
func (m *Manager) GenerateSheets(ctx context.Context, names []string, storyElements string) error {
	for _, name := range names {
		if err := m.generateEntity(ctx, name, storyElements); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error("❌ Failed to generate %s %q: %v", m.tax.kind, name, err)
		}
	}
	return nil
}

// generateEntity runs the sheet conversation and its chunk follow-ups. Each
// chunk continues a fresh copy of the sheet transcript, so chunks are
// siblings rather than an ever-growing chain.
func (m *Manager) generateEntity(ctx context.Context, name, storyElements string) error {
	sheetVars := map[string]string{"name": name, "story_elements": storyElements}

	sheet, err := m.exec.Execute(ctx, executor.Request{
		PromptID:    m.tax.dir + "/sheet",
		Variables:   sheetVars,
		SavepointID: m.sheetID(name),
		Model:       m.model,
		Options:     m.opts,
	})
	if err != nil {
		return fmt.Errorf("sheet generation failed: %w", err)
	}

	// The chunk turns need the sheet conversation verbatim, savepoint hit or
	// not, so the opening prompt is re-rendered from the registry.
	sheetPrompt, err := m.registry.Load(m.tax.dir+"/sheet", sheetVars)
	if err != nil {
		return fmt.Errorf("failed to render sheet prompt: %w", err)
	}
	transcript := []llm.Message{
		llm.NewUserMessage(sheetPrompt),
		llm.NewAssistantMessage(sheet.Text()),
	}

	for _, chunkType := range m.tax.chunkTypes {
		followUp, err := m.registry.Load(m.tax.dir+"/chunks/"+chunkType, nil)
		if err != nil {
			return fmt.Errorf("failed to load %s chunk prompt: %w", chunkType, err)
		}

		messages := append(slices.Clone(transcript), llm.NewUserMessage(followUp))
		res, err := m.exec.Execute(ctx, executor.Request{
			Messages:    messages,
			SavepointID: m.chunkID(name, chunkType),
			Model:       m.model,
			Options:     m.opts,
		})
		if err != nil {
			return fmt.Errorf("%s chunk failed: %w", chunkType, err)
		}

		// A savepoint hit means the chunk was indexed when first written.
		if !res.FromSavepoint {
			m.indexChunk(ctx, name, chunkType, res.Text())
		}
	}
	return nil
}

// UpdateForChapter extracts the entities appearing in a finished chapter and
// rewrites each known entity's sheet in light of it. The name list savepoints
// under chapter_<N>/; the sheet rewrite itself is an overwrite, never a
// savepoint hit.
func (m *Manager) UpdateForChapter(ctx context.Context, chapter int, chapterContent string) error {
	names, err := m.ExtractNames(ctx, chapterContent, fmt.Sprintf("chapter_%d/%s", chapter, m.tax.dir))
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := m.updateEntity(ctx, name, chapterContent); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("⚠️  Failed to update %s %q: %v", m.tax.kind, name, err)
		}
	}
	return nil
}

func (m *Manager) updateEntity(ctx context.Context, name, chapterContent string) error {
	sheet, ok := m.loadSheetText(ctx, name)
	if !ok {
		// The chapter introduced someone the outline never defined.
		logx.Debug(ctx, m.tax.dir, "No sheet for %q, skipping update", name)
		return nil
	}

	res, err := m.exec.Execute(ctx, executor.Request{
		PromptID: m.tax.dir + "/update_sheet",
		Variables: map[string]string{
			"name":            name,
			"sheet":           sheet,
			"chapter_content": chapterContent,
		},
		Model:   m.model,
		Options: m.opts,
	})
	if err != nil {
		return err
	}

	return m.store.Save(ctx, m.sheetID(name), savepoint.String(res.Text()))
}

// Summaries renders a prompt-injectable description of the named entities.
// Each entity's summary is synthesized once from its focus chunks and
// savepointed; entities without sheets are skipped.
func (m *Manager) Summaries(ctx context.Context, names []string, style SummaryStyle) (string, error) {
	var blocks []string
	for _, name := range names {
		summary, ok, err := m.summarize(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			m.logger.Warn("⚠️  Failed to summarize %s %q: %v", m.tax.kind, name, err)
			continue
		}
		if !ok {
			continue
		}
		if style == SummaryNamed {
			blocks = append(blocks, name+":\n"+summary)
		} else {
			blocks = append(blocks, summary)
		}
	}

	if style == SummarySeparated {
		return strings.Join(blocks, "\n\n---\n\n"), nil
	}
	return strings.Join(blocks, "\n\n"), nil
}

// summarize produces one entity's summary from its focus chunks. The second
// return is false when the entity has no generated material at all.
func (m *Manager) summarize(ctx context.Context, name string) (string, bool, error) {
	if !m.store.Has(m.sheetID(name)) {
		return "", false, nil
	}

	vars := map[string]string{"name": name}
	for _, chunkType := range m.tax.summaryVars {
		vars[chunkType] = m.chunkOrSheetText(ctx, name, chunkType)
	}

	res, err := m.exec.Execute(ctx, executor.Request{
		PromptID:    m.tax.dir + "/summary",
		Variables:   vars,
		SavepointID: m.summaryID(name),
		Model:       m.model,
		Options:     m.opts,
	})
	if err != nil {
		return "", false, err
	}
	return res.Text(), true, nil
}

// loadSheetText returns the entity's sheet, falling back to its first chunk
// when only chunks survive.
func (m *Manager) loadSheetText(ctx context.Context, name string) (string, bool) {
	if value, ok, err := m.store.Load(ctx, m.sheetID(name)); err == nil && ok {
		return value.Text(), true
	}
	first := m.tax.chunkTypes[0]
	if value, ok, err := m.store.Load(ctx, m.chunkID(name, first)); err == nil && ok {
		return value.Text(), true
	}
	return "", false
}

// chunkOrSheetText loads a chunk's text, degrading to the sheet so a missing
// chunk never blanks a summary input.
func (m *Manager) chunkOrSheetText(ctx context.Context, name, chunkType string) string {
	if value, ok, err := m.store.Load(ctx, m.chunkID(name, chunkType)); err == nil && ok {
		return value.Text()
	}
	if value, ok, err := m.store.Load(ctx, m.sheetID(name)); err == nil && ok {
		return value.Text()
	}
	return ""
}

// indexChunk pushes one freshly written chunk into the vector store,
// replacing any earlier rows for the same entity and chunk type. Indexing
// failures degrade retrieval, not generation.
func (m *Manager) indexChunk(ctx context.Context, name, chunkType, text string) {
	if m.indexer == nil {
		return
	}

	filter := map[string]any{m.tax.nameKey: name, "chunk_type": chunkType}
	if _, err := m.indexer.CleanupByTypeAndMetadata(ctx, m.tax.contentType, filter); err != nil {
		m.logger.Warn("⚠️  Failed to clean stale %s chunks for %q: %v", m.tax.kind, name, err)
	}

	var err error
	if m.tax.kind == "character" {
		_, err = m.indexer.IndexCharacterChunk(ctx, name, chunkType, text, stageOutline)
	} else {
		_, err = m.indexer.IndexSettingChunk(ctx, name, chunkType, text, stageOutline)
	}
	if err != nil {
		m.logger.Warn("⚠️  Failed to index %s chunk %s/%s: %v", m.tax.kind, name, chunkType, err)
	}
}

func (m *Manager) sheetID(name string) string {
	return m.tax.dir + "/" + safeName(name) + "/sheet"
}

func (m *Manager) chunkID(name, chunkType string) string {
	return m.tax.dir + "/" + safeName(name) + "/" + chunkType + "_chunk"
}

func (m *Manager) summaryID(name string) string {
	return m.tax.dir + "/" + safeName(name) + "/summary"
}

// safeName keeps model-provided names usable as directory segments.
func safeName(name string) string {
	s := strings.TrimSpace(name)
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	return s
}

// parseNames interprets an extraction reply: a JSON string array when the
// model obliged, one name per line when it did not.
func parseNames(text string) []string {
	var names []string

	if raw, ok := llm.ExtractJSON(text); ok && strings.HasPrefix(raw, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			for _, item := range arr {
				if s, isStr := item.(string); isStr && strings.TrimSpace(s) != "" {
					names = append(names, strings.TrimSpace(s))
				}
			}
		}
	}

	if len(names) == 0 {
		for _, line := range strings.Split(text, "\n") {
			if name := cleanNameLine(line); name != "" {
				names = append(names, name)
			}
		}
	}

	return dedupeNames(names)
}

// cleanNameLine strips list decoration from a line and rejects lines that
// read like prose rather than a name.
func cleanNameLine(line string) string {
	s := strings.TrimSpace(line)
	for _, prefix := range []string{"-", "*", "•"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	// Numbered list form "3. Name".
	if dot := strings.IndexByte(s, '.'); dot > 0 && dot <= 3 {
		if _, err := strconv.Atoi(s[:dot]); err == nil {
			s = strings.TrimSpace(s[dot+1:])
		}
	}
	s = strings.Trim(s, `"',`)

	if s == "" || strings.HasSuffix(s, ":") || len(strings.Fields(s)) > 5 {
		return ""
	}
	return s
}

// dedupeNames removes case-insensitive duplicates, keeping the first
// spelling, and caps the list.
func dedupeNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
		if len(out) == maxNames {
			break
		}
	}
	return out
}
