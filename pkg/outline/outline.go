// Package outline runs the story-analysis phase that everything downstream
// builds on: an understanding pass over the user's prompt, eight analysis
// chunks continuing that conversation, start-date and base-context
// extraction, the assembled story-elements document, and the entity sheets.
package outline

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"storywriter/pkg/executor"
	"storywriter/pkg/llm"
	"storywriter/pkg/logx"
	"storywriter/pkg/prompts"
	"storywriter/pkg/rag"
	"storywriter/pkg/recap"
	"storywriter/pkg/savepoint"
)

// Analysis chunk names, in generation and rendering order.
const (
	chunkCoreFoundation      = "core_story_foundation"
	chunkCharacterFoundation = "character_foundation"
	chunkSettingFoundation   = "setting_foundation"
	chunkPlotStructure       = "plot_structure"
	chunkThemeMessage        = "theme_message"
	chunkToneStyle           = "tone_style"
	chunkConflictStakes      = "conflict_stakes"
	chunkWorldRules          = "world_rules_logic"
)

//nolint:gochecknoglobals // Fixed analysis taxonomy
var analysisChunks = []string{
	chunkCoreFoundation,
	chunkCharacterFoundation,
	chunkSettingFoundation,
	chunkPlotStructure,
	chunkThemeMessage,
	chunkToneStyle,
	chunkConflictStakes,
	chunkWorldRules,
}

// Indexer is the RAG surface the generator needs; nil disables indexing.
type Indexer interface {
	IndexStoryAnalysis(ctx context.Context, text, chunkType string) ([]int, error)
	CleanupByTypeAndMetadata(ctx context.Context, contentType string, metadata map[string]any) (int64, error)
}

// EntityManager is the slice of the character/setting managers the outline
// phase drives.
type EntityManager interface {
	Kind() string
	ExtractNames(ctx context.Context, text, savepointID string) ([]string, error)
	GenerateSheets(ctx context.Context, names []string, storyElements string) error
}

// Result carries everything later phases need from the analysis.
type Result struct {
	StoryElements  string
	StoryStartDate string
	BaseContext    string
	Characters     []string
	Settings       []string
}

// Generator owns the outline phase for one story.
type Generator struct {
	exec       *executor.Executor
	registry   *prompts.Registry
	store      *savepoint.Store
	model      executor.Generator
	indexer    Indexer
	characters EntityManager
	settings   EntityManager
	opts       executor.Options
	logger     *logx.Logger
}

// New wires the outline generator. indexer may be nil.
func New(exec *executor.Executor, registry *prompts.Registry, store *savepoint.Store, model executor.Generator, indexer Indexer, characters, settings EntityManager, opts executor.Options) *Generator {
	return &Generator{
		exec:       exec,
		registry:   registry,
		store:      store,
		model:      model,
		indexer:    indexer,
		characters: characters,
		settings:   settings,
		opts:       opts,
		logger:     logx.NewLogger("outline"),
	}
}

// Generate runs the full analysis phase over the user's prompt. Analysis
// failures abort; entity-sheet failures degrade and are logged, since a
// story can still be told about characters without sheets.
func (g *Generator) Generate(ctx context.Context, prompt string) (*Result, error) {
	understandVars := map[string]string{"prompt": prompt}
	understanding, err := g.exec.Execute(ctx, executor.Request{
		PromptID:    "outline/understand_prompt",
		Variables:   understandVars,
		SavepointID: "understand_prompt",
		Model:       g.model,
		Options:     g.opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to understand story prompt: %w", err)
	}

	// The analysis chunks each continue a fresh copy of this exchange.
	seedPrompt, err := g.registry.Load("outline/understand_prompt", understandVars)
	if err != nil {
		return nil, fmt.Errorf("failed to render understanding prompt: %w", err)
	}
	seed := []llm.Message{
		llm.NewUserMessage(seedPrompt),
		llm.NewAssistantMessage(understanding.Text()),
	}

	chunks := make(map[string]string, len(analysisChunks))
	for _, name := range analysisChunks {
		text, chunkErr := g.analysisChunk(ctx, seed, name)
		if chunkErr != nil {
			return nil, fmt.Errorf("failed to generate %s analysis: %w", name, chunkErr)
		}
		chunks[name] = text
	}

	startDate, err := g.extractStartDate(ctx, chunks[chunkCoreFoundation])
	if err != nil {
		return nil, fmt.Errorf("failed to extract story start date: %w", err)
	}

	baseContext, err := g.exec.Execute(ctx, executor.Request{
		PromptID:    "outline/base_context",
		Variables:   map[string]string{"core_foundation": chunks[chunkCoreFoundation]},
		SavepointID: "base_context",
		Model:       g.model,
		Options:     g.opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract base context: %w", err)
	}

	elements := assembleElements(chunks)
	if err := g.store.Save(ctx, "story_elements", savepoint.String(elements)); err != nil {
		return nil, fmt.Errorf("failed to save story elements: %w", err)
	}

	characterNames := g.entityPhase(ctx, g.characters, "character_names", elements)
	settingNames := g.entityPhase(ctx, g.settings, "setting_names", elements)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	g.logger.Info("📖 Story analysis complete: %d characters, %d settings, start date %s",
		len(characterNames), len(settingNames), startDate)

	return &Result{
		StoryElements:  elements,
		StoryStartDate: startDate,
		BaseContext:    baseContext.Text(),
		Characters:     characterNames,
		Settings:       settingNames,
	}, nil
}

// analysisChunk produces one analysis chunk on a copy of the seed transcript
// and indexes it when freshly generated.
func (g *Generator) analysisChunk(ctx context.Context, seed []llm.Message, name string) (string, error) {
	followUp, err := g.registry.Load("outline/analysis/"+name, nil)
	if err != nil {
		return "", err
	}

	res, err := g.exec.Execute(ctx, executor.Request{
		Messages:    append(slices.Clone(seed), llm.NewUserMessage(followUp)),
		SavepointID: "story_analysis/" + name + "_chunk",
		Model:       g.model,
		Options:     g.opts,
	})
	if err != nil {
		return "", err
	}

	if !res.FromSavepoint {
		g.indexChunk(ctx, name, res.Text())
	}
	return res.Text(), nil
}

func (g *Generator) indexChunk(ctx context.Context, name, text string) {
	if g.indexer == nil {
		return
	}
	filter := map[string]any{"chunk_type": name}
	if _, err := g.indexer.CleanupByTypeAndMetadata(ctx, rag.ContentTypeStoryAnalysisChunk, filter); err != nil {
		g.logger.Warn("⚠️  Failed to clean stale %s analysis rows: %v", name, err)
	}
	if _, err := g.indexer.IndexStoryAnalysis(ctx, text, name); err != nil {
		g.logger.Warn("⚠️  Failed to index %s analysis: %v", name, err)
	}
}

// extractStartDate asks for the opening date and normalizes the reply to
// YYYY-MM-DD when any recognizable date appears in it.
func (g *Generator) extractStartDate(ctx context.Context, coreFoundation string) (string, error) {
	res, err := g.exec.Execute(ctx, executor.Request{
		PromptID:    "outline/story_start_date",
		Variables:   map[string]string{"core_foundation": coreFoundation},
		SavepointID: "story_start_date",
		Model:       g.model,
		Options:     g.opts,
	})
	if err != nil {
		return "", err
	}

	raw := strings.TrimSpace(res.Text())
	if t, ok := recap.ParseEventDate(raw); ok {
		return t.Format("2006-01-02"), nil
	}
	g.logger.Warn("⚠️  Story start date %q is not a recognizable date", raw)
	return raw, nil
}

// entityPhase extracts names and generates sheets for one entity family.
func (g *Generator) entityPhase(ctx context.Context, mgr EntityManager, savepointID, elements string) []string {
	names, err := mgr.ExtractNames(ctx, elements, savepointID)
	if err != nil {
		g.logger.Warn("⚠️  %s name extraction failed: %v", mgr.Kind(), err)
		return nil
	}
	if err := mgr.GenerateSheets(ctx, names, elements); err != nil {
		g.logger.Warn("⚠️  %s sheet generation failed: %v", mgr.Kind(), err)
	}
	return names
}

// assembleElements joins the analysis chunks under section headers.
func assembleElements(chunks map[string]string) string {
	sections := make([]string, 0, len(analysisChunks))
	for _, name := range analysisChunks {
		sections = append(sections, "=== "+titleCase(name)+" ===\n"+chunks[name])
	}
	return strings.Join(sections, "\n\n")
}

func titleCase(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
