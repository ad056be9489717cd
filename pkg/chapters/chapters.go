// Package chapters drives chapter-by-chapter generation: synopsis, outline
// chain, scenes, entity updates, recap, and title, every step resumable
// through savepoints. A failing chapter is logged and the run moves on; the
// recap chain is the only hard dependency between chapters.
package chapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"storywriter/pkg/entities"
	"storywriter/pkg/executor"
	"storywriter/pkg/llm"
	"storywriter/pkg/logx"
	"storywriter/pkg/prompts"
	"storywriter/pkg/rag"
	"storywriter/pkg/recap"
	"storywriter/pkg/savepoint"
)

// EntityUpdater is the slice of the character/setting managers the chapter
// loop needs.
type EntityUpdater interface {
	Kind() string
	ExtractNames(ctx context.Context, text, savepointID string) ([]string, error)
	Summaries(ctx context.Context, names []string, style entities.SummaryStyle) (string, error)
	UpdateForChapter(ctx context.Context, chapter int, chapterContent string) error
}

// RecapEngine is the recap surface; *recap.Engine satisfies it.
type RecapEngine interface {
	Load(ctx context.Context, chapter int) string
	Generate(ctx context.Context, in recap.Input) (string, error)
}

// ChapterIndexer pushes finished chapter content into the vector store; nil
// disables indexing.
type ChapterIndexer interface {
	Index(ctx context.Context, req rag.IndexRequest) ([]int, error)
	CleanupByTypeAndMetadata(ctx context.Context, contentType string, metadata map[string]any) (int64, error)
}

// SceneDefinition is one element of a chapter's scene list.
type SceneDefinition struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Config tunes the chapter loop.
type Config struct {
	// Chapters is the configured target count; the savepoint scan can only
	// raise it.
	Chapters int
	// MinSceneWords is the floor enforced on scene prose.
	MinSceneWords int
	Options       executor.Options
	// OnChapterDone runs after a chapter finishes, for callers keeping
	// side state (progressive planning). Nil when unused.
	OnChapterDone func(ctx context.Context, chapter int)
}

// RunInput carries the outline phase's products into the chapter loop.
type RunInput struct {
	StoryElements  string
	BaseContext    string
	StoryStartDate string
}

// Generator owns the chapter loop for one story.
type Generator struct {
	exec       *executor.Executor
	registry   *prompts.Registry
	store      *savepoint.Store
	model      executor.Generator
	sceneModel executor.Generator
	characters EntityUpdater
	settings   EntityUpdater
	recaps     RecapEngine
	indexer    ChapterIndexer
	cfg        Config
	logger     *logx.Logger
}

// New wires the chapter generator. sceneModel serves the scene prompts and
// falls back to model when nil; indexer may be nil.
func New(exec *executor.Executor, registry *prompts.Registry, store *savepoint.Store, model, sceneModel executor.Generator, characters, settings EntityUpdater, recaps RecapEngine, indexer ChapterIndexer, cfg Config) *Generator {
	if sceneModel == nil {
		sceneModel = model
	}
	return &Generator{
		exec:       exec,
		registry:   registry,
		store:      store,
		model:      model,
		sceneModel: sceneModel,
		characters: characters,
		settings:   settings,
		recaps:     recaps,
		indexer:    indexer,
		cfg:        cfg,
		logger:     logx.NewLogger("chapters"),
	}
}

var chapterDirRE = regexp.MustCompile(`^chapter_(\d+)$`)

// ChapterCount reconciles the configured chapter count with the savepoint
// directory: existing chapter_<N> folders can only raise the target, so a
// resumed story never shrinks.
func (g *Generator) ChapterCount() int {
	count := g.cfg.Chapters
	if scanned := g.scanChapterDirs(); scanned > count {
		count = scanned
	}
	return count
}

func (g *Generator) scanChapterDirs() int {
	dir, err := g.store.Dir()
	if err != nil {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	maxN := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := chapterDirRE.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if n, convErr := strconv.Atoi(m[1]); convErr == nil && n > maxN {
			maxN = n
		}
	}
	return maxN
}

// Run generates every chapter in order. A chapter failure is logged and
// the loop continues; only cancellation stops the run.
func (g *Generator) Run(ctx context.Context, in RunInput) error {
	total := g.ChapterCount()
	if total == 0 {
		g.logger.Warn("⚠️  No chapters to generate: no count configured and none on disk")
		return nil
	}

	g.logger.Info("📚 Generating %d chapters", total)
	for n := 1; n <= total; n++ {
		if err := g.generateChapter(ctx, n, total, in); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Error("❌ Chapter %d failed: %v", n, err)
		}
	}
	return nil
}

func (g *Generator) generateChapter(ctx context.Context, n, total int, in RunInput) error {
	logx.Debug(ctx, "chapters", "Starting chapter %d of %d", n, total)

	synopsis, ok, err := g.ensureSynopsis(ctx, n, total, in)
	if err != nil {
		return err
	}
	if !ok {
		g.logger.Warn("⚠️  No synopsis could be produced for chapter %d, skipping", n)
		return nil
	}

	charSummaries := g.entityContext(ctx, g.characters, n, synopsis)
	setSummaries := g.entityContext(ctx, g.settings, n, synopsis)
	previousRecap := g.recaps.Load(ctx, n-1)
	nextSynopsis := g.loadStep(ctx, n+1, "synopsis")

	outlineText, err := g.chapterOutline(ctx, n, synopsis, charSummaries, setSummaries, previousRecap, nextSynopsis)
	if err != nil {
		return fmt.Errorf("failed to generate outline: %w", err)
	}

	content, fromSave, err := g.generateScenes(ctx, n, outlineText)
	if err != nil {
		return fmt.Errorf("failed to generate scenes: %w", err)
	}

	// Sheet rewrites are overwrites, not savepoints, so both indexing and
	// entity updates run only when the content is fresh.
	if !fromSave {
		g.indexChapter(ctx, n, content)
		if err := g.updateEntities(ctx, n, content); err != nil {
			return err
		}
	}

	if _, err := g.recaps.Generate(ctx, recap.Input{
		Chapter:        n,
		ChapterContent: content,
		PreviousRecap:  previousRecap,
		StoryStartDate: in.StoryStartDate,
	}); err != nil {
		return fmt.Errorf("failed to generate recap: %w", err)
	}

	if err := g.chapterTitle(ctx, n, outlineText, content); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn("⚠️  Failed to title chapter %d: %v", n, err)
	}

	g.logger.Info("✅ Chapter %d complete", n)
	if g.cfg.OnChapterDone != nil {
		g.cfg.OnChapterDone(ctx, n)
	}
	return nil
}

// ensureSynopsis loads the chapter synopsis or produces one through the
// seven-turn enrichment conversation. Without story elements to derive from
// there is nothing to converse about; ok=false skips the chapter.
func (g *Generator) ensureSynopsis(ctx context.Context, n, total int, in RunInput) (string, bool, error) {
	stepID := chapterStep(n, "synopsis")
	if value, loaded, err := g.store.Load(ctx, stepID); err == nil && loaded {
		return value.Text(), true, nil
	}

	elements := strings.TrimSpace(in.StoryElements)
	if elements == "" {
		if value, loaded, err := g.store.Load(ctx, "story_elements"); err == nil && loaded {
			elements = strings.TrimSpace(value.Text())
		}
	}
	if elements == "" {
		return "", false, nil
	}

	text, err := g.synopsisConversation(ctx, n, total, elements, in)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		g.logger.Warn("⚠️  Synopsis conversation failed for chapter %d: %v", n, err)
		return "", false, nil
	}
	return text, true, nil
}

// synopsisConversation builds the chapter synopsis turn by turn: storyline,
// base context, combined outline, characters, settings, previous chapter,
// then the synopsis itself. Only the final turn savepoints.
func (g *Generator) synopsisConversation(ctx context.Context, n, total int, elements string, in RunInput) (string, error) {
	charSummaries := g.allEntitySummaries(ctx, g.characters, "character_names", elements)
	setSummaries := g.allEntitySummaries(ctx, g.settings, "setting_names", elements)

	previous := g.loadStep(ctx, n-1, "synopsis")
	if previous == "" {
		previous = "(none; this is the first chapter)"
	}

	turns := []struct {
		promptID string
		vars     map[string]string
	}{
		{"chapters/synopsis/understand_storyline", map[string]string{"story_elements": elements}},
		{"chapters/synopsis/base_context", map[string]string{"base_context": in.BaseContext}},
		{"chapters/synopsis/combined_outline", map[string]string{"outline": g.combinedOutline(ctx)}},
		{"chapters/synopsis/characters", map[string]string{"character_summaries": charSummaries}},
		{"chapters/synopsis/settings", map[string]string{"setting_summaries": setSummaries}},
		{"chapters/synopsis/previous_chapter", map[string]string{"previous_synopsis": previous}},
		{"chapters/synopsis/produce", map[string]string{
			"chapter_number": strconv.Itoa(n),
			"total_chapters": strconv.Itoa(total),
		}},
	}

	var transcript []llm.Message
	var lastReply string
	for i, turn := range turns {
		prompt, err := g.registry.Load(turn.promptID, turn.vars)
		if err != nil {
			return "", err
		}
		transcript = append(transcript, llm.NewUserMessage(prompt))

		req := executor.Request{Messages: transcript, Model: g.model, Options: g.cfg.Options}
		if i == len(turns)-1 {
			req.SavepointID = chapterStep(n, "synopsis")
		}
		res, err := g.exec.Execute(ctx, req)
		if err != nil {
			return "", err
		}
		lastReply = res.Text()
		transcript = append(transcript, llm.NewAssistantMessage(lastReply))
	}
	return lastReply, nil
}

// chapterOutline runs the outline chain: core, validation with one
// feedback-driven rewrite, disambiguation, cleanup, final copy.
func (g *Generator) chapterOutline(ctx context.Context, n int, synopsis, characters, settings, previousRecap, nextSynopsis string) (string, error) {
	finalID := chapterStep(n, "outline")
	if value, ok, err := g.store.Load(ctx, finalID); err == nil && ok {
		return value.Text(), nil
	}

	if previousRecap == "" {
		previousRecap = "(nothing yet; this is the opening chapter)"
	}
	if nextSynopsis == "" {
		nextSynopsis = "(not yet planned)"
	}

	core, err := g.exec.Execute(ctx, executor.Request{
		PromptID: "chapters/outline_core",
		Variables: map[string]string{
			"chapter_number": strconv.Itoa(n),
			"synopsis":       synopsis,
			"characters":     characters,
			"settings":       settings,
			"previous_recap": previousRecap,
			"next_synopsis":  nextSynopsis,
		},
		SavepointID: chapterStep(n, "core_outline"),
		Model:       g.model,
		Options:     g.cfg.Options,
	})
	if err != nil {
		return "", fmt.Errorf("core outline: %w", err)
	}
	current := core.Text()

	// The verdict itself is not savepointed; a resumed chapter revalidates.
	verdict, err := g.exec.Execute(ctx, executor.Request{
		PromptID:  "chapters/outline_validate",
		Variables: map[string]string{"outline": current},
		Model:     g.model,
		Options:   g.cfg.Options,
	})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.logger.Warn("⚠️  Outline validation failed for chapter %d, keeping core outline: %v", n, err)
	default:
		if issues, found := strings.CutPrefix(strings.TrimSpace(verdict.Text()), "ISSUES:"); found {
			improved, impErr := g.exec.Execute(ctx, executor.Request{
				PromptID: "chapters/outline_improve",
				Variables: map[string]string{
					"outline": current,
					"issues":  strings.TrimSpace(issues),
				},
				SavepointID: chapterStep(n, "improved_outline"),
				Model:       g.model,
				Options:     g.cfg.Options,
			})
			if impErr != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				g.logger.Warn("⚠️  Outline improvement failed for chapter %d, keeping core outline: %v", n, impErr)
			} else {
				current = improved.Text()
			}
		}
	}

	disambiguated, err := g.exec.Execute(ctx, executor.Request{
		PromptID:    "chapters/outline_disambiguate",
		Variables:   map[string]string{"outline": current},
		SavepointID: chapterStep(n, "disambiguated_outline"),
		Model:       g.model,
		Options:     g.cfg.Options,
	})
	if err != nil {
		return "", fmt.Errorf("outline disambiguation: %w", err)
	}

	cleaned, err := g.exec.Execute(ctx, executor.Request{
		PromptID:    "chapters/outline_cleanup",
		Variables:   map[string]string{"outline": disambiguated.Text()},
		SavepointID: chapterStep(n, "cleaned_outline"),
		Model:       g.model,
		Options:     g.cfg.Options,
	})
	if err != nil {
		return "", fmt.Errorf("outline cleanup: %w", err)
	}

	final := cleaned.Text()
	if err := g.store.Save(ctx, finalID, savepoint.String(final)); err != nil {
		return "", fmt.Errorf("failed to save outline: %w", err)
	}
	return final, nil
}

// sceneDefinitions parses the chapter's scene list from the disambiguated
// outline, degrading to a single scene wrapping the whole outline.
func (g *Generator) sceneDefinitions(ctx context.Context, n int, outlineText string) []SceneDefinition {
	stepID := chapterStep(n, "scene_definitions")
	if value, ok, err := g.store.Load(ctx, stepID); err == nil && ok {
		if defs := decodeSceneDefs(value); len(defs) > 0 {
			return defs
		}
	}

	source := g.loadStep(ctx, n, "disambiguated_outline")
	if source == "" {
		source = outlineText
	}

	var defs []SceneDefinition
	res, err := g.exec.Execute(ctx, executor.Request{
		PromptID:  "chapters/scene_definitions",
		Variables: map[string]string{"outline": source},
		Model:     g.model,
		Options:   g.cfg.Options,
	})
	if err != nil {
		g.logger.Warn("⚠️  Scene definitions failed for chapter %d, using a single scene: %v", n, err)
	} else {
		defs = parseSceneDefs(res.Text())
		if len(defs) == 0 {
			g.logger.Warn("⚠️  Scene definitions for chapter %d did not parse, using a single scene", n)
		}
	}
	if len(defs) == 0 {
		defs = []SceneDefinition{{Title: fmt.Sprintf("Chapter %d", n), Description: outlineText}}
	}

	if err := g.store.Save(ctx, stepID, sceneDefsValue(defs)); err != nil {
		g.logger.Warn("⚠️  Failed to save scene definitions for chapter %d: %v", n, err)
	}
	return defs
}

// generateScenes produces every scene in order and assembles the chapter
// content. The bool reports whether the assembled content came from an
// earlier run.
func (g *Generator) generateScenes(ctx context.Context, n int, outlineText string) (string, bool, error) {
	contentID := chapterStep(n, "content")
	if value, ok, err := g.store.Load(ctx, contentID); err == nil && ok {
		return value.Text(), true, nil
	}

	defs := g.sceneDefinitions(ctx, n, outlineText)

	sections := make([]string, 0, len(defs))
	previousTail := ""
	for i, def := range defs {
		num := i + 1

		content, err := g.sceneContent(ctx, n, num, def, outlineText, previousTail)
		if err != nil {
			return "", false, fmt.Errorf("scene %d: %w", num, err)
		}

		title, err := g.sceneTitle(ctx, n, num, content)
		if err != nil {
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			g.logger.Warn("⚠️  Failed to title scene %d of chapter %d: %v", num, n, err)
			title = def.Title
		}

		sections = append(sections, "## "+title+"\n\n"+content)
		previousTail = sceneTail(content)
	}

	content := strings.Join(sections, "\n\n")
	if err := g.store.Save(ctx, contentID, savepoint.String(content)); err != nil {
		return "", false, fmt.Errorf("failed to save chapter content: %w", err)
	}
	return content, false, nil
}

func (g *Generator) sceneContent(ctx context.Context, n, num int, def SceneDefinition, outlineText, previousTail string) (string, error) {
	opts := g.cfg.Options
	opts.MinWords = g.cfg.MinSceneWords

	res, err := g.exec.Execute(ctx, executor.Request{
		PromptID: "scenes/content",
		Variables: map[string]string{
			"chapter_number":    strconv.Itoa(n),
			"scene_title":       def.Title,
			"scene_description": def.Description,
			"chapter_outline":   outlineText,
			"previous_scene":    previousTail,
			"min_words":         strconv.Itoa(g.cfg.MinSceneWords),
		},
		SavepointID: chapterStep(n, fmt.Sprintf("scene_%d", num)),
		Model:       g.sceneModel,
		Options:     opts,
	})
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

func (g *Generator) sceneTitle(ctx context.Context, n, num int, content string) (string, error) {
	res, err := g.exec.Execute(ctx, executor.Request{
		PromptID:    "scenes/title",
		Variables:   map[string]string{"content": content},
		SavepointID: chapterStep(n, fmt.Sprintf("scene_%d_title", num)),
		Model:       g.sceneModel,
		Options:     g.cfg.Options,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text()), nil
}

func (g *Generator) chapterTitle(ctx context.Context, n int, outlineText, content string) error {
	_, err := g.exec.Execute(ctx, executor.Request{
		PromptID: "chapters/title",
		Variables: map[string]string{
			"outline": outlineText,
			"content": content,
		},
		SavepointID: chapterStep(n, "title"),
		Model:       g.model,
		Options:     g.cfg.Options,
	})
	return err
}

// updateEntities refreshes character and setting sheets from the finished
// chapter. Failures degrade; only cancellation propagates.
func (g *Generator) updateEntities(ctx context.Context, n int, content string) error {
	for _, mgr := range []EntityUpdater{g.characters, g.settings} {
		if err := mgr.UpdateForChapter(ctx, n, content); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Warn("⚠️  %s updates failed for chapter %d: %v", mgr.Kind(), n, err)
		}
	}
	return nil
}

// indexChapter replaces the chapter's rows in the vector store with the
// fresh content.
func (g *Generator) indexChapter(ctx context.Context, n int, content string) {
	if g.indexer == nil {
		return
	}
	filter := map[string]any{"chapter_number": n}
	if _, err := g.indexer.CleanupByTypeAndMetadata(ctx, rag.ContentTypeChapter, filter); err != nil {
		g.logger.Warn("⚠️  Failed to clean stale chapter %d rows: %v", n, err)
	}
	chapter := n
	if _, err := g.indexer.Index(ctx, rag.IndexRequest{
		Text:        content,
		ContentType: rag.ContentTypeChapter,
		Title:       fmt.Sprintf("Chapter %d", n),
		Metadata:    map[string]any{"chapter_number": n},
		Chapter:     &chapter,
	}); err != nil {
		g.logger.Warn("⚠️  Failed to index chapter %d: %v", n, err)
	}
}

// entityContext extracts the chapter's entity names from the synopsis and
// renders their summaries for the outline prompt.
func (g *Generator) entityContext(ctx context.Context, mgr EntityUpdater, n int, synopsis string) string {
	names, err := mgr.ExtractNames(ctx, synopsis, chapterStep(n, mgr.Kind()+"s"))
	if err != nil || len(names) == 0 {
		return "(none)"
	}
	summaries, err := mgr.Summaries(ctx, names, entities.SummaryNamed)
	if err != nil || strings.TrimSpace(summaries) == "" {
		return "(none)"
	}
	return summaries
}

// allEntitySummaries renders summaries for every entity known to the story.
// The name-list savepoints written during the outline phase make this a
// cache hit in the normal flow.
func (g *Generator) allEntitySummaries(ctx context.Context, mgr EntityUpdater, savepointID, elements string) string {
	names, err := mgr.ExtractNames(ctx, elements, savepointID)
	if err != nil || len(names) == 0 {
		return "(none)"
	}
	summaries, err := mgr.Summaries(ctx, names, entities.SummaryNamed)
	if err != nil || strings.TrimSpace(summaries) == "" {
		return "(none)"
	}
	return summaries
}

// combinedOutline returns the story-level outline when one exists, falling
// back to the plot-structure analysis.
func (g *Generator) combinedOutline(ctx context.Context) string {
	if value, ok, err := g.store.Load(ctx, "outline"); err == nil && ok {
		return value.Text()
	}
	if value, ok, err := g.store.Load(ctx, "story_analysis/plot_structure_chunk"); err == nil && ok {
		return value.Text()
	}
	return "(no combined outline available)"
}

func (g *Generator) loadStep(ctx context.Context, n int, step string) string {
	if n < 1 {
		return ""
	}
	if value, ok, err := g.store.Load(ctx, chapterStep(n, step)); err == nil && ok {
		return value.Text()
	}
	return ""
}

func chapterStep(n int, step string) string {
	return fmt.Sprintf("chapter_%d/%s", n, step)
}

// sceneTail returns a scene's closing paragraphs, enough for the next scene
// to continue smoothly.
func sceneTail(content string) string {
	paras := strings.Split(strings.TrimSpace(content), "\n\n")
	if len(paras) <= 2 {
		return strings.TrimSpace(content)
	}
	return strings.Join(paras[len(paras)-2:], "\n\n")
}

// parseSceneDefs decodes a JSON scene array from a model reply.
func parseSceneDefs(text string) []SceneDefinition {
	raw, ok := llm.ExtractJSON(text)
	if !ok || !strings.HasPrefix(raw, "[") {
		return nil
	}
	var defs []SceneDefinition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil
	}

	out := make([]SceneDefinition, 0, len(defs))
	for _, def := range defs {
		def.Title = strings.TrimSpace(def.Title)
		def.Description = strings.TrimSpace(def.Description)
		if def.Title == "" && def.Description == "" {
			continue
		}
		if def.Title == "" {
			def.Title = fmt.Sprintf("Scene %d", len(out)+1)
		}
		out = append(out, def)
	}
	return out
}

func sceneDefsValue(defs []SceneDefinition) savepoint.Value {
	items := make([]any, 0, len(defs))
	for _, def := range defs {
		items = append(items, map[string]any{
			"title":       def.Title,
			"description": def.Description,
		})
	}
	return savepoint.Structured(items)
}

func decodeSceneDefs(v savepoint.Value) []SceneDefinition {
	raw, ok := v.StructuredValue()
	if !ok {
		return parseSceneDefs(v.Text())
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	defs := make([]SceneDefinition, 0, len(items))
	for _, item := range items {
		m, isMap := item.(map[string]any)
		if !isMap {
			continue
		}
		title, _ := m["title"].(string)
		description, _ := m["description"].(string)
		if title == "" && description == "" {
			continue
		}
		if title == "" {
			title = fmt.Sprintf("Scene %d", len(defs)+1)
		}
		defs = append(defs, SceneDefinition{Title: title, Description: description})
	}
	return defs
}
