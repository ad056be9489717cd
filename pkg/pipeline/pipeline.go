// Package pipeline assembles and drives a full generation run: prompt file,
// story binding, outline phase, chapter loop, and the final story.md
// artifact. The text pipeline only stops on fatal errors or cancellation;
// optional subsystems (vector store, metrics endpoint, story state) degrade
// with a warning when they cannot start.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"storywriter/pkg/chapters"
	"storywriter/pkg/config"
	"storywriter/pkg/embedding"
	"storywriter/pkg/entities"
	"storywriter/pkg/executor"
	"storywriter/pkg/journal"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/factory"
	"storywriter/pkg/llm/middleware"
	"storywriter/pkg/logx"
	"storywriter/pkg/metrics"
	"storywriter/pkg/outline"
	"storywriter/pkg/prompts"
	"storywriter/pkg/rag"
	"storywriter/pkg/recap"
	"storywriter/pkg/rerank"
	"storywriter/pkg/savepoint"
	"storywriter/pkg/storystate"
	"storywriter/pkg/vectordb"
)

// crossEncoderWorkers bounds parallel rerank scoring calls.
const crossEncoderWorkers = 2

// Options are CLI-level overrides applied on top of the loaded config.
type Options struct {
	PromptPath    string
	SavepointRoot string
	Chapters      int
	Seed          *int
	Debug         bool
	MetricsAddr   string
}

// Runner executes one story generation run.
type Runner struct {
	cfg    config.Config
	opts   Options
	logger *logx.Logger
}

// New creates a runner over a loaded configuration.
func New(cfg config.Config, opts Options) *Runner {
	return &Runner{cfg: cfg, opts: opts, logger: logx.NewLogger("pipeline")}
}

// Run drives the whole pipeline. The prompt file is validated before any
// story state is created; everything after that is resumable.
func (r *Runner) Run(ctx context.Context) error {
	prompt, storyName, err := readPrompt(r.opts.PromptPath)
	if err != nil {
		return err
	}
	ctx = logx.WithStory(ctx, storyName)
	r.logger.Info("📖 Generating story %q from %s", storyName, r.opts.PromptPath)

	root := r.cfg.Paths.SavepointRoot
	if r.opts.SavepointRoot != "" {
		root = r.opts.SavepointRoot
	}

	recorder := metrics.NewRecorder()
	metricsAddr := r.cfg.Metrics.Addr
	if r.opts.MetricsAddr != "" {
		metricsAddr = r.opts.MetricsAddr
	}
	if metricsAddr != "" {
		metrics.Serve(ctx, metricsAddr, r.logger)
	}

	ledger, err := journal.Open(filepath.Join(root, "journal.db"))
	if err != nil {
		return fmt.Errorf("failed to open run journal: %w", err)
	}
	defer ledger.Close()

	if err := ledger.StartRun(ctx, storyName); err != nil {
		r.logger.Warn("⚠️  Could not record run start: %v", err)
	}
	started := time.Now()

	runErr := r.generate(ctx, prompt, storyName, root, recorder, ledger)

	status := "completed"
	switch {
	case runErr != nil && ctx.Err() != nil:
		status = "canceled"
	case runErr != nil:
		status = "failed"
	}

	// The run record must survive cancellation of the pipeline context.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ledger.FinishRun(finishCtx, status); err != nil {
		r.logger.Warn("⚠️  Could not record run finish: %v", err)
	}
	r.logUsage(finishCtx, ledger, storyName, started)

	return runErr
}

// readPrompt loads the prompt file and derives the story name from its
// filename stem. An empty body is rejected here, before any directory or
// database exists for the story.
func readPrompt(path string) (prompt, story string, err error) {
	if path == "" {
		return "", "", fmt.Errorf("no prompt file given")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read prompt file: %w", err)
	}
	prompt = strings.TrimSpace(string(raw))
	if prompt == "" {
		return "", "", fmt.Errorf("prompt file %s is empty", path)
	}

	base := filepath.Base(path)
	story = strings.TrimSuffix(base, filepath.Ext(base))
	return prompt, story, nil
}

// modelSet holds one provider per pipeline role.
type modelSet struct {
	outline executor.Generator
	chapter executor.Generator
	scene   executor.Generator
	logical executor.Generator
}

func (r *Runner) generate(ctx context.Context, prompt, storyName, root string, recorder *metrics.Recorder, ledger *journal.Journal) error {
	cfg := r.cfg

	store := savepoint.NewStore(root)
	if err := store.BindStory(storyName); err != nil {
		return fmt.Errorf("failed to bind story: %w", err)
	}
	if renamed, err := store.RenameLegacyKeys(ctx); err != nil {
		r.logger.Warn("⚠️  Legacy savepoint rename failed: %v", err)
	} else if renamed > 0 {
		r.logger.Info("📦 Renamed %d legacy savepoint keys", renamed)
	}

	registry := prompts.NewRegistry(cfg.Paths.PromptsDir)
	exec := executor.New(registry, store, recorder, nil)

	middlewares := []llm.Middleware{
		middleware.Logging(logx.NewLogger("llm")),
		middleware.Metrics(recorder),
		middleware.Journal(ledger),
	}
	models, err := r.buildModels(middlewares)
	if err != nil {
		return err
	}

	opts := r.baseOptions()

	ragSvc, closeRAG := r.buildRAG(ctx, storyName, recorder)
	defer closeRAG()

	// Typed-nil interfaces would defeat the nil checks downstream, so each
	// consumer surface is only assigned when the service exists.
	var (
		chunkIndexer    entities.ChunkIndexer
		analysisIndexer outline.Indexer
		chapterIndexer  chapters.ChapterIndexer
		searcher        storystate.Searcher
	)
	if ragSvc != nil {
		chunkIndexer = ragSvc
		analysisIndexer = ragSvc
		chapterIndexer = ragSvc
		searcher = ragSvc
	}

	charMgr := entities.NewCharacterManager(exec, registry, store, models.logical, chunkIndexer, opts)
	setMgr := entities.NewSettingManager(exec, registry, store, models.logical, chunkIndexer, opts)

	outlineGen := outline.New(exec, registry, store, models.outline, analysisIndexer, charMgr, setMgr, opts)
	result, err := outlineGen.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("failed to generate outline: %w", err)
	}

	recapEngine := recap.New(exec, store, models.logical, recap.Config{
		MaxEventAgeDays: cfg.Generation.MaxEventAgeDays,
		MultiStage:      cfg.Generation.MultiStageRecap,
		Options:         opts,
	})

	chapterCount := cfg.Generation.Chapters
	if r.opts.Chapters > 0 {
		chapterCount = r.opts.Chapters
	}
	chapterCfg := chapters.Config{
		Chapters:      chapterCount,
		MinSceneWords: cfg.Generation.MinSceneWords,
		Options:       opts,
	}

	if cfg.Generation.ProgressivePlanning {
		if state := r.buildStoryState(store, exec, models.logical, searcher, opts); state != nil {
			if err := state.RegisterCharacters(result.Characters, 0); err != nil {
				r.logger.Warn("⚠️  Could not register characters in story state: %v", err)
			}
			chapterCfg.OnChapterDone = func(ctx context.Context, n int) {
				r.recordChapterState(ctx, state, store, n)
			}
		}
	}

	chapterGen := chapters.New(exec, registry, store, models.chapter, models.scene,
		charMgr, setMgr, recapEngine, chapterIndexer, chapterCfg)
	if err := chapterGen.Run(ctx, chapters.RunInput{
		StoryElements:  result.StoryElements,
		BaseContext:    result.BaseContext,
		StoryStartDate: result.StoryStartDate,
	}); err != nil {
		return err
	}

	return r.assembleStory(ctx, store, storyName, chapterGen.ChapterCount())
}

// buildModels constructs one provider per role; unset roles fall back to the
// default model via the config resolver.
func (r *Runner) buildModels(middlewares []llm.Middleware) (modelSet, error) {
	var set modelSet
	for _, binding := range []struct {
		role string
		dst  *executor.Generator
	}{
		{config.RoleOutline, &set.outline},
		{config.RoleChapterOutline, &set.chapter},
		{config.RoleScene, &set.scene},
		{config.RoleLogical, &set.logical},
	} {
		provider, err := factory.ForRole(&r.cfg, binding.role, middlewares...)
		if err != nil {
			return modelSet{}, fmt.Errorf("building %s model: %w", binding.role, err)
		}
		*binding.dst = provider
	}
	return set, nil
}

// baseOptions resolves the per-call generation options: an explicit CLI seed
// wins, then a fixed config seed unless seed randomization is on.
func (r *Runner) baseOptions() executor.Options {
	opts := executor.Options{Debug: r.opts.Debug}
	switch {
	case r.opts.Seed != nil:
		opts.Seed = r.opts.Seed
	case r.cfg.Generation.Seed != 0 && !r.cfg.Generation.RandomizeSeed:
		seed := r.cfg.Generation.Seed
		opts.Seed = &seed
	}
	return opts
}

// buildRAG assembles the vector stack: embedder, dimension probe, pgvector
// store, rerankers, service, story registration. Every failure path returns
// nil with a warning; retrieval is an enrichment, not a dependency.
func (r *Runner) buildRAG(ctx context.Context, storyName string, recorder *metrics.Recorder) (*rag.Service, func()) {
	noop := func() {}
	cfg := r.cfg
	if !cfg.VectorStore.Enabled {
		return nil, noop
	}

	embedder, err := embedding.ForConfig(&cfg)
	if err != nil {
		r.logger.Warn("⚠️  Embedding provider unavailable, continuing without retrieval: %v", err)
		return nil, noop
	}
	dims, err := embedding.ProbeDimensions(ctx, embedder)
	if err != nil {
		r.logger.Warn("⚠️  Embedding probe failed, continuing without retrieval: %v", err)
		return nil, noop
	}
	if err := config.UpdateVectorDimensions(dims); err != nil {
		r.logger.Warn("⚠️  Could not persist corrected vector dimensions: %v", err)
	}
	cfg.VectorStore.VectorDimensions = dims

	store, err := vectordb.Open(ctx, &cfg)
	if err != nil {
		r.logger.Warn("⚠️  Vector store unavailable, continuing without retrieval: %v", err)
		return nil, noop
	}

	rules := rerank.NewRuleBased(cfg.RAG.RerankWeights)
	cross := rerank.NewCrossEncoder(func() (rerank.Scorer, error) {
		provider, buildErr := factory.ForRole(&cfg, config.RoleCrossEncoder)
		if buildErr != nil {
			return nil, buildErr
		}
		return provider, nil
	}, crossEncoderWorkers)

	svc := rag.New(store, embedder, rules, cross, recorder, rag.Config{
		ChunkSize:       cfg.RAG.ChunkSize,
		ChunkOverlap:    cfg.RAG.ChunkOverlap,
		SearchLimit:     cfg.RAG.SearchLimit,
		SearchThreshold: cfg.RAG.SearchThreshold,
	})
	if _, err := svc.CreateStory(ctx, storyName, r.opts.PromptPath); err != nil {
		r.logger.Warn("⚠️  Could not register story in vector store: %v", err)
		store.Close()
		return nil, noop
	}
	return svc, store.Close
}

// buildStoryState opens the progressive-planning sidecar next to the
// savepoints. A corrupt or unopenable state disables the path.
func (r *Runner) buildStoryState(store *savepoint.Store, exec *executor.Executor, model executor.Generator, searcher storystate.Searcher, opts executor.Options) *storystate.Manager {
	dir, err := store.Dir()
	if err != nil {
		return nil
	}
	state, err := storystate.New(dir, exec, model, searcher, opts)
	if err != nil {
		r.logger.Warn("⚠️  Story state unavailable, progressive planning disabled: %v", err)
		return nil
	}
	return state
}

// recordChapterState folds a finished chapter into the story state sidecar.
func (r *Runner) recordChapterState(ctx context.Context, state *storystate.Manager, store *savepoint.Store, chapter int) {
	title := loadText(ctx, store, fmt.Sprintf("chapter_%d/title", chapter))
	synopsis := loadText(ctx, store, fmt.Sprintf("chapter_%d/synopsis", chapter))
	if err := state.RecordChapter(chapter, title, synopsis); err != nil {
		r.logger.Warn("⚠️  Could not record chapter %d in story state: %v", chapter, err)
	}
	if err := state.IntrospectChapter(ctx, chapter); err != nil {
		r.logger.Warn("⚠️  Chapter %d introspection failed: %v", chapter, err)
	}
}

// assembleStory joins the finished chapters into story.md under the story
// directory. Chapters without content are left out with a warning so a
// partial run still produces a readable artifact.
func (r *Runner) assembleStory(ctx context.Context, store *savepoint.Store, storyName string, total int) error {
	dir, err := store.Dir()
	if err != nil {
		return fmt.Errorf("story directory: %w", err)
	}

	var sections []string
	words := 0
	finished := 0
	for n := 1; n <= total; n++ {
		content := loadText(ctx, store, fmt.Sprintf("chapter_%d/content", n))
		if content == "" {
			r.logger.Warn("⚠️  Chapter %d has no content, leaving it out of the assembly", n)
			continue
		}
		heading := fmt.Sprintf("Chapter %d", n)
		if title := loadText(ctx, store, fmt.Sprintf("chapter_%d/title", n)); title != "" {
			heading = fmt.Sprintf("Chapter %d: %s", n, title)
		}
		sections = append(sections, "# "+heading+"\n\n"+content)
		words += len(strings.Fields(content))
		finished++
	}
	if len(sections) == 0 {
		return fmt.Errorf("no finished chapters to assemble")
	}

	body := "# " + displayTitle(storyName) + "\n\n" +
		strings.Join(sections, "\n\n---\n\n") + "\n"

	path := filepath.Join(dir, "story.md")
	if err := writeAtomic(path, []byte(body)); err != nil {
		return fmt.Errorf("failed to write story artifact: %w", err)
	}

	r.logger.Info("✅ Story written to %s (%d chapters, %d words)", path, finished, words)
	return nil
}

// logUsage summarizes this run's ledger rows.
func (r *Runner) logUsage(ctx context.Context, ledger *journal.Journal, story string, since time.Time) {
	usage, err := ledger.Usage(ctx, story, since)
	if err != nil {
		r.logger.Warn("⚠️  Could not summarize run usage: %v", err)
		return
	}
	if len(usage) == 0 {
		r.logger.Info("📊 No provider calls this run; everything came from savepoints")
		return
	}

	calls := 0
	var promptTokens, completionTokens int64
	for _, u := range usage {
		calls += u.Calls
		promptTokens += u.PromptTokens
		completionTokens += u.CompletionTokens
	}
	r.logger.Info("📊 Run used %d provider calls (%d prompt / %d completion tokens)",
		calls, promptTokens, completionTokens)
	for _, u := range usage {
		r.logger.Debug("usage %s (%s): %d calls in %s", u.Stage, u.Model, u.Calls, u.TotalDuration.Round(time.Second))
	}
}

func loadText(ctx context.Context, store *savepoint.Store, stepID string) string {
	value, ok, err := store.Load(ctx, stepID)
	if err != nil || !ok {
		return ""
	}
	return strings.TrimSpace(value.Text())
}

// displayTitle renders a story directory name as a human title.
func displayTitle(storyName string) string {
	parts := strings.FieldsFunc(storyName, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	})
	if len(parts) == 0 {
		return storyName
	}
	for i, part := range parts {
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}

// writeAtomic writes through a temp file and rename so a cancelled run never
// leaves a truncated artifact.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".story-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
