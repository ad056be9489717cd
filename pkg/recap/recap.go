// Package recap maintains the per-chapter memory of story events. Four model
// passes turn chapter prose into a canonical JSON recap (extract, date,
// enrich, format); a programmatic filter then ages it so only consequential
// recent events carry into the next chapter's context. Recaps compose left
// to right: chapter N is dated against chapter N-1's recap.
package recap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"storywriter/pkg/executor"
	"storywriter/pkg/logx"
	"storywriter/pkg/savepoint"
)

// Step ids under chapter_<N>/ for the recap passes.
const (
	stepEvents    = "recap_events"
	stepTiming    = "recap_timing"
	stepEnriched  = "recap_enriched"
	stepFormatted = "recap_formatted"
	stepRecap     = "recap"
)

// Config carries the filter settings and base generation options.
type Config struct {
	MaxEventAgeDays int
	MultiStage      bool
	Options         executor.Options
}

// Engine runs the recap pipeline for one story.
type Engine struct {
	exec   *executor.Executor
	store  *savepoint.Store
	model  executor.Generator
	cfg    Config
	logger *logx.Logger
}

// New creates a recap engine bound to a story's executor and savepoint store.
func New(exec *executor.Executor, store *savepoint.Store, model executor.Generator, cfg Config) *Engine {
	return &Engine{
		exec:   exec,
		store:  store,
		model:  model,
		cfg:    cfg,
		logger: logx.NewLogger("recap"),
	}
}

// Input is everything a chapter's recap depends on.
type Input struct {
	Chapter        int
	ChapterContent string
	PreviousRecap  string
	StoryStartDate string
}

// Generate produces and saves chapter N's recap, returning the rendered form
// the next chapter injects as context. Model failures degrade to the last
// saved recap, or an empty string when none exists; only cancellation is
// returned as an error.
func (e *Engine) Generate(ctx context.Context, in Input) (string, error) {
	out, err := e.generate(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.logger.Warn("⚠️  Recap for chapter %d failed, falling back to last saved: %v", in.Chapter, err)
		return e.lastSaved(ctx, in.Chapter), nil
	}
	return out, nil
}

func (e *Engine) generate(ctx context.Context, in Input) (string, error) {
	events, err := e.textStage(ctx, in.Chapter, stepEvents, "recap/extract_events", map[string]string{
		"chapter_content": in.ChapterContent,
	})
	if err != nil {
		return "", err
	}

	previous := strings.TrimSpace(in.PreviousRecap)
	if previous == "" {
		previous = "None. This chapter opens the story."
	}
	timed, err := e.textStage(ctx, in.Chapter, stepTiming, "recap/assign_timing", map[string]string{
		"story_start_date": in.StoryStartDate,
		"previous_recap":   previous,
		"events":           events,
	})
	if err != nil {
		return "", err
	}

	enriched, err := e.textStage(ctx, in.Chapter, stepEnriched, "recap/enrich_details", map[string]string{
		"events": timed,
	})
	if err != nil {
		return "", err
	}

	opts := e.cfg.Options
	opts.ExpectJSON = true
	opts.Schema = &executor.Schema{
		Required: []string{"meta", "events_by_timeline"},
		Types: map[string]executor.FieldType{
			"meta":               executor.TypeObject,
			"events_by_timeline": executor.TypeObject,
		},
	}
	formatted, err := e.exec.Execute(ctx, executor.Request{
		PromptID:    "recap/format_json",
		Variables:   map[string]string{"events": enriched},
		SavepointID: stepID(in.Chapter, stepFormatted),
		Model:       e.model,
		Options:     opts,
	})
	if err != nil {
		return "", err
	}

	obj, ok := formatted.Object()
	if !formatted.JSONParsed || !ok {
		// The model never produced valid JSON within the retry budget. A raw
		// recap is worth more than none; keep it unfiltered.
		raw := formatted.Text()
		e.logger.Warn("⚠️  Chapter %d recap is not valid JSON (%s), keeping raw output",
			in.Chapter, strings.Join(formatted.JSONErrors, "; "))
		if saveErr := e.store.Save(ctx, stepID(in.Chapter, stepRecap), savepoint.String(raw)); saveErr != nil {
			return "", fmt.Errorf("failed to save chapter %d recap: %w", in.Chapter, saveErr)
		}
		return raw, nil
	}

	if e.cfg.MultiStage {
		obj = ClassifyTimelines(obj)
	}
	filtered := FilterAgedEvents(obj, in.StoryStartDate, e.cfg.MaxEventAgeDays)

	if err := e.store.Save(ctx, stepID(in.Chapter, stepRecap), savepoint.Structured(filtered)); err != nil {
		return "", fmt.Errorf("failed to save chapter %d recap: %w", in.Chapter, err)
	}

	if e.cfg.MultiStage {
		return FormatSections(filtered), nil
	}
	return renderJSON(filtered), nil
}

// Load returns the saved recap for a chapter, rendered for prompt injection,
// or "" when none exists.
func (e *Engine) Load(ctx context.Context, chapter int) string {
	return e.lastSaved(ctx, chapter)
}

// Has reports whether a chapter already has its final recap saved.
func (e *Engine) Has(chapter int) bool {
	return e.store.Has(stepID(chapter, stepRecap))
}

func (e *Engine) lastSaved(ctx context.Context, chapter int) string {
	value, ok, err := e.store.Load(ctx, stepID(chapter, stepRecap))
	if err != nil || !ok {
		return ""
	}
	if e.cfg.MultiStage {
		if data, isStructured := value.StructuredValue(); isStructured {
			if obj, isMap := data.(map[string]any); isMap {
				return FormatSections(obj)
			}
		}
	}
	return value.Text()
}

func (e *Engine) textStage(ctx context.Context, chapter int, step, promptID string, vars map[string]string) (string, error) {
	res, err := e.exec.Execute(ctx, executor.Request{
		PromptID:    promptID,
		Variables:   vars,
		SavepointID: stepID(chapter, step),
		Model:       e.model,
		Options:     e.cfg.Options,
	})
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

func stepID(chapter int, step string) string {
	return fmt.Sprintf("chapter_%d/%s", chapter, step)
}

// renderJSON pretty-prints the filtered recap for prompt injection.
func renderJSON(obj map[string]any) string {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", obj)
	}
	return string(data)
}
