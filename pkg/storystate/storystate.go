// Package storystate maintains the story_state.json sidecar the
// progressive-planning path consults between chapters: the evolving story
// context, per-character and per-thread state, per-chapter notes, and an
// evolution log. The full state is re-serialized on every mutation; the
// object stays small.
package storystate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"storywriter/pkg/executor"
	"storywriter/pkg/logx"
	"storywriter/pkg/rag"
	"storywriter/pkg/vectordb"
)

const stateFileName = "story_state.json"

// introspectionHits bounds how much indexed chapter content feeds one
// introspection question.
const introspectionHits = 5

// StoryContext is the global narrative dial set.
type StoryContext struct {
	Direction string   `json:"direction"`
	Themes    []string `json:"themes,omitempty"`
	Tone      string   `json:"tone,omitempty"`
	Pacing    string   `json:"pacing,omitempty"`
	Tension   int      `json:"tension,omitempty"`
}

// CharacterState tracks one character across chapters.
type CharacterState struct {
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Developments []string `json:"developments,omitempty"`
	LastChapter  int      `json:"last_chapter,omitempty"`
}

// PlotThread tracks one named thread.
type PlotThread struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	LastChapter int    `json:"last_chapter,omitempty"`
}

// ChapterState holds what introspection learned about one chapter.
type ChapterState struct {
	Number                int        `json:"number"`
	Title                 string     `json:"title,omitempty"`
	Summary               string     `json:"summary,omitempty"`
	Tension               int        `json:"tension,omitempty"`
	CharacterDevelopments []string   `json:"character_developments,omitempty"`
	PlotAdvancements      []string   `json:"plot_advancements,omitempty"`
	NewThemes             []string   `json:"new_themes,omitempty"`
	TensionShifts         []string   `json:"tension_shifts,omitempty"`
	WorldDevelopments     []string   `json:"world_developments,omitempty"`
	IntrospectedAt        *time.Time `json:"introspected_at,omitempty"`
}

// Evolution is one entry in the append-only change log.
type Evolution struct {
	Chapter int       `json:"chapter"`
	Field   string    `json:"field"`
	Change  string    `json:"change"`
	At      time.Time `json:"at"`
}

// State is the full sidecar document.
type State struct {
	Context     StoryContext               `json:"story_context"`
	Characters  map[string]*CharacterState `json:"characters"`
	PlotThreads map[string]*PlotThread     `json:"plot_threads"`
	Chapters    map[int]*ChapterState      `json:"chapters"`
	Evolution   []Evolution                `json:"evolution,omitempty"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// Searcher is the retrieval surface introspection uses; *rag.Service
// satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, opts rag.SearchOptions) ([]vectordb.SearchResult, error)
}

// question pairs a prompt asset with the retrieval query that gathers its
// context.
type question struct {
	kind  string
	query string
}

//nolint:gochecknoglobals // Fixed introspection battery
var questions = []question{
	{"character_developments", "character developments in chapter %d"},
	{"plot_advancements", "plot advancements in chapter %d"},
	{"new_themes", "themes and motifs in chapter %d"},
	{"tension_shifts", "narrative tension in chapter %d"},
	{"world_developments", "world developments in chapter %d"},
}

// Manager owns one story's state file.
type Manager struct {
	path   string
	exec   *executor.Executor
	model  executor.Generator
	search Searcher
	opts   executor.Options
	logger *logx.Logger
	state  *State
	now    func() time.Time
}

// New loads or initializes the state file under storyDir. search may be nil;
// introspection is then skipped.
func New(storyDir string, exec *executor.Executor, model executor.Generator, search Searcher, opts executor.Options) (*Manager, error) {
	if err := os.MkdirAll(storyDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create story directory: %w", err)
	}

	path := filepath.Join(storyDir, stateFileName)
	state := &State{
		Characters:  map[string]*CharacterState{},
		PlotThreads: map[string]*PlotThread{},
		Chapters:    map[int]*ChapterState{},
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, state); jsonErr != nil {
			return nil, fmt.Errorf("story state at %s is corrupt: %w", path, jsonErr)
		}
		ensureMaps(state)
	case errors.Is(err, fs.ErrNotExist):
		// Fresh story.
	default:
		return nil, fmt.Errorf("failed to read story state: %w", err)
	}

	return &Manager{
		path:   path,
		exec:   exec,
		model:  model,
		search: search,
		opts:   opts,
		logger: logx.NewLogger("storystate"),
		state:  state,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func ensureMaps(state *State) {
	if state.Characters == nil {
		state.Characters = map[string]*CharacterState{}
	}
	if state.PlotThreads == nil {
		state.PlotThreads = map[string]*PlotThread{}
	}
	if state.Chapters == nil {
		state.Chapters = map[int]*ChapterState{}
	}
}

// Path returns the sidecar location.
func (m *Manager) Path() string { return m.path }

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() State {
	data, _ := json.Marshal(m.state)
	var out State
	_ = json.Unmarshal(data, &out)
	ensureMaps(&out)
	return out
}

// SetStoryContext replaces the narrative dials.
func (m *Manager) SetStoryContext(sc StoryContext) error {
	m.state.Context = sc
	m.logEvolution(0, "story_context", "direction set: "+sc.Direction)
	return m.save()
}

// RegisterCharacters adds unseen characters as active. Known names are left
// untouched.
func (m *Manager) RegisterCharacters(names []string, chapter int) error {
	added := false
	for _, name := range names {
		if _, ok := m.state.Characters[name]; ok {
			continue
		}
		m.state.Characters[name] = &CharacterState{Name: name, Status: "active", LastChapter: chapter}
		m.logEvolution(chapter, "characters", name+" introduced")
		added = true
	}
	if !added {
		return nil
	}
	return m.save()
}

// UpsertThread records or advances a named plot thread.
func (m *Manager) UpsertThread(name, status, description string, chapter int) error {
	th := m.state.PlotThreads[name]
	if th == nil {
		th = &PlotThread{Name: name}
		m.state.PlotThreads[name] = th
	}
	th.Status = status
	th.Description = description
	th.LastChapter = chapter
	m.logEvolution(chapter, "plot_threads", name+": "+status)
	return m.save()
}

// RecordChapter stores a completed chapter's title and summary.
func (m *Manager) RecordChapter(number int, title, summary string) error {
	ch := m.chapter(number)
	ch.Title = title
	ch.Summary = summary
	m.logEvolution(number, "chapters", "chapter recorded: "+title)
	return m.save()
}

// IntrospectChapter asks the retrieval-backed question battery about a
// just-completed chapter and folds the answers into the state. Re-running is
// a no-op once a chapter has been introspected. Individual question failures
// are logged and skipped.
func (m *Manager) IntrospectChapter(ctx context.Context, chapter int) error {
	ch := m.chapter(chapter)
	if ch.IntrospectedAt != nil {
		return nil
	}
	if m.search == nil {
		m.logger.Warn("⚠️  Vector store disabled, skipping chapter %d introspection", chapter)
		return nil
	}

	for _, q := range questions {
		bullets, tension, err := m.ask(ctx, chapter, q)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("⚠️  %s introspection failed for chapter %d: %v", q.kind, chapter, err)
			continue
		}
		m.apply(ch, chapter, q.kind, bullets, tension)
	}

	at := m.now()
	ch.IntrospectedAt = &at
	m.logger.Info("🔍 Chapter %d introspected: tension %d", chapter, ch.Tension)
	return m.save()
}

// ask retrieves the chapter's indexed content and puts one question to the
// model.
func (m *Manager) ask(ctx context.Context, chapter int, q question) ([]string, int, error) {
	hits, err := m.search.Search(ctx, fmt.Sprintf(q.query, chapter), rag.SearchOptions{
		ContentType: rag.ContentTypeChapter,
		Metadata:    map[string]any{"chapter_number": chapter},
		Limit:       introspectionHits,
	})
	if err != nil {
		return nil, 0, err
	}

	blocks := make([]string, 0, len(hits))
	for _, hit := range hits {
		blocks = append(blocks, hit.Content)
	}
	contextBlock := strings.Join(blocks, "\n\n")
	if contextBlock == "" {
		contextBlock = "(nothing indexed for this chapter)"
	}

	res, err := m.exec.Execute(ctx, executor.Request{
		PromptID: "storystate/" + q.kind,
		Variables: map[string]string{
			"chapter_number": strconv.Itoa(chapter),
			"context":        contextBlock,
		},
		Model:   m.model,
		Options: m.opts,
	})
	if err != nil {
		return nil, 0, err
	}

	text := res.Text()
	return parseBullets(text), parseTension(text), nil
}

// apply folds one answer into chapter and global state.
func (m *Manager) apply(ch *ChapterState, chapter int, kind string, bullets []string, tension int) {
	switch kind {
	case "character_developments":
		ch.CharacterDevelopments = bullets
		for _, b := range bullets {
			name, rest, ok := splitAttribution(b)
			if !ok {
				continue
			}
			if c, exists := m.state.Characters[name]; exists {
				c.Developments = append(c.Developments, rest)
				c.LastChapter = chapter
			}
		}
	case "plot_advancements":
		ch.PlotAdvancements = bullets
		for _, b := range bullets {
			name, rest, ok := splitAttribution(b)
			if !ok {
				continue
			}
			th := m.state.PlotThreads[name]
			if th == nil {
				th = &PlotThread{Name: name}
				m.state.PlotThreads[name] = th
			}
			th.Status = "advanced"
			th.Description = rest
			th.LastChapter = chapter
		}
	case "new_themes":
		ch.NewThemes = bullets
		m.state.Context.Themes = mergeThemes(m.state.Context.Themes, bullets)
	case "tension_shifts":
		ch.TensionShifts = bullets
		if tension > 0 {
			ch.Tension = tension
			m.state.Context.Tension = tension
		}
	case "world_developments":
		ch.WorldDevelopments = bullets
	}

	for _, b := range bullets {
		m.logEvolution(chapter, kind, b)
	}
}

func (m *Manager) chapter(number int) *ChapterState {
	ch := m.state.Chapters[number]
	if ch == nil {
		ch = &ChapterState{Number: number}
		m.state.Chapters[number] = ch
	}
	return ch
}

func (m *Manager) logEvolution(chapter int, field, change string) {
	m.state.Evolution = append(m.state.Evolution, Evolution{
		Chapter: chapter,
		Field:   field,
		Change:  change,
		At:      m.now(),
	})
}

// save re-serializes the whole state atomically.
func (m *Manager) save() error {
	m.state.UpdatedAt = m.now()

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize story state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to stage story state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write story state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finish story state write: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace story state: %w", err)
	}
	return nil
}

// parseBullets keeps the lines that are list items, stripped of their
// markers.
func parseBullets(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		s := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(s, "- "):
			s = strings.TrimSpace(s[2:])
		case strings.HasPrefix(s, "* "):
			s = strings.TrimSpace(s[2:])
		case strings.HasPrefix(s, "• "):
			s = strings.TrimSpace(s[len("• "):])
		default:
			continue
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseTension finds a trailing "tension: N" line, clamped to 1..10. Zero
// means no level was reported.
func parseTension(text string) int {
	for _, line := range strings.Split(text, "\n") {
		s := strings.ToLower(strings.TrimSpace(line))
		if !strings.HasPrefix(s, "tension:") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(s, "tension:")))
		if err != nil {
			continue
		}
		if n < 1 {
			n = 1
		}
		if n > 10 {
			n = 10
		}
		return n
	}
	return 0
}

// splitAttribution splits "Name: what changed" bullets. The name side must
// be short enough to plausibly be a name or thread.
func splitAttribution(bullet string) (name, rest string, ok bool) {
	idx := strings.Index(bullet, ":")
	if idx <= 0 {
		return "", "", false
	}
	name = strings.TrimSpace(bullet[:idx])
	rest = strings.TrimSpace(bullet[idx+1:])
	if name == "" || rest == "" || len(strings.Fields(name)) > 4 {
		return "", "", false
	}
	return name, rest, true
}

// mergeThemes appends unseen themes, case-insensitively.
func mergeThemes(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[strings.ToLower(t)] = true
	}
	out := existing
	for _, t := range incoming {
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
