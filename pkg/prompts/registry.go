// Package prompts loads templated text assets by id and substitutes
// variables. Templates are opaque assets: the pipeline treats their wording
// as data, only their placeholder names are contractual.
package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"storywriter/pkg/logx"
)

//go:embed defaults
var defaultAssets embed.FS

const promptExt = ".md"

// TemplateError reports unresolved placeholders in a template.
type TemplateError struct {
	PromptID string
	Missing  []string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("prompt %q missing variables: %s", e.PromptID, strings.Join(e.Missing, ", "))
}

// NotFoundError reports a prompt id with no backing asset.
type NotFoundError struct {
	PromptID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("prompt %q not found", e.PromptID)
}

// placeholder matches {identifier} spans. Non-identifier brace content (JSON
// examples inside prompts) is left alone; {{ and }} escape literal braces.
var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Registry resolves prompt ids against a directory tree, falling back to the
// embedded default set when the directory lacks a file. Multiple registries
// coexist (the critique templates live under their own root).
type Registry struct {
	root        string
	fallback    fs.FS
	fallbackDir string
	logger      *logx.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewRegistry creates a registry rooted at dir with the embedded defaults as
// fallback. dir may be empty to serve defaults only.
func NewRegistry(dir string) *Registry {
	return &Registry{
		root:        dir,
		fallback:    defaultAssets,
		fallbackDir: "defaults",
		logger:      logx.NewLogger("prompts"),
		cache:       make(map[string]string),
	}
}

// NewRegistryWithFS creates a registry over an explicit asset FS (tests, or
// an alternate embedded set). No directory lookup happens.
func NewRegistryWithFS(assets fs.FS) *Registry {
	return &Registry{
		fallback:    assets,
		fallbackDir: ".",
		logger:      logx.NewLogger("prompts"),
		cache:       make(map[string]string),
	}
}

// normalizeID maps dotted ids to slash form: "chapters.outline_core" and
// "chapters/outline_core" are the same asset.
func normalizeID(promptID string) string {
	return strings.ReplaceAll(strings.TrimSpace(promptID), ".", "/")
}

// Raw returns the template text without substitution.
func (r *Registry) Raw(promptID string) (string, error) {
	id := normalizeID(promptID)

	r.mu.RLock()
	cached, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	text, err := r.read(id)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[id] = text
	r.mu.Unlock()
	return text, nil
}

func (r *Registry) read(id string) (string, error) {
	if r.root != "" {
		path := filepath.Join(r.root, filepath.FromSlash(id)+promptExt)
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}
	if r.fallback != nil {
		path := id + promptExt
		if r.fallbackDir != "." {
			path = r.fallbackDir + "/" + path
		}
		if data, err := fs.ReadFile(r.fallback, path); err == nil {
			return string(data), nil
		}
	}
	return "", &NotFoundError{PromptID: id}
}

// Has reports whether an asset exists for the id.
func (r *Registry) Has(promptID string) bool {
	_, err := r.Raw(promptID)
	return err == nil
}

// Load returns the template with all {name} placeholders substituted.
// Unresolved placeholders fail with TemplateError listing every missing
// name, so a bad call site is diagnosed in one shot.
func (r *Registry) Load(promptID string, variables map[string]string) (string, error) {
	text, err := r.Raw(promptID)
	if err != nil {
		return "", err
	}
	return Substitute(normalizeID(promptID), text, variables)
}

// Substitute applies {name} substitution to an arbitrary template string.
func Substitute(promptID, text string, variables map[string]string) (string, error) {
	// Escaped braces step aside before placeholder scanning.
	const (
		openSentinel  = "\x00OPEN\x00"
		closeSentinel = "\x00CLOSE\x00"
	)
	work := strings.ReplaceAll(text, "{{", openSentinel)
	work = strings.ReplaceAll(work, "}}", closeSentinel)

	missing := map[string]bool{}
	result := placeholder.ReplaceAllStringFunc(work, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := variables[name]; ok {
			return value
		}
		missing[name] = true
		return match
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", &TemplateError{PromptID: promptID, Missing: names}
	}

	result = strings.ReplaceAll(result, openSentinel, "{")
	result = strings.ReplaceAll(result, closeSentinel, "}")
	return result, nil
}
