// Package savepoint implements the idempotent, per-story artifact store the
// whole pipeline checkpoints through.
//
// Every intermediate product (outline chunks, character sheets, scenes,
// recaps, titles) is saved under <root>/<story>/<step_id>.md where step_id
// may contain / separators that map to subdirectories. Writes are atomic
// (temp file + rename) so an interrupted run never leaves a half-written
// savepoint visible; a re-run resumes from whatever completed. Loading a
// step that was never written is an ordinary absent result, not an error.
package savepoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"storywriter/pkg/logx"
)

// Sentinel errors.
var (
	ErrNotBound        = errors.New("savepoint store not bound to a story")
	ErrUnsupportedType = errors.New("unsupported savepoint value type")
)

// CorruptError marks a savepoint whose file exists but cannot be decoded.
// Surfaced on single-step reads; skipped (with a warning) during ListAll.
type CorruptError struct {
	StepID string
	Err    error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("savepoint %q corrupt: %v", e.StepID, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

const savepointExt = ".md"

// Store persists keyed artifacts for one story at a time. Construct with
// NewStore(root), then BindStory before any I/O. Reads are lock-free; the
// mutex only guards the story binding.
type Store struct {
	root   string
	logger *logx.Logger

	mu    sync.RWMutex
	story string
	dir   string
}

func NewStore(root string) *Store {
	return &Store{
		root:   root,
		logger: logx.NewLogger("savepoint"),
	}
}

// BindStory points the store at <root>/<story_name>/, creating the directory
// if needed. All subsequent step ids resolve inside it.
func (s *Store) BindStory(storyName string) error {
	cleaned, err := sanitizeID(storyName)
	if err != nil {
		return fmt.Errorf("invalid story name %q: %w", storyName, err)
	}

	dir := filepath.Join(s.root, cleaned)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create story directory: %w", err)
	}

	s.mu.Lock()
	s.story = cleaned
	s.dir = dir
	s.mu.Unlock()

	s.logger.Debug("Bound savepoint store to %s", dir)
	return nil
}

// Story returns the bound story name, empty when unbound.
func (s *Store) Story() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.story
}

// Dir returns the bound story directory.
func (s *Store) Dir() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dir == "" {
		return "", ErrNotBound
	}
	return s.dir, nil
}

// sanitizeID rejects ids that would escape the story directory. Slashes are
// allowed (they form subdirectories); leading slashes and .. segments are not.
func sanitizeID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("empty id")
	}
	cleaned := filepath.ToSlash(filepath.Clean(id))
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") || strings.Contains(cleaned, "../") {
		return "", fmt.Errorf("id escapes store root")
	}
	if cleaned == "." {
		return "", fmt.Errorf("empty id")
	}
	return cleaned, nil
}

// path resolves a step id to its file path, or ErrNotBound.
func (s *Store) path(stepID string) (string, error) {
	s.mu.RLock()
	dir := s.dir
	s.mu.RUnlock()
	if dir == "" {
		return "", ErrNotBound
	}
	cleaned, err := sanitizeID(stepID)
	if err != nil {
		return "", fmt.Errorf("invalid step id %q: %w", stepID, err)
	}
	return filepath.Join(dir, cleaned+savepointExt), nil
}

// Save writes a value atomically. Nested step ids create subdirectories.
// Existing savepoints are overwritten.
func (s *Store) Save(ctx context.Context, stepID string, v Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath, err := s.path(stepID)
	if err != nil {
		return err
	}

	data, err := v.encode()
	if err != nil {
		return fmt.Errorf("failed to encode savepoint %q: %w", stepID, err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create savepoint directory: %w", err)
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".sp-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write savepoint %q: %w", stepID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close savepoint %q: %w", stepID, err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize savepoint %q: %w", stepID, err)
	}

	logx.Debug(ctx, "savepoints", "Saved %s (%s)", stepID, v.Kind())
	return nil
}

// Load reads a savepoint. The second return is false when the step was never
// written; that is the ordinary resume signal, not an error.
func (s *Store) Load(ctx context.Context, stepID string) (Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, false, err
	}

	filePath, err := s.path(stepID)
	if err != nil {
		return Value{}, false, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Value{}, false, nil
		}
		return Value{}, false, fmt.Errorf("failed to read savepoint %q: %w", stepID, err)
	}

	v, err := decodeValue(data)
	if err != nil {
		return Value{}, false, &CorruptError{StepID: stepID, Err: err}
	}
	return v, true, nil
}

// Has reports whether the step has been saved. Temp files never satisfy it.
func (s *Store) Has(stepID string) bool {
	filePath, err := s.path(stepID)
	if err != nil {
		return false
	}
	info, err := os.Stat(filePath)
	return err == nil && !info.IsDir()
}

// Delete removes a savepoint; deleting an absent step is a no-op.
func (s *Store) Delete(stepID string) error {
	filePath, err := s.path(stepID)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete savepoint %q: %w", stepID, err)
	}
	return nil
}

// Entry is one (step id, value) pair from ListAll.
type Entry struct {
	StepID string
	Value  Value
}

// ListAll enumerates every savepoint under the story directory. Corrupted
// entries are logged and skipped; a partially unreadable store is still
// usable for resume.
func (s *Store) ListAll(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	dir := s.dir
	s.mu.RUnlock()
	if dir == "" {
		return nil, ErrNotBound
	}

	var entries []Entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), savepointExt) {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil //nolint:nilerr // Unreachable for paths under dir
		}
		stepID := filepath.ToSlash(strings.TrimSuffix(rel, savepointExt))

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Skipping unreadable savepoint %s: %v", stepID, err)
			return nil
		}
		v, err := decodeValue(data)
		if err != nil {
			s.logger.Warn("Skipping corrupt savepoint %s: %v", stepID, err)
			return nil
		}
		entries = append(entries, Entry{StepID: stepID, Value: v})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list savepoints: %w", err)
	}
	return entries, nil
}

// Meta is the raw frontmatter/body split of a savepoint file.
type Meta struct {
	Frontmatter map[string]any
	Body        string
}

// LoadWithMetadata returns the frontmatter and body of a savepoint. Files
// without frontmatter (scalar or legacy plain text) are wrapped with
// {legacy_data: true} and their full content as body.
func (s *Store) LoadWithMetadata(ctx context.Context, stepID string) (Meta, bool, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, false, err
	}

	filePath, err := s.path(stepID)
	if err != nil {
		return Meta{}, false, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, fmt.Errorf("failed to read savepoint %q: %w", stepID, err)
	}

	content := string(data)
	if !strings.HasPrefix(content, fence+"\n") {
		return Meta{
			Frontmatter: map[string]any{"legacy_data": true},
			Body:        content,
		}, true, nil
	}

	v, err := decodeValue(data)
	if err != nil {
		return Meta{}, false, &CorruptError{StepID: stepID, Err: err}
	}

	structured, _ := v.StructuredValue()
	if m, ok := structured.(map[string]any); ok {
		if fm, hasFM := m["_frontmatter"]; hasFM {
			meta := Meta{Body: ""}
			if body, hasBody := m["_body"].(string); hasBody {
				meta.Body = body
			}
			if fmMap, isMap := fm.(map[string]any); isMap {
				meta.Frontmatter = fmMap
			} else {
				meta.Frontmatter = map[string]any{"value": fm}
			}
			return meta, true, nil
		}
		return Meta{Frontmatter: m}, true, nil
	}
	return Meta{Frontmatter: map[string]any{"value": structured}}, true, nil
}

// Legacy step id renames applied by RenameLegacyKeys. Older runs wrote
// base_synopsis/base_outline; current naming is synopsis/outline.
var legacyKeyRenames = map[string]string{
	"base_synopsis": "synopsis",
	"base_outline":  "outline",
}

// RenameLegacyKeys migrates legacy savepoint names in place and returns how
// many files were renamed. When both the legacy and current name exist the
// current one wins and the legacy file is left untouched.
func (s *Store) RenameLegacyKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	dir := s.dir
	s.mu.RUnlock()
	if dir == "" {
		return 0, ErrNotBound
	}

	renamed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		base := strings.TrimSuffix(d.Name(), savepointExt)
		target, isLegacy := legacyKeyRenames[base]
		if !isLegacy || !strings.HasSuffix(d.Name(), savepointExt) {
			return nil
		}

		targetPath := filepath.Join(filepath.Dir(path), target+savepointExt)
		if _, statErr := os.Stat(targetPath); statErr == nil {
			s.logger.Debug("Keeping existing %s over legacy %s", target, base)
			return nil
		}
		if renameErr := os.Rename(path, targetPath); renameErr != nil {
			return fmt.Errorf("failed to rename %s: %w", path, renameErr)
		}
		renamed++
		return nil
	})
	if err != nil {
		return renamed, err
	}
	if renamed > 0 {
		s.logger.Info("Renamed %d legacy savepoint keys", renamed)
	}
	return renamed, nil
}
