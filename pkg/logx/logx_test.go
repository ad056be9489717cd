package logx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("test-component")
	require.NotNil(t, logger)
	assert.Equal(t, "test-component", logger.Component())
}

func TestWithComponent(t *testing.T) {
	logger := NewLogger("original")
	derived := logger.WithComponent("derived")

	assert.Equal(t, "original", logger.Component())
	assert.Equal(t, "derived", derived.Component())
}

func TestStoryContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, StoryFromContext(ctx))

	ctx = WithStory(ctx, "my-story")
	assert.Equal(t, "my-story", StoryFromContext(ctx))
}

func TestStoryFromNilContext(t *testing.T) {
	assert.Empty(t, StoryFromContext(nil)) //nolint:staticcheck // Testing nil safety
}

func TestDebugDomains(t *testing.T) {
	SetDebugConfig(true, false, "")
	defer SetDebugConfig(false, false, "")

	// All domains enabled by default
	SetDebugDomains(nil)
	assert.True(t, IsDebugEnabledForDomain("chapters"))
	assert.True(t, IsDebugEnabledForDomain("rag"))

	// Only listed domains enabled
	SetDebugDomains([]string{"chapters", "recap"})
	assert.True(t, IsDebugEnabledForDomain("chapters"))
	assert.True(t, IsDebugEnabledForDomain("recap"))
	assert.False(t, IsDebugEnabledForDomain("rag"))
}

func TestDebugDisabledGlobally(t *testing.T) {
	SetDebugConfig(false, false, "")
	SetDebugDomains([]string{"chapters"})
	defer SetDebugDomains(nil)

	assert.False(t, IsDebugEnabledForDomain("chapters"))
}

func TestRecentEntries(t *testing.T) {
	logger := NewLogger("buffer-test")
	logger.Info("hello from the buffer")

	entries := RecentEntries("", time.Time{})
	require.NotEmpty(t, entries)

	found := false
	for _, e := range entries {
		if e.Component == "buffer-test" && e.Message == "hello from the buffer" {
			found = true
			assert.Equal(t, "INFO", e.Level)
		}
	}
	assert.True(t, found, "expected buffered entry from buffer-test")
}

func TestRecentEntriesDomainFilter(t *testing.T) {
	SetDebugConfig(true, false, "")
	SetDebugDomains(nil)
	defer SetDebugConfig(false, false, "")

	ctx := WithStory(context.Background(), "filter-story")
	Debug(ctx, "savepoints", "checkpoint written")
	Debug(ctx, "chapters", "scene complete")

	entries := RecentEntries("savepoints", time.Time{})
	for _, e := range entries {
		if e.Domain != "" {
			assert.Equal(t, "savepoints", e.Domain)
		}
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf("something failed: %s", "detail")
	require.Error(t, err)
	assert.Equal(t, "something failed: detail", err.Error())
}

func TestWrap(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := Wrap(base, "db connect")
	require.Error(t, wrapped)
	assert.Equal(t, "db connect: connection refused", wrapped.Error())
	assert.ErrorIs(t, wrapped, base)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "anything"))
}
