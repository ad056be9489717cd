package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no fences", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n[1, 2]\n```", "[1, 2]"},
		{"fence with trailing prose", "```json\n{\"a\": 1}\n```\n", `{"a": 1}`},
		{"opening fence only on one line", "```", "```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripCodeFences(tt.input))
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		ok       bool
	}{
		{
			name:     "bare object",
			input:    `{"events": []}`,
			expected: `{"events": []}`,
			ok:       true,
		},
		{
			name:     "object wrapped in prose",
			input:    `Here is the JSON you asked for: {"name": "Mira"} hope that helps!`,
			expected: `{"name": "Mira"}`,
			ok:       true,
		},
		{
			name:     "nested braces",
			input:    `{"outer": {"inner": {"deep": 1}}}`,
			expected: `{"outer": {"inner": {"deep": 1}}}`,
			ok:       true,
		},
		{
			name:     "braces inside string literals",
			input:    `{"text": "a { literal } brace"} trailing`,
			expected: `{"text": "a { literal } brace"}`,
			ok:       true,
		},
		{
			name:     "escaped quote inside string",
			input:    `{"text": "she said \"hi}\" loudly"}`,
			expected: `{"text": "she said \"hi}\" loudly"}`,
			ok:       true,
		},
		{
			name:     "array",
			input:    `The scenes: [{"title": "Arrival"}, {"title": "Departure"}]`,
			expected: `[{"title": "Arrival"}, {"title": "Departure"}]`,
			ok:       true,
		},
		{
			name:     "fenced object",
			input:    "```json\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
			ok:       true,
		},
		{
			name:  "no json at all",
			input: "I could not produce the structure you wanted.",
			ok:    false,
		},
		{
			name:  "unbalanced",
			input: `{"broken": [1, 2`,
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.input)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}
