package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azyu/novelforge/internal/generation"
	"github.com/azyu/novelforge/pkg/types"
)

func TestRenderMarkdown(t *testing.T) {
	book := &types.Book{
		Settings:  types.BookSettings{Title: "Salt and Lantern"},
		BackCover: "A drowned coast.\n\nA keeper who remembers.",
	}
	chapters := []exportChapter{
		{
			Chapter: types.Chapter{Number: 1, Title: "Low Tide"},
			Sections: []types.Section{
				{Content: "Mara walked the flats.\n"},
				{Content: "   "},
				{Content: "Tobin lit the lamp."},
			},
		},
		{Chapter: types.Chapter{Number: 2, Title: "High Water"}},
	}

	want := `# Salt and Lantern

> A drowned coast.
>
> A keeper who remembers.

## Chapter 1: Low Tide

Mara walked the flats.

* * *

Tobin lit the lamp.

## Chapter 2: High Water

_Not yet written._
`
	assert.Equal(t, want, renderMarkdown(book, chapters))
}

func TestRenderMarkdownWithoutBackCover(t *testing.T) {
	got := renderMarkdown(&types.Book{Settings: types.BookSettings{Title: "Bare"}}, nil)
	assert.Equal(t, "# Bare\n", got)
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		percent int
		label   string
		filled  int
	}{
		{0, "  0%", 0},
		{50, " 50%", 10},
		{100, "100%", 20},
		{140, "100%", 20},
		{-5, "  0%", 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.percent), func(t *testing.T) {
			bar := progressBar(tt.percent, 20)
			assert.True(t, strings.HasSuffix(bar, tt.label), bar)
			assert.Equal(t, tt.filled, strings.Count(bar, "█"))
			assert.Equal(t, 20-tt.filled, strings.Count(bar, "░"))
		})
	}
}

func TestStatusStyle(t *testing.T) {
	complete := statusStyle(string(types.StatusComplete))
	assert.Equal(t, Secondary, complete.GetForeground(), "chapter COMPLETE matches the book status")
	assert.Equal(t, Error, statusStyle(string(types.StatusNeedsRevision)).GetForeground())
	assert.Equal(t, Error, statusStyle(string(types.BookStatusError)).GetForeground())
	assert.Equal(t, Accent, statusStyle(string(types.StatusGenerating)).GetForeground())
	assert.Equal(t, Muted, statusStyle(string(types.StatusPlanned)).GetForeground())
}

func TestReportRuns(t *testing.T) {
	busy := fmt.Errorf("%w: b2", generation.ErrBookBusy)
	failed := errors.New("provider down")

	err := reportRuns([]string{"b1", "b2", "b3"}, []error{nil, busy, failed})
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrBookBusy)
	assert.ErrorIs(t, err, failed)

	assert.NoError(t, reportRuns([]string{"b1"}, []error{nil}))
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"create", "list", "back-cover", "outline", "generate", "resume", "status", "revisions", "export", "config"} {
		assert.True(t, names[want], want)
	}
}
