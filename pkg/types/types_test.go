package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultGlobalConfig(t *testing.T) {
	cfg := DefaultGlobalConfig()

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, "openai", cfg.Defaults.Provider)
	assert.NotEmpty(t, cfg.Defaults.WritingModel)
	assert.NotNil(t, cfg.Providers)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, time.Second, cfg.Progress.Throttle)

	for model, limit := range cfg.RateLimits {
		assert.Positive(t, limit.TokensPerMinute, model)
		assert.Positive(t, limit.RequestsPerMinute, model)
	}
}

func TestDefaultQualityConfig(t *testing.T) {
	q := DefaultQualityConfig()

	assert.Equal(t, 60, q.FailThreshold)
	assert.Equal(t, 80, q.ProofreadThreshold)
	assert.Equal(t, 65, q.RevisionThreshold)
	assert.Equal(t, 3, q.StagnationInterval)
	assert.Equal(t, 8, q.MaxRevisions)
	assert.Equal(t, 3, q.CriticalBonus)
}

func TestCheckpointLookups(t *testing.T) {
	cp := &Checkpoint{
		CompletedChapters: []int{1, 2},
		CompletedSections: map[string][]int{
			"ch-3": {1},
		},
	}

	tests := []struct {
		name    string
		check   func() bool
		wantHit bool
	}{
		{name: "completed chapter", check: func() bool { return cp.HasChapter(2) }, wantHit: true},
		{name: "missing chapter", check: func() bool { return cp.HasChapter(3) }, wantHit: false},
		{name: "completed section", check: func() bool { return cp.HasSection("ch-3", 1) }, wantHit: true},
		{name: "missing section", check: func() bool { return cp.HasSection("ch-3", 2) }, wantHit: false},
		{name: "unknown chapter id", check: func() bool { return cp.HasSection("ch-9", 1) }, wantHit: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantHit, tt.check())
		})
	}
}

func TestResearchIsEmpty(t *testing.T) {
	var nilResearch *Research
	assert.True(t, nilResearch.IsEmpty())
	assert.True(t, (&Research{}).IsEmpty())
	assert.False(t, (&Research{Summary: "Victorian London"}).IsEmpty())
	assert.False(t, (&Research{Facts: []ResearchFact{{Topic: "gas lamps"}}}).IsEmpty())
}
