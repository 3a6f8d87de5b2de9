package continuity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/pkg/types"
)

func strPtr(s string) *string { return &s }

func seededStore() *Store {
	s := NewStore()
	bible := &types.StoryBible{
		Locations: []types.Location{
			{Name: "Harrow", Description: "salt-marsh town", Importance: "major"},
			{Name: "Lowmere", Description: "drowned city"},
		},
		WorldRules: []types.WorldRule{
			{Element: "technology", Description: "no gunpowder exists", Prohibits: []string{"pistol", "musket"}},
		},
		PlotThreads: []types.PlotThread{{Name: "the missing maps", IntroducedChapter: 1}},
	}
	characters := []types.BibleCharacter{
		{Name: "Mara", Role: "protagonist", StartLocation: "Harrow", Relationships: map[string]string{"Tobin": "brother"}},
		{Name: "Tobin", Role: "sibling", StartLocation: "Harrow"},
	}
	s.InitializeTracking(characters, bible, &types.Research{Facts: []types.ResearchFact{{Topic: "tides", Fact: "spring tides follow the full moon"}}}, types.BookSettings{Genre: "fantasy"})
	return s
}

type stubProvider struct {
	text string
	err  error
}

func (p *stubProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Text: p.text, TokensUsed: 12}, nil
}

func (p *stubProvider) Name() string { return "stub" }
func (p *stubProvider) Close() error { return nil }

// =============================================================================
// Tracking
// =============================================================================

func TestInitializeTracking(t *testing.T) {
	s := seededStore()

	require.True(t, s.Initialized())
	mara, ok := s.Character("Mara")
	require.True(t, ok)
	assert.Equal(t, "Harrow", mara.Location)
	assert.Equal(t, StatusAlive, mara.Status)
	assert.Equal(t, "brother", mara.Relationships["Tobin"])

	facts := s.WorldFacts()
	require.Len(t, facts, 2)
	assert.Equal(t, "technology", facts[0].Element)
	assert.Equal(t, "genre", facts[1].Element)
}

func TestWorldFactsReturnsIndependentCopy(t *testing.T) {
	s := seededStore()

	facts := s.WorldFacts()
	require.NotEmpty(t, facts[0].Prohibits)
	facts[0].Prohibits[0] = "cannon"
	facts[0].Prohibits = append(facts[0].Prohibits, "rifle")
	facts[0].Chapters = append(facts[0].Chapters, 99)

	again := s.WorldFacts()
	assert.Equal(t, []string{"pistol", "musket"}, again[0].Prohibits)
	assert.NotContains(t, again[0].Chapters, 99)
}

func TestRecordChapterUpdateIsAdditive(t *testing.T) {
	s := seededStore()

	s.RecordChapterUpdate(1, ChapterUpdate{Characters: []CharacterUpdate{{
		Name:           "Mara",
		Location:       strPtr("Lowmere"),
		EmotionalState: strPtr("afraid"),
		Relationships:  map[string]string{"Isolde": "rival"},
	}}})
	s.RecordChapterUpdate(2, ChapterUpdate{Characters: []CharacterUpdate{{
		Name:          "Mara",
		Relationships: map[string]string{"Corin": "ally"},
		NewKnowledge:  []string{"the maps were forged"},
	}}})

	mara, ok := s.Character("Mara")
	require.True(t, ok)
	assert.Equal(t, "Lowmere", mara.Location)
	assert.Equal(t, "afraid", mara.EmotionalState, "fields absent from an update stay unchanged")
	assert.Equal(t, map[string]string{"Tobin": "brother", "Isolde": "rival", "Corin": "ally"}, mara.Relationships)
	assert.Equal(t, []string{"the maps were forged"}, mara.Knowledge)
	assert.Equal(t, 2, mara.LastSeenChapter)
	assert.Equal(t, 2, s.LastChapter())
}

func TestRecordChapterUpdateAppendsCorrections(t *testing.T) {
	s := seededStore()

	s.RecordChapterUpdate(1, ChapterUpdate{
		Timeline:   []TimelineEntry{{Description: "Mara leaves Harrow", AbsoluteTime: "early spring"}},
		WorldFacts: []WorldFact{{Element: "technology", Description: "no gunpowder exists"}},
	})
	s.RecordChapterUpdate(2, ChapterUpdate{
		Timeline:   []TimelineEntry{{Description: "Mara reaches Lowmere"}},
		WorldFacts: []WorldFact{{Element: "technology", Description: "fire lances exist in the south"}},
	})

	timeline := s.Timeline()
	require.Len(t, timeline, 2)
	assert.Equal(t, 1, timeline[0].Chapter)
	assert.Equal(t, 2, timeline[1].Chapter)

	var tech []WorldFact
	for _, f := range s.WorldFacts() {
		if f.Element == "technology" {
			tech = append(tech, f)
		}
	}
	require.Len(t, tech, 2, "a changed description is appended, not overwritten")
	assert.Equal(t, []int{1}, tech[0].Chapters)
	assert.Equal(t, []int{2}, tech[1].Chapters)
}

func TestSnapshotRestore(t *testing.T) {
	s := seededStore()
	s.RecordChapterUpdate(3, ChapterUpdate{Characters: []CharacterUpdate{{Name: "Tobin", Status: strPtr(StatusDead)}}})

	data, err := s.Snapshot()
	require.NoError(t, err)

	restored := NewStore()
	require.NoError(t, restored.Restore(data))

	tobin, ok := restored.Character("Tobin")
	require.True(t, ok)
	assert.Equal(t, StatusDead, tobin.Status)
	assert.Equal(t, 3, tobin.StatusChapter)
	assert.Equal(t, 3, restored.LastChapter())

	assert.Error(t, restored.Restore([]byte("{not json")))
}

// =============================================================================
// Consistency
// =============================================================================

func TestCheckChapterConsistencyClean(t *testing.T) {
	s := seededStore()

	r := s.CheckChapterConsistency(1, "Mara watched the tides over Harrow while Tobin mended the nets.", "introduce Mara", nil, types.BookSettings{})

	assert.Equal(t, 100, r.Score)
	assert.Empty(t, r.Issues())
	assert.False(t, r.HasCritical())
}

func TestCheckChapterConsistencyDeadCharacter(t *testing.T) {
	s := seededStore()
	s.RecordChapterUpdate(2, ChapterUpdate{Characters: []CharacterUpdate{{Name: "Tobin", Status: strPtr(StatusDead)}}})

	r := s.CheckChapterConsistency(3, "Tobin laughed and handed Mara the oar.", "", nil, types.BookSettings{})
	assert.True(t, r.HasCritical())
	assert.Less(t, r.Categories[CategoryCharacter].Score, 100)
	assert.Less(t, r.Score, 100)

	r = s.CheckChapterConsistency(3, "Mara remembered how Tobin laughed.", "", nil, types.BookSettings{})
	assert.False(t, r.HasCritical(), "memories of the dead are allowed")
}

func TestCheckChapterConsistencyWorldRule(t *testing.T) {
	s := seededStore()

	r := s.CheckChapterConsistency(1, "Mara drew a pistol.", "", nil, types.BookSettings{})

	wb := r.Categories[CategoryWorldbuilding]
	require.Len(t, wb.Issues, 1)
	assert.Equal(t, SeverityHigh, wb.Issues[0].Severity)
	assert.Equal(t, 80, wb.Score)
}

func TestCheckChapterConsistencySeasonJump(t *testing.T) {
	s := seededStore()
	s.RecordChapterUpdate(1, ChapterUpdate{Timeline: []TimelineEntry{{Description: "the thaw", AbsoluteTime: "spring"}}})

	r := s.CheckChapterConsistency(2, "Snow buried Harrow that winter.", "", nil, types.BookSettings{})
	assert.NotEmpty(t, r.Categories[CategoryTimeline].Issues)

	r = s.CheckChapterConsistency(2, "Months later, snow buried Harrow that winter.", "", nil, types.BookSettings{})
	assert.Empty(t, r.Categories[CategoryTimeline].Issues)
}

func TestCheckChapterConsistencyResearchFocus(t *testing.T) {
	s := seededStore()

	r := s.CheckChapterConsistency(1, "Mara walked.", "", []string{"lighthouse keeping"}, types.BookSettings{})
	research := r.Categories[CategoryResearch]
	require.Len(t, research.Issues, 1)
	assert.Equal(t, SeverityLow, research.Issues[0].Severity)
}

func TestCheckChapterConsistencyIsReadOnly(t *testing.T) {
	s := seededStore()
	before, err := s.Snapshot()
	require.NoError(t, err)

	s.CheckChapterConsistency(4, "Mara drew a pistol in winter.", "", []string{"sailing"}, types.BookSettings{})

	after, err := s.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestOverallScoreUsesCategoryWeights(t *testing.T) {
	s := seededStore()
	// One high worldbuilding issue (score 80, weight 0.8) against three
	// clean categories with total weight 3.8.
	r := s.CheckChapterConsistency(1, "Mara raised the musket.", "", nil, types.BookSettings{})
	assert.Equal(t, 97, r.Score)
}

// =============================================================================
// Extraction
// =============================================================================

func TestExtractorDecodesUpdate(t *testing.T) {
	p := &stubProvider{text: "```json\n{\"characters\":[{\"name\":\"Mara\",\"location\":\"Lowmere\"}],\"timeline\":[{\"description\":\"arrival\"}]}\n```"}
	e := NewExtractor(p, "gpt-4o-mini")

	u, err := e.Extract(context.Background(), 2, "Mara arrived in Lowmere.")
	require.NoError(t, err)
	require.Len(t, u.Characters, 1)
	require.NotNil(t, u.Characters[0].Location)
	assert.Equal(t, "Lowmere", *u.Characters[0].Location)
	require.Len(t, u.Timeline, 1)
}

func TestExtractOrFallback(t *testing.T) {
	s := seededStore()
	content := "Tobin rowed toward Lowmere. The water was black."

	tests := []struct {
		name     string
		provider llm.Provider
	}{
		{name: "provider error", provider: &stubProvider{err: errors.New("timeout")}},
		{name: "malformed json", provider: &stubProvider{text: "I cannot help with that"}},
		{name: "no provider", provider: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := NewExtractor(tt.provider, "m").ExtractOrFallback(context.Background(), s, 2, content)
			assert.Error(t, err)
			require.Len(t, u.Characters, 1)
			assert.Equal(t, "Tobin", u.Characters[0].Name)
			require.Len(t, u.Timeline, 1)
			assert.Equal(t, "Tobin rowed toward Lowmere.", u.Timeline[0].Description)
		})
	}
}
