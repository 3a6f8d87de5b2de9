package budget

import (
	"fmt"
	"testing"

	"github.com/azyu/novelforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Chapter targets
// ============================================================================

func TestPositionMultiplier(t *testing.T) {
	tests := []struct {
		position int
		count    int
		want     float64
	}{
		{1, 10, OpeningMultiplier},
		{2, 10, OpeningMultiplier},
		{3, 10, 1.0},
		{6, 10, 1.0},
		{7, 10, ClimaxMultiplier},
		{9, 10, ClimaxMultiplier},
		{10, 10, ResolutionMultiplier},
		{1, 1, ResolutionMultiplier},
		{0, 10, 1.0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d of %d", tt.position, tt.count), func(t *testing.T) {
			assert.Equal(t, tt.want, PositionMultiplier(tt.position, tt.count))
		})
	}
}

func TestChapterWordTarget(t *testing.T) {
	assert.Equal(t, 11000, ChapterWordTarget(100000, 1, 10))
	assert.Equal(t, 10000, ChapterWordTarget(100000, 5, 10))
	assert.Equal(t, 11500, ChapterWordTarget(100000, 7, 10))
	assert.Equal(t, 10500, ChapterWordTarget(100000, 10, 10))
	assert.Equal(t, 0, ChapterWordTarget(0, 1, 10))
	assert.Equal(t, 0, ChapterWordTarget(1000, 1, 0))
}

// TestChapterTargetsApproximateTotal checks the chapter targets sum to
// within 20% of the book total across a range of shapes.
func TestChapterTargetsApproximateTotal(t *testing.T) {
	for _, total := range []int{1000, 5000, 20000, 80000, 150000} {
		for _, count := range []int{1, 2, 3, 5, 10, 24, 40} {
			sum := 0
			for pos := 1; pos <= count; pos++ {
				sum += ChapterWordTarget(total, pos, count)
			}
			assert.InDelta(t, float64(total), float64(sum), float64(total)*0.2,
				"total=%d chapters=%d sum=%d", total, count, sum)
		}
	}
}

// ============================================================================
// Section planning
// ============================================================================

func TestSectionCount(t *testing.T) {
	fantasy := RulesFor("fantasy")
	romance := RulesFor("romance")
	children := RulesFor("children")

	tests := []struct {
		name  string
		words int
		rules GenreRules
		want  int
	}{
		{name: "tiny chapter is one section", words: 400, rules: fantasy, want: 1},
		{name: "boundary 500 is one section", words: 500, rules: fantasy, want: 1},
		{name: "short chapter under split limit stays single", words: 700, rules: fantasy, want: 1},
		{name: "genre without single sections splits above 800", words: 900, rules: fantasy, want: 2},
		{name: "genre allowing single sections keeps one", words: 900, rules: romance, want: 1},
		{name: "mid chapter forced to two", words: 1800, rules: fantasy, want: 2},
		{name: "optimal split", words: 3000, rules: fantasy, want: 2},
		{name: "long chapter clamped to four", words: 12000, rules: fantasy, want: 4},
		{name: "small sections genre", words: 1000, rules: children, want: 2},
		{name: "three section cap below 2000", words: 1900, rules: children, want: 3},
		{
			name:  "minimum section length reduces count",
			words: 1500,
			rules: GenreRules{OptimalSectionWords: 100, MaxSectionWords: 5000, AllowSingleSection: true},
			want:  3,
		},
		{
			name:  "maximum section length raises count",
			words: 2500,
			rules: GenreRules{OptimalSectionWords: 3000, MaxSectionWords: 1000, AllowSingleSection: true},
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SectionCount(tt.words, tt.rules))
		})
	}
}

// TestSectionCountBounds sweeps chapter lengths across every genre.
func TestSectionCountBounds(t *testing.T) {
	genres := []string{"fantasy", "scifi", "mystery", "thriller", "romance", "horror", "historical", "literary", "children", "unknown"}
	for _, genre := range genres {
		rules := RulesFor(genre)
		for words := 0; words <= 20000; words += 37 {
			n := SectionCount(words, rules)
			require.GreaterOrEqual(t, n, MinSections, "genre=%s words=%d", genre, words)
			require.LessOrEqual(t, n, MaxSections, "genre=%s words=%d", genre, words)
			if words <= 500 {
				require.Equal(t, 1, n, "genre=%s words=%d", genre, words)
			}
		}
	}
}

func TestPlanSections(t *testing.T) {
	t.Run("remainder goes to last section", func(t *testing.T) {
		plan := PlanSections(3001, RulesFor("fantasy"))

		require.Equal(t, 2, plan.Count())
		assert.Equal(t, 1500, plan.Sections[0].Words)
		assert.Equal(t, 1501, plan.Sections[1].Words)
		assert.Equal(t, SectionOpening, plan.Sections[0].SectionType)
		assert.Equal(t, SectionBridge, plan.Sections[1].SectionType)
		assert.Equal(t, "scene-break", plan.TransitionStyle)
	})

	t.Run("interior sections are development", func(t *testing.T) {
		plan := PlanSections(12003, RulesFor("fantasy"))

		require.Equal(t, 4, plan.Count())
		assert.Equal(t, []string{SectionOpening, SectionDevelopment, SectionDevelopment, SectionBridge},
			[]string{plan.Sections[0].SectionType, plan.Sections[1].SectionType, plan.Sections[2].SectionType, plan.Sections[3].SectionType})
		assert.Equal(t, 3003, plan.Sections[3].Words)
	})

	t.Run("sections are contiguous and sum to the chapter", func(t *testing.T) {
		for _, words := range []int{0, 250, 999, 4321, 9876} {
			plan := PlanSections(words, RulesFor("mystery"))
			sum := 0
			for i, s := range plan.Sections {
				assert.Equal(t, i+1, s.Number)
				sum += s.Words
			}
			assert.Equal(t, words, sum)
		}
	})
}

func TestRulesFor(t *testing.T) {
	assert.Equal(t, "scifi", RulesFor("Science Fiction").Genre)
	assert.Equal(t, "scifi", RulesFor("sci-fi").Genre)
	assert.Equal(t, "literary", RulesFor("Literary Fiction").Genre)
	assert.Equal(t, "general", RulesFor("cookbook").Genre)
}

// ============================================================================
// Consolidation
// ============================================================================

func makePlans(n int) []types.ChapterPlan {
	plans := make([]types.ChapterPlan, n)
	for i := range plans {
		plans[i] = types.ChapterPlan{
			Number:        i + 1,
			Title:         fmt.Sprintf("Chapter %d", i+1),
			Purpose:       fmt.Sprintf("purpose %d.", i+1),
			TargetWords:   100,
			Scenes:        []types.Scene{{Purpose: fmt.Sprintf("scene %d", i+1)}},
			ResearchFocus: []string{fmt.Sprintf("topic %d", i+1)},
			CharacterArcs: []string{fmt.Sprintf("arc %d", i+1)},
		}
	}
	return plans
}

func TestMaxChaptersFor(t *testing.T) {
	assert.Equal(t, 1, MaxChaptersFor(1000))
	assert.Equal(t, 2, MaxChaptersFor(1001))
	assert.Equal(t, 2, MaxChaptersFor(2000))
	assert.Equal(t, 4, MaxChaptersFor(5000))
	assert.Equal(t, 6, MaxChaptersFor(10000))
	assert.Equal(t, 0, MaxChaptersFor(10001))
}

// TestConsolidateShortBook is the 12-plan, 1500-word scenario.
func TestConsolidateShortBook(t *testing.T) {
	out := ConsolidateChapters(makePlans(12), 1500)

	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Number)
	assert.Equal(t, 2, out[1].Number)
	assert.Equal(t, "Chapter 1 & More", out[0].Title)
	assert.Equal(t, "Chapter 7 & More", out[1].Title)
	assert.Len(t, out[0].Scenes, 6)
	assert.Len(t, out[1].ResearchFocus, 6)
	assert.Len(t, out[1].CharacterArcs, 6)
	assert.Equal(t, 600, out[0].TargetWords)
	assert.Equal(t, "purpose 1. purpose 2. purpose 3. purpose 4. purpose 5. purpose 6.", out[0].Purpose)
}

func TestConsolidateUnevenGroups(t *testing.T) {
	out := ConsolidateChapters(makePlans(5), 4000)

	require.Len(t, out, 4)
	assert.Equal(t, "Chapter 1 & More", out[0].Title)
	assert.Equal(t, "Chapter 3", out[1].Title)
	assert.Equal(t, "Chapter 5", out[3].Title)
}

func TestConsolidateLeavesLongBooks(t *testing.T) {
	in := makePlans(20)
	in[3].Number = 99

	out := ConsolidateChapters(in, 50000)

	require.Len(t, out, 20)
	for i, p := range out {
		assert.Equal(t, i+1, p.Number)
	}
	assert.Equal(t, 99, in[3].Number, "input must not be mutated")
}

func TestConsolidateSingleChapter(t *testing.T) {
	out := ConsolidateChapters(makePlans(3), 800)

	require.Len(t, out, 1)
	assert.Equal(t, "Chapter 1 & More", out[0].Title)
	assert.Len(t, out[0].Scenes, 3)
}

func TestMergeChaptersToLimit(t *testing.T) {
	out := MergeChapters(makePlans(7), 3)

	require.Len(t, out, 3)
	assert.Equal(t, "Chapter 1 & More", out[0].Title)
	assert.Len(t, out[0].Scenes, 3)
	assert.Len(t, out[1].Scenes, 2)
	assert.Len(t, out[2].Scenes, 2)
	assert.Equal(t, 3, out[2].Number)

	assert.Len(t, MergeChapters(makePlans(7), 0), 7)
	assert.Len(t, MergeChapters(makePlans(2), 5), 2)
}
