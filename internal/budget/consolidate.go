package budget

import (
	"strings"

	"github.com/azyu/novelforge/pkg/types"
)

// MaxChaptersFor returns the chapter cap for a short book, or 0 when the
// book is long enough to keep every planned chapter.
func MaxChaptersFor(totalWords int) int {
	switch {
	case totalWords <= 1000:
		return 1
	case totalWords <= 2000:
		return 2
	case totalWords <= 5000:
		return 4
	case totalWords <= 10000:
		return 6
	default:
		return 0
	}
}

// ConsolidateChapters merges story-bible chapter plans down to the cap for
// the book length. Plans are grouped sequentially; each merged chapter
// keeps the first title, suffixed " & More" when it absorbed others.
// Returned plans are renumbered 1..N and the input is not modified.
func ConsolidateChapters(plans []types.ChapterPlan, totalWords int) []types.ChapterPlan {
	return MergeChapters(plans, MaxChaptersFor(totalWords))
}

// MergeChapters groups plans sequentially into at most limit chapters,
// spreading any remainder over the first groups. A limit of 0 keeps every
// plan. Returned plans are renumbered 1..N.
func MergeChapters(plans []types.ChapterPlan, limit int) []types.ChapterPlan {
	if limit <= 0 || len(plans) <= limit {
		return renumber(plans)
	}

	out := make([]types.ChapterPlan, 0, limit)
	size := len(plans) / limit
	extra := len(plans) % limit
	start := 0
	for g := 0; g < limit; g++ {
		n := size
		if g < extra {
			n++
		}
		out = append(out, mergePlans(plans[start:start+n]))
		start += n
	}
	return renumber(out)
}

func mergePlans(group []types.ChapterPlan) types.ChapterPlan {
	merged := types.ChapterPlan{
		Title: group[0].Title,
	}
	if len(group) > 1 {
		merged.Title = group[0].Title + " & More"
	}

	var purposes []string
	for _, p := range group {
		if p.Purpose != "" {
			purposes = append(purposes, p.Purpose)
		}
		merged.TargetWords += p.TargetWords
		merged.Scenes = append(merged.Scenes, p.Scenes...)
		merged.ResearchFocus = append(merged.ResearchFocus, p.ResearchFocus...)
		merged.CharacterArcs = append(merged.CharacterArcs, p.CharacterArcs...)
	}
	merged.Purpose = strings.Join(purposes, " ")
	return merged
}

func renumber(plans []types.ChapterPlan) []types.ChapterPlan {
	out := make([]types.ChapterPlan, len(plans))
	copy(out, plans)
	for i := range out {
		out[i].Number = i + 1
	}
	return out
}
