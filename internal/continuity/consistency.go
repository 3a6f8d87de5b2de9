package continuity

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/azyu/novelforge/pkg/types"
)

// Severity of a consistency issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// penalty is the score deducted from a category per issue.
func (s Severity) penalty() int {
	switch s {
	case SeverityCritical:
		return 35
	case SeverityHigh:
		return 20
	case SeverityMedium:
		return 10
	default:
		return 5
	}
}

// Category names a consistency check.
type Category string

const (
	CategoryCharacter     Category = "character"
	CategoryTimeline      Category = "timeline"
	CategoryWorldbuilding Category = "worldbuilding"
	CategoryResearch      Category = "research"
)

// CategoryWeights weight each category in the overall score.
var CategoryWeights = map[Category]float64{
	CategoryTimeline:      1.5,
	CategoryCharacter:     1.3,
	CategoryResearch:      1.0,
	CategoryWorldbuilding: 0.8,
}

// Issue is one detected inconsistency.
type Issue struct {
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// CategoryResult is the outcome of one category check.
type CategoryResult struct {
	Score  int     `json:"score"`
	Issues []Issue `json:"issues,omitempty"`
}

// Report is the result of CheckChapterConsistency.
type Report struct {
	Chapter    int                         `json:"chapter"`
	Score      int                         `json:"score"`
	Categories map[Category]CategoryResult `json:"categories"`
}

// Issues returns every issue across categories.
func (r Report) Issues() []Issue {
	var out []Issue
	for _, c := range []Category{CategoryTimeline, CategoryCharacter, CategoryResearch, CategoryWorldbuilding} {
		out = append(out, r.Categories[c].Issues...)
	}
	return out
}

// HasCritical reports whether any issue is critical.
func (r Report) HasCritical() bool {
	for _, is := range r.Issues() {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

var (
	afterlifeWords  = regexp.MustCompile(`(?i)\b(remember(ed|s)?|memor(y|ies)|ghost|grave|funeral|mourn(ed|ing)?|late|dream(ed|t)?|flashback)\b`)
	timeSkipWords   = regexp.MustCompile(`(?i)\b(later|passed|months|years|weeks|seasons?|by the time|meanwhile|earlier)\b`)
	seasonWords     = regexp.MustCompile(`(?i)\b(spring|summer|autumn|fall|winter)\b`)
	returnWords     = regexp.MustCompile(`(?i)\b(return(ed|s)?|reappear(ed|s)?|found|came back|back again)\b`)
	travelWords     = regexp.MustCompile(`(?i)\b(arriv(ed|es|ing)|travel(l)?(ed|ing)?|journey(ed)?|rode|walked|flew|sailed|left|reached)\b`)
	wordBoundaryTpl = `(?i)\b%s\b`
)

// CheckChapterConsistency checks prose for chapter against the tracked
// state. It does not modify the store.
func (s *Store) CheckChapterConsistency(chapter int, content, purpose string, researchFocus []string, settings types.BookSettings) Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := map[Category]CategoryResult{
		CategoryCharacter:     score(s.checkCharacters(chapter, content)),
		CategoryTimeline:      score(s.checkTimeline(chapter, content)),
		CategoryWorldbuilding: score(s.checkWorld(content, settings)),
		CategoryResearch:      score(s.checkResearch(content, purpose, researchFocus)),
	}

	var weighted, total float64
	for c, r := range results {
		w := CategoryWeights[c]
		weighted += float64(r.Score) * w
		total += w
	}
	return Report{
		Chapter:    chapter,
		Score:      int(math.Round(weighted / total)),
		Categories: results,
	}
}

func score(issues []Issue) CategoryResult {
	s := 100
	for _, is := range issues {
		s -= is.Severity.penalty()
	}
	if s < 0 {
		s = 0
	}
	return CategoryResult{Score: s, Issues: issues}
}

func mentions(content, term string) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return false
	}
	re, err := regexp.Compile(fmt.Sprintf(wordBoundaryTpl, regexp.QuoteMeta(term)))
	if err != nil {
		return strings.Contains(strings.ToLower(content), strings.ToLower(term))
	}
	return re.MatchString(content)
}

func (s *Store) checkCharacters(chapter int, content string) []Issue {
	var issues []Issue
	for _, c := range s.st.Characters {
		if !mentions(content, c.Name) {
			continue
		}
		switch {
		case c.Status == StatusDead && c.StatusChapter < chapter && !afterlifeWords.MatchString(content):
			issues = append(issues, Issue{
				Category:    CategoryCharacter,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("%s appears although they died in chapter %d", c.Name, c.StatusChapter),
				Suggestion:  "frame the appearance as memory or remove it",
			})
		case c.Status == StatusMissing && !returnWords.MatchString(content):
			issues = append(issues, Issue{
				Category:    CategoryCharacter,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("%s is missing but appears without explanation", c.Name),
				Suggestion:  "show how the character returned",
			})
		case c.LastSeenChapter > 0 && chapter-c.LastSeenChapter > 5:
			issues = append(issues, Issue{
				Category:    CategoryCharacter,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("%s returns after %d chapters of absence", c.Name, chapter-c.LastSeenChapter),
				Suggestion:  "remind the reader who the character is",
			})
		}

		if c.Location != "" && c.LastSeenChapter == chapter-1 {
			for _, loc := range s.st.Locations {
				if loc.Name == c.Location || !mentions(content, loc.Name) {
					continue
				}
				if !mentions(content, c.Location) && !travelWords.MatchString(content) {
					issues = append(issues, Issue{
						Category:    CategoryCharacter,
						Severity:    SeverityMedium,
						Description: fmt.Sprintf("%s was last in %s but the scene is set in %s with no travel", c.Name, c.Location, loc.Name),
						Suggestion:  "mention the journey between locations",
					})
				}
				break
			}
		}
	}
	return issues
}

func (s *Store) checkTimeline(chapter int, content string) []Issue {
	var issues []Issue

	if last := s.lastSeason(); last != "" {
		for _, m := range seasonWords.FindAllString(content, -1) {
			season := normalizeSeason(m)
			if season != last && !timeSkipWords.MatchString(content) {
				issues = append(issues, Issue{
					Category:    CategoryTimeline,
					Severity:    SeverityHigh,
					Description: fmt.Sprintf("season jumps from %s to %s without a time skip", last, season),
					Suggestion:  "signal how much time has passed",
				})
				break
			}
		}
	}

	for _, b := range s.st.PlannedBeats {
		if b.Chapter != chapter || b.Description == "" {
			continue
		}
		if !sharesKeyword(content, b.Description) {
			issues = append(issues, Issue{
				Category:    CategoryTimeline,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("planned event not reflected: %s", b.Description),
				Suggestion:  "cover the planned beat or move it in the plan",
			})
		}
	}
	return issues
}

func (s *Store) lastSeason() string {
	for i := len(s.st.Timeline) - 1; i >= 0; i-- {
		e := s.st.Timeline[i]
		if m := seasonWords.FindString(e.AbsoluteTime + " " + e.Description); m != "" {
			return normalizeSeason(m)
		}
	}
	return ""
}

func normalizeSeason(s string) string {
	s = strings.ToLower(s)
	if s == "fall" {
		return "autumn"
	}
	return s
}

func (s *Store) checkWorld(content string, settings types.BookSettings) []Issue {
	var issues []Issue
	for _, f := range s.st.WorldFacts {
		for _, p := range f.Prohibits {
			if mentions(content, p) {
				issues = append(issues, Issue{
					Category:    CategoryWorldbuilding,
					Severity:    SeverityHigh,
					Description: fmt.Sprintf("%q contradicts the world rule %q", p, f.Element),
					Suggestion:  f.Description,
				})
			}
		}
	}
	return issues
}

func (s *Store) checkResearch(content, purpose string, focus []string) []Issue {
	var issues []Issue
	for _, topic := range focus {
		if topic == "" || sharesKeyword(content, topic) {
			continue
		}
		issues = append(issues, Issue{
			Category:    CategoryResearch,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("research focus %q is not reflected", topic),
			Suggestion:  "weave in a concrete detail about " + topic,
		})
	}
	for _, f := range s.st.ResearchFacts {
		if f.Topic == "" || !mentions(content, f.Topic) || f.Fact == "" {
			continue
		}
		if !sharesKeyword(content, f.Fact) {
			issues = append(issues, Issue{
				Category:    CategoryResearch,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("%s is mentioned without the researched detail", f.Topic),
				Suggestion:  f.Fact,
			})
		}
	}
	return issues
}

// sharesKeyword reports whether content contains any word of four or more
// letters from phrase.
func sharesKeyword(content, phrase string) bool {
	lower := strings.ToLower(content)
	for _, w := range strings.FieldsFunc(strings.ToLower(phrase), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if len([]rune(w)) >= 4 && strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
