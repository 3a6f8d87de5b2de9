// Package budget turns a book word target into chapter and section targets.
package budget

import (
	"math"
)

// Position multipliers weight chapters by narrative role. They are not
// normalised, so chapter targets may sum to a few percent over the total.
const (
	OpeningMultiplier    = 1.10
	ClimaxMultiplier     = 1.15
	ResolutionMultiplier = 1.05
)

// Section-count bounds.
const (
	MinSections        = 1
	MaxSections        = 4
	MinSectionWords    = 200
	singleSectionLimit = 500
	twoSectionLimit    = 1000
	threeSectionLimit  = 2000
	forcedSplitWords   = 800
)

// Section type tags used for prompt construction.
const (
	SectionOpening     = "opening"
	SectionDevelopment = "development"
	SectionBridge      = "bridge"
)

// PositionMultiplier returns the pacing weight for a 1-indexed chapter.
func PositionMultiplier(position, chapterCount int) float64 {
	if chapterCount <= 0 || position <= 0 {
		return 1.0
	}
	ratio := float64(position) / float64(chapterCount)
	switch {
	case ratio <= 0.2:
		return OpeningMultiplier
	case ratio > 0.9:
		return ResolutionMultiplier
	case ratio >= 0.7:
		return ClimaxMultiplier
	default:
		return 1.0
	}
}

// ChapterWordTarget returns the word target for a chapter position.
func ChapterWordTarget(totalWords, position, chapterCount int) int {
	if totalWords <= 0 || chapterCount <= 0 {
		return 0
	}
	base := totalWords / chapterCount
	return int(math.Round(float64(base) * PositionMultiplier(position, chapterCount)))
}

// SectionTarget is one planned section of a chapter.
type SectionTarget struct {
	Number      int
	Words       int
	SectionType string
}

// SectionPlan is the section breakdown of a chapter.
type SectionPlan struct {
	ChapterWords    int
	Sections        []SectionTarget
	TransitionStyle string
}

// Count returns the number of planned sections.
func (p SectionPlan) Count() int {
	return len(p.Sections)
}

// SectionCount computes how many sections a chapter of the given length
// should be split into under the genre rules.
func SectionCount(chapterWords int, rules GenreRules) int {
	if chapterWords <= singleSectionLimit {
		return 1
	}

	optimal := rules.OptimalSectionWords
	if optimal <= 0 {
		optimal = DefaultGenreRules.OptimalSectionWords
	}
	maxWords := rules.MaxSectionWords
	if maxWords <= 0 {
		maxWords = DefaultGenreRules.MaxSectionWords
	}

	count := int(math.Round(float64(chapterWords) / float64(optimal)))
	if count < 1 {
		count = 1
	}
	if chapterWords/count < MinSectionWords {
		count = chapterWords / MinSectionWords
		if count < 1 {
			count = 1
		}
	}
	if chapterWords/count > maxWords {
		count = (chapterWords + maxWords - 1) / maxWords
	}

	switch {
	case chapterWords <= twoSectionLimit && count > 2:
		count = 2
	case chapterWords <= threeSectionLimit && count > 3:
		count = 3
	}

	if count < MinSections {
		count = MinSections
	}
	if count > MaxSections {
		count = MaxSections
	}

	if count == 1 && !rules.AllowSingleSection && chapterWords > forcedSplitWords {
		count = 2
	}
	return count
}

// PlanSections splits a chapter target into per-section targets. Words are
// divided evenly and the remainder goes to the last section.
func PlanSections(chapterWords int, rules GenreRules) SectionPlan {
	if chapterWords < 0 {
		chapterWords = 0
	}
	count := SectionCount(chapterWords, rules)
	per := chapterWords / count
	remainder := chapterWords - per*count

	sections := make([]SectionTarget, count)
	for i := range sections {
		sections[i] = SectionTarget{
			Number:      i + 1,
			Words:       per,
			SectionType: sectionType(i, count),
		}
	}
	sections[count-1].Words += remainder

	return SectionPlan{
		ChapterWords:    chapterWords,
		Sections:        sections,
		TransitionStyle: rules.TransitionStyle,
	}
}

func sectionType(index, count int) string {
	switch {
	case index == 0:
		return SectionOpening
	case index == count-1:
		return SectionBridge
	default:
		return SectionDevelopment
	}
}
