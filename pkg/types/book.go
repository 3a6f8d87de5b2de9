package types

import (
	"time"
)

// BookStatus is the user-visible lifecycle status of a book.
type BookStatus string

const (
	BookStatusPlanning   BookStatus = "PLANNING"
	BookStatusGenerating BookStatus = "GENERATING"
	BookStatusComplete   BookStatus = "COMPLETE"
	BookStatusError      BookStatus = "ERROR"
)

// GenerationStep is the position of a book in the generation pipeline.
type GenerationStep string

const (
	StepPrompt      GenerationStep = "PROMPT"
	StepBackCover   GenerationStep = "BACK_COVER"
	StepOutline     GenerationStep = "OUTLINE"
	StepChapters    GenerationStep = "CHAPTERS"
	StepSupervision GenerationStep = "SUPERVISION"
	StepComplete    GenerationStep = "COMPLETE"
	StepError       GenerationStep = "ERROR"
)

// ChapterStatus is shared by chapters and sections.
type ChapterStatus string

const (
	StatusPlanned       ChapterStatus = "PLANNED"
	StatusGenerating    ChapterStatus = "GENERATING"
	StatusComplete      ChapterStatus = "COMPLETE"
	StatusNeedsRevision ChapterStatus = "NEEDS_REVISION"
)

// Tier is a subscription tier name.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierBasic   Tier = "BASIC"
	TierPro     Tier = "PRO"
	TierPremium Tier = "PREMIUM"
)

// BookSettings are the user-chosen creative parameters of a book.
type BookSettings struct {
	Title       string `json:"title" validate:"required"`
	Prompt      string `json:"prompt"`
	TargetWords int    `json:"target_words" validate:"required,min=100"`
	Genre       string `json:"genre" validate:"required"`
	Tone        string `json:"tone"`
	Audience    string `json:"audience"`
	POV         string `json:"pov"`
	Tier        Tier   `json:"tier" validate:"required,oneof=FREE BASIC PRO PREMIUM"`
}

// Book is the top-level unit of generation.
type Book struct {
	ID           string         `json:"id"`
	Settings     BookSettings   `json:"settings"`
	Status       BookStatus     `json:"status"`
	Step         GenerationStep `json:"step"`
	BackCover    string         `json:"back_cover,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	QualityScore int            `json:"quality_score,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// StoryOverview holds the premise-level description of a book.
type StoryOverview struct {
	Premise string `json:"premise" validate:"required"`
	Theme   string `json:"theme"`
	Tone    string `json:"tone"`
}

// BibleCharacter is a character as planned in the story bible.
type BibleCharacter struct {
	Name          string            `json:"name" validate:"required"`
	Role          string            `json:"role"`
	Description   string            `json:"description"`
	Arc           string            `json:"arc"`
	StartLocation string            `json:"start_location"`
	Relationships map[string]string `json:"relationships,omitempty"`
}

// WorldRule is a constraint of the fictional world. Prohibits lists terms
// that must not appear in prose because they would break the rule.
type WorldRule struct {
	Element     string   `json:"element" validate:"required"`
	Description string   `json:"description"`
	Prohibits   []string `json:"prohibits,omitempty"`
}

// Location is a named place in the story world.
type Location struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Importance  string `json:"importance"`
}

// StoryStructure describes acts and the climax position.
type StoryStructure struct {
	Acts          []string `json:"acts"`
	ClimaxChapter int      `json:"climax_chapter"`
}

// Scene is a planned beat inside a chapter plan.
type Scene struct {
	Purpose    string   `json:"purpose"`
	Setting    string   `json:"setting"`
	Characters []string `json:"characters,omitempty"`
	Conflict   string   `json:"conflict"`
	Mood       string   `json:"mood"`
}

// ChapterPlan is the story-bible plan for one chapter.
type ChapterPlan struct {
	Number        int      `json:"number" validate:"min=1"`
	Title         string   `json:"title" validate:"required"`
	Purpose       string   `json:"purpose"`
	TargetWords   int      `json:"target_words"`
	Scenes        []Scene  `json:"scenes,omitempty"`
	ResearchFocus []string `json:"research_focus,omitempty"`
	CharacterArcs []string `json:"character_arcs,omitempty"`
}

// PlotThread is a storyline tracked across chapters.
type PlotThread struct {
	Name              string `json:"name" validate:"required"`
	Description       string `json:"description"`
	IntroducedChapter int    `json:"introduced_chapter"`
	ResolvedChapter   int    `json:"resolved_chapter,omitempty"`
}

// TimelineBeat is a planned event on the story timeline.
type TimelineBeat struct {
	Chapter     int    `json:"chapter"`
	Description string `json:"description"`
	When        string `json:"when,omitempty"`
}

// StoryBible is the structured creative plan shared by every stage.
type StoryBible struct {
	Overview    StoryOverview    `json:"overview"`
	Characters  []BibleCharacter `json:"characters" validate:"dive"`
	WorldRules  []WorldRule      `json:"world_rules" validate:"dive"`
	Locations   []Location       `json:"locations" validate:"dive"`
	Structure   StoryStructure   `json:"structure"`
	Chapters    []ChapterPlan    `json:"chapters" validate:"required,min=1,dive"`
	PlotThreads []PlotThread     `json:"plot_threads" validate:"dive"`
	Timeline    []TimelineBeat   `json:"timeline"`
}

// ResearchFact is one research finding.
type ResearchFact struct {
	Topic string `json:"topic"`
	Fact  string `json:"fact"`
}

// Research is the output of the research stage. A zero value is the stub
// used when research is unavailable.
type Research struct {
	Summary string         `json:"summary"`
	Facts   []ResearchFact `json:"facts,omitempty"`
}

// IsEmpty reports whether no research was gathered.
func (r *Research) IsEmpty() bool {
	return r == nil || (r.Summary == "" && len(r.Facts) == 0)
}

// QualityPlan holds per-book quality targets.
type QualityPlan struct {
	FocusAreas         []string `json:"focus_areas"`
	TargetScore        int      `json:"target_score"`
	ProofreadEnabled   bool     `json:"proofread_enabled"`
	SupervisionEnabled bool     `json:"supervision_enabled"`
}

// Chapter is the generated counterpart of a ChapterPlan.
type Chapter struct {
	ID            string        `json:"id"`
	BookID        string        `json:"book_id"`
	Number        int           `json:"number"`
	Title         string        `json:"title"`
	Purpose       string        `json:"purpose"`
	TargetWords   int           `json:"target_words"`
	ResearchFocus []string      `json:"research_focus,omitempty"`
	Status        ChapterStatus `json:"status"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Section is the smallest generation unit inside a chapter.
type Section struct {
	ID               string        `json:"id"`
	ChapterID        string        `json:"chapter_id"`
	Number           int           `json:"number"`
	SectionType      string        `json:"section_type"`
	TargetWords      int           `json:"target_words"`
	Content          string        `json:"content,omitempty"`
	WordCount        int           `json:"word_count"`
	Status           ChapterStatus `json:"status"`
	Model            string        `json:"model,omitempty"`
	ConsistencyScore int           `json:"consistency_score"`
	QualityScore     int           `json:"quality_score"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// FailedSection records a section whose combined quality fell below the
// acceptance threshold.
type FailedSection struct {
	ID               string    `json:"id"`
	BookID           string    `json:"book_id"`
	ChapterID        string    `json:"chapter_id"`
	SectionNumber    int       `json:"section_number"`
	Reason           string    `json:"reason"`
	RetryCount       int       `json:"retry_count"`
	QualityScore     int       `json:"quality_score"`
	ConsistencyScore int       `json:"consistency_score"`
	SupervisionScore int       `json:"supervision_score"`
	Timestamp        time.Time `json:"timestamp"`
}

// RevisionTrigger names the condition that raised a revision task.
type RevisionTrigger string

const (
	TriggerQualityThreshold RevisionTrigger = "quality_threshold"
	TriggerCriticalIssue    RevisionTrigger = "critical_issue"
	TriggerPacing           RevisionTrigger = "pacing"
	TriggerArcStagnation    RevisionTrigger = "arc_stagnation"
)

// RevisionTask is an advisory entry in the revision backlog.
type RevisionTask struct {
	ID            string          `json:"id"`
	BookID        string          `json:"book_id"`
	ChapterID     string          `json:"chapter_id"`
	ChapterNumber int             `json:"chapter_number"`
	SectionNumber int             `json:"section_number,omitempty"`
	Trigger       RevisionTrigger `json:"trigger"`
	Priority      string          `json:"priority"`
	Effort        string          `json:"effort"`
	Reason        string          `json:"reason"`
	Count         int             `json:"count"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	LastSeenAt    time.Time       `json:"last_seen_at"`
}

// NarrativeVoice is fixed after the first generated section of a book.
type NarrativeVoice struct {
	Perspective string `json:"perspective"`
	Tense       string `json:"tense"`
	Tone        string `json:"tone"`
}

// CheckpointVersion is the on-disk format version of Checkpoint.
const CheckpointVersion = 1

// Checkpoint is the durable crash-recovery snapshot of a generation job.
type Checkpoint struct {
	BookID            string           `json:"book_id"`
	StoryBible        *StoryBible      `json:"story_bible,omitempty"`
	QualityPlan       *QualityPlan     `json:"quality_plan,omitempty"`
	Voice             *NarrativeVoice  `json:"voice,omitempty"`
	CompletedChapters []int            `json:"completed_chapters"`
	CompletedSections map[string][]int `json:"completed_sections"`
	FailedSections    []FailedSection  `json:"failed_sections"`
	Timestamp         time.Time        `json:"timestamp"`
	Version           int              `json:"version"`
	Revision          int              `json:"revision"`
}

// HasChapter reports whether a chapter number is recorded as complete.
func (c *Checkpoint) HasChapter(number int) bool {
	for _, n := range c.CompletedChapters {
		if n == number {
			return true
		}
	}
	return false
}

// HasSection reports whether a section of a chapter is recorded as complete.
func (c *Checkpoint) HasSection(chapterID string, number int) bool {
	for _, n := range c.CompletedSections[chapterID] {
		if n == number {
			return true
		}
	}
	return false
}
