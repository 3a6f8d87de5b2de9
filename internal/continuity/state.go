// Package continuity tracks cross-chapter story state and checks new prose
// against it.
package continuity

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/azyu/novelforge/pkg/types"
)

// Character statuses.
const (
	StatusAlive   = "alive"
	StatusDead    = "dead"
	StatusMissing = "missing"
)

// CharacterState is the tracked state of one character.
type CharacterState struct {
	Name            string            `json:"name"`
	Role            string            `json:"role,omitempty"`
	Status          string            `json:"status"`
	Location        string            `json:"location,omitempty"`
	PhysicalState   string            `json:"physical_state,omitempty"`
	EmotionalState  string            `json:"emotional_state,omitempty"`
	Knowledge       []string          `json:"knowledge,omitempty"`
	LastSeenChapter int               `json:"last_seen_chapter"`
	StatusChapter   int               `json:"status_chapter,omitempty"`
	Relationships   map[string]string `json:"relationships,omitempty"`
}

// LocationState is a tracked place.
type LocationState struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Importance   string `json:"importance,omitempty"`
	FirstChapter int    `json:"first_chapter,omitempty"`
}

// TimelineEntry is a recorded story event.
type TimelineEntry struct {
	Chapter      int    `json:"chapter"`
	Description  string `json:"description"`
	Duration     string `json:"duration,omitempty"`
	AbsoluteTime string `json:"absolute_time,omitempty"`
}

// WorldFact is an established fact about the world. Prohibits lists terms
// that contradict it.
type WorldFact struct {
	Element     string   `json:"element"`
	Description string   `json:"description"`
	Prohibits   []string `json:"prohibits,omitempty"`
	Chapters    []int    `json:"chapters,omitempty"`
}

// PlotThreadState is a tracked storyline.
type PlotThreadState struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Status            string `json:"status"`
	IntroducedChapter int    `json:"introduced_chapter,omitempty"`
	LastChapter       int    `json:"last_chapter,omitempty"`
}

type state struct {
	Characters    map[string]*CharacterState `json:"characters"`
	Locations     map[string]*LocationState  `json:"locations"`
	Timeline      []TimelineEntry            `json:"timeline"`
	PlannedBeats  []types.TimelineBeat       `json:"planned_beats,omitempty"`
	WorldFacts    []WorldFact                `json:"world_facts"`
	PlotThreads   []PlotThreadState          `json:"plot_threads"`
	ResearchFacts []types.ResearchFact       `json:"research_facts,omitempty"`
	LastChapter   int                        `json:"last_chapter"`
	Initialized   bool                       `json:"initialized"`
}

func newState() state {
	return state{
		Characters: make(map[string]*CharacterState),
		Locations:  make(map[string]*LocationState),
	}
}

// Store holds continuity state for one book. Updates are additive: fields
// are changed only when supplied and nothing recorded is ever removed.
type Store struct {
	mu sync.RWMutex
	st state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{st: newState()}
}

// InitializeTracking seeds state from the story bible, replacing anything
// tracked before.
func (s *Store) InitializeTracking(characters []types.BibleCharacter, bible *types.StoryBible, research *types.Research, settings types.BookSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := newState()
	for _, c := range characters {
		cs := &CharacterState{
			Name:          c.Name,
			Role:          c.Role,
			Status:        StatusAlive,
			Location:      c.StartLocation,
			Relationships: make(map[string]string, len(c.Relationships)),
		}
		for k, v := range c.Relationships {
			cs.Relationships[k] = v
		}
		st.Characters[c.Name] = cs
	}

	if bible != nil {
		for _, l := range bible.Locations {
			st.Locations[l.Name] = &LocationState{Name: l.Name, Description: l.Description, Importance: l.Importance}
		}
		for _, r := range bible.WorldRules {
			st.WorldFacts = append(st.WorldFacts, WorldFact{
				Element:     r.Element,
				Description: r.Description,
				Prohibits:   append([]string(nil), r.Prohibits...),
			})
		}
		for _, p := range bible.PlotThreads {
			st.PlotThreads = append(st.PlotThreads, PlotThreadState{
				Name:              p.Name,
				Description:       p.Description,
				Status:            "open",
				IntroducedChapter: p.IntroducedChapter,
			})
		}
		st.PlannedBeats = append(st.PlannedBeats, bible.Timeline...)
	}

	if !research.IsEmpty() {
		st.ResearchFacts = append(st.ResearchFacts, research.Facts...)
	}
	if settings.Genre != "" {
		st.WorldFacts = append(st.WorldFacts, WorldFact{Element: "genre", Description: settings.Genre + " conventions apply"})
	}
	st.Initialized = true
	s.st = st
}

// Initialized reports whether tracking was seeded or restored.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Initialized
}

// CharacterUpdate changes the supplied fields of one character. Nil fields
// are left unchanged.
type CharacterUpdate struct {
	Name           string            `json:"name"`
	Status         *string           `json:"status,omitempty"`
	Location       *string           `json:"location,omitempty"`
	PhysicalState  *string           `json:"physical_state,omitempty"`
	EmotionalState *string           `json:"emotional_state,omitempty"`
	NewKnowledge   []string          `json:"new_knowledge,omitempty"`
	Relationships  map[string]string `json:"relationships,omitempty"`
}

// PlotThreadUpdate changes a storyline's status.
type PlotThreadUpdate struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

// ChapterUpdate is the set of changes extracted from one chapter's prose.
type ChapterUpdate struct {
	Characters  []CharacterUpdate  `json:"characters,omitempty"`
	Locations   []types.Location   `json:"locations,omitempty"`
	Timeline    []TimelineEntry    `json:"timeline,omitempty"`
	WorldFacts  []WorldFact        `json:"world_facts,omitempty"`
	PlotThreads []PlotThreadUpdate `json:"plot_threads,omitempty"`
}

// RecordChapterUpdate applies u as of chapter.
func (s *Store) RecordChapterUpdate(chapter int, u ChapterUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cu := range u.Characters {
		if cu.Name == "" {
			continue
		}
		s.applyCharacter(chapter, cu)
	}

	for _, l := range u.Locations {
		if l.Name == "" {
			continue
		}
		loc, ok := s.st.Locations[l.Name]
		if !ok {
			s.st.Locations[l.Name] = &LocationState{Name: l.Name, Description: l.Description, Importance: l.Importance, FirstChapter: chapter}
			continue
		}
		if l.Description != "" {
			loc.Description = l.Description
		}
		if l.Importance != "" {
			loc.Importance = l.Importance
		}
	}

	for _, e := range u.Timeline {
		if e.Description == "" {
			continue
		}
		if e.Chapter == 0 {
			e.Chapter = chapter
		}
		s.st.Timeline = append(s.st.Timeline, e)
	}

	for _, f := range u.WorldFacts {
		s.applyWorldFact(chapter, f)
	}

	for _, p := range u.PlotThreads {
		s.applyPlotThread(chapter, p)
	}

	if chapter > s.st.LastChapter {
		s.st.LastChapter = chapter
	}
	s.st.Initialized = true
}

func (s *Store) applyCharacter(chapter int, cu CharacterUpdate) {
	cs, ok := s.st.Characters[cu.Name]
	if !ok {
		cs = &CharacterState{Name: cu.Name, Status: StatusAlive, Relationships: map[string]string{}}
		s.st.Characters[cu.Name] = cs
	}
	if cu.Status != nil && *cu.Status != cs.Status {
		cs.Status = *cu.Status
		cs.StatusChapter = chapter
	}
	if cu.Location != nil {
		cs.Location = *cu.Location
	}
	if cu.PhysicalState != nil {
		cs.PhysicalState = *cu.PhysicalState
	}
	if cu.EmotionalState != nil {
		cs.EmotionalState = *cu.EmotionalState
	}
	for _, k := range cu.NewKnowledge {
		if !contains(cs.Knowledge, k) {
			cs.Knowledge = append(cs.Knowledge, k)
		}
	}
	if cs.Relationships == nil {
		cs.Relationships = map[string]string{}
	}
	for other, rel := range cu.Relationships {
		cs.Relationships[other] = rel
	}
	if chapter > cs.LastSeenChapter {
		cs.LastSeenChapter = chapter
	}
}

// applyWorldFact appends new facts and records repeat sightings on an
// identical fact. A changed description is a correction and is appended.
func (s *Store) applyWorldFact(chapter int, f WorldFact) {
	if f.Element == "" {
		return
	}
	for i := range s.st.WorldFacts {
		wf := &s.st.WorldFacts[i]
		if wf.Element == f.Element && (f.Description == "" || wf.Description == f.Description) {
			if !containsInt(wf.Chapters, chapter) {
				wf.Chapters = append(wf.Chapters, chapter)
			}
			for _, p := range f.Prohibits {
				if !contains(wf.Prohibits, p) {
					wf.Prohibits = append(wf.Prohibits, p)
				}
			}
			return
		}
	}
	f.Chapters = []int{chapter}
	s.st.WorldFacts = append(s.st.WorldFacts, f)
}

func (s *Store) applyPlotThread(chapter int, p PlotThreadUpdate) {
	if p.Name == "" {
		return
	}
	for i := range s.st.PlotThreads {
		pt := &s.st.PlotThreads[i]
		if pt.Name == p.Name {
			if p.Status != "" {
				pt.Status = p.Status
			}
			if p.Description != "" {
				pt.Description = p.Description
			}
			pt.LastChapter = chapter
			return
		}
	}
	status := p.Status
	if status == "" {
		status = "open"
	}
	s.st.PlotThreads = append(s.st.PlotThreads, PlotThreadState{
		Name:              p.Name,
		Description:       p.Description,
		Status:            status,
		IntroducedChapter: chapter,
		LastChapter:       chapter,
	})
}

// Characters returns copies of the tracked characters sorted by name.
func (s *Store) Characters() []CharacterState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CharacterState, 0, len(s.st.Characters))
	for _, c := range s.st.Characters {
		cp := *c
		cp.Knowledge = append([]string(nil), c.Knowledge...)
		cp.Relationships = make(map[string]string, len(c.Relationships))
		for k, v := range c.Relationships {
			cp.Relationships[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Character returns a copy of one character.
func (s *Store) Character(name string) (CharacterState, bool) {
	for _, c := range s.Characters() {
		if c.Name == name {
			return c, true
		}
	}
	return CharacterState{}, false
}

// Timeline returns a copy of the recorded timeline.
func (s *Store) Timeline() []TimelineEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TimelineEntry(nil), s.st.Timeline...)
}

// WorldFacts returns a copy of the recorded world facts.
func (s *Store) WorldFacts() []WorldFact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorldFact, len(s.st.WorldFacts))
	for i, f := range s.st.WorldFacts {
		f.Prohibits = slices.Clone(f.Prohibits)
		f.Chapters = slices.Clone(f.Chapters)
		out[i] = f
	}
	return out
}

// LastChapter is the highest chapter recorded.
func (s *Store) LastChapter() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.LastChapter
}

// Snapshot serializes the state.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.Marshal(s.st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode continuity: %w", err)
	}
	return data, nil
}

// Restore replaces the state with a snapshot.
func (s *Store) Restore(data []byte) error {
	st := newState()
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to decode continuity: %w", err)
	}
	if st.Characters == nil {
		st.Characters = make(map[string]*CharacterState)
	}
	if st.Locations == nil {
		st.Locations = make(map[string]*LocationState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
