package budget

import "strings"

// GenreRules bound section sizing for a genre.
type GenreRules struct {
	Genre               string
	OptimalSectionWords int
	MaxSectionWords     int
	AllowSingleSection  bool
	TransitionStyle     string
}

var genreRules = map[string]GenreRules{
	"fantasy":    {Genre: "fantasy", OptimalSectionWords: 1500, MaxSectionWords: 2500, AllowSingleSection: false, TransitionStyle: "scene-break"},
	"scifi":      {Genre: "scifi", OptimalSectionWords: 1400, MaxSectionWords: 2400, AllowSingleSection: false, TransitionStyle: "scene-break"},
	"mystery":    {Genre: "mystery", OptimalSectionWords: 1200, MaxSectionWords: 2000, AllowSingleSection: false, TransitionStyle: "cliffhanger"},
	"thriller":   {Genre: "thriller", OptimalSectionWords: 1000, MaxSectionWords: 1800, AllowSingleSection: false, TransitionStyle: "cliffhanger"},
	"romance":    {Genre: "romance", OptimalSectionWords: 1300, MaxSectionWords: 2200, AllowSingleSection: true, TransitionStyle: "emotional-beat"},
	"horror":     {Genre: "horror", OptimalSectionWords: 1100, MaxSectionWords: 2000, AllowSingleSection: false, TransitionStyle: "cliffhanger"},
	"historical": {Genre: "historical", OptimalSectionWords: 1600, MaxSectionWords: 2800, AllowSingleSection: true, TransitionStyle: "time-skip"},
	"literary":   {Genre: "literary", OptimalSectionWords: 1800, MaxSectionWords: 3000, AllowSingleSection: true, TransitionStyle: "reflective"},
	"children":   {Genre: "children", OptimalSectionWords: 600, MaxSectionWords: 1000, AllowSingleSection: true, TransitionStyle: "gentle"},
}

// DefaultGenreRules apply to genres without a dedicated entry.
var DefaultGenreRules = GenreRules{
	Genre:               "general",
	OptimalSectionWords: 1500,
	MaxSectionWords:     2500,
	AllowSingleSection:  true,
	TransitionStyle:     "scene-break",
}

// RulesFor returns the rules for a genre name, matched case-insensitively.
func RulesFor(genre string) GenreRules {
	key := strings.ToLower(strings.TrimSpace(genre))
	key = strings.ReplaceAll(key, "-", "")
	key = strings.ReplaceAll(key, " ", "")
	switch key {
	case "sciencefiction", "sf":
		key = "scifi"
	case "historicalfiction":
		key = "historical"
	case "literaryfiction":
		key = "literary"
	}
	if r, ok := genreRules[key]; ok {
		return r
	}
	return DefaultGenreRules
}
