package generation

import (
	"strings"
	"unicode"

	"github.com/azyu/novelforge/pkg/types"
)

// Perspectives and tenses recognised by ExtractVoice.
const (
	PerspectiveFirst  = "first person"
	PerspectiveSecond = "second person"
	PerspectiveThird  = "third person"

	TensePast    = "past"
	TensePresent = "present"
)

var (
	firstPersonWords  = wordSet("i", "me", "my", "mine", "myself", "we", "us", "our")
	secondPersonWords = wordSet("you", "your", "yours", "yourself")
	thirdPersonWords  = wordSet("he", "him", "his", "she", "her", "hers", "they", "them", "their")
	pastVerbs         = wordSet("was", "were", "had", "did", "said", "went", "saw", "thought", "felt", "knew", "came", "took", "looked", "turned")
	presentVerbs      = wordSet("is", "are", "am", "has", "does", "says", "goes", "sees", "thinks", "feels", "knows", "comes", "takes", "looks", "turns")
)

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// ExtractVoice infers perspective and tense from prose outside dialogue.
// tone is carried through from the book settings.
func ExtractVoice(text, tone string) types.NarrativeVoice {
	var first, second, third, past, present int
	for _, w := range narrationWords(text) {
		if _, ok := firstPersonWords[w]; ok {
			first++
		}
		if _, ok := secondPersonWords[w]; ok {
			second++
		}
		if _, ok := thirdPersonWords[w]; ok {
			third++
		}
		if _, ok := pastVerbs[w]; ok {
			past++
		}
		if _, ok := presentVerbs[w]; ok {
			present++
		}
	}

	v := types.NarrativeVoice{Perspective: PerspectiveThird, Tense: TensePast, Tone: tone}
	switch {
	case first > third && first >= second:
		v.Perspective = PerspectiveFirst
	case second > third && second > first:
		v.Perspective = PerspectiveSecond
	}
	if present > past {
		v.Tense = TensePresent
	}
	return v
}

// narrationWords returns the lower-cased words of text that are not inside
// double quotes.
func narrationWords(text string) []string {
	var b strings.Builder
	inQuote := false
	for _, r := range text {
		switch r {
		case '"':
			inQuote = !inQuote
			continue
		case '“':
			inQuote = true
			continue
		case '”':
			inQuote = false
			continue
		}
		if !inQuote {
			b.WriteRune(r)
		}
	}
	return strings.FieldsFunc(strings.ToLower(b.String()), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}
