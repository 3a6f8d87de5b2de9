package token

// ModelContextLimits maps model names to their maximum context window sizes.
var ModelContextLimits = map[string]int{
	// OpenAI models
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-4-turbo":   128000,
	"gpt-4":         8192,
	"gpt-3.5-turbo": 16385,

	// Google Gemini models
	"gemini-2.0-flash": 1000000,
	"gemini-1.5-pro":   2000000,
	"gemini-1.5-flash": 1000000,

	// Anthropic Claude models
	"claude-3-5-sonnet-latest": 200000,
	"claude-3-5-haiku-latest":  200000,
}

// ModelOutputLimits caps the completion length per model.
var ModelOutputLimits = map[string]int{
	"gpt-4o":                   16384,
	"gpt-4o-mini":              16384,
	"gpt-4-turbo":              4096,
	"gpt-4":                    4096,
	"gpt-3.5-turbo":            4096,
	"gemini-2.0-flash":         8192,
	"gemini-1.5-pro":           8192,
	"gemini-1.5-flash":         8192,
	"claude-3-5-sonnet-latest": 8192,
	"claude-3-5-haiku-latest":  8192,
}

const (
	// DefaultContextLimit is used when the model is not recognized.
	DefaultContextLimit = 8192
	// DefaultOutputLimit is used when the model is not recognized.
	DefaultOutputLimit = 4096
	// outputHeadroom is added to a prose token estimate so that the model
	// is not cut off mid-sentence.
	outputHeadroom = 256
)

// ContextLimit returns the context window for a model.
func ContextLimit(model string) int {
	if limit, ok := ModelContextLimits[model]; ok {
		return limit
	}
	return DefaultContextLimit
}

// OutputLimit returns the maximum completion tokens for a model.
func OutputLimit(model string) int {
	if limit, ok := ModelOutputLimits[model]; ok {
		return limit
	}
	return DefaultOutputLimit
}

// MaxTokensForWords sizes a completion request for a prose word target,
// capped at the model's output limit.
func MaxTokensForWords(model string, words int) int {
	want := WordsToTokens(words) + outputHeadroom
	if limit := OutputLimit(model); want > limit {
		return limit
	}
	return want
}
