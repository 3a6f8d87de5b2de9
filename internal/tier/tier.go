// Package tier maps subscription tiers to the generation features they unlock.
package tier

import (
	"github.com/azyu/novelforge/pkg/types"
)

// Agents toggles the premium pipeline stages.
type Agents struct {
	Research           bool `json:"research"`
	ChiefEditor        bool `json:"chief_editor"`
	ContinuityTracking bool `json:"continuity_tracking"`
	QualityEnhancement bool `json:"quality_enhancement"`
	Supervision        bool `json:"supervision"`
	Proofreading       bool `json:"proofreading"`
}

// Models selects the completion models used at each stage.
type Models struct {
	Planning string `json:"planning"`
	Writing  string `json:"writing"`
}

// Limits bound what a tier may request.
type Limits struct {
	MaxWords    int `json:"max_words"`
	MaxChapters int `json:"max_chapters"`
}

// Capabilities is the feature set of a tier.
type Capabilities struct {
	AIAgents Agents `json:"ai_agents"`
	Models   Models `json:"models"`
	Limits   Limits `json:"limits"`
}

// Resolver answers capability lookups. It must be a pure lookup.
type Resolver interface {
	GetFeatureAccess(t types.Tier) Capabilities
}

// StaticResolver serves capabilities from a fixed table.
type StaticResolver struct {
	table    map[types.Tier]Capabilities
	fallback types.Tier
}

// NewStaticResolver builds the stock tier table. planningModel and
// writingModel override the model names for every tier when non-empty.
func NewStaticResolver(planningModel, writingModel string) *StaticResolver {
	table := DefaultTable()
	for name, caps := range table {
		if planningModel != "" {
			caps.Models.Planning = planningModel
		}
		if writingModel != "" {
			caps.Models.Writing = writingModel
		}
		table[name] = caps
	}
	return &StaticResolver{table: table, fallback: types.TierFree}
}

// GetFeatureAccess returns the capabilities of a tier. Unknown tiers get
// the free tier's capabilities.
func (r *StaticResolver) GetFeatureAccess(t types.Tier) Capabilities {
	if caps, ok := r.table[t]; ok {
		return caps
	}
	return r.table[r.fallback]
}

// DefaultTable is the stock tier table.
func DefaultTable() map[types.Tier]Capabilities {
	return map[types.Tier]Capabilities{
		types.TierFree: {
			Models: Models{Planning: "gpt-4o-mini", Writing: "gpt-4o-mini"},
			Limits: Limits{MaxWords: 10000, MaxChapters: 6},
		},
		types.TierBasic: {
			AIAgents: Agents{ContinuityTracking: true, Proofreading: true},
			Models:   Models{Planning: "gpt-4o-mini", Writing: "gpt-4o-mini"},
			Limits:   Limits{MaxWords: 40000, MaxChapters: 20},
		},
		types.TierPro: {
			AIAgents: Agents{
				Research:           true,
				ContinuityTracking: true,
				QualityEnhancement: true,
				Supervision:        true,
				Proofreading:       true,
			},
			Models: Models{Planning: "gpt-4o", Writing: "gpt-4o-mini"},
			Limits: Limits{MaxWords: 100000, MaxChapters: 40},
		},
		types.TierPremium: {
			AIAgents: Agents{
				Research:           true,
				ChiefEditor:        true,
				ContinuityTracking: true,
				QualityEnhancement: true,
				Supervision:        true,
				Proofreading:       true,
			},
			Models: Models{Planning: "gpt-4o", Writing: "gpt-4o"},
			Limits: Limits{MaxWords: 250000, MaxChapters: 80},
		},
	}
}
