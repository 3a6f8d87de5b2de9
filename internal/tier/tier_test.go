package tier

import (
	"testing"

	"github.com/azyu/novelforge/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver("", "")

	free := r.GetFeatureAccess(types.TierFree)
	assert.Equal(t, Agents{}, free.AIAgents, "free tier has no premium agents")
	assert.Equal(t, 10000, free.Limits.MaxWords)

	premium := r.GetFeatureAccess(types.TierPremium)
	assert.True(t, premium.AIAgents.ChiefEditor)
	assert.True(t, premium.AIAgents.Supervision)

	pro := r.GetFeatureAccess(types.TierPro)
	assert.False(t, pro.AIAgents.ChiefEditor)
	assert.True(t, pro.AIAgents.Research)

	assert.Equal(t, free, r.GetFeatureAccess(types.Tier("PLATINUM")))
}

func TestStaticResolverModelOverride(t *testing.T) {
	r := NewStaticResolver("claude-3-5-sonnet-latest", "claude-3-5-haiku-latest")

	for _, tr := range []types.Tier{types.TierFree, types.TierBasic, types.TierPro, types.TierPremium} {
		caps := r.GetFeatureAccess(tr)
		assert.Equal(t, "claude-3-5-sonnet-latest", caps.Models.Planning, tr)
		assert.Equal(t, "claude-3-5-haiku-latest", caps.Models.Writing, tr)
	}
}

func TestTablesAreIndependent(t *testing.T) {
	a := DefaultTable()
	caps := a[types.TierFree]
	caps.Limits.MaxWords = 1
	a[types.TierFree] = caps

	assert.Equal(t, 10000, DefaultTable()[types.TierFree].Limits.MaxWords)
}
