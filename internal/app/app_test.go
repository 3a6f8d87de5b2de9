//go:build cgo

package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/pkg/types"
)

// echoProvider writes back-cover copy and fails everything else.
type echoProvider struct {
	calls  int
	closed bool
}

func (p *echoProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.calls++
	if strings.Contains(req.SystemPrompt, "back-cover") {
		return &llm.CompletionResponse{Text: "A drowned coast keeps its secrets.", TokensUsed: 40, Model: req.Model}, nil
	}
	return nil, errors.New("echo: unsupported")
}

func (p *echoProvider) Name() string { return "echo" }
func (p *echoProvider) Close() error { p.closed = true; return nil }

func testConfig(t *testing.T) *types.GlobalConfig {
	t.Helper()
	cfg := types.DefaultGlobalConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Defaults.Provider = "local"
	return cfg
}

func TestNewWiresEngine(t *testing.T) {
	cfg := testConfig(t)
	p := &echoProvider{}
	a, err := New(context.Background(), cfg, WithProvider(p), WithLogger(logger.NewNop()))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(cfg.DataDir, databaseFile))
	require.NoError(t, err, "database is created in the data dir")

	ctx := context.Background()
	book, err := a.Engine.CreateBook(ctx, types.BookSettings{
		Title: "Salt", TargetWords: 3000, Genre: "fantasy", Tier: types.TierFree,
	})
	require.NoError(t, err)

	text, err := a.Engine.GenerateBackCover(ctx, book.ID, "a drowned coast")
	require.NoError(t, err)
	assert.Equal(t, "A drowned coast keeps its secrets.", text)
	assert.Equal(t, 1, p.calls)

	tokens, requests := a.Limiter.Usage(cfg.Defaults.PlanningModel)
	assert.Equal(t, 1, requests, "calls go through the rate limiter")
	assert.Equal(t, 40, tokens)

	st, err := a.Engine.GetGenerationProgress(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, st.Progress)

	require.NoError(t, a.Close())
	assert.True(t, p.closed)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Defaults.Provider = "mystery"
	_, err := New(context.Background(), cfg, WithLogger(logger.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	p, err := NewProvider(ctx, "local", nil)
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())

	_, err = NewProvider(ctx, "anthropic", &types.ProviderConfig{})
	assert.ErrorIs(t, err, llm.ErrInvalidAPIKey)

	_, err = NewProvider(ctx, "nope", nil)
	assert.Error(t, err)
}
