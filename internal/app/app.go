package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/azyu/novelforge/internal/checkpoint"
	"github.com/azyu/novelforge/internal/generation"
	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/internal/llm/adapters"
	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/internal/progress"
	"github.com/azyu/novelforge/internal/ratelimit"
	"github.com/azyu/novelforge/internal/storage"
	"github.com/azyu/novelforge/internal/tier"
	"github.com/azyu/novelforge/internal/token"
	"github.com/azyu/novelforge/pkg/types"
)

const (
	databaseFile   = "novelforge.db"
	checkpointDir  = "checkpoints"
	tokenEncoding  = "o200k_base"
	defaultBaseURL = "http://localhost:11434"
)

// App represents the main application instance.
type App struct {
	Config  *types.GlobalConfig
	Log     *logger.Logger
	Store   *storage.SQLiteStore
	Limiter *ratelimit.Limiter
	Engine  *generation.Engine

	provider llm.Provider
	redis    *progress.RedisStore
}

type options struct {
	provider llm.Provider
	log      *logger.Logger
}

// Option configures New.
type Option func(*options)

// WithProvider replaces the configured completion provider. It is still
// wrapped by the rate limiter.
func WithProvider(p llm.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// New creates a new application instance from cfg.
func New(ctx context.Context, cfg *types.GlobalConfig, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		l, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		log = l
	}

	a := &App{Config: cfg, Log: log}
	if err := a.init(ctx, o.provider); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, provider llm.Provider) error {
	cfg := a.Config
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewSQLiteStore(filepath.Join(cfg.DataDir, databaseFile))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.Store = store

	if provider == nil {
		name := cfg.Defaults.Provider
		provider, err = NewProvider(ctx, name, cfg.Providers[name])
		if err != nil {
			return fmt.Errorf("failed to initialize LLM provider: %w", err)
		}
	}
	a.provider = provider

	limits := make(map[string]ratelimit.Limit, len(cfg.RateLimits))
	for model, rl := range cfg.RateLimits {
		limits[model] = ratelimit.Limit{TokensPerMinute: rl.TokensPerMinute, RequestsPerMinute: rl.RequestsPerMinute}
	}
	a.Limiter = ratelimit.New(limits, ratelimit.WithLogger(a.Log))

	counter, err := token.NewCounter(tokenEncoding)
	if err != nil {
		a.Log.Warn("token encoder unavailable, estimating from text length", "error", err)
		counter = nil
	}
	limited := ratelimit.NewProvider(provider, a.Limiter, counter, cfg.Defaults.WritingModel)

	var progressStore progress.Store = progress.NewMemoryStore()
	if cfg.Progress.RedisAddr != "" {
		rs, err := progress.NewRedisStore(ctx, cfg.Progress.RedisAddr,
			progress.WithChannel(cfg.Progress.Channel), progress.WithTTL(cfg.Progress.TTL))
		if err != nil {
			return fmt.Errorf("failed to connect progress store: %w", err)
		}
		a.redis = rs
		progressStore = rs
	}
	reporter := progress.NewReporter(progressStore, cfg.Progress.Throttle, progress.WithLogger(a.Log))

	checkpoints := checkpoint.NewStore(storage.NewFileStore(filepath.Join(cfg.DataDir, checkpointDir)),
		checkpoint.WithLogger(a.Log))
	tiers := tier.NewStaticResolver(cfg.Defaults.PlanningModel, cfg.Defaults.WritingModel)

	a.Engine = generation.NewEngine(store, limited, checkpoints, reporter, tiers,
		generation.WithLogger(a.Log),
		generation.WithQualityConfig(cfg.Quality),
	)
	a.Log.Info("application ready", "data_dir", cfg.DataDir, "provider", provider.Name(), "redis", cfg.Progress.RedisAddr != "")
	return nil
}

// NewProvider builds the completion provider named by providerName.
func NewProvider(ctx context.Context, providerName string, config *types.ProviderConfig) (llm.Provider, error) {
	if config == nil {
		config = &types.ProviderConfig{}
	}
	switch providerName {
	case "openai":
		model := config.DefaultModel
		if model == "" {
			model = "gpt-4o"
		}
		var opts []adapters.OpenAIOption
		if config.BaseURL != "" {
			opts = append(opts, adapters.WithOpenAIBaseURL(config.BaseURL))
		}
		return adapters.NewOpenAIAdapter(config.APIKey, model, opts...)

	case "gemini":
		model := config.DefaultModel
		if model == "" {
			model = "gemini-2.5-flash"
		}
		var opts []adapters.GeminiOption
		if config.BaseURL != "" {
			opts = append(opts, adapters.WithGeminiBaseURL(config.BaseURL))
		}
		return adapters.NewGeminiAdapter(ctx, config.APIKey, model, opts...)

	case "anthropic":
		var opts []adapters.AnthropicOption
		if config.BaseURL != "" {
			opts = append(opts, adapters.WithAnthropicBaseURL(config.BaseURL))
		}
		return adapters.NewAnthropicAdapter(config.APIKey, config.DefaultModel, opts...)

	case "local":
		baseURL := config.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL
		}
		model := config.DefaultModel
		if model == "" {
			model = "llama3"
		}
		return adapters.NewLocalAdapter(baseURL, model), nil

	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerName)
	}
}

// Close releases every resource the application opened.
func (a *App) Close() error {
	var errs []error
	if a.provider != nil {
		errs = append(errs, a.provider.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	a.Log.Sync()
	return errors.Join(errs...)
}
