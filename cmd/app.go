package main

import (
	"context"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/config"
	"github.com/markconroy/markie-sub000/internal/media"
	"github.com/markconroy/markie-sub000/internal/provider"
	"github.com/markconroy/markie-sub000/internal/resilience"
	"github.com/markconroy/markie-sub000/internal/rules"
	"github.com/markconroy/markie-sub000/internal/search"
	"github.com/markconroy/markie-sub000/internal/store"
	"github.com/markconroy/markie-sub000/internal/vectorstore"
	"github.com/markconroy/markie-sub000/internal/views"
	anthropicpkg "github.com/markconroy/markie-sub000/pkg/anthropic"
	"github.com/markconroy/markie-sub000/pkg/gemini"
	"github.com/markconroy/markie-sub000/pkg/openai"
)

const defaultVectorFile = "vectors.json"

// appEnv holds the store, model invoker and strategy registry shared by the
// run, batch and index commands.
type appEnv struct {
	Store    store.Store
	Files    *store.Files
	Invoker  *provider.Invoker
	Vectors  *vectorEnv
	Registry *automator.Registry
	Runner   *automator.Runner
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Vectors != nil {
		e.Vectors.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "automator.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initInvoker registers a backend for every provider with a key.
func initInvoker(ctx context.Context, c *config.Config) (*provider.Invoker, error) {
	opts := []provider.Option{
		provider.WithRetry(resilience.FromRetryConfig(
			c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs,
			c.Retry.Multiplier, c.Retry.JitterFraction,
		)),
		provider.WithCircuit(resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs)),
	}

	if key := c.Providers.Anthropic.Key; key != "" {
		var aopts []anthropicpkg.Option
		if c.Providers.Anthropic.BaseURL != "" {
			aopts = append(aopts, anthropicpkg.WithBaseURL(c.Providers.Anthropic.BaseURL))
		}
		opts = append(opts, provider.WithBackend(provider.NewAnthropic(anthropicpkg.NewClient(key, aopts...))))
	}
	if key := c.Providers.OpenAI.Key; key != "" {
		var oopts []openai.Option
		if c.Providers.OpenAI.BaseURL != "" {
			oopts = append(oopts, openai.WithBaseURL(c.Providers.OpenAI.BaseURL))
		}
		opts = append(opts, provider.WithBackend(provider.NewOpenAI("openai", openai.NewClient(key, oopts...))))
	}
	if key := c.Providers.Gemini.Key; key != "" {
		var gopts []gemini.Option
		if c.Providers.Gemini.BaseURL != "" {
			gopts = append(gopts, gemini.WithBaseURL(c.Providers.Gemini.BaseURL))
		}
		client, err := gemini.NewClient(ctx, key, gopts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, provider.WithBackend(provider.NewGemini(client)))
	}

	for id, l := range c.Limits {
		opts = append(opts, provider.WithRateLimit(id, l.RPS, l.Burst))
	}

	iv := provider.NewInvoker(c.Targets(), opts...)
	zap.L().Debug("providers registered", zap.Strings("providers", iv.Providers()))
	return iv, nil
}

// vectorEnv is the configured vector backend. Memory stores are persisted to
// a JSON file between commands.
type vectorEnv struct {
	Store   vectorstore.Store
	Backend string
	pool    *pgxpool.Pool
	path    string
}

// Save persists a memory store. Pgvector writes are already durable.
func (v *vectorEnv) Save() error {
	if m, ok := v.Store.(*vectorstore.Memory); ok {
		return m.Save(v.path)
	}
	return nil
}

// Migrate prepares the pgvector table of a database.
func (v *vectorEnv) Migrate(ctx context.Context, database string, dimensions int) error {
	if pg, ok := v.Store.(*vectorstore.Pgvector); ok {
		return pg.Migrate(ctx, database, dimensions)
	}
	return nil
}

// Close releases the Postgres pool, if any.
func (v *vectorEnv) Close() {
	if v.pool != nil {
		v.pool.Close()
	}
}

func initVectors(ctx context.Context, c *config.Config) (*vectorEnv, error) {
	switch c.Search.Driver {
	case "", "memory":
		path := c.Search.DatabaseURL
		if path == "" {
			path = defaultVectorFile
		}
		m, err := vectorstore.LoadMemory(path)
		if err != nil {
			return nil, err
		}
		return &vectorEnv{Store: m, Backend: "memory", path: path}, nil
	case "pgvector":
		dsn := c.Search.DatabaseURL
		if dsn == "" {
			dsn = c.Store.DatabaseURL
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, eris.Wrap(err, "pgvector: connect")
		}
		return &vectorEnv{Store: vectorstore.NewPgvector(pool), Backend: "pgvector", pool: pool}, nil
	default:
		return nil, eris.Errorf("unsupported search driver: %s", c.Search.Driver)
	}
}

// initApp sets up the store, providers, search and strategies. Callers
// should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	env.Invoker, err = initInvoker(ctx, cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Vectors, err = initVectors(ctx, cfg)
	if err != nil {
		env.Close()
		return nil, err
	}

	filesDir, err := filepath.Abs(cfg.Store.FilesDir)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "resolve files dir")
	}
	env.Files = store.NewFiles(st, filesDir, cfg.Store.BaseURL)

	sopts := []search.Option{}
	for _, idx := range cfg.Search.Indexes {
		if idx.Backend == "" {
			idx.Backend = env.Vectors.Backend
		}
		sopts = append(sopts, search.WithIndex(idx))
	}
	sopts = append(sopts, search.WithBackend(env.Vectors.Backend, env.Vectors.Store))

	env.Registry = automator.NewRegistry()
	rules.Register(env.Registry, rules.Deps{
		Env: automator.Env{
			Models:   env.Invoker,
			Renderer: automator.RecordTokenRenderer{Actor: cfg.Actor},
			Images:   env.Files,
		},
		Terms:    st,
		Files:    env.Files,
		Entities: st,
		Media:    store.NewMedia(st),
		Views:    views.NewRenderer(cfg.Views.Dir),
		Search:   search.NewRetriever(env.Invoker, sopts...),
		FFmpeg:   media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFprobePath),
		TempRoot: cfg.Media.TempDir,
		Actor:    cfg.Actor,
	})
	env.Runner = automator.NewRunner(env.Registry, automator.WithRunLog(st))

	zap.L().Info("automator ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("search", env.Vectors.Backend),
		zap.Int("strategies", len(env.Registry.IDs())),
	)
	return env, nil
}
