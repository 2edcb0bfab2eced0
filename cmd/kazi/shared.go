package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kazi/internal/adapter"
	"github.com/jkaninda/kazi/internal/adapter/anthropic"
	"github.com/jkaninda/kazi/internal/adapter/openai"
	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/executor"
	"github.com/jkaninda/kazi/internal/history"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/runtime"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/tools"
	filetool "github.com/jkaninda/kazi/internal/tools/file"
	mcptools "github.com/jkaninda/kazi/internal/tools/mcp"
	webtool "github.com/jkaninda/kazi/internal/tools/web"
)

// Engine holds all initialized subsystems the commands operate on.
// Built once by initEngine, torn down by Cleanup.
type Engine struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *capability.Registry
	Matcher  *capability.Matcher
	Runtime  *runtime.Runtime
	Sessions *sandbox.Manager
	History  history.Store
	Obs      *observability.Observability

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (e *Engine) Cleanup() {
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
}

func (e *Engine) addCleanup(fn func()) {
	e.cleanups = append(e.cleanups, fn)
}

// initEngine performs all common initialization shared by the commands.
// Callers must call Cleanup when done.
func initEngine(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		Config: cfg,
		Logger: logger,
	}

	// Workspace and data directories.
	if err := os.MkdirAll(cfg.ResolvedWorkspace(), 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", cfg.ResolvedWorkspace(), err)
	}
	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.ResolvedDataDir(), err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	e.Obs = obs
	e.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Model adapters.
	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		e.Cleanup()
		return nil, fmt.Errorf("initializing adapters: %w", err)
	}

	// Execution history.
	histCfg := history.Config{
		Driver: cfg.StorageDriverName(),
		Path:   cfg.DatabasePath(),
		DSN:    postgresDSN(cfg),
	}
	if histCfg.Driver == history.DriverPostgres {
		pg := cfg.Storage.Postgres
		histCfg.MaxOpenConns = pg.PoolMaxOpenConns()
		histCfg.MaxIdleConns = pg.PoolMaxIdleConns()
		histCfg.ConnMaxLifetime = pg.PoolConnMaxLifetime()
	}
	store, err := history.Open(histCfg, logger)
	if err != nil {
		e.Cleanup()
		return nil, fmt.Errorf("initializing history store: %w", err)
	}
	e.History = store
	e.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing history store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		e.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Sandbox session manager.
	sessions := sandbox.NewManager(sandbox.Config{
		Backend:        cfg.Sandbox.Backend,
		WorkDir:        cfg.ResolvedWorkspace(),
		Interpreter:    cfg.Sandbox.Interpreter,
		Image:          cfg.Sandbox.Image,
		DefaultTimeout: cfg.Sandbox.ExecutionTimeout(),
		MemoryMB:       cfg.Sandbox.MaxMemoryMB,
		CPUCores:       cfg.Sandbox.MaxCPUCores,
		PIDsLimit:      cfg.Sandbox.PIDsLimit,
		NetworkAllowed: cfg.Sandbox.NetworkAllowed,
	}, logger)
	e.Sessions = sessions
	e.addCleanup(func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sessions.ReleaseAll(releaseCtx); err != nil {
			logger.Error("releasing sessions", slog.String("error", err.Error()))
		}
	})

	// Tool registry: built-in tools first, then MCP-discovered ones.
	toolReg := tools.NewRegistry()
	if cfg.Tools.Web != nil {
		toolReg.Register(webtool.NewTool(webtool.Config{
			AllowedDomains:   cfg.Tools.Web.AllowedDomains,
			MaxResponseBytes: cfg.Tools.Web.MaxResponseBytes,
			TimeoutSeconds:   cfg.Tools.Web.TimeoutSeconds,
		}, logger))
	}
	if cfg.Tools.File != nil {
		fileCfg := filetool.Config{
			AllowedPaths:     append([]string{cfg.ResolvedWorkspace()}, cfg.Tools.File.AllowedPaths...),
			MaxFileSizeBytes: cfg.Tools.File.MaxFileSizeBytes,
		}
		toolReg.Register(filetool.NewReadTool(fileCfg, logger))
		toolReg.Register(filetool.NewWriteTool(fileCfg, logger))
	}
	if len(cfg.Tools.MCP) > 0 {
		mcpBridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, mcpCfg := range cfg.Tools.MCP {
			mcpToolList, mcpErr := mcpBridge.ConnectAndDiscover(mcpCtx, mcpCfg)
			if mcpErr != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", mcpCfg.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			for _, t := range mcpToolList {
				toolReg.Register(t)
			}
		}
		mcpCancel()
		e.addCleanup(mcpBridge.Close)
	}
	logger.Debug("tools registered", slog.Any("tools", toolReg.List()))

	// Capability registry and matcher.
	capReg := capability.NewRegistry(logger)
	caps, err := capability.LoadDirs(cfg.Capabilities.Dirs, logger)
	if err != nil {
		e.Cleanup()
		return nil, fmt.Errorf("loading capabilities: %w", err)
	}
	for _, c := range caps {
		if err := capReg.Register(c); err != nil {
			e.Cleanup()
			return nil, fmt.Errorf("registering capability: %w", err)
		}
	}
	e.Registry = capReg
	e.Matcher = capability.NewMatcher(capReg, nil, logger)
	logger.Info("capabilities loaded", slog.Int("count", capReg.Count()))

	// Executors and runtime.
	genExec := executor.NewGenerativeExecutor(adapters, logger)
	codeExec := executor.NewCodeExecutor(sessions, logger)
	wfExec := executor.NewWorkflowExecutor(logger)
	set := executor.NewSet(
		executor.NewToolExecutor(toolReg, logger),
		genExec,
		codeExec,
		wfExec,
		executor.NewHybridExecutor(genExec, codeExec, logger),
	)

	rtOpts := []runtime.Option{runtime.WithHistory(store), runtime.WithMatcher(e.Matcher)}
	if m := obs.MetricsOrNil(); m != nil {
		rtOpts = append(rtOpts, runtime.WithMetrics(m))
	}
	if ts := obs.TracerOrNil(); ts != nil {
		rtOpts = append(rtOpts, runtime.WithTracer(ts.Tracer()))
	}
	rt := runtime.New(capReg, set, logger, rtOpts...)
	wfExec.SetDispatcher(rt.Dispatch)
	e.Runtime = rt

	return e, nil
}

// buildAdapters constructs the adapter registry from config. The
// configured default becomes the registry default; when fallbacks are
// configured, a fallback chain wraps them and takes over as default.
func buildAdapters(cfg *config.Config, logger *slog.Logger) (*adapter.Registry, error) {
	reg := adapter.NewRegistry()

	newAdapter := func(name string) (adapter.Adapter, error) {
		switch name {
		case "anthropic":
			return anthropic.NewClient(cfg.Adapters.Anthropic.APIKey, cfg.Adapters.Anthropic.Model, logger), nil
		case "openai":
			var opts []openai.Option
			if cfg.Adapters.OpenAI.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.Adapters.OpenAI.BaseURL))
			}
			return openai.NewClient(cfg.Adapters.OpenAI.APIKey, cfg.Adapters.OpenAI.Model, logger, opts...), nil
		case "ollama":
			baseURL := cfg.Adapters.Ollama.BaseURL
			if baseURL == "" {
				baseURL = "http://localhost:11434/v1"
			}
			return openai.NewClient("", cfg.Adapters.Ollama.Model, logger,
				openai.WithBaseURL(baseURL),
				openai.WithName("ollama"),
			), nil
		default:
			return nil, fmt.Errorf("adapter %q is not supported", name)
		}
	}

	primary, err := newAdapter(cfg.Adapters.Default)
	if err != nil {
		return nil, err
	}
	reg.Register(primary)

	if len(cfg.Adapters.Fallback) > 0 {
		chain := []adapter.Adapter{primary}
		for _, name := range cfg.Adapters.Fallback {
			a, err := newAdapter(name)
			if err != nil {
				return nil, err
			}
			reg.Register(a)
			chain = append(chain, a)
		}
		fb := adapter.NewFallback(chain, logger)
		reg.Register(fb)
		if err := reg.SetDefault(fb.Name()); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// postgresDSN returns the configured postgres DSN, or empty.
func postgresDSN(cfg *config.Config) string {
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		return cfg.Storage.Postgres.DSN
	}
	return ""
}

// loadConfig resolves the config path: explicit flag, then KAZI_CONFIG,
// then the default location.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("KAZI_CONFIG", configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// newLogger builds the process logger. Commands meant for human eyes
// log at warn unless verbose; the daemon logs JSON at info.
func newLogger(json bool, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if json {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
