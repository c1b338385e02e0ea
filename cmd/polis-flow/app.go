package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/joho/godotenv"
	"github.com/polisai/polis-flow/pkg/audit"
	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/logging"
	"github.com/polisai/polis-flow/pkg/metrics"
	"github.com/polisai/polis-flow/pkg/policy"
	"github.com/polisai/polis-flow/pkg/session"
	"github.com/polisai/polis-flow/pkg/storage"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

const (
	defaultServiceName       = "polis-flow"
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

// app holds everything a command needs once configuration is resolved.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	store     *storage.MemoryStore
	admission policy.Filter
	postures  policy.PostureSet
	auditFile *audit.FileSink
	telemetry func(context.Context) error
}

// newApp loads .env and the config file, applies flag overrides and builds the shared
// components. Logs go to logOut so command output on stdout stays machine readable.
func newApp(ctx context.Context, opts *rootOptions, logOut io.Writer) (*app, error) {
	// Missing .env files are fine.
	_ = godotenv.Load()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.pretty {
		cfg.Logging.Pretty = true
	}

	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: logOut,
	})

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewMetrics(),
		store:   storage.NewMemoryStore(logger),
	}

	a.postures, err = cfg.Policy.PostureSet()
	if err != nil {
		return nil, err
	}
	if cfg.Policy.Enabled {
		a.admission, err = buildAdmission(ctx, cfg.Policy, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Audit.File != "" {
		a.auditFile, err = audit.NewFileSink(cfg.Audit.File)
		if err != nil {
			return nil, err
		}
	}

	a.telemetry, err = telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Environment:  cfg.Telemetry.Environment,
		ResourceTags: map[string]string{"log.level": cfg.Logging.Level},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	return a, nil
}

// buildAdmission compiles the baseline module plus any modules found under cfg.Path.
func buildAdmission(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (*policy.Engine, error) {
	modules := map[string]string{"baseline.rego": policy.BaselineModule}
	if cfg.Path != "" {
		loaded, err := policy.LoadModules(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("load policy modules: %w", err)
		}
		maps.Copy(modules, loaded)
	}
	return policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      cfg.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: cfg.CacheMaxEntries,
		Logger:          logger,
	})
}

// sessionOptions wires the shared components into a session.
func (a *app) sessionOptions(extra ...engine.Option) []session.Option {
	auditOpts := []audit.Option{audit.WithSink(a.metrics)}
	if a.auditFile != nil {
		auditOpts = append(auditOpts, audit.WithSink(a.auditFile))
	}

	engineOpts := []engine.Option{
		engine.WithObserver(a.metrics),
		engine.WithPostures(a.postures),
	}
	if a.admission != nil {
		engineOpts = append(engineOpts, engine.WithAdmission(a.admission))
	}
	engineOpts = append(engineOpts, extra...)

	return []session.Option{
		session.WithSettings(session.Settings{
			Security:   a.cfg.Security,
			Structural: a.cfg.Limits.Structural(),
			Engine:     a.cfg.Limits.Engine(),
		}),
		session.WithStore(a.store),
		session.WithAuditOptions(auditOpts...),
		session.WithEngineOptions(engineOpts...),
		session.WithLogger(a.logger),
	}
}

// newManager returns a session manager whose sessions share this app's components.
func (a *app) newManager() *session.Manager {
	return session.NewManager(a.logger, a.sessionOptions()...)
}

// Close flushes telemetry and the audit file.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if a.telemetry != nil {
		if err := a.telemetry(ctx); err != nil {
			a.logger.Warn("telemetry shutdown error", "error", err)
		}
	}
	if a.auditFile != nil {
		if err := a.auditFile.Close(); err != nil {
			a.logger.Warn("audit file close error", "error", err)
		}
	}
}
