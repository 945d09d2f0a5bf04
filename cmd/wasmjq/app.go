package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-jq/config"
	"github.com/wippyai/wasm-jq/engine"
	"github.com/wippyai/wasm-jq/pool"
)

// hostModules are installed into every engine the CLI builds.
var hostModules []engine.HostModule

// app is the engine stack shared by the subcommands.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	engine *engine.Engine
	pool   *pool.Pool
}

// loadConfig merges the config file and flag overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}
	if modulePath != "" {
		cfg.Engine.Module = modulePath
	}
	if poolSize != 0 {
		cfg.Pool.Size = poolSize
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if cfg.Engine.Module == "" {
		return config.Config{}, fmt.Errorf("no engine module: set --module or engine.module")
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, usageError{err}
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		return nil, usageError{err}
	}
	engine.SetLogger(logger)

	policy, err := cfg.Pool.PolicyFunc()
	if err != nil {
		return nil, usageError{err}
	}

	wasm, err := os.ReadFile(cfg.Engine.Module)
	if err != nil {
		return nil, usageError{fmt.Errorf("read module: %w", err)}
	}

	eng, err := engine.New(ctx, wasm, cfg.Engine.Build(hostModules...))
	if err != nil {
		return nil, usageError{err}
	}

	p, err := pool.NewFromEngine(eng, cfg.Pool.Size, pool.WithPolicy(policy))
	if err != nil {
		eng.Close(ctx)
		return nil, usageError{err}
	}

	logger.Debug("engine ready",
		zap.String("module", cfg.Engine.Module),
		zap.Stringer("protocol", eng.Protocol()),
		zap.Int("pool_size", cfg.Pool.Size))

	return &app{cfg: cfg, logger: logger, engine: eng, pool: p}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.pool.Close(ctx); err != nil {
		a.logger.Warn("close pool", zap.Error(err))
	}
	if err := a.engine.Close(ctx); err != nil {
		a.logger.Warn("close engine", zap.Error(err))
	}
	_ = a.logger.Sync()
	engine.SetLogger(nil)
}
