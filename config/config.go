// Package config loads wasmjq settings from YAML.
//
//	engine:
//	  module: ./jq.wasm
//	  memory_limit_pages: 512
//	pool:
//	  size: 8
//	  policy: conservative
//	log:
//	  level: debug
//	  format: console
//
// Omitted keys keep the values from Default. Unknown keys are rejected.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-jq/engine"
	"github.com/wippyai/wasm-jq/pool"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the top-level configuration document.
type Config struct {
	Engine Engine `yaml:"engine"`
	Pool   Pool   `yaml:"pool"`
	Log    Log    `yaml:"log"`
}

// Engine configures module loading and instance limits.
type Engine struct {
	Module             string         `yaml:"module"`
	MemoryLimitPages   uint32         `yaml:"memory_limit_pages" validate:"lte=65536"`
	CloseOnContextDone bool           `yaml:"close_on_context_done"`
	InitialOutputBytes uint32         `yaml:"initial_output_bytes"`
	MaxOutputBytes     uint32         `yaml:"max_output_bytes" validate:"omitempty,gtefield=InitialOutputBytes"`
	DiagnosticsLimit   int            `yaml:"diagnostics_limit" validate:"gte=-1"`
	Exports            engine.Exports `yaml:"exports"`
}

// Pool configures the lending pool.
type Pool struct {
	Size   int    `yaml:"size" validate:"gte=1,lte=1024"`
	Policy string `yaml:"policy" validate:"omitempty,oneof=default conservative"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Engine: Engine{
			CloseOnContextDone: true,
			InitialOutputBytes: engine.DefaultInitialOutputBytes,
			MaxOutputBytes:     engine.DefaultMaxOutputBytes,
			DiagnosticsLimit:   engine.DefaultDiagnosticsLimit,
			Exports:            engine.DefaultExports(),
		},
		Pool: Pool{
			Size:   min(runtime.GOMAXPROCS(0), 1024),
			Policy: "default",
		},
		Log: Log{
			Level:  "warn",
			Format: "console",
		},
	}
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Build returns the engine configuration. hosts are appended as host modules.
func (e Engine) Build(hosts ...engine.HostModule) *engine.Config {
	return &engine.Config{
		MemoryLimitPages:   e.MemoryLimitPages,
		CloseOnContextDone: e.CloseOnContextDone,
		Exports:            e.Exports,
		HostModules:        hosts,
		InitialOutputBytes: e.InitialOutputBytes,
		MaxOutputBytes:     e.MaxOutputBytes,
		DiagnosticsLimit:   e.DiagnosticsLimit,
	}
}

// PolicyFunc returns the named release policy.
func (p Pool) PolicyFunc() (pool.Policy, error) {
	policy, ok := pool.PolicyByName(p.Policy)
	if !ok {
		return nil, fmt.Errorf("unknown pool policy %q", p.Policy)
	}
	return policy, nil
}

// Build creates a logger writing to stderr.
func (l Log) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
