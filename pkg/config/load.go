package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cogworks/cogworks/pkg/cost"
	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// Environment variables that override file settings.
const (
	EnvWebhookSecret = "COGWORKS_WEBHOOK_SECRET"
	EnvDatabaseURL   = "COGWORKS_DATABASE_URL"
)

// DefaultGuardTimeout bounds one guard evaluation when guards.timeout is
// unset.
const DefaultGuardTimeout = time.Second

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads, defaults, overrides and validates the config file at path.
// Relative pipeline and services paths are resolved against the file's
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.NewConfigurationError(fmt.Sprintf("read config %s", path), err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates config YAML, applying environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, pipeline.NewConfigurationError("invalid config file", err)
	}
	cfg.applyEnv(lookup)
	return cfg, nil
}

// Default returns a config with every optional setting filled. The
// required settings (retry.max_attempts, approval.timeout and
// budget.per_run_usd) stay zero so a file that omits them fails validation.
func Default() *Config {
	return &Config{
		Retry:  RetryConfig{Backoff: fromBackoff(pipeline.DefaultBackoff())},
		Engine: EngineConfig{MaxParallel: engine.DefaultMaxParallel},
		Guards: GuardConfig{Timeout: DefaultGuardTimeout},
		LLM: LLMConfig{
			Method:      "complete",
			MaxAttempts: 3,
			Backoff:     BackoffConfig{Base: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.25},
		},
		Webhook: WebhookConfig{Listen: ":8080"},
		Queue: QueueConfig{
			Backend:      "sqlite",
			Batch:        16,
			Lease:        time.Minute,
			PollInterval: time.Second,
		},
		Database:  DatabaseConfig{Path: "cogworks.db"},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvWebhookSecret); ok && v != "" {
		c.Webhook.Secret = v
	}
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Database.URL = v
	}
}

func (c *Config) resolvePaths(base string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p == ":memory:" {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Pipeline = rel(c.Pipeline)
	c.Services = rel(c.Services)
	c.Policy.Dir = rel(c.Policy.Dir)
	c.Database.Path = rel(c.Database.Path)
}

// Validate checks struct constraints and the cross-field rules. Every
// problem is reported, not only the first.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return pipeline.NewConfigurationError("config validation", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{Path: fieldPath(fe), Message: fieldMessage(fe)})
		}
	}

	if c.Queue.Backend == "postgres" && c.Database.URL == "" {
		errs = append(errs, ValidationError{
			Path:    "database.url",
			Message: fmt.Sprintf("required by the postgres queue backend (or set %s)", EnvDatabaseURL),
		})
	}
	if c.Retry.Backoff.Max > 0 && c.Retry.Backoff.Max < c.Retry.Backoff.Base {
		errs = append(errs, ValidationError{Path: "retry.backoff.max", Message: "must not be below retry.backoff.base"})
	}
	if c.LLM.Service != "" && c.Services == "" {
		errs = append(errs, ValidationError{Path: "llm.service", Message: "requires a services file"})
	}
	if c.Archive != nil {
		if err := c.Archive.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "archive", Message: err.Error()})
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	if len(errs) > 0 {
		return pipeline.NewConfigurationError("invalid config", errs)
	}
	return nil
}

// fieldPath turns a validator namespace (Config.retry.max_attempts) into
// the YAML key path (retry.max_attempts).
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func fromBackoff(b pipeline.Backoff) BackoffConfig {
	return BackoffConfig{Base: b.Base, Max: b.Max, Jitter: b.Jitter}
}

// Backoff converts the YAML form into pipeline.Backoff.
func (b BackoffConfig) Backoff() pipeline.Backoff {
	return pipeline.Backoff{Base: b.Base, Max: b.Max, Jitter: b.Jitter}
}

// RunBudget returns the per-run spend ceiling.
func (c *Config) RunBudget() (pipeline.CostBudget, error) {
	b, err := pipeline.NewCostBudget(c.Budget.PerRunUSD)
	if err != nil {
		return pipeline.CostBudget{}, pipeline.NewConfigurationError("budget.per_run_usd", err)
	}
	return b, nil
}

// EngineConfig assembles the executor's run policy.
func (c *Config) EngineConfig() (engine.Config, error) {
	budget, err := c.RunBudget()
	if err != nil {
		return engine.Config{}, err
	}
	retry, err := cost.NewRetryEngine(c.Retry.MaxAttempts, c.Retry.Backoff.Backoff())
	if err != nil {
		return engine.Config{}, pipeline.NewConfigurationError("retry", err)
	}
	ec := engine.Config{
		MaxParallel:     c.Engine.MaxParallel,
		ApprovalTimeout: c.Approval.Timeout,
		Budget:          budget,
		Retry:           retry,
	}
	if err := ec.Validate(); err != nil {
		return engine.Config{}, err
	}
	return ec, nil
}
