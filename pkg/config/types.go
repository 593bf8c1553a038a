package config

import (
	"time"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/stores"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// Config is the top-level orchestrator configuration, read from
// cogworks.yaml.
type Config struct {
	// Pipeline is the path of the CUE pipeline definition (a file or a
	// directory holding one CUE package).
	Pipeline string `yaml:"pipeline" validate:"required"`

	// Services is the path of the domain service registry. Empty means no
	// domain services are registered.
	Services string `yaml:"services"`

	Retry    RetryConfig    `yaml:"retry"`
	Approval ApprovalConfig `yaml:"approval"`
	Budget   BudgetConfig   `yaml:"budget"`
	Engine   EngineConfig   `yaml:"engine"`
	Guards   GuardConfig    `yaml:"guards"`
	Policy   PolicyConfig   `yaml:"policy"`
	LLM      LLMConfig      `yaml:"llm"`

	Webhook  WebhookConfig  `yaml:"webhook"`
	Queue    QueueConfig    `yaml:"queue"`
	Database DatabaseConfig `yaml:"database"`

	// Archive enables uploading terminal run snapshots to S3-compatible
	// storage. Nil disables archiving.
	Archive *stores.ArchiveConfig `yaml:"archive"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// RetryConfig bounds node re-attempts.
type RetryConfig struct {
	// MaxAttempts is the number of attempts a node gets before a retryable
	// failure escalates. Required.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	// Backoff is used for retryable errors that carry no explicit delay.
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the YAML form of pipeline.Backoff.
type BackoffConfig struct {
	Base   time.Duration `yaml:"base" validate:"gte=0"`
	Max    time.Duration `yaml:"max" validate:"gte=0"`
	Jitter float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

// ApprovalConfig configures human gates.
type ApprovalConfig struct {
	// Timeout is how long a gate waits for a decision. Required.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// BudgetConfig configures the spend ceiling of each run.
type BudgetConfig struct {
	PerRunUSD float64 `yaml:"per_run_usd" validate:"gt=0"`
}

// EngineConfig holds executor tuning.
type EngineConfig struct {
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`
}

// GuardConfig configures edge guard evaluation.
type GuardConfig struct {
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxSteps uint64        `yaml:"max_steps"`
}

// PolicyConfig locates the constitutional rules.
type PolicyConfig struct {
	// Dir holds extra Rego modules and settings. Empty means only the
	// built-in rules apply.
	Dir string `yaml:"dir"`

	// Watch reloads the rules when files in Dir change.
	Watch bool `yaml:"watch"`
}

// LLMConfig configures the language-model gateway. The provider is reached
// as a registered domain service.
type LLMConfig struct {
	// Service names the registration that serves completions. Empty
	// disables the gateway.
	Service string `yaml:"service"`

	// Method is the capability invoked for a completion.
	Method string `yaml:"method"`

	// MaxAttempts bounds local retries of transient provider errors.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	Backoff BackoffConfig `yaml:"backoff"`

	// Pricing converts reported token usage into run cost.
	Pricing PricingConfig `yaml:"pricing"`
}

// PricingConfig holds per-million-token prices in US dollars.
type PricingConfig struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" validate:"gte=0"`
	OutputPerMTok float64 `yaml:"output_per_mtok" validate:"gte=0"`
}

// WebhookConfig configures the push backend.
type WebhookConfig struct {
	Listen string `yaml:"listen"`

	// Secret is the HMAC key. COGWORKS_WEBHOOK_SECRET overrides it.
	Secret string `yaml:"secret"`
}

// QueueConfig configures the pull backend.
type QueueConfig struct {
	// Backend selects sqlite or postgres.
	Backend       string        `yaml:"backend" validate:"omitempty,oneof=sqlite postgres"`
	Batch         int           `yaml:"batch" validate:"gte=0"`
	Lease         time.Duration `yaml:"lease" validate:"gte=0"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gte=0"`
	MaxDeliveries int           `yaml:"max_deliveries" validate:"gte=0"`

	// DedupRetention is how long an acknowledged event's dedup key keeps
	// a redelivery out of the queue.
	DedupRetention time.Duration `yaml:"dedup_retention" validate:"gte=0"`
}

// DatabaseConfig locates the run store and the Postgres queue.
type DatabaseConfig struct {
	// Path is the SQLite file of the run store and the SQLite queue.
	Path string `yaml:"path"`

	// URL is the Postgres connection string. COGWORKS_DATABASE_URL
	// overrides it.
	URL string `yaml:"url"`
}

// PipelineDefinition is a decoded pipeline file before it is built into an
// engine.Graph.
type PipelineDefinition struct {
	Name  string
	Nodes []engine.NodeSpec
	Edges []engine.EdgeSpec

	// SourceFiles lists the files the definition was read from.
	SourceFiles []string
}
