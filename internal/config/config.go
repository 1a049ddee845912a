// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Backend addresses. BackendsConfig points to an optional YAML file
	// describing the fleet; when unset, one backend per service URL is
	// synthesized from the addresses below.
	BackendsConfig  string `env:"BACKENDS_CONFIG"`
	LLMServiceURL   string `env:"LLM_SERVICE_URL" envDefault:"http://localhost:8081"`
	VisionServiceURL string `env:"VISION_SERVICE_URL" envDefault:"http://localhost:8082"`
	NLPServiceURL   string `env:"NLP_SERVICE_URL" envDefault:"http://localhost:8083"`
	DataProcessorURL string `env:"DATA_PROCESSOR_URL" envDefault:"http://localhost:8084"`

	// Southbound connection pool.
	HTTPPoolConnections int           `env:"HTTP_POOL_CONNECTIONS" envDefault:"20"`
	HTTPPoolMaxSize     int           `env:"HTTP_POOL_MAXSIZE" envDefault:"100"`
	HTTPTimeout         time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	HTTPConnectTimeout  time.Duration `env:"HTTP_CONNECT_TIMEOUT" envDefault:"5s"`
	HTTPIdleExpiry      time.Duration `env:"HTTP_IDLE_EXPIRY" envDefault:"30s"`

	// Batcher.
	MaxBatchSize int           `env:"MAX_BATCH_SIZE" envDefault:"8"`
	MaxBatchWait time.Duration `env:"MAX_BATCH_WAIT" envDefault:"100ms"`

	// Response cache. A zero TTL disables caching.
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"2h"`
	CacheMaxEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"4096"`
	RedisAddr       string        `env:"REDIS_ADDR"`

	// Job manager.
	RetentionWindow time.Duration `env:"RETENTION_WINDOW" envDefault:"1h"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"1m"`

	// Admission control.
	GlobalQueueCap    int `env:"GLOBAL_QUEUE_CAP" envDefault:"1000"`
	DefaultMaxInFlight int `env:"MAX_IN_FLIGHT" envDefault:"20"`

	// Health aggregation and circuit breaking.
	ProbeInterval           time.Duration `env:"PROBE_INTERVAL" envDefault:"15s"`
	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitCooldown         time.Duration `env:"CIRCUIT_COOLDOWN" envDefault:"30s"`

	// Dispatcher retries.
	RetryMaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"50ms"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"2s"`

	// Submission handlers wait this long for a result before handing the
	// caller a job id to poll.
	SyncWait time.Duration `env:"SYNC_WAIT" envDefault:"5s"`

	// Northbound HTTP server.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"600"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-orchestrator"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

type backendsFile struct {
	Backends []domain.Backend `yaml:"backends"`
}

// Backends resolves the backend fleet. A YAML file wins over the
// per-service URL variables; either way every backend ends up with a
// positive in-flight cap and weight.
func (c Config) Backends() ([]domain.Backend, error) {
	var list []domain.Backend
	if c.BackendsConfig != "" {
		raw, err := os.ReadFile(c.BackendsConfig)
		if err != nil {
			return nil, fmt.Errorf("op=config.Backends read %s: %w", c.BackendsConfig, err)
		}
		var f backendsFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("op=config.Backends parse %s: %w", c.BackendsConfig, err)
		}
		list = f.Backends
	} else {
		list = c.defaultBackends()
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("op=config.Backends: no backends configured")
	}
	for i := range list {
		if list[i].ID == "" || list[i].BaseURL == "" {
			return nil, fmt.Errorf("op=config.Backends: backend %d missing id or url", i)
		}
		for _, cp := range list[i].Capabilities {
			if !cp.Valid() {
				return nil, fmt.Errorf("op=config.Backends: backend %s: unknown capability %q", list[i].ID, cp)
			}
		}
		if list[i].MaxInFlight <= 0 {
			list[i].MaxInFlight = c.DefaultMaxInFlight
		}
		if list[i].Weight <= 0 {
			list[i].Weight = 1
		}
	}
	return list, nil
}

func (c Config) defaultBackends() []domain.Backend {
	return []domain.Backend{
		{ID: "llm", BaseURL: c.LLMServiceURL, Capabilities: []domain.Capability{domain.CapLLMCompletion, domain.CapLLMChat}, SupportsBatch: true},
		{ID: "vision", BaseURL: c.VisionServiceURL, Capabilities: []domain.Capability{domain.CapVisionAnalyze}},
		{ID: "nlp", BaseURL: c.NLPServiceURL, Capabilities: []domain.Capability{domain.CapNLPAnalyze}},
		{ID: "data-processor", BaseURL: c.DataProcessorURL, Capabilities: []domain.Capability{domain.CapDataProcess}},
	}
}
