package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research agent system
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Server      ServerConfig      `mapstructure:"server"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Prioritizer PrioritizerConfig `mapstructure:"prioritizer"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Refresh     RefreshConfig     `mapstructure:"refresh"`
	Orchestrate OrchestrateConfig `mapstructure:"orchestrate"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains inference provider configuration
type LLMConfig struct {
	Provider        string        `mapstructure:"provider"` // openai
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	CriticModel     string        `mapstructure:"critic_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	CostPer1KInput  float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
}

// DetectorConfig carries the gap detector thresholds. All values are
// calibration parameters, tunable without code change.
type DetectorConfig struct {
	Samples             int     `mapstructure:"samples"`              // N independent samples for uncertainty probing
	UncertaintyTau      float64 `mapstructure:"uncertainty_tau"`      // mean pairwise divergence threshold
	ProbeTau            float64 `mapstructure:"probe_tau"`            // critic-induced revision distance threshold
	ConfidenceTau       float64 `mapstructure:"confidence_tau"`       // self-reported confidence floor
	RetrievalTau        float64 `mapstructure:"retrieval_tau"`        // memory similarity floor for "data present"
	DedupSimilarity     float64 `mapstructure:"dedup_similarity"`     // gap description merge threshold
	HeuristicDeficit    float64 `mapstructure:"heuristic_deficit"`    // fixed deficit per heuristic signature
	RetrievalMissNumber int     `mapstructure:"retrieval_miss_top_k"` // chunks fetched when probing memory coverage
}

// PrioritizerConfig carries cost/benefit composition weights.
type PrioritizerConfig struct {
	Epsilon          float64       `mapstructure:"epsilon"`           // divisor floor for priority scores
	TokenCostWeight  float64       `mapstructure:"token_cost_weight"` // projected token/call cost weight
	TimeCostWeight   float64       `mapstructure:"time_cost_weight"`  // projected wall-clock weight
	DeficitWeight    float64       `mapstructure:"deficit_weight"`
	RelevanceWeight  float64       `mapstructure:"relevance_weight"`
	RecurrenceWeight float64       `mapstructure:"recurrence_weight"`
	RecurrenceTTL    time.Duration `mapstructure:"recurrence_ttl"` // rolling window for the signature counter
}

// TierConfig describes one execution tier of the action dispatcher.
type TierConfig struct {
	Surcharge float64       `mapstructure:"surcharge"` // fixed cost added on top of the estimate
	Timeout   time.Duration `mapstructure:"timeout"`
	Quota     int           `mapstructure:"quota"` // per-run attempt cap; 0 = unlimited
}

// DispatchConfig configures tier selection, sub-fetch pooling and search providers.
type DispatchConfig struct {
	Tier0          TierConfig `mapstructure:"tier0"`
	Tier1          TierConfig `mapstructure:"tier1"`
	Tier2          TierConfig `mapstructure:"tier2"`
	FetchWorkers   int        `mapstructure:"fetch_workers"`    // bounded pool for Tier-1 sub-fetches
	MaxSubFetches  int        `mapstructure:"max_sub_fetches"`  // pages fetched per structured task
	SearchProvider string     `mapstructure:"search_provider"`  // serper or brave
	SearchAPIKey   string     `mapstructure:"search_api_key"`
	FetchMaxChars  int        `mapstructure:"fetch_max_chars"`
}

// MemoryConfig configures the versioned chunk store.
type MemoryConfig struct {
	ConflictTau         float64 `mapstructure:"conflict_tau"`       // embedding distance above which chunks contradict
	TrustEpsilon        float64 `mapstructure:"trust_epsilon"`      // trust weights closer than this are "equal"
	EscalationBenefit   float64 `mapstructure:"escalation_benefit"` // benefit-of-resolution above which conflicts go to HITL
	SearchTopK          int     `mapstructure:"search_top_k"`
	SearchThreshold     float64 `mapstructure:"search_threshold"`
	EmbeddingDimensions int     `mapstructure:"embedding_dimensions"`
	DefaultTrustWeight  float64 `mapstructure:"default_trust_weight"`
}

// VolatilityClass pairs a staleness TTL with a refresh cron cadence.
type VolatilityClass struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Cron string        `mapstructure:"cron"`
}

// RefreshConfig configures the background memory refresh scheduler.
type RefreshConfig struct {
	Enabled      bool                       `mapstructure:"enabled"`
	TickInterval time.Duration              `mapstructure:"tick_interval"`
	LockTTL      time.Duration              `mapstructure:"lock_ttl"`
	Classes      map[string]VolatilityClass `mapstructure:"classes"`
	DefaultClass string                     `mapstructure:"default_class"`
	BatchLimit   int                        `mapstructure:"batch_limit"`
}

// OrchestrateConfig carries the control-loop bounds and HITL policy.
type OrchestrateConfig struct {
	MaxCycles          int           `mapstructure:"max_cycles"`
	MaterialityFloor   float64       `mapstructure:"materiality_floor"`    // gaps below this deficit are not actionable
	AutoApproveCeiling float64       `mapstructure:"auto_approve_ceiling"` // estimated cost above this needs approval
	NoProgressLimit    int           `mapstructure:"no_progress_limit"`    // consecutive cycles without a resolved gap
	ApprovalTimeout    time.Duration `mapstructure:"approval_timeout"`
	DefaultBudget      float64       `mapstructure:"default_budget"`
}

// StorageConfig contains backing store connection settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN assembles a connection string, preferring DATABASE_URL when set.
func (p PostgresConfig) DSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Validate checks configuration invariants that would otherwise surface deep
// inside a run.
func (c *Config) Validate() error {
	for name, v := range map[string]float64{
		"detector.uncertainty_tau": c.Detector.UncertaintyTau,
		"detector.probe_tau":       c.Detector.ProbeTau,
		"detector.confidence_tau":  c.Detector.ConfidenceTau,
		"detector.retrieval_tau":   c.Detector.RetrievalTau,
		"memory.conflict_tau":      c.Memory.ConflictTau,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %f", name, v)
		}
	}
	if c.Detector.Samples < 2 {
		return fmt.Errorf("detector.samples must be >= 2 for uncertainty probing, got %d", c.Detector.Samples)
	}
	if c.Prioritizer.Epsilon <= 0 {
		return fmt.Errorf("prioritizer.epsilon must be positive")
	}
	if c.Orchestrate.MaxCycles <= 0 {
		return fmt.Errorf("orchestrate.max_cycles must be positive")
	}
	if c.Dispatch.FetchWorkers <= 0 {
		return fmt.Errorf("dispatch.fetch_workers must be positive")
	}
	return nil
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".forager"))
		}
	}

	v.SetEnvPrefix("FORAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// defaults + env only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Dispatch.SearchAPIKey == "" {
		cfg.Dispatch.SearchAPIKey = os.Getenv("SERPER_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "60s")

	v.SetDefault("server.address", ":8787")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.completion_model", "gpt-4o-mini")
	v.SetDefault("llm.critic_model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base_delay", "500ms")
	v.SetDefault("llm.cost_per_1k_input", 0.00015)
	v.SetDefault("llm.cost_per_1k_output", 0.0006)

	v.SetDefault("detector.samples", 3)
	v.SetDefault("detector.uncertainty_tau", 0.25)
	v.SetDefault("detector.probe_tau", 0.30)
	v.SetDefault("detector.confidence_tau", 0.55)
	v.SetDefault("detector.retrieval_tau", 0.70)
	v.SetDefault("detector.dedup_similarity", 0.85)
	v.SetDefault("detector.heuristic_deficit", 0.60)
	v.SetDefault("detector.retrieval_miss_top_k", 5)

	v.SetDefault("prioritizer.epsilon", 0.0001)
	v.SetDefault("prioritizer.token_cost_weight", 1.0)
	v.SetDefault("prioritizer.time_cost_weight", 0.05)
	v.SetDefault("prioritizer.deficit_weight", 1.0)
	v.SetDefault("prioritizer.relevance_weight", 0.8)
	v.SetDefault("prioritizer.recurrence_weight", 0.3)
	v.SetDefault("prioritizer.recurrence_ttl", "720h")

	v.SetDefault("dispatch.tier0.surcharge", 0.001)
	v.SetDefault("dispatch.tier0.timeout", "15s")
	v.SetDefault("dispatch.tier0.quota", 0)
	v.SetDefault("dispatch.tier1.surcharge", 0.01)
	v.SetDefault("dispatch.tier1.timeout", "45s")
	v.SetDefault("dispatch.tier1.quota", 0)
	v.SetDefault("dispatch.tier2.surcharge", 0.10)
	v.SetDefault("dispatch.tier2.timeout", "120s")
	v.SetDefault("dispatch.tier2.quota", 2)
	v.SetDefault("dispatch.fetch_workers", 4)
	v.SetDefault("dispatch.max_sub_fetches", 6)
	v.SetDefault("dispatch.search_provider", "serper")
	v.SetDefault("dispatch.fetch_max_chars", 20000)

	v.SetDefault("memory.conflict_tau", 0.45)
	v.SetDefault("memory.trust_epsilon", 0.05)
	v.SetDefault("memory.escalation_benefit", 2.5)
	v.SetDefault("memory.search_top_k", 8)
	v.SetDefault("memory.search_threshold", 0.65)
	v.SetDefault("memory.embedding_dimensions", 1536)
	v.SetDefault("memory.default_trust_weight", 0.5)

	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.tick_interval", "1h")
	v.SetDefault("refresh.lock_ttl", "2m")
	v.SetDefault("refresh.default_class", "stable")
	v.SetDefault("refresh.batch_limit", 16)
	v.SetDefault("refresh.classes.volatile.ttl", "24h")
	v.SetDefault("refresh.classes.volatile.cron", "@hourly")
	v.SetDefault("refresh.classes.stable.ttl", "720h")
	v.SetDefault("refresh.classes.stable.cron", "@daily")

	v.SetDefault("orchestrate.max_cycles", 20)
	v.SetDefault("orchestrate.materiality_floor", 0.20)
	v.SetDefault("orchestrate.auto_approve_ceiling", 0.25)
	v.SetDefault("orchestrate.no_progress_limit", 3)
	v.SetDefault("orchestrate.approval_timeout", "15m")
	v.SetDefault("orchestrate.default_budget", 1.0)

	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "forager")
	v.SetDefault("storage.postgres.dbname", "forager")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.addr", "localhost:6379")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_port", 9099)
	v.SetDefault("telemetry.cost_tracking", true)
}
