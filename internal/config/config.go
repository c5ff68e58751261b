// Package config loads and resolves the shadow-AI discovery platform's
// configuration: a YAML defaults file, overridden field-by-field by
// environment variables, exposed through a process-wide singleton.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Shadow AI Discovery Platform - Configuration
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Detection   DetectionConfig   `yaml:"detection"`
	Threshold   ThresholdConfig   `yaml:"threshold"`
	Quota       QuotaConfig       `yaml:"quota"`
	Security    SecurityConfig    `yaml:"security"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
	AdminRateLimitPerMinute int `yaml:"admin_rate_limit_per_minute"`
}

// DatabaseConfig points at the durable store (Supabase/PostgREST over
// Postgres — see internal/storage).
type DatabaseConfig struct {
	Supabase SupabaseConfig `yaml:"supabase"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// RedisConfig points at the ephemeral store that backs the API quota
// counters. The credential cache and the hybrid-storage queue are
// in-process and do not use it.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GatewayConfig configures the Realtime Gateway (C10).
type GatewayConfig struct {
	AuthGraceSec          int `yaml:"auth_grace_sec"`
	PerformanceIntervalSec int `yaml:"performance_interval_sec"`
	SendBufferSize        int `yaml:"send_buffer_size"`
	PubSubProjectID       string `yaml:"pubsub_project_id"`
	PubSubTopicPrefix     string `yaml:"pubsub_topic_prefix"`
}

// DiscoveryConfig configures the Discovery Orchestrator (C8).
type DiscoveryConfig struct {
	IntervalHours            int  `yaml:"interval_hours"`
	CorrelationTriggerMinutes int  `yaml:"correlation_trigger_minutes"`
	EnableRealTimeProcessing bool `yaml:"enable_real_time_processing"`
	AuditLogWindowDays       int  `yaml:"audit_log_window_days"`
}

// CorrelationConfig configures the Correlation Engine (C9).
type CorrelationConfig struct {
	IntervalMs              int `yaml:"interval_ms"`
	MaxEventsPerBatch       int `yaml:"max_events_per_batch"`
	MaxLatencyMs            int `yaml:"max_latency_ms"`
	RetentionDays           int `yaml:"retention_days"`
}

// DetectionConfig configures the Detector Suite (C4) and business-hours
// definition shared by the off-hours detector.
type DetectionConfig struct {
	BusinessHoursTimezone string  `yaml:"business_hours_timezone"`
	BusinessHoursStart    int     `yaml:"business_hours_start"`
	BusinessHoursEnd      int     `yaml:"business_hours_end"`
	BusinessWeekdaysOnly  bool    `yaml:"business_weekdays_only"`
	VelocityWindowSeconds int     `yaml:"velocity_window_seconds"`
	BatchThresholdCount   int     `yaml:"batch_threshold_count"`
	BatchWindowSeconds    int     `yaml:"batch_window_seconds"`
	OffHoursMinEvents     int     `yaml:"off_hours_min_events"`
	TimingVarianceCoV     float64 `yaml:"timing_variance_cov"`
	DataVolumeWarningMiB  float64 `yaml:"data_volume_warning_mib"`
	DataVolumeCriticalMiB float64 `yaml:"data_volume_critical_mib"`
	DataVolumeBaselineDays int    `yaml:"data_volume_baseline_days"`
	AIFingerprints        map[string][]string `yaml:"ai_fingerprints"`
}

// ThresholdConfig configures the RL Threshold Service (C5).
type ThresholdConfig struct {
	ExplorationRate float64 `yaml:"exploration_rate"`
	LearningRate    float64 `yaml:"learning_rate"`
	FeedbackWindowDays int  `yaml:"feedback_window_days"`
	MinFeedbackRows int     `yaml:"min_feedback_rows"`
}

// QuotaConfig configures the per-platform API quota limits (C11).
type QuotaConfig struct {
	SlackDailyLimit     int64 `yaml:"slack_daily_limit"`
	GoogleDailyLimit    int64 `yaml:"google_daily_limit"`
	MicrosoftDailyLimit int64 `yaml:"microsoft_daily_limit"`
}

// SecurityConfig configures token verification for the Realtime Gateway and
// admin API.
type SecurityConfig struct {
	JWTSigningKey   string `yaml:"jwt_signing_key"`
	CredentialKeyID string `yaml:"credential_key_id"`
	CredentialKey   string `yaml:"credential_key"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance, loading it from
// CONFIG_PATH (default "config.yaml") plus environment overrides on first
// call.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyDefaults()
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in zero-valued fields with the defaults enumerated in
// spec §6.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 15
	}
	if c.Server.AdminRateLimitPerMinute == 0 {
		c.Server.AdminRateLimitPerMinute = 120
	}
	if c.Gateway.AuthGraceSec == 0 {
		c.Gateway.AuthGraceSec = 10
	}
	if c.Gateway.PerformanceIntervalSec == 0 {
		c.Gateway.PerformanceIntervalSec = 30
	}
	if c.Gateway.SendBufferSize == 0 {
		c.Gateway.SendBufferSize = 256
	}
	if c.Discovery.IntervalHours == 0 {
		c.Discovery.IntervalHours = 24
	}
	if c.Discovery.CorrelationTriggerMinutes == 0 {
		c.Discovery.CorrelationTriggerMinutes = 5
	}
	if c.Discovery.AuditLogWindowDays == 0 {
		c.Discovery.AuditLogWindowDays = 30
	}
	if c.Correlation.IntervalMs == 0 {
		c.Correlation.IntervalMs = 300000
	}
	if c.Correlation.MaxEventsPerBatch == 0 {
		c.Correlation.MaxEventsPerBatch = 10000
	}
	if c.Correlation.MaxLatencyMs == 0 {
		c.Correlation.MaxLatencyMs = 2000
	}
	if c.Correlation.RetentionDays == 0 {
		c.Correlation.RetentionDays = 90
	}
	if c.Detection.BusinessHoursTimezone == "" {
		c.Detection.BusinessHoursTimezone = "UTC"
	}
	if c.Detection.BusinessHoursEnd == 0 {
		c.Detection.BusinessHoursStart = 9
		c.Detection.BusinessHoursEnd = 18
	}
	if c.Detection.VelocityWindowSeconds == 0 {
		c.Detection.VelocityWindowSeconds = 10
	}
	if c.Detection.BatchThresholdCount == 0 {
		c.Detection.BatchThresholdCount = 5
	}
	if c.Detection.BatchWindowSeconds == 0 {
		c.Detection.BatchWindowSeconds = 60
	}
	if c.Detection.OffHoursMinEvents == 0 {
		c.Detection.OffHoursMinEvents = 3
	}
	if c.Detection.TimingVarianceCoV == 0 {
		c.Detection.TimingVarianceCoV = 0.15
	}
	if c.Detection.DataVolumeWarningMiB == 0 {
		c.Detection.DataVolumeWarningMiB = 100
	}
	if c.Detection.DataVolumeCriticalMiB == 0 {
		c.Detection.DataVolumeCriticalMiB = 500
	}
	if c.Detection.DataVolumeBaselineDays == 0 {
		c.Detection.DataVolumeBaselineDays = 7
	}
	if c.Detection.AIFingerprints == nil {
		c.Detection.AIFingerprints = defaultAIFingerprints()
	}
	if c.Threshold.ExplorationRate == 0 {
		c.Threshold.ExplorationRate = 0.10
	}
	if c.Threshold.LearningRate == 0 {
		c.Threshold.LearningRate = 0.10
	}
	if c.Threshold.FeedbackWindowDays == 0 {
		c.Threshold.FeedbackWindowDays = 30
	}
	if c.Threshold.MinFeedbackRows == 0 {
		c.Threshold.MinFeedbackRows = 10
	}
	if c.Quota.SlackDailyLimit == 0 {
		c.Quota.SlackDailyLimit = 10000
	}
	if c.Quota.GoogleDailyLimit == 0 {
		c.Quota.GoogleDailyLimit = 10000
	}
	if c.Quota.MicrosoftDailyLimit == 0 {
		c.Quota.MicrosoftDailyLimit = 15000
	}
}

// defaultAIFingerprints is the minimum fingerprint set spec §9 calls out;
// extension is data, not code — operators add entries via config.
func defaultAIFingerprints() map[string][]string {
	return map[string][]string{
		"OpenAI":  {"openai", "chatgpt", "gpt"},
		"Claude":  {"claude", "anthropic"},
		"Gemini":  {"gemini"},
		"Cohere":  {"cohere"},
	}
}

// applyEnvOverrides applies environment variable overrides on top of the
// YAML-loaded (or default) values.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("SHADOWAI_ENV", c.Server.Env)
	c.Server.Interface = getEnv("SHADOWAI_INTERFACE", c.Server.Interface)

	c.Database.Supabase.URL = getEnv("SUPABASE_URL", c.Database.Supabase.URL)
	c.Database.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.Supabase.ServiceKey)

	c.Redis.Enabled = getEnvBool("SHADOWAI_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Gateway.PubSubProjectID = getEnv("GATEWAY_PUBSUB_PROJECT_ID", c.Gateway.PubSubProjectID)
	c.Gateway.PubSubTopicPrefix = getEnv("GATEWAY_PUBSUB_TOPIC_PREFIX", c.Gateway.PubSubTopicPrefix)

	c.Discovery.EnableRealTimeProcessing = getEnvBool("ENABLE_REALTIME_PROCESSING", c.Discovery.EnableRealTimeProcessing)
	c.Discovery.IntervalHours = getEnvInt("DISCOVERY_INTERVAL_HOURS", c.Discovery.IntervalHours)
	c.Discovery.CorrelationTriggerMinutes = getEnvInt("CORRELATION_TRIGGER_MINUTES", c.Discovery.CorrelationTriggerMinutes)

	c.Correlation.IntervalMs = getEnvInt("CORRELATION_INTERVAL_MS", c.Correlation.IntervalMs)
	c.Correlation.MaxEventsPerBatch = getEnvInt("MAX_EVENTS_PER_BATCH", c.Correlation.MaxEventsPerBatch)
	c.Correlation.MaxLatencyMs = getEnvInt("PERFORMANCE_MAX_LATENCY_MS", c.Correlation.MaxLatencyMs)
	c.Correlation.RetentionDays = getEnvInt("RETENTION_DAYS", c.Correlation.RetentionDays)

	c.Threshold.ExplorationRate = getEnvFloat("RL_EXPLORATION_RATE", c.Threshold.ExplorationRate)
	c.Threshold.LearningRate = getEnvFloat("RL_LEARNING_RATE", c.Threshold.LearningRate)

	c.Security.JWTSigningKey = getEnv("JWT_SIGNING_KEY", c.Security.JWTSigningKey)
	c.Security.CredentialKeyID = getEnv("CREDENTIAL_KEY_ID", c.Security.CredentialKeyID)
	c.Security.CredentialKey = getEnv("CREDENTIAL_KEY", c.Security.CredentialKey)
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

func (c *Config) GetSupabaseURL() string   { return c.Database.Supabase.URL }
func (c *Config) GetSupabaseKey() string   { return c.Database.Supabase.ServiceKey }

func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.IntervalHours) * time.Hour
}

func (c *Config) CorrelationTriggerInterval() time.Duration {
	return time.Duration(c.Discovery.CorrelationTriggerMinutes) * time.Minute
}

func (c *Config) QuotaLimitFor(platform string) int64 {
	switch platform {
	case "slack":
		return c.Quota.SlackDailyLimit
	case "google":
		return c.Quota.GoogleDailyLimit
	case "microsoft":
		return c.Quota.MicrosoftDailyLimit
	default:
		return 0
	}
}
