package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fieldsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	API        APIConfig        `yaml:"api"`
	Server     ServerConfig     `yaml:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Backup     BackupConfig     `yaml:"backup"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	DeviceID    string `yaml:"device_id"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	DeadLetterKey string `yaml:"dead_letter_key"`
	StatusKey     string `yaml:"status_key"`
}

// RemoteConfig points at the Remote Sync API. The bearer token is acquired elsewhere
// and injected through the environment.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type SyncConfig struct {
	EntityTypes    []string                                `yaml:"entity_types"`
	Interval       time.Duration                           `yaml:"interval"`
	BatchSize      int                                     `yaml:"batch_size"`
	MaxConcurrency int                                     `yaml:"max_concurrency"`
	RequestTimeout time.Duration                           `yaml:"request_timeout"`
	Retry          RetryConfig                             `yaml:"retry"`
	Fields         map[string]map[string]models.FieldKind `yaml:"fields"`
	ThreeWayMerge  *bool                                   `yaml:"three_way_merge"`
}

type MonitorConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	Debounce      time.Duration `yaml:"debounce"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ServerConfig configures the reference Remote Sync API.
type ServerConfig struct {
	Port        int                `yaml:"port"`
	Tokens      []string           `yaml:"tokens"`
	EntityTypes []string           `yaml:"entity_types"`
	RateLimit   APIRateLimitConfig `yaml:"rate_limit"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads .env (when present) and the YAML file at configPath, expanding ${VARS},
// and validates it for the agent.
func Load(configPath string) (*Config, error) {
	config, err := read(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// LoadServer is Load for the reference remote, which needs no remote section.
func LoadServer(configPath string) (*Config, error) {
	config, err := read(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateServer(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func read(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote base_url must be http(s): %s", c.Remote.BaseURL)
	}
	if c.Sync.Retry.InitialDelay > c.Sync.Retry.MaxDelay {
		return errors.New("sync.retry.initial_delay must not exceed max_delay")
	}

	return ValidateEntityTypes(c.Sync.EntityTypes, c.Sync.Fields)
}

func (c *Config) ValidateServer() error {
	if len(c.Server.Tokens) == 0 {
		return errors.New("server.tokens must not be empty")
	}
	return ValidateEntityTypes(c.Server.EntityTypes, nil)
}

// ValidateEntityTypes checks for duplicate types and unknown field kinds.
func ValidateEntityTypes(types []string, fields map[string]map[string]models.FieldKind) error {
	if len(types) == 0 {
		return errors.New("sync.entity_types must not be empty")
	}
	seen := make(map[string]bool)
	for _, t := range types {
		if strings.TrimSpace(t) == "" {
			return errors.New("entity type must not be blank")
		}
		if seen[t] {
			return fmt.Errorf("duplicate entity type: %s", t)
		}
		seen[t] = true
	}
	for entityType, policy := range fields {
		for field, kind := range policy {
			if !kind.Valid() {
				return fmt.Errorf("entity %s field %s: unknown kind %q", entityType, field, kind)
			}
		}
	}
	return nil
}

// FieldPolicies merges configured field kinds over the built-in defaults.
func (c *Config) FieldPolicies() map[string]models.FieldPolicy {
	out := models.DefaultFieldPolicies()
	for entityType, fields := range c.Sync.Fields {
		policy, ok := out[entityType]
		if !ok {
			policy = models.FieldPolicy{}
			out[entityType] = policy
		}
		for field, kind := range fields {
			policy[field] = kind
		}
	}
	return out
}

// ThreeWay reports whether the resolver may use the last confirmed payload as merge base.
func (c *Config) ThreeWay() bool {
	if c.Sync.ThreeWayMerge == nil {
		return true
	}
	return *c.Sync.ThreeWayMerge
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldsync"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = models.DefaultRequestTimeout
	}
	if len(c.Sync.EntityTypes) == 0 {
		c.Sync.EntityTypes = []string{models.EntityQuote, models.EntityJob}
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = models.DefaultSyncInterval
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}
	if c.Sync.MaxConcurrency == 0 {
		c.Sync.MaxConcurrency = models.DefaultMaxConcurrency
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = c.Remote.Timeout
	}
	if c.Sync.Retry.MaxRetries == 0 {
		c.Sync.Retry.MaxRetries = models.DefaultMaxRetries
	}
	if c.Sync.Retry.InitialDelay == 0 {
		c.Sync.Retry.InitialDelay = models.DefaultRetryBase
	}
	if c.Sync.Retry.MaxDelay == 0 {
		c.Sync.Retry.MaxDelay = models.DefaultRetryCap
	}
	if c.Monitor.Debounce == 0 {
		c.Monitor.Debounce = models.DefaultDebounce
	}
	if c.Monitor.ProbeInterval == 0 {
		c.Monitor.ProbeInterval = models.DefaultProbeInterval
	}
	if c.Monitor.ProbeURL == "" && c.Remote.BaseURL != "" {
		c.Monitor.ProbeURL = strings.TrimRight(c.Remote.BaseURL, "/") + "/health"
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "fieldsync:deadletter"
	}
	if c.Redis.StatusKey == "" {
		c.Redis.StatusKey = "fieldsync:status"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if len(c.Server.EntityTypes) == 0 {
		c.Server.EntityTypes = c.Sync.EntityTypes
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
