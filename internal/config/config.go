// Package config loads runtime configuration from the environment
// (optionally backed by a YAML file in DATA_ROOT). Validation failures
// surface as ConfigError and terminate the process with exit code 64.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/inkporter/inkporter/internal/types"
)

// AuthMode selects how git credentials are obtained.
const (
	AuthToken        = "token"
	AuthInstallation = "installation"
)

// Config is the resolved runtime configuration.
type Config struct {
	DataRoot string

	GitRemoteURL    string
	GitBranch       string
	GitAuthMode     string
	GitToken        string
	GitAppID        string
	GitAppKeyPath   string
	GitAppInstallID string

	AIPrimary           string
	AISecondary         string
	AIMonthlyTokenLimit int64
	AnthropicAPIKey     string
	OpenAIAPIKey        string
	EmbedDim            int

	QueueMaxAttempts  int
	QueueBatchSize    int
	QueueBatchTimeout time.Duration
	LeaseDuration     time.Duration

	PrivacyDefaultLevel types.PrivacyLevel
	PrivacyRulesPath    string

	WorkerConcurrency int
	LogLevel          string
	InstanceID        string
}

// Load reads configuration. Environment variables take precedence over
// <DATA_ROOT>/config.yaml when that file exists.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_root", "./data")
	v.SetDefault("git_branch", "main")
	v.SetDefault("git_auth_mode", AuthToken)
	v.SetDefault("ai_primary", "anthropic")
	v.SetDefault("ai_secondary", "")
	v.SetDefault("ai_monthly_token_limit", 0)
	v.SetDefault("embed_dim", 1536)
	v.SetDefault("queue_max_attempts", 5)
	v.SetDefault("queue_batch_size", 10)
	v.SetDefault("queue_batch_timeout_ms", 5000)
	v.SetDefault("lease_duration_ms", 60000)
	v.SetDefault("privacy_default_level", "medium")
	v.SetDefault("privacy_rules_path", "")
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("log_level", "info")
	v.SetDefault("instance_id", "")

	for _, key := range []string{
		"data_root", "git_remote_url", "git_branch", "git_auth_mode",
		"git_token", "git_app_id", "git_app_key_path", "git_app_install_id",
		"ai_primary", "ai_secondary", "ai_monthly_token_limit",
		"anthropic_api_key", "openai_api_key", "embed_dim",
		"queue_max_attempts", "queue_batch_size", "queue_batch_timeout_ms",
		"lease_duration_ms", "privacy_default_level", "privacy_rules_path",
		"worker_concurrency", "log_level", "instance_id",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	// Optional file under the data root; env wins on conflicts.
	if path := filepath.Join(v.GetString("data_root"), "config.yaml"); fileExists(path) {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.NewConfigError("config.yaml", err.Error())
		}
	}

	level, ok := types.ParsePrivacyLevel(v.GetString("privacy_default_level"))
	if !ok {
		return nil, types.NewConfigError("PRIVACY_DEFAULT_LEVEL",
			"must be one of none, low, medium, high")
	}

	cfg := &Config{
		DataRoot:            v.GetString("data_root"),
		GitRemoteURL:        v.GetString("git_remote_url"),
		GitBranch:           v.GetString("git_branch"),
		GitAuthMode:         v.GetString("git_auth_mode"),
		GitToken:            v.GetString("git_token"),
		GitAppID:            v.GetString("git_app_id"),
		GitAppKeyPath:       v.GetString("git_app_key_path"),
		GitAppInstallID:     v.GetString("git_app_install_id"),
		AIPrimary:           v.GetString("ai_primary"),
		AISecondary:         v.GetString("ai_secondary"),
		AIMonthlyTokenLimit: v.GetInt64("ai_monthly_token_limit"),
		AnthropicAPIKey:     v.GetString("anthropic_api_key"),
		OpenAIAPIKey:        v.GetString("openai_api_key"),
		EmbedDim:            v.GetInt("embed_dim"),
		QueueMaxAttempts:    v.GetInt("queue_max_attempts"),
		QueueBatchSize:      v.GetInt("queue_batch_size"),
		QueueBatchTimeout:   time.Duration(v.GetInt("queue_batch_timeout_ms")) * time.Millisecond,
		LeaseDuration:       time.Duration(v.GetInt("lease_duration_ms")) * time.Millisecond,
		PrivacyDefaultLevel: level,
		PrivacyRulesPath:    v.GetString("privacy_rules_path"),
		WorkerConcurrency:   v.GetInt("worker_concurrency"),
		LogLevel:            v.GetString("log_level"),
		InstanceID:          v.GetString("instance_id"),
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "default"
		}
		cfg.InstanceID = host
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataRoot == "" {
		return types.NewConfigError("DATA_ROOT", "required")
	}
	switch c.GitAuthMode {
	case AuthToken:
		// Token may legitimately be empty for public or ssh remotes.
	case AuthInstallation:
		if c.GitAppID == "" || c.GitAppKeyPath == "" || c.GitAppInstallID == "" {
			return types.NewConfigError("GIT_AUTH_MODE",
				"installation mode needs GIT_APP_ID, GIT_APP_KEY_PATH and GIT_APP_INSTALL_ID")
		}
	default:
		return types.NewConfigError("GIT_AUTH_MODE", "must be token or installation")
	}
	if c.EmbedDim <= 0 {
		return types.NewConfigError("EMBED_DIM", "must be positive")
	}
	if c.QueueBatchSize <= 0 {
		return types.NewConfigError("QUEUE_BATCH_SIZE", "must be positive")
	}
	if c.LeaseDuration <= 0 {
		return types.NewConfigError("LEASE_DURATION_MS", "must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return types.NewConfigError("WORKER_CONCURRENCY", "must be positive")
	}
	if c.AIMonthlyTokenLimit < 0 {
		return types.NewConfigError("AI_MONTHLY_TOKEN_LIMIT", "must not be negative")
	}
	return nil
}

// Derived filesystem layout under the data root.

func (c *Config) StorePath() string  { return filepath.Join(c.DataRoot, "store.db") }
func (c *Config) VectorsDir() string { return filepath.Join(c.DataRoot, "vectors") }
func (c *Config) TmpDir() string     { return filepath.Join(c.DataRoot, "tmp") }
func (c *Config) LogDir() string     { return filepath.Join(c.DataRoot, "logs") }
func (c *Config) LockPath() string   { return filepath.Join(c.DataRoot, "inkporter.lock") }

// EnsureDataRoot creates the state directory tree.
func (c *Config) EnsureDataRoot() error {
	for _, dir := range []string{c.DataRoot, c.VectorsDir(), c.TmpDir(), c.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.NewConfigError("DATA_ROOT", err.Error())
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
