package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
)

// EnvPrefix is stripped from environment variables before they are mapped
// to keys: CASCADE_BACKEND_URL → backend_url.
const EnvPrefix = "CASCADE_"

// Config holds all application configuration.
type Config struct {
	// Deletion backend
	BackendURL          string        `koanf:"backend_url"`
	BackendUsername     string        `koanf:"backend_username"`
	BackendPassword     string        `koanf:"backend_password"`
	BackendAPIKey       string        `koanf:"backend_api_key"`
	BackendVerifyTLS    bool          `koanf:"backend_verify_tls"`
	BackendCACert       string        `koanf:"backend_ca_cert"`
	BackendHTTPTimeout  time.Duration `koanf:"backend_http_timeout"`
	BackendAPIDebug     bool          `koanf:"backend_api_debug"`
	SessionReauthMinGap time.Duration `koanf:"session_reauth_min_gap"`

	// Realtime transport
	RealtimeURL               string        `koanf:"realtime_url"`
	RealtimeReconnectBase     time.Duration `koanf:"realtime_reconnect_base"`
	RealtimeReconnectMax      time.Duration `koanf:"realtime_reconnect_max"`
	RealtimeMaxAttempts       int           `koanf:"realtime_max_attempts"`
	RealtimeHeartbeatInterval time.Duration `koanf:"realtime_heartbeat_interval"`
	RealtimeQueueSize         int           `koanf:"realtime_queue_size"`
	RealtimeQueueMaxAge       time.Duration `koanf:"realtime_queue_max_age"`
	RealtimeDialTimeout       time.Duration `koanf:"realtime_dial_timeout"`

	// Security policy
	SessionTTL             time.Duration `koanf:"session_ttl"`
	RateWindow             time.Duration `koanf:"rate_window"`
	RateAdminPerMinute     int           `koanf:"rate_admin_per_minute"`
	RateManagerPerMinute   int           `koanf:"rate_manager_per_minute"`
	RateStaffPerMinute     int           `koanf:"rate_staff_per_minute"`
	RateViewerPerMinute    int           `koanf:"rate_viewer_per_minute"`
	RateBulkPerMinute      int           `koanf:"rate_bulk_per_minute"`
	RateCleanupPerMinute   int           `koanf:"rate_cleanup_per_minute"`
	OffHoursEnabled        bool          `koanf:"off_hours_enabled"`
	OffHoursStart          int           `koanf:"off_hours_start"`
	OffHoursEnd            int           `koanf:"off_hours_end"`
	Timezone               string        `koanf:"timezone"`
	ActivityLogSize        int           `koanf:"activity_log_size"`
	AnomalyRateLimitHits   int           `koanf:"anomaly_rate_limit_hits"`
	AnomalyRateLimitWindow time.Duration `koanf:"anomaly_rate_limit_window"`
	AnomalyBurstAttempts   int           `koanf:"anomaly_burst_attempts"`
	AnomalyBurstWindow     time.Duration `koanf:"anomaly_burst_window"`

	// Verification
	VerificationTimeout time.Duration `koanf:"verification_timeout"`
	TokenTTL            time.Duration `koanf:"token_ttl"`
	RequireBiometric    bool          `koanf:"require_biometric"`
	PasswordHash        string        `koanf:"password_hash"` // bcrypt; empty means ask the backend

	// Progress analytics
	ProgressCapacity       int           `koanf:"progress_capacity"`
	ProgressSampleInterval time.Duration `koanf:"progress_sample_interval"`

	// Audit delivery worker pool
	AuditRemoteEnabled bool          `koanf:"audit_remote_enabled"`
	PoolWorkers        int           `koanf:"pool_workers"`
	PoolQueueDepth     int           `koanf:"pool_queue_depth"`
	PoolMaxRetries     int           `koanf:"pool_max_retries"`
	PoolRetryBase      time.Duration `koanf:"pool_retry_base"`

	// Storage and retention
	DataDir            string        `koanf:"data_dir"`
	AuditRetention     time.Duration `koanf:"audit_retention"`
	CacheRetention     time.Duration `koanf:"cache_retention"`
	OperationRetention time.Duration `koanf:"operation_retention"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// Location resolves Timezone; empty means the process local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// sanitise removes a single layer of matching surrounding quotes from string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.BackendURL, &c.BackendUsername, &c.BackendPassword, &c.BackendAPIKey, &c.BackendCACert,
		&c.RealtimeURL, &c.Timezone, &c.PasswordHash, &c.DataDir,
		&c.LogLevel, &c.LogFormat, &c.MetricsAddr, &c.HealthAddr,
	} {
		*p = stripEnvQuotes(*p)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"backend_verify_tls":          true,
		"backend_http_timeout":        "15s",
		"session_reauth_min_gap":      "5s",
		"realtime_reconnect_base":     "1s",
		"realtime_reconnect_max":      "30s",
		"realtime_max_attempts":       10,
		"realtime_heartbeat_interval": "30s",
		"realtime_queue_size":         100,
		"realtime_queue_max_age":      "60s",
		"realtime_dial_timeout":       "10s",
		"session_ttl":                 "30m",
		"rate_window":                 "1m",
		"rate_admin_per_minute":       20,
		"rate_manager_per_minute":     10,
		"rate_staff_per_minute":       5,
		"rate_viewer_per_minute":      0,
		"rate_bulk_per_minute":        2,
		"rate_cleanup_per_minute":     1,
		"off_hours_enabled":           true,
		"off_hours_start":             22,
		"off_hours_end":               6,
		"timezone":                    "Local",
		"activity_log_size":           100,
		"anomaly_rate_limit_hits":     3,
		"anomaly_rate_limit_window":   "5m",
		"anomaly_burst_attempts":      10,
		"anomaly_burst_window":        "10s",
		"verification_timeout":        "300s",
		"token_ttl":                   "5m",
		"require_biometric":           false,
		"progress_capacity":           50,
		"progress_sample_interval":    "2s",
		"audit_remote_enabled":        true,
		"pool_workers":                2,
		"pool_queue_depth":            1024,
		"pool_max_retries":            3,
		"pool_retry_base":             "1s",
		"data_dir":                    "/data",
		"audit_retention":             "720h",
		"cache_retention":             "24h",
		"operation_retention":         "168h",
		"log_level":                   "info",
		"log_format":                  "json",
		"metrics_enabled":             true,
		"metrics_addr":                ":9090",
		"health_addr":                 ":8081",
		"janitor_interval":            "10m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// RegisterFlags adds the command-line overrides Load understands. Flag
// names use dashes; they map onto keys with underscores.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("backend-url", "", "deletion backend base URL")
	fs.String("realtime-url", "", "realtime progress websocket URL")
	fs.String("data-dir", "", "directory for the local bbolt database")
	fs.String("log-level", "", "log level (trace|debug|info|warn|error)")
	fs.String("log-format", "", "log format (json|text)")
	fs.String("metrics-addr", "", "Prometheus listen address")
	fs.String("health-addr", "", "health endpoint listen address")
	fs.Bool("require-biometric", false, "require the biometric step for cascade deletions")
}

// Load layers defaults, the optional YAML file at path, CASCADE_* environment
// variables, _FILE secrets and finally any flags explicitly set in fs.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	// Keys are flat, so "." never appears in them and "_" is not a delimiter.
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" && fs != nil {
		if f := fs.Lookup("config"); f != nil {
			path = f.Value.String()
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if f.Name == "config" || !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if err := validateURL("BACKEND_URL", c.BackendURL, "http", "https"); err != nil {
		return err
	}
	if c.BackendAPIKey == "" && (c.BackendUsername == "" || c.BackendPassword == "") {
		return fmt.Errorf("either BACKEND_API_KEY or both BACKEND_USERNAME and BACKEND_PASSWORD are required")
	}
	if c.RealtimeURL != "" {
		if err := validateURL("REALTIME_URL", c.RealtimeURL, "ws", "wss"); err != nil {
			return err
		}
	}

	if c.RealtimeMaxAttempts < 1 {
		return fmt.Errorf("REALTIME_MAX_ATTEMPTS must be >= 1; got %d", c.RealtimeMaxAttempts)
	}
	if c.RealtimeReconnectBase <= 0 || c.RealtimeReconnectMax < c.RealtimeReconnectBase {
		return fmt.Errorf("REALTIME_RECONNECT_MAX (%s) must be >= REALTIME_RECONNECT_BASE (%s) > 0",
			c.RealtimeReconnectMax, c.RealtimeReconnectBase)
	}
	if c.RealtimeQueueSize < 1 {
		return fmt.Errorf("REALTIME_QUEUE_SIZE must be >= 1; got %d", c.RealtimeQueueSize)
	}

	for _, pair := range []struct {
		name string
		v    int
	}{
		{"RATE_ADMIN_PER_MINUTE", c.RateAdminPerMinute},
		{"RATE_MANAGER_PER_MINUTE", c.RateManagerPerMinute},
		{"RATE_STAFF_PER_MINUTE", c.RateStaffPerMinute},
		{"RATE_VIEWER_PER_MINUTE", c.RateViewerPerMinute},
		{"RATE_BULK_PER_MINUTE", c.RateBulkPerMinute},
		{"RATE_CLEANUP_PER_MINUTE", c.RateCleanupPerMinute},
	} {
		if pair.v < 0 {
			return fmt.Errorf("%s must be >= 0; got %d", pair.name, pair.v)
		}
	}

	if c.OffHoursStart < 0 || c.OffHoursStart > 23 || c.OffHoursEnd < 0 || c.OffHoursEnd > 23 {
		return fmt.Errorf("OFF_HOURS_START and OFF_HOURS_END must be 0–23; got %d and %d", c.OffHoursStart, c.OffHoursEnd)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}

	if c.VerificationTimeout <= 0 {
		return fmt.Errorf("VERIFICATION_TIMEOUT must be > 0; got %s", c.VerificationTimeout)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be > 0; got %s", c.TokenTTL)
	}
	if c.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.PasswordHash)); err != nil {
			return fmt.Errorf("PASSWORD_HASH is not a bcrypt hash: %w", err)
		}
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL; got %q", name, strings.Join(schemes, " or "), raw)
}

// fileSecretKeys may be supplied as KEY_FILE pointing at a mounted secret.
var fileSecretKeys = []string{
	"backend_username",
	"backend_password",
	"backend_api_key",
	"password_hash",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		filePath := k.String(key + "_file")
		if filePath == "" {
			filePath = os.Getenv(EnvPrefix + strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
