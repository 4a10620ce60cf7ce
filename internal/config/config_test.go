package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
)

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(EnvPrefix+key, val)
}

func minimalEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "BACKEND_URL", "https://school.example")
	setEnv(t, "BACKEND_API_KEY", "key")
	setEnv(t, "DATA_DIR", t.TempDir())
}

func TestLoadMissingRequired(t *testing.T) {
	os.Unsetenv(EnvPrefix + "BACKEND_URL")
	os.Unsetenv(EnvPrefix + "BACKEND_API_KEY")

	_, err := Load("", nil)
	if err == nil {
		t.Error("expected error when BACKEND_URL missing")
	}
}

func TestLoadMinimalValid(t *testing.T) {
	minimalEnv(t)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendURL != "https://school.example" {
		t.Errorf("BackendURL: got %q", cfg.BackendURL)
	}
	if cfg.BackendAPIKey != "key" {
		t.Errorf("BackendAPIKey: got %q", cfg.BackendAPIKey)
	}
}

func TestDefaults(t *testing.T) {
	minimalEnv(t)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"RealtimeReconnectBase", cfg.RealtimeReconnectBase, time.Second},
		{"RealtimeReconnectMax", cfg.RealtimeReconnectMax, 30 * time.Second},
		{"RealtimeMaxAttempts", cfg.RealtimeMaxAttempts, 10},
		{"RealtimeQueueSize", cfg.RealtimeQueueSize, 100},
		{"SessionTTL", cfg.SessionTTL, 30 * time.Minute},
		{"RateAdminPerMinute", cfg.RateAdminPerMinute, 20},
		{"RateViewerPerMinute", cfg.RateViewerPerMinute, 0},
		{"RateCleanupPerMinute", cfg.RateCleanupPerMinute, 1},
		{"OffHoursStart", cfg.OffHoursStart, 22},
		{"OffHoursEnd", cfg.OffHoursEnd, 6},
		{"VerificationTimeout", cfg.VerificationTimeout, 300 * time.Second},
		{"ProgressCapacity", cfg.ProgressCapacity, 50},
		{"BackendVerifyTLS", cfg.BackendVerifyTLS, true},
		{"LogFormat", cfg.LogFormat, "json"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestUsernamePasswordAccepted(t *testing.T) {
	setEnv(t, "BACKEND_URL", "https://school.example")
	setEnv(t, "BACKEND_USERNAME", "registrar")
	setEnv(t, "BACKEND_PASSWORD", "pw")

	if _, err := Load("", nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	setEnv(t, "BACKEND_URL", "https://school.example")
	setEnv(t, "BACKEND_USERNAME", "registrar")

	if _, err := Load("", nil); err == nil {
		t.Error("expected error when only a username is given")
	}
}

func TestFileSecretInjection(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "api_key.txt")
	if err := os.WriteFile(keyFile, []byte("  secret-from-file  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	setEnv(t, "BACKEND_URL", "https://school.example")
	setEnv(t, "BACKEND_API_KEY_FILE", keyFile)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.BackendAPIKey != "secret-from-file" {
		t.Errorf("expected trimmed file secret, got %q", cfg.BackendAPIKey)
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	setEnv(t, "BACKEND_URL", "https://school.example")
	setEnv(t, "BACKEND_API_KEY_FILE", "/nonexistent/secret")

	if _, err := Load("", nil); err == nil {
		t.Error("expected error for unreadable secret file")
	}
}

func TestYAMLFileLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	body := strings.Join([]string{
		"backend_url: https://yaml.example",
		"backend_api_key: from-yaml",
		"rate_staff_per_minute: 7",
		"realtime_url: wss://yaml.example/ws",
		"off_hours_enabled: false",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	// Environment beats the file.
	setEnv(t, "RATE_STAFF_PER_MINUTE", "9")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendURL != "https://yaml.example" || cfg.BackendAPIKey != "from-yaml" {
		t.Errorf("yaml values not applied: %q %q", cfg.BackendURL, cfg.BackendAPIKey)
	}
	if cfg.RateStaffPerMinute != 9 {
		t.Errorf("RateStaffPerMinute: got %d, want env override 9", cfg.RateStaffPerMinute)
	}
	if cfg.OffHoursEnabled {
		t.Error("OffHoursEnabled should be false from yaml")
	}
	if cfg.RealtimeURL != "wss://yaml.example/ws" {
		t.Errorf("RealtimeURL: %q", cfg.RealtimeURL)
	}
}

func TestMissingConfigFile(t *testing.T) {
	minimalEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	minimalEnv(t)
	setEnv(t, "LOG_LEVEL", "warn")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--log-level=debug", "--realtime-url=ws://localhost:9000/ws", "--require-biometric"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q, want flag value", cfg.LogLevel)
	}
	if cfg.RealtimeURL != "ws://localhost:9000/ws" {
		t.Errorf("RealtimeURL: %q", cfg.RealtimeURL)
	}
	if !cfg.RequireBiometric {
		t.Error("RequireBiometric flag not applied")
	}
}

func TestUnsetFlagsDoNotClobber(t *testing.T) {
	minimalEnv(t)
	setEnv(t, "LOG_FORMAT", "text")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat: got %q", cfg.LogFormat)
	}
}

func TestConfigFlagSelectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("backend_url: https://flag.example\nbackend_api_key: k\n"), 0600); err != nil {
		t.Fatal(err)
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", path}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendURL != "https://flag.example" {
		t.Errorf("BackendURL: %q", cfg.BackendURL)
	}
}

func TestValidationRejects(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"backend scheme", "BACKEND_URL", "ftp://school.example"},
		{"realtime scheme", "REALTIME_URL", "https://school.example/ws"},
		{"max attempts", "REALTIME_MAX_ATTEMPTS", "0"},
		{"reconnect max below base", "REALTIME_RECONNECT_MAX", "500ms"},
		{"negative rate", "RATE_STAFF_PER_MINUTE", "-1"},
		{"off hours range", "OFF_HOURS_START", "24"},
		{"timezone", "TIMEZONE", "Mars/Olympus"},
		{"log level", "LOG_LEVEL", "verbose"},
		{"log format", "LOG_FORMAT", "xml"},
		{"pool workers", "POOL_WORKERS", "0"},
		{"password hash", "PASSWORD_HASH", "plaintext"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			minimalEnv(t)
			setEnv(t, tc.key, tc.val)
			if _, err := Load("", nil); err == nil {
				t.Errorf("expected validation error for %s=%s", tc.key, tc.val)
			}
		})
	}
}

func TestPasswordHashAccepted(t *testing.T) {
	minimalEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	setEnv(t, "PASSWORD_HASH", string(hash))
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PasswordHash != string(hash) {
		t.Error("PasswordHash not loaded")
	}
}

func TestLocation(t *testing.T) {
	c := &Config{Timezone: "UTC"}
	loc, err := c.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("UTC: %v %v", loc, err)
	}
	c.Timezone = ""
	if loc, _ := c.Location(); loc != time.Local {
		t.Errorf("empty timezone should be Local, got %v", loc)
	}
}

func TestStripEnvQuotes(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{`"hello"`, "hello"},
		{`'hello'`, "hello"},
		{`"hello'`, `"hello'`},
		{`"`, `"`},
		{`""`, ""},
		{`plain`, "plain"},
	}
	for _, tc := range cases {
		if got := stripEnvQuotes(tc.input); got != tc.expected {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestQuotedEnvValuesSanitised(t *testing.T) {
	minimalEnv(t)
	setEnv(t, "BACKEND_URL", `"https://school.example"`)
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendURL != "https://school.example" {
		t.Errorf("BackendURL: %q", cfg.BackendURL)
	}
}
