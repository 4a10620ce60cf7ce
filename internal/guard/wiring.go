package guard

import (
	"context"
	"fmt"
	"net/http"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/backend"
	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/developingchet/cascade-guard/internal/config"
	"github.com/developingchet/cascade-guard/internal/optimistic"
	"github.com/developingchet/cascade-guard/internal/pool"
	"github.com/developingchet/cascade-guard/internal/progress"
	"github.com/developingchet/cascade-guard/internal/realtime"
	"github.com/developingchet/cascade-guard/internal/security"
	"github.com/developingchet/cascade-guard/internal/storage"
	"github.com/developingchet/cascade-guard/internal/verification"
	"github.com/rs/zerolog"
)

// SecurityConfig maps configuration onto the policy store settings.
func SecurityConfig(cfg *config.Config) (security.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return security.Config{}, err
	}
	return security.Config{
		SessionTTL: cfg.SessionTTL,
		RateWindow: cfg.RateWindow,
		RolePerMinute: map[security.Role]int{
			security.RoleAdmin:   cfg.RateAdminPerMinute,
			security.RoleManager: cfg.RateManagerPerMinute,
			security.RoleStaff:   cfg.RateStaffPerMinute,
			security.RoleViewer:  cfg.RateViewerPerMinute,
		},
		BulkPerMinute:          cfg.RateBulkPerMinute,
		CleanupPerMinute:       cfg.RateCleanupPerMinute,
		OffHoursEnabled:        cfg.OffHoursEnabled,
		OffHoursStart:          cfg.OffHoursStart,
		OffHoursEnd:            cfg.OffHoursEnd,
		Location:               loc,
		ActivityLogSize:        cfg.ActivityLogSize,
		AnomalyRateLimitHits:   cfg.AnomalyRateLimitHits,
		AnomalyRateLimitWindow: cfg.AnomalyRateLimitWindow,
		AnomalyBurstAttempts:   cfg.AnomalyBurstAttempts,
		AnomalyBurstWindow:     cfg.AnomalyBurstWindow,
	}, nil
}

// RealtimeConfig maps configuration onto the transport settings.
func RealtimeConfig(cfg *config.Config) realtime.Config {
	return realtime.Config{
		ReconnectBase:     cfg.RealtimeReconnectBase,
		ReconnectMax:      cfg.RealtimeReconnectMax,
		MaxAttempts:       cfg.RealtimeMaxAttempts,
		HeartbeatInterval: cfg.RealtimeHeartbeatInterval,
		QueueSize:         cfg.RealtimeQueueSize,
		QueueMaxAge:       cfg.RealtimeQueueMaxAge,
		DialTimeout:       cfg.RealtimeDialTimeout,
	}
}

// PoolConfig maps configuration onto the audit delivery pool.
func PoolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}
}

// BackendConfig maps configuration onto the HTTP client settings.
func BackendConfig(cfg *config.Config) backend.ClientConfig {
	return backend.ClientConfig{
		BaseURL:      cfg.BackendURL,
		Username:     cfg.BackendUsername,
		Password:     cfg.BackendPassword,
		APIKey:       cfg.BackendAPIKey,
		VerifyTLS:    cfg.BackendVerifyTLS,
		CACertPath:   cfg.BackendCACert,
		Timeout:      cfg.BackendHTTPTimeout,
		Debug:        cfg.BackendAPIDebug,
		ReauthMinGap: cfg.SessionReauthMinGap,
	}
}

// RetentionConfig maps configuration onto janitor retention windows.
func RetentionConfig(cfg *config.Config) Retention {
	return Retention{
		Audit:      cfg.AuditRetention,
		Cache:      cfg.CacheRetention,
		Operations: cfg.OperationRetention,
	}
}

// Build opens local storage, logs in to the backend and assembles a Service
// from cfg. scanner may be nil when no biometric device is available.
func Build(ctx context.Context, cfg *config.Config, scanner verification.BiometricScanner, log zerolog.Logger) (*Service, error) {
	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	api, err := backend.NewClient(ctx, BackendConfig(cfg), log.With().Str("component", "backend").Logger())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc, err := Assemble(cfg, Components{API: api, Store: store, Biometrics: scanner, Clock: clock.Real()}, log)
	if err != nil {
		_ = api.Close()
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

// Components are the externally constructed parts of a Service. Dialer
// defaults to a WebSocketDialer for cfg.RealtimeURL.
type Components struct {
	API        backend.API
	Store      storage.Store
	Dialer     realtime.Dialer
	Biometrics verification.BiometricScanner
	Clock      clock.Clock
}

// Assemble builds the policy, verification, cache and transport layers on
// top of parts.
func Assemble(cfg *config.Config, parts Components, log zerolog.Logger) (*Service, error) {
	clk := parts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	sinks := audit.Multi{
		audit.LogSink{Log: log.With().Str("component", "audit").Logger()},
		audit.JournalSink{Journal: parts.Store, Log: log},
	}
	var shipper *audit.Shipper
	if cfg.AuditRemoteEnabled {
		s, err := audit.NewShipper(parts.API, PoolConfig(cfg), log.With().Str("component", "audit_shipper").Logger())
		if err != nil {
			return nil, err
		}
		shipper = s
		sinks = append(sinks, shipper)
	}

	secCfg, err := SecurityConfig(cfg)
	if err != nil {
		return nil, err
	}
	policy := security.New(secCfg, sessionSource{api: parts.API}, sinks, clk, log.With().Str("component", "policy").Logger())
	tokens := verification.NewTokenStore(cfg.TokenTTL, clk)
	engine := optimistic.NewEngine(storage.BoltCache{Store: parts.Store},
		noticeLog{log: log.With().Str("component", "cache").Logger()}, clk, log)
	tracker := progress.NewTracker(cfg.ProgressCapacity, cfg.ProgressSampleInterval, clk, log)

	var transport *realtime.Client
	dialer := parts.Dialer
	if dialer == nil && cfg.RealtimeURL != "" {
		ws := realtime.WebSocketDialer{URL: cfg.RealtimeURL}
		if cfg.BackendAPIKey != "" {
			ws.Header = http.Header{"X-API-Key": []string{cfg.BackendAPIKey}}
		}
		dialer = ws
	}
	if dialer != nil {
		transport = realtime.NewClient(RealtimeConfig(cfg), dialer, clk, log.With().Str("component", "realtime").Logger())
	}

	var passwords verification.PasswordVerifier = parts.API
	if cfg.PasswordHash != "" {
		passwords = verification.BcryptVerifier{Default: []byte(cfg.PasswordHash)}
	}

	coord, err := New(Deps{
		API:        parts.API,
		Policy:     policy,
		Tokens:     tokens,
		Engine:     engine,
		Tracker:    tracker,
		Transport:  transport,
		Store:      parts.Store,
		Passwords:  passwords,
		Biometrics: parts.Biometrics,
		Sink:       sinks,
		Clock:      clk,
		Log:        log,
	}, Options{
		VerificationTimeout: cfg.VerificationTimeout,
		RequireBiometric:    cfg.RequireBiometric,
	})
	if err != nil {
		return nil, err
	}

	janitor := NewJanitor(parts.Store, tokens, engine, shipper, clk, cfg.JanitorInterval,
		RetentionConfig(cfg), log.With().Str("component", "janitor").Logger())

	return &Service{
		Coordinator: coord,
		serve: ServeConfig{
			MetricsEnabled: cfg.MetricsEnabled,
			MetricsAddr:    cfg.MetricsAddr,
			HealthAddr:     cfg.HealthAddr,
		},
		api:     parts.API,
		store:   parts.Store,
		shipper: shipper,
		janitor: janitor,
		log:     log,
	}, nil
}
