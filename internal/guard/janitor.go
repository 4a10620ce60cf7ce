package guard

import (
	"context"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/developingchet/cascade-guard/internal/metrics"
	"github.com/developingchet/cascade-guard/internal/optimistic"
	"github.com/developingchet/cascade-guard/internal/storage"
	"github.com/developingchet/cascade-guard/internal/verification"
	"github.com/rs/zerolog"
)

// Retention windows applied by the janitor. Zero disables that prune.
type Retention struct {
	Audit      time.Duration
	Cache      time.Duration
	Operations time.Duration // finished operation records and settled optimistic updates
}

// Janitor performs periodic housekeeping: expired tokens, settled cache
// updates, old journal entries and gauges.
type Janitor struct {
	store     storage.Store
	tokens    *verification.TokenStore
	engine    *optimistic.Engine
	shipper   *audit.Shipper
	clock     clock.Clock
	interval  time.Duration
	retention Retention
	log       zerolog.Logger
}

// NewJanitor creates a Janitor. store and shipper may be nil.
func NewJanitor(store storage.Store, tokens *verification.TokenStore, engine *optimistic.Engine,
	shipper *audit.Shipper, clk clock.Clock, interval time.Duration, retention Retention, log zerolog.Logger) *Janitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Janitor{
		store:     store,
		tokens:    tokens,
		engine:    engine,
		shipper:   shipper,
		clock:     clk,
		interval:  interval,
		retention: retention,
		log:       log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	now := j.clock.Now()

	if j.tokens != nil {
		if n := j.tokens.Prune(now); n > 0 {
			j.log.Debug().Int("count", n).Msg("janitor: pruned expired verification tokens")
		}
	}

	if j.engine != nil && j.retention.Operations > 0 {
		if n := j.engine.Prune(now.Add(-j.retention.Operations)); n > 0 {
			j.log.Debug().Int("count", n).Msg("janitor: pruned settled optimistic updates")
		}
	}

	if j.store != nil {
		j.prune("audit entries", j.retention.Audit, now, j.store.PruneAudit)
		j.prune("cache entries", j.retention.Cache, now, j.store.PruneCache)
		j.prune("operation records", j.retention.Operations, now, j.store.PruneOperations)

		size, err := j.store.SizeBytes()
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: read db size failed")
		} else {
			metrics.DBSizeBytes.Set(float64(size))
		}
	}

	if j.shipper != nil {
		metrics.WorkerQueueDepth.Set(float64(j.shipper.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}

func (j *Janitor) prune(what string, keep time.Duration, now time.Time, fn func(time.Time) (int, error)) {
	if keep <= 0 {
		return
	}
	n, err := fn(now.Add(-keep))
	if err != nil {
		j.log.Warn().Err(err).Msgf("janitor: prune %s failed", what)
		return
	}
	if n > 0 {
		j.log.Info().Int("count", n).Msgf("janitor: pruned %s", what)
	}
}
