package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/providers/inference"
)

// SweeperConfig tunes the reconciliation sweep.
type SweeperConfig struct {
	Interval      time.Duration
	BatchSize     int
	RatePerSecond float64
	// NotFoundLimit is how many consecutive "provider does not know this
	// job" answers we tolerate before failing the job with a synthetic
	// error and refunding.
	NotFoundLimit int
	// StaleAfter is the per-kind age of updated_at beyond which a
	// processing job is considered stuck. Training jobs legitimately run
	// far longer than generations.
	StaleAfter map[domain.JobKind]time.Duration
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 2
	}
	if c.NotFoundLimit <= 0 {
		c.NotFoundLimit = 3
	}
	if c.StaleAfter == nil {
		c.StaleAfter = map[domain.JobKind]time.Duration{}
	}
	for kind, fallback := range map[domain.JobKind]time.Duration{
		domain.JobKindGeneration: 2 * time.Minute,
		domain.JobKindTraining:   30 * time.Minute,
		domain.JobKindVideo:      10 * time.Minute,
	} {
		if c.StaleAfter[kind] <= 0 {
			c.StaleAfter[kind] = fallback
		}
	}
	return c
}

// Sweeper polls the provider for jobs whose webhooks never arrived and drives
// them through the same state machine the webhook path uses. It rate-limits
// itself against the provider so a large backlog does not trip their
// throttling.
type Sweeper struct {
	jobs     domain.JobRepository
	provider inference.Client
	engine   *Engine
	limiter  *rate.Limiter
	cfg      SweeperConfig
	logger   zerolog.Logger
}

// NewSweeper wires a Sweeper.
func NewSweeper(jobs domain.JobRepository, provider inference.Client, engine *Engine, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	cfg = cfg.withDefaults()
	return &Sweeper{
		jobs:     jobs,
		provider: provider,
		engine:   engine,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("sweeper: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweeper: sweep failed")
			} else if n > 0 {
				s.logger.Info().Int("jobs", n).Msg("sweeper: sweep reconciled jobs")
			}
		}
	}
}

// RunOnce performs a single sweep over all job kinds and returns how many
// jobs it attempted to reconcile. Per-job errors are logged and do not stop
// the batch; the next cycle retries.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for _, kind := range []domain.JobKind{domain.JobKindGeneration, domain.JobKindTraining, domain.JobKindVideo} {
		cutoff := time.Now().UTC().Add(-s.cfg.StaleAfter[kind])
		stale, err := s.jobs.ListStale(ctx, kind, cutoff, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("sweeper: list stale %s jobs: %w", kind, err)
		}
		for i := range stale {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			total++
			if _, err := s.SyncJob(ctx, &stale[i]); err != nil {
				s.logger.Warn().Err(err).Str("job_id", stale[i].ID).Msg("sweeper: sync failed, will retry next cycle")
			}
		}
	}
	return total, nil
}

// SyncJob queries the provider for one job's current state and applies it.
// Carries no event id: re-querying the provider is cheap and repeatable, and
// sticky terminal handling in the engine makes re-application harmless.
func (s *Sweeper) SyncJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job.Status.Terminal() {
		return job, nil
	}
	if job.ExternalJobID == "" {
		return job, fmt.Errorf("sweeper: job %s has no external id", job.ID)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	state, err := s.provider.GetJobStatus(ctx, job.ExternalJobID)
	if errors.Is(err, inference.ErrJobNotFound) {
		return s.handleNotFound(ctx, job)
	}
	if err != nil {
		// Transient provider trouble: leave the job alone, the next sweep
		// retries. Never a terminal transition.
		return nil, fmt.Errorf("sweeper: query provider for %s: %w", job.ID, err)
	}

	return s.engine.ApplyProviderUpdate(ctx, UpdateInput{
		JobID:          job.ID,
		ExternalJobID:  job.ExternalJobID,
		ProviderStatus: state.Status,
		OutputURLs:     state.OutputURLs,
		ErrorDetail:    state.Error,
	})
}

// handleNotFound counts consecutive provider misses. Past the limit the job
// is failed with a synthetic error so it cannot sit in processing forever,
// and the reserved credits flow back through the usual refund path.
func (s *Sweeper) handleNotFound(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	misses, err := s.jobs.IncrementSweepMiss(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("sweeper: record provider miss: %w", err)
	}
	if misses < s.cfg.NotFoundLimit {
		s.logger.Warn().Str("job_id", job.ID).Int("misses", misses).Msg("sweeper: provider does not recognize job yet")
		return job, nil
	}
	s.logger.Error().Str("job_id", job.ID).Int("misses", misses).Msg("sweeper: provider lost job, failing it")
	return s.engine.ApplyProviderUpdate(ctx, UpdateInput{
		JobID:          job.ID,
		ExternalJobID:  job.ExternalJobID,
		ProviderStatus: "failed",
		ErrorDetail:    "provider no longer recognizes this job",
	})
}
