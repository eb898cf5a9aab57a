// Package workers runs the periodic maintenance jobs of the delivery system.
package workers

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hookrelay/internal/engine/secrets"
)

const jobTimeout = 10 * time.Minute

type SecretCleaner interface {
	CleanupExpired(ctx context.Context) (*secrets.CleanupResult, error)
}

type AuditPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sweeper interface {
	Sweep()
}

type Schedules struct {
	SecretCleanup string
	AuditPurge    string
	// AuditRetention of zero keeps audit entries forever.
	AuditRetention time.Duration
	LimiterSweep   string
}

// Scheduler owns the cron instance. Jobs are exported so they can also be run
// on demand.
type Scheduler struct {
	cron      *cron.Cron
	schedules Schedules
	secrets   SecretCleaner
	audit     AuditPurger
	limiters  []Sweeper
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLimiters registers in-memory rate limiters whose idle buckets are swept.
func WithLimiters(l ...Sweeper) Option {
	return func(s *Scheduler) { s.limiters = append(s.limiters, l...) }
}

func NewScheduler(schedules Schedules, secretCleaner SecretCleaner, auditPurger AuditPurger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		schedules: schedules,
		secrets:   secretCleaner,
		audit:     auditPurger,
		logger:    log.Logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	return s
}

// SetupJobs registers every job with a non-empty schedule.
func (s *Scheduler) SetupJobs() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"secret_cleanup", s.schedules.SecretCleanup, s.CleanupSecrets},
		{"audit_purge", s.schedules.AuditPurge, s.PurgeAuditLogs},
		{"limiter_sweep", s.schedules.LimiterSweep, s.SweepLimiters},
	}

	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := job.run(ctx); err != nil {
				s.logger.Error().Err(err).Str("job", job.name).Msg("scheduled job failed")
			}
		}); err != nil {
			return err
		}
		s.logger.Info().Str("job", job.name).Str("schedule", job.schedule).Msg("job scheduled")
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// CleanupSecrets deactivates rotated secrets whose grace period has ended.
// Per-secret failures are logged and do not fail the job.
func (s *Scheduler) CleanupSecrets(ctx context.Context) error {
	res, err := s.secrets.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	for _, e := range res.Errors {
		s.logger.Warn().Err(e).Msg("secret cleanup error")
	}
	if res.Cleaned > 0 {
		s.logger.Info().Int("cleaned", res.Cleaned).Msg("expired secrets cleaned")
	}
	return nil
}

func (s *Scheduler) PurgeAuditLogs(ctx context.Context) error {
	if s.schedules.AuditRetention <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.schedules.AuditRetention)
	n, err := s.audit.PurgeBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	s.logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("audit log retention applied")
	return nil
}

func (s *Scheduler) SweepLimiters(context.Context) error {
	for _, l := range s.limiters {
		l.Sweep()
	}
	return nil
}
