package delivery

import (
	"time"

	"golang.org/x/time/rate"

	"hookrelay/internal/platform/config"
)

// RetryPolicy bounds attempts and spaces retries. Attempts are counted after
// they complete, so Delay(1) is the wait after the first failure.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
	}
}

// Delay returns the wait before the next attempt once attempts have failed.
// The last backoff entry repeats when attempts outnumber the list.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// PolicyFromConfig builds the retry policy shared by the queue and the worker.
func PolicyFromConfig(cfg config.WebhooksConfig) (RetryPolicy, error) {
	backoff, err := cfg.Backoff()
	if err != nil {
		return RetryPolicy{}, err
	}
	return RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: backoff}, nil
}

// ConfigOptions translates the webhooks config section into worker options.
func ConfigOptions(cfg config.WebhooksConfig) ([]Option, error) {
	policy, err := PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithPolicy(policy),
		WithWorkspaceConcurrency(cfg.PerWorkspaceConcurrency),
		WithWebhookRateLimit(rate.Limit(cfg.PerWebhookRate), cfg.PerWebhookBurst),
	}
	if cfg.BatchSize > 0 {
		opts = append(opts, WithBatchSize(cfg.BatchSize))
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, WithPollInterval(cfg.PollInterval))
	}
	if cfg.LeaseDuration > 0 {
		opts = append(opts, WithLeaseDuration(cfg.LeaseDuration))
	}
	if cfg.WorkerCount > 0 {
		opts = append(opts, WithConcurrency(cfg.WorkerCount))
	}
	return opts, nil
}
