package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"hookrelay/internal/platform/config"
)

func TestDefaultPolicyDelays(t *testing.T) {
	p := DefaultRetryPolicy()

	var delays []time.Duration
	for attempts := 1; p.ShouldRetry(attempts); attempts++ {
		delays = append(delays, p.Delay(attempts))
	}

	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, delays)
	assert.False(t, p.ShouldRetry(3))
}

func TestPolicyWithFourAttemptsUsesFullSchedule(t *testing.T) {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 4

	var delays []time.Duration
	for attempts := 1; p.ShouldRetry(attempts); attempts++ {
		delays = append(delays, p.Delay(attempts))
	}

	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}, delays)
}

func TestDelayClampsToLastEntry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, Backoff: []time.Duration{time.Second, 2 * time.Second}}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(9))
	assert.Equal(t, time.Duration(0), RetryPolicy{MaxAttempts: 1}.Delay(1))
}

func TestConfigOptions(t *testing.T) {
	opts, err := ConfigOptions(config.WebhooksConfig{
		WorkerCount:             2,
		MaxAttempts:             5,
		RetryBackoff:            "2s,30s",
		BatchSize:               10,
		PollInterval:            250 * time.Millisecond,
		PerWorkspaceConcurrency: 3,
		PerWebhookRate:          4,
		PerWebhookBurst:         8,
	})
	require.NoError(t, err)

	w := &Worker{leaseDuration: 30 * time.Second}
	for _, opt := range opts {
		opt(w)
	}
	assert.Equal(t, RetryPolicy{MaxAttempts: 5, Backoff: []time.Duration{2 * time.Second, 30 * time.Second}}, w.policy)
	assert.Equal(t, 2, w.concurrency)
	assert.Equal(t, 10, w.batchSize)
	assert.Equal(t, 250*time.Millisecond, w.pollInterval)
	assert.Equal(t, 30*time.Second, w.leaseDuration)
	assert.Equal(t, 3, w.perWorkspace)
	assert.Equal(t, rate.Limit(4), w.webhookRate)
	assert.Equal(t, 8, w.webhookBurst)

	_, err = ConfigOptions(config.WebhooksConfig{RetryBackoff: "soon"})
	assert.Error(t, err)
}
