package delivery

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"hookrelay/internal/platform/audit"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/database/dbtest"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/repositories"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeTransport answers with the queued responses in order, then with the
// fallback. A nil error means 200.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	errs     []error
	fallback error
	before   func(d *models.Delivery)
	delay    time.Duration
}

func (f *fakeTransport) Send(ctx context.Context, d *models.Delivery) (*SendResult, error) {
	if f.before != nil {
		f.before(d)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d.ID)

	err := f.fallback
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err == nil {
		return &SendResult{StatusCode: http.StatusOK}, nil
	}
	var status int
	if de, ok := err.(*DeliveryError); ok {
		status = de.StatusCode
	}
	return &SendResult{StatusCode: status}, err
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var errServer = &DeliveryError{StatusCode: http.StatusInternalServerError}

type workerFixture struct {
	db    *database.DB
	clock *clock
	queue *Queue
	repo  *repositories.DeliveryRepository
	audit *audit.Logger
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	db := dbtest.New(t)
	c := newClock()
	repo := repositories.NewDeliveryRepository(db)
	return &workerFixture{
		db:    db,
		clock: c,
		queue: NewQueue(repo, DefaultRetryPolicy(), c.Now),
		repo:  repo,
		audit: audit.NewLogger(db),
	}
}

func (f *workerFixture) worker(transport Transport, opts ...Option) *Worker {
	base := []Option{
		WithClock(f.clock.Now),
		WithAuditLog(f.audit, true),
		WithWorkerID("worker-test"),
	}
	return NewWorker(f.db, transport, append(base, opts...)...)
}

func (f *workerFixture) webhook(t *testing.T, id, workspaceID string) {
	t.Helper()
	ctx := context.Background()
	repo := repositories.NewWebhookRepository(f.db)
	require.NoError(t, f.db.WithTx(ctx, func(tx *sql.Tx) error {
		return repo.CreateTx(ctx, tx, &models.Webhook{
			ID: id, WorkspaceID: workspaceID, Name: "sync", URL: "https://crm.example.com/" + id,
			Events: models.StringList{"contact.created"}, IsActive: true, CreatedBy: "user_1",
			CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
		})
	}))
}

func (f *workerFixture) enqueue(t *testing.T, webhookID, workspaceID string) *models.Delivery {
	t.Helper()
	d, err := f.queue.Enqueue(context.Background(), NewDelivery{
		WebhookID:   webhookID,
		WorkspaceID: workspaceID,
		EventType:   "contact.created",
		URL:         "https://crm.example.com/" + webhookID,
		Payload:     []byte(`{"event":"contact.created"}`),
		Signature:   "sha256=00",
		SecretID:    "whsec_1",
	})
	require.NoError(t, err)
	return d
}

func (f *workerFixture) get(t *testing.T, workspaceID, id string) *models.Delivery {
	t.Helper()
	d, err := f.repo.GetByID(context.Background(), workspaceID, id)
	require.NoError(t, err)
	return d
}

func TestWorkerDelivers(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	d := f.enqueue(t, "wh_1", "ws_a")

	n, err := f.worker(&fakeTransport{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.get(t, "ws_a", d.ID)
	assert.Equal(t, models.DeliveryDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, http.StatusOK, got.LastStatusCode)
	require.NotNil(t, got.DeliveredAt)
	assert.Nil(t, got.NextRetryAt)
	assert.Empty(t, got.LeaseOwner)
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	d := f.enqueue(t, "wh_1", "ws_a")

	transport := &fakeTransport{fallback: errServer}
	w := f.worker(transport)

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		got := f.get(t, "ws_a", d.ID)
		if got.Status != models.DeliveryPending {
			break
		}
		require.NotNil(t, got.NextRetryAt)
		delay := got.NextRetryAt.Sub(f.clock.Now())
		delays = append(delays, delay)

		// Nothing is attempted before the retry time.
		n, err = w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		f.clock.Advance(delay)
	}

	got := f.get(t, "ws_a", d.ID)
	assert.Equal(t, models.DeliveryDeadLettered, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "endpoint returned HTTP 500", got.LastError)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, delays)
	assert.Len(t, transport.Calls(), 3)

	f.clock.Advance(time.Hour)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := f.audit.List(ctx, "ws_a", audit.Filter{Action: models.AuditDeliveryFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, d.ID, entries[0].Changes["delivery_id"])
	assert.Equal(t, "system", entries[0].ChangedBy)
}

func TestWorkerWithFourAttemptsWaitsFullSchedule(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	d := f.enqueue(t, "wh_1", "ws_a")

	policy := DefaultRetryPolicy()
	policy.MaxAttempts = 4
	w := f.worker(&fakeTransport{fallback: errServer}, WithPolicy(policy))

	var delays []time.Duration
	for {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
		got := f.get(t, "ws_a", d.ID)
		if got.Status != models.DeliveryPending {
			assert.Equal(t, models.DeliveryDeadLettered, got.Status)
			assert.Equal(t, 4, got.Attempts)
			break
		}
		delay := got.NextRetryAt.Sub(f.clock.Now())
		delays = append(delays, delay)
		f.clock.Advance(delay)
	}

	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}, delays)
}

func TestWorkerSkipsAuditWhenFailuresNotRecorded(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	f.enqueue(t, "wh_1", "ws_a")

	w := f.worker(&fakeTransport{fallback: errServer},
		WithPolicy(RetryPolicy{MaxAttempts: 1}), WithAuditLog(f.audit, false))
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	entries, err := f.audit.List(ctx, "ws_a", audit.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorkerMarksUnsendableAsFailed(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	d, err := f.queue.Enqueue(ctx, NewDelivery{
		WebhookID: "wh_1", WorkspaceID: "ws_a", EventType: "contact.created",
		URL: "://missing-scheme", Payload: []byte(`{}`), Signature: "sha256=00", SecretID: "whsec_1",
	})
	require.NoError(t, err)

	_, err = f.worker(NewSender(time.Second, "")).RunOnce(ctx)
	require.NoError(t, err)

	got := f.get(t, "ws_a", d.ID)
	assert.Equal(t, models.DeliveryFailed, got.Status)
	assert.Zero(t, got.Attempts)
	assert.NotEmpty(t, got.LastError)
}

func TestWorkerKeepsFIFOPerWebhook(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	first := f.enqueue(t, "wh_1", "ws_a")
	second := f.enqueue(t, "wh_1", "ws_a")

	transport := &fakeTransport{errs: []error{errServer}}
	w := f.worker(transport)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The second delivery waits behind the first while it is retrying.
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{first.ID, first.ID, second.ID}, transport.Calls())
	assert.Equal(t, models.DeliveryDelivered, f.get(t, "ws_a", second.ID).Status)
}

func TestWorkersNeverAttemptTwice(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	f.webhook(t, "wh_2", "ws_a")
	f.enqueue(t, "wh_1", "ws_a")
	f.enqueue(t, "wh_2", "ws_a")

	transport := &fakeTransport{delay: 20 * time.Millisecond}
	a := f.worker(transport, WithWorkerID("worker-a"))
	b := f.worker(transport, WithWorkerID("worker-b"))

	var wg sync.WaitGroup
	for _, w := range []*Worker{a, b} {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			_, err := w.RunOnce(ctx)
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	assert.Len(t, transport.Calls(), 2)
	assert.ElementsMatch(t, transport.Calls(), uniq(transport.Calls()))
}

func TestWorkerSkipsDeliveryAttemptedSinceFetch(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	d := f.enqueue(t, "wh_1", "ws_a")

	transport := &fakeTransport{fallback: errServer}
	b := f.worker(transport, WithWorkerID("worker-b"))

	// Worker a reads the clock once to fetch and again to claim. Worker b
	// runs a whole poll in between.
	var reads int
	interleaved := func() time.Time {
		reads++
		if reads == 2 {
			_, err := b.RunOnce(ctx)
			assert.NoError(t, err)
		}
		return f.clock.Now()
	}
	a := f.worker(transport, WithWorkerID("worker-a"), WithClock(interleaved))

	n, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, reads, 2)

	assert.Equal(t, []string{d.ID}, transport.Calls())
	got := f.get(t, "ws_a", d.ID)
	assert.Equal(t, models.DeliveryPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(f.clock.Now().Add(time.Second)))
	assert.Empty(t, got.LeaseOwner)
}

func uniq(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func TestWorkerSkipsLeasedDelivery(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	d := f.enqueue(t, "wh_1", "ws_a")

	now := f.clock.Now()
	require.NoError(t, f.repo.Claim(ctx, d, "other", now, now.Add(30*time.Second)))

	transport := &fakeTransport{}
	w := f.worker(transport)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, transport.Calls())

	// The lease goes stale and the delivery is picked up again.
	f.clock.Advance(31 * time.Second)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorkerWebhookRateLimit(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	f.enqueue(t, "wh_1", "ws_a")
	f.enqueue(t, "wh_1", "ws_a")

	w := f.worker(&fakeTransport{}, WithWebhookRateLimit(rate.Every(time.Minute), 1))

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Minute)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorkerWorkspaceConcurrencyCap(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	for _, id := range []string{"wh_1", "wh_2", "wh_3"} {
		f.webhook(t, id, "ws_a")
		f.enqueue(t, id, "ws_a")
	}
	f.webhook(t, "wh_4", "ws_b")
	f.enqueue(t, "wh_4", "ws_b")

	transport := &fakeTransport{delay: 100 * time.Millisecond}
	w := f.worker(transport, WithWorkspaceConcurrency(1))

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeactivatedWebhookDrains(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	d := f.enqueue(t, "wh_1", "ws_a")

	_, err := f.db.Exec(`UPDATE webhooks SET is_active = 0 WHERE id = ?`, "wh_1")
	require.NoError(t, err)

	_, err = f.worker(&fakeTransport{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, f.get(t, "ws_a", d.ID).Status)
}

func TestOutcomeDiscardedWhenWebhookDeletedInFlight(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.webhook(t, "wh_1", "ws_a")
	f.enqueue(t, "wh_1", "ws_a")

	transport := &fakeTransport{
		fallback: errServer,
		before: func(d *models.Delivery) {
			_, err := f.db.Exec(`DELETE FROM webhooks WHERE id = ?`, d.WebhookID)
			assert.NoError(t, err)
		},
	}
	n, err := f.worker(transport, WithPolicy(RetryPolicy{MaxAttempts: 1})).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var count int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM webhook_deliveries`).Scan(&count))
	assert.Zero(t, count)

	entries, err := f.audit.List(ctx, "ws_a", audit.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorkerStartStop(t *testing.T) {
	f := newWorkerFixture(t)
	f.webhook(t, "wh_1", "ws_a")
	d := f.enqueue(t, "wh_1", "ws_a")

	w := f.worker(&fakeTransport{}, WithPollInterval(10*time.Millisecond))
	w.Start()
	require.Eventually(t, func() bool {
		got, err := f.repo.GetByID(context.Background(), "ws_a", d.ID)
		return err == nil && got.Status == models.DeliveryDelivered
	}, 2*time.Second, 10*time.Millisecond)
	w.Stop()
}

func TestQueueSeqIsStrictlyIncreasing(t *testing.T) {
	f := newWorkerFixture(t)
	f.webhook(t, "wh_1", "ws_a")

	var last int64
	for i := 0; i < 5; i++ {
		d := f.enqueue(t, "wh_1", "ws_a")
		assert.Greater(t, d.Seq, last)
		assert.Equal(t, models.DeliveryPending, d.Status)
		assert.Equal(t, f.clock.Now(), *d.NextRetryAt)
		last = d.Seq
	}
}
