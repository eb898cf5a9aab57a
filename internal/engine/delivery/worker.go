package delivery

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"hookrelay/internal/platform/audit"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/metrics"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/repositories"
)

// ErrConcurrencyConflict means another worker holds the delivery's lease.
var ErrConcurrencyConflict = repositories.ErrConcurrencyConflict

// Transport sends one delivery attempt.
type Transport interface {
	Send(ctx context.Context, d *models.Delivery) (*SendResult, error)
}

// Worker polls for due deliveries and attempts them. Several workers, in one
// process or many, may run against the same database: a row lease makes sure
// each attempt is made by exactly one of them.
type Worker struct {
	db        *database.DB
	repo      *repositories.DeliveryRepository
	transport Transport
	policy    RetryPolicy

	id            string
	batchSize     int
	pollInterval  time.Duration
	leaseDuration time.Duration
	concurrency   int
	perWorkspace  int
	webhookRate   rate.Limit
	webhookBurst  int

	audit          *audit.Logger
	recordFailures bool
	metrics        *metrics.Metrics
	logger         zerolog.Logger
	now            func() time.Time

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	workspaces map[string]*semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Worker)

func WithPolicy(p RetryPolicy) Option {
	return func(w *Worker) { w.policy = p }
}

func WithBatchSize(size int) Option {
	return func(w *Worker) { w.batchSize = size }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

func WithLeaseDuration(d time.Duration) Option {
	return func(w *Worker) { w.leaseDuration = d }
}

// WithConcurrency caps in-flight attempts per poll.
func WithConcurrency(n int) Option {
	return func(w *Worker) { w.concurrency = n }
}

// WithWorkspaceConcurrency caps in-flight attempts per workspace. Zero disables the cap.
func WithWorkspaceConcurrency(n int) Option {
	return func(w *Worker) { w.perWorkspace = n }
}

// WithWebhookRateLimit throttles attempts per webhook. A zero limit disables it.
func WithWebhookRateLimit(limit rate.Limit, burst int) Option {
	return func(w *Worker) {
		w.webhookRate = limit
		w.webhookBurst = burst
	}
}

// WithAuditLog records dead-lettered deliveries as delivery_failed entries when recordFailures is set.
func WithAuditLog(l *audit.Logger, recordFailures bool) Option {
	return func(w *Worker) {
		w.audit = l
		w.recordFailures = recordFailures
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithWorkerID sets the lease owner name. Defaults to hostname plus a random suffix.
func WithWorkerID(id string) Option {
	return func(w *Worker) { w.id = id }
}

func NewWorker(db *database.DB, transport Transport, opts ...Option) *Worker {
	host, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		db:            db,
		repo:          repositories.NewDeliveryRepository(db),
		transport:     transport,
		policy:        DefaultRetryPolicy(),
		id:            fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		batchSize:     100,
		pollInterval:  time.Second,
		leaseDuration: 30 * time.Second,
		concurrency:   8,
		logger:        log.Logger,
		now:           time.Now,
		limiters:      make(map[string]*rate.Limiter),
		workspaces:    make(map[string]*semaphore.Weighted),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "delivery_worker").Str("worker_id", w.id).Logger()

	return w
}

// Start begins the polling loop in a background goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("delivery worker started")
}

// Stop ends the loop and waits for in-flight attempts to be recorded.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.logger.Info().Msg("delivery worker stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			// A batch in progress finishes and records its outcomes even if Stop
			// is called meanwhile; each attempt is bounded by the sender timeout.
			if _, err := w.RunOnce(context.Background()); err != nil {
				w.logger.Error().Err(err).Msg("delivery poll failed")
			}
		}
	}
}

// RunOnce fetches one batch of due deliveries and attempts them, returning when
// every attempt has been recorded. It returns the number of attempts made.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	due, err := w.repo.FetchDue(ctx, w.now(), w.batchSize)
	if err != nil {
		return 0, err
	}

	var attempted int
	var countMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if w.concurrency > 0 {
		g.SetLimit(w.concurrency)
	}

	for _, d := range due {
		sem := w.workspaceSemaphore(d.WorkspaceID)
		if sem != nil && !sem.TryAcquire(1) {
			w.logger.Debug().Str("workspace_id", d.WorkspaceID).Msg("workspace at delivery capacity, deferring")
			continue
		}

		g.Go(func() error {
			if sem != nil {
				defer sem.Release(1)
			}
			if w.process(gctx, d) {
				countMu.Lock()
				attempted++
				countMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	w.metrics.ObservePoll(time.Since(start).Seconds(), len(due))
	return attempted, nil
}

// process runs one attempt and reports whether an attempt was made.
func (w *Worker) process(ctx context.Context, d *models.Delivery) bool {
	logger := w.logger.With().Str("delivery_id", d.ID).Str("webhook_id", d.WebhookID).Logger()

	if lim := w.webhookLimiter(d.WebhookID); lim != nil && !lim.AllowN(w.now(), 1) {
		w.metrics.IncRateLimited()
		logger.Debug().Msg("webhook rate limited, deferring")
		return false
	}

	now := w.now()
	if err := w.repo.Claim(ctx, d, w.id, now, now.Add(w.leaseDuration)); err != nil {
		if stderrors.Is(err, ErrConcurrencyConflict) {
			w.metrics.IncLeaseConflict()
			logger.Debug().Msg("delivery leased elsewhere, skipping")
			return false
		}
		logger.Error().Err(err).Msg("failed to claim delivery")
		return false
	}

	res, sendErr := w.transport.Send(ctx, d)
	if res != nil {
		w.metrics.ObserveDeliveryDuration(res.Duration.Seconds())
	}

	outcome := w.apply(d, res, sendErr)
	logger = logger.With().Int("attempt", d.Attempts).Str("outcome", outcome).Logger()

	var recorded bool
	var err error
	if d.Status == models.DeliveryDeadLettered && w.recordFailures && w.audit != nil {
		err = w.db.WithTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			recorded, txErr = w.repo.RecordOutcomeTx(ctx, tx, d, w.id)
			if txErr != nil || !recorded {
				return txErr
			}
			return w.audit.RecordTx(ctx, tx, audit.Entry{
				WorkspaceID: d.WorkspaceID,
				WebhookID:   d.WebhookID,
				Action:      models.AuditDeliveryFailed,
				ChangedBy:   "system",
				Changes: map[string]interface{}{
					"delivery_id":      d.ID,
					"event_type":       d.EventType,
					"attempts":         d.Attempts,
					"last_error":       d.LastError,
					"last_status_code": d.LastStatusCode,
				},
			})
		})
	} else {
		recorded, err = w.repo.RecordOutcome(ctx, d, w.id)
	}

	switch {
	case err != nil:
		// The lease expires on its own and the attempt will be retried.
		logger.Error().Err(err).Msg("failed to record delivery outcome")
	case !recorded:
		logger.Warn().Msg("delivery outcome discarded: lease lost or webhook deleted")
	default:
		w.metrics.IncOutcome(outcome)
		ev := logger.Info()
		if d.Status != models.DeliveryDelivered {
			ev = logger.Warn().Str("error", d.LastError)
		}
		ev.Msg("delivery attempt recorded")
	}
	return true
}

// apply folds an attempt result into d and returns the outcome label.
func (w *Worker) apply(d *models.Delivery, res *SendResult, sendErr error) string {
	finished := w.now()
	d.UpdatedAt = finished
	if res != nil {
		d.LastStatusCode = res.StatusCode
	}

	if sendErr == nil {
		d.Attempts++
		d.Status = models.DeliveryDelivered
		d.DeliveredAt = &finished
		d.NextRetryAt = nil
		d.LastError = ""
		return "delivered"
	}

	d.LastError = sendErr.Error()

	if stderrors.Is(sendErr, errUnsendable) {
		d.Status = models.DeliveryFailed
		d.NextRetryAt = nil
		return "failed"
	}

	d.Attempts++
	if w.policy.ShouldRetry(d.Attempts) {
		next := finished.Add(w.policy.Delay(d.Attempts))
		d.Status = models.DeliveryPending
		d.NextRetryAt = &next
		return "retry"
	}

	d.Status = models.DeliveryDeadLettered
	d.NextRetryAt = nil
	return "dead_lettered"
}

func (w *Worker) webhookLimiter(webhookID string) *rate.Limiter {
	if w.webhookRate <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	lim, ok := w.limiters[webhookID]
	if !ok {
		burst := w.webhookBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(w.webhookRate, burst)
		w.limiters[webhookID] = lim
	}
	return lim
}

func (w *Worker) workspaceSemaphore(workspaceID string) *semaphore.Weighted {
	if w.perWorkspace <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	sem, ok := w.workspaces[workspaceID]
	if !ok {
		sem = semaphore.NewWeighted(int64(w.perWorkspace))
		w.workspaces[workspaceID] = sem
	}
	return sem
}
