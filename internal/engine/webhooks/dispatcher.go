package webhooks

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hookrelay/internal/engine/delivery"
	"hookrelay/internal/engine/signature"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/metrics"
	"hookrelay/internal/platform/models"
)

const defaultEmitTimeout = 5 * time.Second

type DispatchResult struct {
	EventID     string   `json:"event_id"`
	DeliveryIDs []string `json:"delivery_ids"`
}

// Dispatcher turns domain events into signed deliveries. It never sends
// anything itself; the delivery worker does.
type Dispatcher struct {
	db       *database.DB
	registry *Registry
	keys     delivery.SigningKeySource
	queue    *delivery.Queue

	emitTimeout time.Duration
	testEvents  bool
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	wg sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithEmitTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.emitTimeout = d }
}

// WithTestEvents enables or disables SendTest.
func WithTestEvents(enabled bool) DispatcherOption {
	return func(x *Dispatcher) { x.testEvents = enabled }
}

func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(x *Dispatcher) { x.metrics = m }
}

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(x *Dispatcher) { x.logger = l }
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(x *Dispatcher) { x.now = now }
}

func NewDispatcher(db *database.DB, registry *Registry, keys delivery.SigningKeySource, queue *delivery.Queue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		db:          db,
		registry:    registry,
		keys:        keys,
		queue:       queue,
		emitTimeout: defaultEmitTimeout,
		testEvents:  true,
		logger:      log.Logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "dispatcher").Logger()
	return d
}

type signedDelivery struct {
	webhook *models.Webhook
	payload []byte
	sig     string
	keyID   string
}

// Dispatch queues one delivery per active webhook in the workspace subscribed
// to eventType. A subscriber whose signing key cannot be loaded, or that is
// deleted or deactivated before its delivery is stored, is skipped; the
// deliveries for the others are stored together or not at all.
func (d *Dispatcher) Dispatch(ctx context.Context, workspaceID, eventType string, data interface{}) (*DispatchResult, error) {
	if workspaceID == "" {
		return nil, errors.Validation("invalid event", map[string]string{"workspace_id": "is required"})
	}
	if !IsSubscribable(eventType) {
		return nil, errors.Validation("invalid event", map[string]string{"event": "is not a supported event type"})
	}

	payload, err := BuildEnvelope(eventType, workspaceID, data, d.now())
	if err != nil {
		return nil, errors.Validation("invalid event", map[string]string{"data": err.Error()})
	}

	result := &DispatchResult{EventID: "evt_" + uuid.New().String(), DeliveryIDs: []string{}}
	logger := d.logger.With().Str("event_id", result.EventID).Str("event_type", eventType).Str("workspace_id", workspaceID).Logger()

	subs, err := d.registry.ListSubscribers(ctx, workspaceID, eventType)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		logger.Debug().Msg("no subscribers for event")
		return result, nil
	}

	// Keys are loaded before the transaction opens: the SQLite pool holds a
	// single connection.
	signed := make([]signedDelivery, 0, len(subs))
	for _, w := range subs {
		key, err := d.keys.SigningKey(ctx, w.ID)
		if err != nil {
			d.metrics.IncDispatchSkipped()
			logger.Error().Err(err).Str("webhook_id", w.ID).Msg("no signing key, subscriber skipped")
			continue
		}
		signed = append(signed, signedDelivery{
			webhook: w,
			payload: payload,
			sig:     signature.Sign(payload, key.Secret),
			keyID:   key.ID,
		})
	}

	var gone []string
	err = d.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, s := range signed {
			current, err := d.registry.webhooks.GetByIDTx(ctx, tx, workspaceID, s.webhook.ID)
			if errors.IsKind(err, errors.KindNotFound) || (err == nil && !current.IsActive) {
				gone = append(gone, s.webhook.ID)
				continue
			}
			if err != nil {
				return err
			}
			dl, err := d.queue.EnqueueTx(ctx, tx, delivery.NewDelivery{
				WebhookID:   current.ID,
				WorkspaceID: workspaceID,
				EventType:   eventType,
				URL:         current.URL,
				Payload:     s.payload,
				Signature:   s.sig,
				SecretID:    s.keyID,
			})
			if err != nil {
				return err
			}
			result.DeliveryIDs = append(result.DeliveryIDs, dl.ID)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to enqueue deliveries")
	}

	for _, id := range gone {
		d.metrics.IncDispatchSkipped()
		logger.Warn().Str("webhook_id", id).Msg("webhook removed or deactivated during dispatch, subscriber skipped")
	}
	for range result.DeliveryIDs {
		d.metrics.IncEnqueued(eventType)
	}
	logger.Info().Int("deliveries", len(result.DeliveryIDs)).Msg("event dispatched")
	return result, nil
}

// EmitDomainEvent dispatches in the background and never reports back. Errors
// and panics are logged.
func (d *Dispatcher) EmitDomainEvent(workspaceID, eventType string, data interface{}) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Str("event_type", eventType).Str("panic", fmt.Sprint(r)).Msg("panic while dispatching event")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.emitTimeout)
		defer cancel()

		if _, err := d.Dispatch(ctx, workspaceID, eventType, data); err != nil {
			d.logger.Error().Err(err).Str("event_type", eventType).Str("workspace_id", workspaceID).Msg("failed to dispatch event")
		}
	}()
}

// Wait blocks until every event handed to EmitDomainEvent has been dispatched.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// SendTest queues a webhook.test delivery to one webhook regardless of its
// subscriptions.
func (d *Dispatcher) SendTest(ctx context.Context, workspaceID, webhookID string) (*models.Delivery, error) {
	if !d.testEvents {
		return nil, errors.Forbidden("test events are disabled")
	}

	w, err := d.registry.Get(ctx, workspaceID, webhookID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, errors.Conflict("webhook is inactive")
	}

	key, err := d.keys.SigningKey(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	now := d.now()
	payload, err := BuildEnvelope(string(TestEvent), workspaceID, map[string]interface{}{
		"webhook_id": w.ID,
		"message":    "This is a test event",
		"sent_at":    now.UTC().Format(TimestampFormat),
	}, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to build test event")
	}

	dl, err := d.queue.Enqueue(ctx, delivery.NewDelivery{
		WebhookID:   w.ID,
		WorkspaceID: workspaceID,
		EventType:   string(TestEvent),
		URL:         w.URL,
		Payload:     payload,
		Signature:   signature.Sign(payload, key.Secret),
		SecretID:    key.ID,
	})
	if err != nil {
		return nil, err
	}

	d.metrics.IncEnqueued(string(TestEvent))
	d.logger.Info().Str("webhook_id", w.ID).Str("delivery_id", dl.ID).Msg("test event queued")
	return dl, nil
}
