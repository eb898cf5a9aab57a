package delivery

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/repositories"
)

// NewDelivery is a signed payload ready to queue for one webhook.
type NewDelivery struct {
	WebhookID   string
	WorkspaceID string
	EventType   string
	URL         string
	Payload     []byte
	Signature   string
	SecretID    string
}

// Queue persists deliveries. It never sends anything itself.
type Queue struct {
	repo    *repositories.DeliveryRepository
	policy  RetryPolicy
	now     func() time.Time
	lastSeq atomic.Int64
}

func NewQueue(repo *repositories.DeliveryRepository, policy RetryPolicy, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{repo: repo, policy: policy, now: now}
}

func (q *Queue) Enqueue(ctx context.Context, nd NewDelivery) (*models.Delivery, error) {
	d := q.build(nd)
	if err := q.repo.Insert(ctx, d); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to enqueue delivery")
	}
	return d, nil
}

func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, nd NewDelivery) (*models.Delivery, error) {
	d := q.build(nd)
	if err := q.repo.InsertTx(ctx, tx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (q *Queue) build(nd NewDelivery) *models.Delivery {
	now := q.now()
	due := now
	return &models.Delivery{
		ID:          "dlv_" + uuid.New().String(),
		Seq:         q.nextSeq(now),
		WebhookID:   nd.WebhookID,
		WorkspaceID: nd.WorkspaceID,
		EventType:   nd.EventType,
		URL:         nd.URL,
		Payload:     nd.Payload,
		Signature:   nd.Signature,
		SecretID:    nd.SecretID,
		Status:      models.DeliveryPending,
		MaxAttempts: q.policy.MaxAttempts,
		CreatedAt:   now,
		NextRetryAt: &due,
		UpdatedAt:   now,
	}
}

// nextSeq orders deliveries by enqueue time, strictly increasing within the process.
func (q *Queue) nextSeq(now time.Time) int64 {
	for {
		last := q.lastSeq.Load()
		next := now.UnixNano()
		if next <= last {
			next = last + 1
		}
		if q.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}
