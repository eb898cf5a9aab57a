package webhooks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/engine/secrets"
	"hookrelay/internal/engine/signature"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/repositories"
)

func TestDispatchEndToEndPerWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "ws_t1", "contact.created")
	w := created.Webhook

	res, err := f.dispatcher.Dispatch(ctx, "ws_t1", "contact.created", ContactData{ID: "c_1", FirstName: "Ada"})
	require.NoError(t, err)
	require.Len(t, res.DeliveryIDs, 1)
	assert.Regexp(t, `^evt_`, res.EventID)

	d, err := f.deliveries.GetByID(ctx, "ws_t1", res.DeliveryIDs[0])
	require.NoError(t, err)
	assert.Equal(t, w.ID, d.WebhookID)
	assert.Equal(t, models.DeliveryPending, d.Status)
	assert.Equal(t, w.URL, d.URL)
	assert.True(t, signature.Verify(d.Payload, d.Signature, created.Secret.RawSecret))
	assert.Equal(t, created.Secret.SecretID, d.SecretID)

	match, ok, err := f.secrets.Verify(ctx, "ws_t1", w.ID, d.Payload, d.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, match.InGracePeriod)

	// The same event in another workspace reaches nobody.
	res, err = f.dispatcher.Dispatch(ctx, "ws_t2", "contact.created", ContactData{ID: "c_2"})
	require.NoError(t, err)
	assert.Empty(t, res.DeliveryIDs)

	list, err := f.deliveries.List(ctx, "ws_t1", w.ID, repositories.DeliveryFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDispatchPayloadShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "ws_a", "transaction.status_changed")

	res, err := f.dispatcher.Dispatch(ctx, "ws_a", "transaction.status_changed",
		json.RawMessage(`{"status":"closed","id":"tx_1","previous_status":"pending"}`))
	require.NoError(t, err)
	require.Len(t, res.DeliveryIDs, 1)

	d, err := f.deliveries.GetByID(ctx, "ws_a", res.DeliveryIDs[0])
	require.NoError(t, err)
	assert.Equal(t,
		`{"event":"transaction.status_changed","data":{"id":"tx_1","previous_status":"pending","status":"closed"},"timestamp":"2026-03-01T12:00:00.000Z","workspace_id":"ws_a"}`,
		string(d.Payload))
}

func TestDispatchOnlyMatchesSubscribedActiveWebhooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subscribed := f.create(t, "ws_a", "contact.created", "contact.updated").Webhook
	f.create(t, "ws_a", "property.created")
	inactive := f.create(t, "ws_a", "contact.created").Webhook
	_, err := f.registry.SetActive(ctx, "ws_a", inactive.ID, false, "user_1")
	require.NoError(t, err)

	res, err := f.dispatcher.Dispatch(ctx, "ws_a", "contact.created", map[string]interface{}{"id": "c_1"})
	require.NoError(t, err)
	require.Len(t, res.DeliveryIDs, 1)

	d, err := f.deliveries.GetByID(ctx, "ws_a", res.DeliveryIDs[0])
	require.NoError(t, err)
	assert.Equal(t, subscribed.ID, d.WebhookID)
}

func TestDeactivateStopsNewDeliveriesButKeepsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.create(t, "ws_a", "contact.created").Webhook

	first, err := f.dispatcher.Dispatch(ctx, "ws_a", "contact.created", map[string]interface{}{"id": "c_1"})
	require.NoError(t, err)
	require.Len(t, first.DeliveryIDs, 1)

	_, err = f.registry.SetActive(ctx, "ws_a", w.ID, false, "user_1")
	require.NoError(t, err)

	second, err := f.dispatcher.Dispatch(ctx, "ws_a", "contact.created", map[string]interface{}{"id": "c_2"})
	require.NoError(t, err)
	assert.Empty(t, second.DeliveryIDs)

	d, err := f.deliveries.GetByID(ctx, "ws_a", first.DeliveryIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, d.Status)
}

// keysThen runs a webhook's hook once its signing key has been loaded, standing
// in for an admin change landing between key loading and enqueueing.
type keysThen struct {
	keys  *secrets.Manager
	after map[string]func()
}

func (k *keysThen) SigningKey(ctx context.Context, webhookID string) (*secrets.ActiveSecret, error) {
	key, err := k.keys.SigningKey(ctx, webhookID)
	if fn, ok := k.after[webhookID]; ok {
		delete(k.after, webhookID)
		fn()
	}
	return key, err
}

func TestDispatchSkipsSubscribersRemovedMidDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live := f.create(t, "ws_a", "contact.created").Webhook
	deleted := f.create(t, "ws_a", "contact.created").Webhook
	paused := f.create(t, "ws_a", "contact.created").Webhook

	keys := &keysThen{keys: f.secrets, after: map[string]func(){
		deleted.ID: func() {
			require.NoError(t, f.registry.Delete(ctx, "ws_a", deleted.ID, "user_2"))
		},
		paused.ID: func() {
			_, err := f.registry.SetActive(ctx, "ws_a", paused.ID, false, "user_2")
			require.NoError(t, err)
		},
	}}
	dispatcher := NewDispatcher(f.db, f.registry, keys, f.queue, WithDispatcherClock(func() time.Time { return t0 }))

	res, err := dispatcher.Dispatch(ctx, "ws_a", "contact.created", ContactData{ID: "c_1"})
	require.NoError(t, err)
	require.Len(t, res.DeliveryIDs, 1)
	assert.Empty(t, keys.after)

	d, err := f.deliveries.GetByID(ctx, "ws_a", res.DeliveryIDs[0])
	require.NoError(t, err)
	assert.Equal(t, live.ID, d.WebhookID)

	queued, err := f.deliveries.List(ctx, "ws_a", paused.ID, repositories.DeliveryFilter{})
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestDispatchRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, "ws_a", "contact.exploded", nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = f.dispatcher.Dispatch(ctx, "", "contact.created", nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = f.dispatcher.Dispatch(ctx, "ws_a", "contact.created", json.RawMessage(`[1,2]`))
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestDispatchAfterRotationSignsWithNewSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "ws_a", "contact.created")

	rot, err := f.secrets.Rotate(ctx, secrets.RotateInput{WorkspaceID: "ws_a", WebhookID: created.Webhook.ID, RotatedBy: "user_1"})
	require.NoError(t, err)

	res, err := f.dispatcher.Dispatch(ctx, "ws_a", "contact.created", map[string]interface{}{"id": "c_1"})
	require.NoError(t, err)
	d, err := f.deliveries.GetByID(ctx, "ws_a", res.DeliveryIDs[0])
	require.NoError(t, err)

	assert.True(t, signature.Verify(d.Payload, d.Signature, rot.RawSecret))
	assert.False(t, signature.Verify(d.Payload, d.Signature, created.Secret.RawSecret))
	assert.Equal(t, rot.SecretID, d.SecretID)
}

func TestEmitDomainEvent(t *testing.T) {
	f := newFixture(t)
	w := f.create(t, "ws_a", "calendar_event.created").Webhook

	f.dispatcher.EmitDomainEvent("ws_a", "calendar_event.created", CalendarEventData{ID: "cal_1", Title: "Open house"})
	// Failures are logged, never returned.
	f.dispatcher.EmitDomainEvent("ws_a", "not.an.event", nil)
	f.dispatcher.Wait()

	list, err := f.deliveries.List(context.Background(), "ws_a", w.ID, repositories.DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "calendar_event.created", list[0].EventType)
}

func TestSendTest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "ws_a", "contact.created")
	w := created.Webhook

	d, err := f.dispatcher.SendTest(ctx, "ws_a", w.ID)
	require.NoError(t, err)
	assert.Equal(t, string(TestEvent), d.EventType)
	assert.True(t, signature.Verify(d.Payload, d.Signature, created.Secret.RawSecret))

	var env Envelope
	require.NoError(t, json.Unmarshal(d.Payload, &env))
	assert.Equal(t, "webhook.test", env.Event)
	assert.Equal(t, "ws_a", env.WorkspaceID)

	_, err = f.dispatcher.SendTest(ctx, "ws_b", w.ID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = f.registry.SetActive(ctx, "ws_a", w.ID, false, "user_1")
	require.NoError(t, err)
	_, err = f.dispatcher.SendTest(ctx, "ws_a", w.ID)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestSendTestDisabled(t *testing.T) {
	f := newFixture(t, WithTestEvents(false))
	w := f.create(t, "ws_a", "contact.created").Webhook

	_, err := f.dispatcher.SendTest(context.Background(), "ws_a", w.ID)
	assert.True(t, errors.IsKind(err, errors.KindForbidden))
}
