package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"mailpilot/models"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

type fakeClient struct {
	remote *stripe.Subscription
	err    error
}

func (f *fakeClient) ConstructEvent([]byte, string) (stripe.Event, error) {
	return stripe.Event{}, ErrInvalidSignature
}

func (f *fakeClient) GetSubscription(context.Context, string) (*stripe.Subscription, error) {
	return f.remote, f.err
}

type memSubs struct {
	users map[string]*models.User
	plans map[string]*models.SubscriptionPlan
	subs  map[string]*models.UserSubscription
	saves int
}

func newMemSubs() *memSubs {
	user := &models.User{Email: "owner@example.com"}
	user.ID = 8
	pro := &models.SubscriptionPlan{Name: "pro", StripePriceID: "price_pro"}
	pro.ID = 3
	return &memSubs{
		users: map[string]*models.User{"cus_1": user},
		plans: map[string]*models.SubscriptionPlan{"price_pro": pro},
		subs:  map[string]*models.UserSubscription{},
	}
}

func (m *memSubs) FindUserByCustomer(_ context.Context, id string) (*models.User, error) {
	return m.users[id], nil
}

func (m *memSubs) FindPlanByPrice(_ context.Context, id string) (*models.SubscriptionPlan, error) {
	return m.plans[id], nil
}

func (m *memSubs) FindByStripeID(_ context.Context, id string) (*models.UserSubscription, error) {
	if s, ok := m.subs[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *memSubs) SaveSubscription(_ context.Context, s *models.UserSubscription) error {
	m.saves++
	cp := *s
	m.subs[s.StripeSubscriptionID] = &cp
	return nil
}

func newService(client BillingClient, store SubscriptionStore) *Service {
	logger, _ := test.NewNullLogger()
	return NewService(client, store, logrus.NewEntry(logger))
}

func event(t *testing.T, typ string, object interface{}) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return stripe.Event{ID: "evt_1", Type: stripe.EventType(typ), Data: &stripe.EventData{Raw: raw}}
}

func subscriptionObject(status string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   "sub_1",
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               status,
		"current_period_start": 1767225600, // 2026-01-01
		"current_period_end":   1769904000, // 2026-02-01
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{"id": "si_1", "price": map[string]interface{}{"id": "price_pro"}},
			},
		},
	}
}

func TestHandleEvent_SubscriptionCreated(t *testing.T) {
	store := newMemSubs()
	svc := newService(&fakeClient{}, store)

	require.NoError(t, svc.HandleEvent(context.Background(), event(t, EventSubscriptionCreated, subscriptionObject("active"))))

	sub := store.subs["sub_1"]
	require.NotNil(t, sub)
	assert.Equal(t, uint(8), sub.UserID)
	assert.Equal(t, uint(3), sub.PlanID)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.True(t, sub.IsActive)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1769904000), sub.CurrentPeriodEnd.Unix())
	assert.Nil(t, sub.CanceledAt)
}

func TestHandleEvent_SubscriptionUpdatedToPastDue(t *testing.T) {
	store := newMemSubs()
	store.subs["sub_1"] = &models.UserSubscription{UserID: 8, PlanID: 3, StripeSubscriptionID: "sub_1", Status: "active", IsActive: true}
	svc := newService(&fakeClient{}, store)

	require.NoError(t, svc.HandleEvent(context.Background(), event(t, EventSubscriptionUpdated, subscriptionObject("past_due"))))
	assert.Equal(t, models.SubscriptionPastDue, store.subs["sub_1"].Status)
	assert.False(t, store.subs["sub_1"].IsActive)
}

func TestHandleEvent_UnknownCustomerOrPriceIgnored(t *testing.T) {
	store := newMemSubs()
	svc := newService(&fakeClient{}, store)

	obj := subscriptionObject("active")
	obj["customer"] = "cus_unknown"
	require.NoError(t, svc.HandleEvent(context.Background(), event(t, EventSubscriptionCreated, obj)))

	obj = subscriptionObject("active")
	obj["items"] = map[string]interface{}{"data": []interface{}{map[string]interface{}{"price": map[string]interface{}{"id": "price_gone"}}}}
	require.NoError(t, svc.HandleEvent(context.Background(), event(t, EventSubscriptionCreated, obj)))

	assert.Zero(t, store.saves)
}

func TestHandleEvent_SubscriptionDeleted(t *testing.T) {
	store := newMemSubs()
	store.subs["sub_1"] = &models.UserSubscription{UserID: 8, PlanID: 3, StripeSubscriptionID: "sub_1", Status: "active", IsActive: true}
	svc := newService(&fakeClient{}, store)
	now := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.HandleEvent(context.Background(), event(t, EventSubscriptionDeleted, map[string]interface{}{"id": "sub_1"})))

	sub := store.subs["sub_1"]
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)
	assert.False(t, sub.IsActive)
	require.NotNil(t, sub.CanceledAt)
	assert.True(t, now.Equal(*sub.CanceledAt))
}

func TestHandleEvent_PaymentFailed(t *testing.T) {
	cases := []struct {
		name   string
		client *fakeClient
		want   string
	}{
		{"refreshed from provider", &fakeClient{remote: &stripe.Subscription{Status: stripe.SubscriptionStatusUnpaid}}, models.SubscriptionUnpaid},
		{"provider unavailable", &fakeClient{err: errors.New("timeout")}, models.SubscriptionPastDue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemSubs()
			store.subs["sub_1"] = &models.UserSubscription{UserID: 8, PlanID: 3, StripeSubscriptionID: "sub_1", Status: "active", IsActive: true}
			svc := newService(tc.client, store)

			inv := map[string]interface{}{"id": "in_1", "object": "invoice", "subscription": "sub_1"}
			require.NoError(t, svc.HandleEvent(context.Background(), event(t, EventPaymentFailed, inv)))
			assert.Equal(t, tc.want, store.subs["sub_1"].Status)
			assert.False(t, store.subs["sub_1"].IsActive)
		})
	}
}

func TestHandleEvent_IgnoresOtherTypes(t *testing.T) {
	store := newMemSubs()
	svc := newService(&fakeClient{}, store)
	assert.NoError(t, svc.HandleEvent(context.Background(), event(t, "charge.succeeded", map[string]interface{}{"id": "ch_1"})))
	assert.Zero(t, store.saves)
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	svc := newService(&fakeClient{}, newMemSubs())
	err := svc.HandleWebhook(context.Background(), []byte(`{}`), "t=1,v1=bad")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeClient_ConstructEvent(t *testing.T) {
	const secret = "whsec_test"
	c := NewStripeClient("sk_test_123", secret)

	payload := []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":%q,"type":"customer.subscription.deleted","data":{"object":{"id":"sub_1"}}}`, stripe.APIVersion))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})

	ev, err := c.ConstructEvent(signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionDeleted, string(ev.Type))

	_, err = c.ConstructEvent(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = c.ConstructEvent(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
