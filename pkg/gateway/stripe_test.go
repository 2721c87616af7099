package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

type mockStripeAPI struct {
	listCardsFunc     func(ctx context.Context, customer string) ([]*stripe.PaymentMethod, error)
	paymentIntentFunc func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	setupIntentFunc   func(params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
	detachFunc        func(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error)
	refundFunc        func(params *stripe.RefundParams) (*stripe.Refund, error)

	listCalls int
}

func (m *mockStripeAPI) ListCards(ctx context.Context, customer string) ([]*stripe.PaymentMethod, error) {
	m.listCalls++
	if m.listCardsFunc != nil {
		return m.listCardsFunc(ctx, customer)
	}
	return nil, nil
}

func (m *mockStripeAPI) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return m.paymentIntentFunc(params)
}

func (m *mockStripeAPI) NewSetupIntent(params *stripe.SetupIntentParams) (*stripe.SetupIntent, error) {
	return m.setupIntentFunc(params)
}

func (m *mockStripeAPI) DetachPaymentMethod(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error) {
	return m.detachFunc(id, params)
}

func (m *mockStripeAPI) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return m.refundFunc(params)
}

func visaCard() []*stripe.PaymentMethod {
	return []*stripe.PaymentMethod{{
		ID: "pm_visa",
		Card: &stripe.PaymentMethodCard{
			Brand:    stripe.PaymentMethodCardBrandVisa,
			Last4:    "4242",
			ExpMonth: 4,
			ExpYear:  2030,
		},
		BillingDetails: &stripe.PaymentMethodBillingDetails{Name: "Ada Lovelace"},
	}}
}

func newTestGateway(api stripeAPI) *StripeGateway {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return newStripeGateway(api, Config{WebhookSecret: "whsec_test"}, logger, nil)
}

func TestToCents(t *testing.T) {
	assert.Equal(t, int64(166983), ToCents(decimal.RequireFromString("1669.833")))
	assert.Equal(t, int64(1), ToCents(decimal.RequireFromString("0.005")))
	assert.Equal(t, int64(39000), ToCents(decimal.NewFromInt(390)))
	assert.True(t, FromCents(166983).Equal(decimal.RequireFromString("1669.83")))
}

func TestStripeGateway_Purchase(t *testing.T) {
	t.Run("success returns gateway amount", func(t *testing.T) {
		api := &mockStripeAPI{
			listCardsFunc: func(ctx context.Context, customer string) ([]*stripe.PaymentMethod, error) {
				assert.Equal(t, "cus_1", customer)
				return visaCard(), nil
			},
			paymentIntentFunc: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				assert.Equal(t, int64(39000), *params.Amount)
				assert.Equal(t, "brl", *params.Currency)
				assert.Equal(t, "pm_visa", *params.PaymentMethod)
				assert.True(t, *params.OffSession)
				assert.NotNil(t, params.IdempotencyKey)
				return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded, AmountReceived: 39000}, nil
			},
		}

		res, err := newTestGateway(api).Purchase(context.Background(), decimal.NewFromInt(390), "cus_1")
		require.NoError(t, err)
		assert.True(t, res.Succeeded())
		assert.Equal(t, "pi_1", res.ChargeID)
		assert.True(t, res.Amount.Equal(decimal.NewFromInt(390)))
	})

	t.Run("no card is a failure result", func(t *testing.T) {
		res, err := newTestGateway(&mockStripeAPI{}).Purchase(context.Background(), decimal.NewFromInt(390), "cus_1")
		require.NoError(t, err)
		assert.Equal(t, StatusFailure, res.Status)
	})

	t.Run("card decline is a failure result", func(t *testing.T) {
		api := &mockStripeAPI{
			listCardsFunc: func(context.Context, string) ([]*stripe.PaymentMethod, error) { return visaCard(), nil },
			paymentIntentFunc: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return nil, &stripe.Error{Type: stripe.ErrorTypeCard, Msg: "Your card was declined."}
			},
		}
		res, err := newTestGateway(api).Purchase(context.Background(), decimal.NewFromInt(390), "cus_1")
		require.NoError(t, err)
		assert.Equal(t, StatusFailure, res.Status)
		assert.Equal(t, "Your card was declined.", res.Message)
	})

	t.Run("api error is returned", func(t *testing.T) {
		api := &mockStripeAPI{
			listCardsFunc: func(context.Context, string) ([]*stripe.PaymentMethod, error) { return visaCard(), nil },
			paymentIntentFunc: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return nil, &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "boom"}
			},
		}
		_, err := newTestGateway(api).Purchase(context.Background(), decimal.NewFromInt(390), "cus_1")
		assert.Error(t, err)
	})

	t.Run("incomplete intent is a failure", func(t *testing.T) {
		api := &mockStripeAPI{
			listCardsFunc: func(context.Context, string) ([]*stripe.PaymentMethod, error) { return visaCard(), nil },
			paymentIntentFunc: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return &stripe.PaymentIntent{ID: "pi_2", Status: stripe.PaymentIntentStatusRequiresAction}, nil
			},
		}
		res, err := newTestGateway(api).Purchase(context.Background(), decimal.NewFromInt(390), "cus_1")
		require.NoError(t, err)
		assert.False(t, res.Succeeded())
	})
}

func TestStripeGateway_Authorize(t *testing.T) {
	api := &mockStripeAPI{
		listCardsFunc: func(context.Context, string) ([]*stripe.PaymentMethod, error) { return visaCard(), nil },
		setupIntentFunc: func(params *stripe.SetupIntentParams) (*stripe.SetupIntent, error) {
			assert.Equal(t, "off_session", *params.Usage)
			return &stripe.SetupIntent{Status: stripe.SetupIntentStatusSucceeded}, nil
		},
	}
	res, err := newTestGateway(api).Authorize(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestStripeGateway_CardDataCachedUntilUnstore(t *testing.T) {
	detached := []string{}
	api := &mockStripeAPI{
		listCardsFunc: func(context.Context, string) ([]*stripe.PaymentMethod, error) { return visaCard(), nil },
		detachFunc: func(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error) {
			detached = append(detached, id)
			return &stripe.PaymentMethod{ID: id}, nil
		},
	}
	gw := newTestGateway(api)
	ctx := context.Background()

	data, err := gw.GetCardData(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, CardData{Brand: "visa", Last4: "4242", Expiration: "04/2030", Holder: "Ada Lovelace"}, *data)

	_, err = gw.GetCardData(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, 1, api.listCalls)

	res, err := gw.Unstore(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{"pm_visa"}, detached)

	_, err = gw.GetCardData(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, 3, api.listCalls)
}

func TestStripeGateway_UnstoreWithoutCard(t *testing.T) {
	res, err := newTestGateway(&mockStripeAPI{}).Unstore(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)
}

func TestStripeGateway_ListCardsError(t *testing.T) {
	api := &mockStripeAPI{
		listCardsFunc: func(context.Context, string) ([]*stripe.PaymentMethod, error) {
			return nil, errors.New("connection reset")
		},
	}
	_, err := newTestGateway(api).Unstore(context.Background(), "cus_1")
	assert.Error(t, err)
}

func TestStripeGateway_Refund(t *testing.T) {
	api := &mockStripeAPI{
		refundFunc: func(params *stripe.RefundParams) (*stripe.Refund, error) {
			assert.Equal(t, "pi_1", *params.PaymentIntent)
			return &stripe.Refund{Status: stripe.RefundStatusSucceeded, Amount: 39000}, nil
		},
	}
	res, err := newTestGateway(api).Refund(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(390)))
}

func signed(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  "whsec_test",
	})
	return sp.Header, sp.Payload
}

func TestStripeGateway_ParseWebhook(t *testing.T) {
	gw := newTestGateway(&mockStripeAPI{})

	t.Run("charge succeeded", func(t *testing.T) {
		header, payload := signed(t, `{"id":"evt_1","object":"event","type":"charge.succeeded",
			"data":{"object":{"id":"ch_1","object":"charge","payment_intent":"pi_1","customer":"cus_1","disputed":false}}}`)
		event, err := gw.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.Equal(t, EventChargeSucceeded, event.Type)
		assert.Equal(t, "pi_1", event.ChargeRef)
		assert.Equal(t, "cus_1", event.CustomerRef)
		assert.False(t, event.Disputed)
	})

	t.Run("dispute created", func(t *testing.T) {
		header, payload := signed(t, `{"id":"evt_2","object":"event","type":"charge.dispute.created",
			"data":{"object":{"id":"dp_1","object":"dispute","charge":"ch_1","payment_intent":"pi_1"}}}`)
		event, err := gw.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.Equal(t, EventChargeDisputeCreated, event.Type)
		assert.Equal(t, "pi_1", event.ChargeRef)
		assert.True(t, event.Disputed)
	})

	t.Run("payment method attached", func(t *testing.T) {
		header, payload := signed(t, `{"id":"evt_3","object":"event","type":"payment_method.attached",
			"data":{"object":{"id":"pm_1","object":"payment_method","customer":"cus_9"}}}`)
		event, err := gw.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.Equal(t, "cus_9", event.CustomerRef)
	})

	t.Run("bad signature", func(t *testing.T) {
		_, payload := signed(t, `{"id":"evt_4","object":"event","type":"charge.failed","data":{"object":{}}}`)
		_, err := gw.ParseWebhook(payload, "t=1,v1=deadbeef")
		assert.Error(t, err)
	})
}
