package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/orgplane/pkg/observability"
)

// Config configures the Stripe gateway
type Config struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	CardCacheSize int
	CardCacheTTL  time.Duration
	CallTimeout   time.Duration
}

// stripeAPI is the subset of the Stripe API the gateway calls
type stripeAPI interface {
	ListCards(ctx context.Context, customer string) ([]*stripe.PaymentMethod, error)
	NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	NewSetupIntent(params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
	DetachPaymentMethod(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
}

type apiClient struct {
	api *client.API
}

func (c *apiClient) ListCards(ctx context.Context, customer string) ([]*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customer),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	var cards []*stripe.PaymentMethod
	iter := c.api.PaymentMethods.List(params)
	for iter.Next() {
		cards = append(cards, iter.PaymentMethod())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return cards, nil
}

func (c *apiClient) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return c.api.PaymentIntents.New(params)
}

func (c *apiClient) NewSetupIntent(params *stripe.SetupIntentParams) (*stripe.SetupIntent, error) {
	return c.api.SetupIntents.New(params)
}

func (c *apiClient) DetachPaymentMethod(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error) {
	return c.api.PaymentMethods.Detach(id, params)
}

func (c *apiClient) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return c.api.Refunds.New(params)
}

// StripeGateway implements Gateway with Stripe payment intents. Customers
// are Stripe customer IDs; charges are identified by payment intent ID.
type StripeGateway struct {
	api           stripeAPI
	webhookSecret string
	currency      string
	timeout       time.Duration
	cards         *expirable.LRU[string, CardData]
	metrics       *observability.Metrics
	logger        *logrus.Logger
}

// NewStripeGateway creates a gateway bound to its own API key
func NewStripeGateway(cfg Config, logger *logrus.Logger, metrics *observability.Metrics) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return newStripeGateway(&apiClient{api: sc}, cfg, logger, metrics), nil
}

func newStripeGateway(api stripeAPI, cfg Config, logger *logrus.Logger, metrics *observability.Metrics) *StripeGateway {
	if cfg.Currency == "" {
		cfg.Currency = "brl"
	}
	if cfg.CardCacheSize <= 0 {
		cfg.CardCacheSize = 1024
	}
	if cfg.CardCacheTTL <= 0 {
		cfg.CardCacheTTL = 10 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &StripeGateway{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		currency:      strings.ToLower(cfg.Currency),
		timeout:       cfg.CallTimeout,
		cards:         expirable.NewLRU[string, CardData](cfg.CardCacheSize, nil, cfg.CardCacheTTL),
		metrics:       metrics,
		logger:        logger,
	}
}

// Authorize confirms an off-session setup intent against the customer's
// card to check it can be charged later.
func (g *StripeGateway) Authorize(ctx context.Context, customer string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()

	card, err := g.defaultCard(ctx, customer)
	if err != nil {
		g.observe("authorize", err, Result{}, start)
		return Result{}, err
	}
	if card == nil {
		res := Failure("no card on file")
		g.observe("authorize", nil, res, start)
		return res, nil
	}

	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customer),
		PaymentMethod:      stripe.String(card.ID),
		PaymentMethodTypes: []*string{stripe.String(string(stripe.PaymentMethodTypeCard))},
		Confirm:            stripe.Bool(true),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())

	si, err := g.api.NewSetupIntent(params)
	res, err := classify(err, func() Result {
		if si.Status != stripe.SetupIntentStatusSucceeded {
			return Failure("card authorization " + string(si.Status))
		}
		return Result{Status: StatusSuccess}
	})
	g.observe("authorize", err, res, start)
	return res, err
}

// Purchase charges amount (rounded half-up to cents) to the customer's card
func (g *StripeGateway) Purchase(ctx context.Context, amount decimal.Decimal, customer string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()

	card, err := g.defaultCard(ctx, customer)
	if err != nil {
		g.observe("purchase", err, Result{}, start)
		return Result{}, err
	}
	if card == nil {
		res := Failure("no card on file")
		g.observe("purchase", nil, res, start)
		return res, nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ToCents(amount)),
		Currency:      stripe.String(g.currency),
		Customer:      stripe.String(customer),
		PaymentMethod: stripe.String(card.ID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())

	pi, err := g.api.NewPaymentIntent(params)
	res, err := classify(err, func() Result {
		if pi.Status != stripe.PaymentIntentStatusSucceeded {
			return Failure("payment " + string(pi.Status))
		}
		return Result{
			Status:   StatusSuccess,
			ChargeID: pi.ID,
			Amount:   FromCents(pi.AmountReceived),
		}
	})
	g.observe("purchase", err, res, start)
	return res, err
}

// Unstore detaches every card of the customer
func (g *StripeGateway) Unstore(ctx context.Context, customer string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()

	cards, err := g.api.ListCards(ctx, customer)
	if err != nil {
		err = fmt.Errorf("failed to list cards: %w", err)
		g.observe("unstore", err, Result{}, start)
		return Result{}, err
	}
	if len(cards) == 0 {
		res := Failure("no card on file")
		g.observe("unstore", nil, res, start)
		return res, nil
	}

	for _, card := range cards {
		params := &stripe.PaymentMethodDetachParams{}
		params.Context = ctx
		if _, err := g.api.DetachPaymentMethod(card.ID, params); err != nil {
			res, err := classify(err, nil)
			g.observe("unstore", err, res, start)
			return res, err
		}
	}
	g.cards.Remove(customer)

	res := Result{Status: StatusSuccess}
	g.observe("unstore", nil, res, start)
	return res, nil
}

// GetCardData returns the metadata of the customer's default card, or nil
// when no card is stored. Results are cached per customer.
func (g *StripeGateway) GetCardData(ctx context.Context, customer string) (*CardData, error) {
	if data, ok := g.cards.Get(customer); ok {
		return &data, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()

	card, err := g.defaultCard(ctx, customer)
	g.observe("get_card_data", err, Result{Status: StatusSuccess}, start)
	if err != nil {
		return nil, err
	}
	if card == nil || card.Card == nil {
		return nil, nil
	}

	data := CardData{
		Brand:      string(card.Card.Brand),
		Last4:      card.Card.Last4,
		Expiration: fmt.Sprintf("%02d/%d", card.Card.ExpMonth, card.Card.ExpYear),
	}
	if card.BillingDetails != nil {
		data.Holder = card.BillingDetails.Name
	}
	g.cards.Add(customer, data)
	return &data, nil
}

// InvalidateCard drops cached card data for customer
func (g *StripeGateway) InvalidateCard(customer string) {
	g.cards.Remove(customer)
}

// Refund refunds a charge in full
func (g *StripeGateway) Refund(ctx context.Context, chargeRef string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()

	params := &stripe.RefundParams{PaymentIntent: stripe.String(chargeRef)}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + chargeRef)

	refund, err := g.api.NewRefund(params)
	res, err := classify(err, func() Result {
		if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
			return Failure("refund " + string(refund.Status))
		}
		return Result{Status: StatusSuccess, ChargeID: chargeRef, Amount: FromCents(refund.Amount)}
	})
	g.observe("refund", err, res, start)
	return res, err
}

// ParseWebhook verifies the Stripe-Signature header and reduces the event
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("webhook secret not configured")
	}
	raw, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid webhook signature: %w", err)
	}
	return reduceEvent(raw)
}

func reduceEvent(raw stripe.Event) (*Event, error) {
	event := &Event{ID: raw.ID, Type: EventType(raw.Type)}
	if raw.Data == nil {
		return event, nil
	}

	switch event.Type {
	case EventChargeSucceeded, EventChargeFailed:
		var charge stripe.Charge
		if err := json.Unmarshal(raw.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("failed to decode charge: %w", err)
		}
		event.ChargeRef = charge.ID
		if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
			event.ChargeRef = charge.PaymentIntent.ID
		}
		if charge.Customer != nil {
			event.CustomerRef = charge.Customer.ID
		}
		event.Disputed = charge.Disputed

	case EventChargeDisputeCreated:
		var dispute stripe.Dispute
		if err := json.Unmarshal(raw.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("failed to decode dispute: %w", err)
		}
		if dispute.Charge != nil {
			event.ChargeRef = dispute.Charge.ID
		}
		if dispute.PaymentIntent != nil && dispute.PaymentIntent.ID != "" {
			event.ChargeRef = dispute.PaymentIntent.ID
		}
		event.Disputed = true

	case EventPaymentMethodAttached:
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(raw.Data.Raw, &pm); err != nil {
			return nil, fmt.Errorf("failed to decode payment method: %w", err)
		}
		if pm.Customer != nil {
			event.CustomerRef = pm.Customer.ID
		}
	}
	return event, nil
}

func (g *StripeGateway) defaultCard(ctx context.Context, customer string) (*stripe.PaymentMethod, error) {
	if customer == "" {
		return nil, nil
	}
	cards, err := g.api.ListCards(ctx, customer)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	if len(cards) == 0 {
		return nil, nil
	}
	return cards[0], nil
}

func (g *StripeGateway) observe(operation string, err error, res Result, start time.Time) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
		g.logger.WithField("operation", operation).WithError(err).Warn("Stripe call failed")
	case !res.Succeeded():
		status = "declined"
	}
	g.metrics.ObserveGatewayCall(operation, status, time.Since(start))
}

// classify turns card declines into FAILURE results and other Stripe
// errors into transport errors. ok builds the result when err is nil.
func classify(err error, ok func() Result) (Result, error) {
	if err == nil {
		if ok == nil {
			return Result{Status: StatusSuccess}, nil
		}
		return ok(), nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
		return Failure(stripeErr.Msg), nil
	}
	return Result{}, fmt.Errorf("stripe request failed: %w", err)
}

// ToCents converts an amount to integer cents, rounding half-up
func ToCents(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

// FromCents converts integer cents to an amount
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
