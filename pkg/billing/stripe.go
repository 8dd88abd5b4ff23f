package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds the Stripe credentials and call limits.
type StripeConfig struct {
	APIKey        string        `env:"STRIPE_API_KEY,required"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	CallTimeout   time.Duration `env:"STRIPE_CALL_TIMEOUT" envDefault:"15s"`
}

// StripeGateway implements PaymentGateway on the official Stripe SDK. Every
// mutating call carries the caller's idempotency key and a deadline; a call
// that exceeds the deadline surfaces ErrGatewayTimeout because Stripe may
// still have applied it.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

// NewStripeGateway creates a gateway from config.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("billing: stripe api key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("billing: stripe webhook secret is required")
	}

	api := &client.API{}
	api.Init(cfg.APIKey, nil)

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StripeGateway{api: api, webhookSecret: cfg.WebhookSecret, timeout: timeout}, nil
}

func (g *StripeGateway) CreateCustomerAndSubscription(ctx context.Context, req CreateSubscriptionRequest) (*CreateSubscriptionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	custParams := &stripe.CustomerParams{
		Email: stripe.String(req.Email),
	}
	custParams.Context = ctx
	custParams.IdempotencyKey = stripe.String(req.IdempotencyKey + ":customer")
	custParams.AddMetadata("tenant_id", req.TenantID.String())

	cust, err := g.api.Customers.New(custParams)
	if err != nil {
		return nil, g.wrap("create_customer", ctx, err)
	}

	subParams := &stripe.SubscriptionParams{
		Customer: stripe.String(cust.ID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.Plan.ProviderPriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	subParams.Context = ctx
	subParams.IdempotencyKey = stripe.String(req.IdempotencyKey)
	subParams.AddMetadata("tenant_id", req.TenantID.String())
	subParams.AddExpand("latest_invoice.confirmation_secret")
	if req.Plan.TrialDays > 0 {
		subParams.TrialPeriodDays = stripe.Int64(int64(req.Plan.TrialDays))
	}

	sub, err := g.api.Subscriptions.New(subParams)
	if err != nil {
		return nil, g.wrap("create_subscription", ctx, err)
	}

	res := &CreateSubscriptionResult{
		CustomerID:     cust.ID,
		SubscriptionID: sub.ID,
		Status:         mapStripeStatus(sub),
		Period:         subscriptionPeriod(sub),
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		res.ClientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	return res, nil
}

func (g *StripeGateway) ChangePlan(ctx context.Context, req ChangePlanRequest) (*Period, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	current, err := g.api.Subscriptions.Get(req.SubscriptionID, getParams)
	if err != nil {
		return nil, g.wrap("change_plan", ctx, err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, &GatewayError{Op: "change_plan", Err: fmt.Errorf("subscription %s has no items", req.SubscriptionID)}
	}

	proration := "none"
	if req.Prorate {
		proration = "create_prorations"
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(req.NewPriceID),
			},
		},
		ProrationBehavior: stripe.String(proration),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)

	updated, err := g.api.Subscriptions.Update(req.SubscriptionID, params)
	if err != nil {
		return nil, g.wrap("change_plan", ctx, err)
	}

	period := subscriptionPeriod(updated)
	return &period, nil
}

func (g *StripeGateway) Pause(ctx context.Context, req LifecycleRequest) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String("void"),
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)

	if _, err := g.api.Subscriptions.Update(req.SubscriptionID, params); err != nil {
		return g.wrap("pause", ctx, err)
	}
	return nil
}

func (g *StripeGateway) Resume(ctx context.Context, req LifecycleRequest) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Clearing pause_collection requires sending an explicit empty value,
	// which the typed params cannot express.
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	params.AddExtra("pause_collection", "")

	if _, err := g.api.Subscriptions.Update(req.SubscriptionID, params); err != nil {
		return g.wrap("resume", ctx, err)
	}
	return nil
}

func (g *StripeGateway) Cancel(ctx context.Context, req CancelRequest) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if req.Immediate {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
		if _, err := g.api.Subscriptions.Cancel(req.SubscriptionID, params); err != nil {
			return g.wrap("cancel", ctx, err)
		}
		return nil
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	if _, err := g.api.Subscriptions.Update(req.SubscriptionID, params); err != nil {
		return g.wrap("cancel_scheduled", ctx, err)
	}
	return nil
}

func (g *StripeGateway) ListInvoices(ctx context.Context, providerCustomerID string) ([]Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.InvoiceListParams{
		Customer: stripe.String(providerCustomerID),
	}
	params.Context = ctx

	var invoices []Invoice
	it := g.api.Invoices.List(params)
	for it.Next() {
		inv := it.Invoice()
		invoices = append(invoices, Invoice{
			ID: inv.ID,
			Amount: Money{
				Amount:   inv.AmountDue,
				Currency: strings.ToUpper(string(inv.Currency)),
			},
			Status:    string(inv.Status),
			HostedURL: inv.HostedInvoiceURL,
			CreatedAt: time.Unix(inv.Created, 0).UTC(),
		})
	}
	if err := it.Err(); err != nil {
		return nil, g.wrap("list_invoices", ctx, err)
	}
	return invoices, nil
}

func (g *StripeGateway) FetchSubscription(ctx context.Context, providerSubID string) (*RemoteSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Get(providerSubID, params)
	if err != nil {
		return nil, g.wrap("fetch_subscription", ctx, err)
	}

	remote := &RemoteSubscription{
		SubscriptionID:    sub.ID,
		Status:            mapStripeStatus(sub),
		Period:            subscriptionPeriod(sub),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		remote.PriceID = sub.Items.Data[0].Price.ID
	}
	return remote, nil
}

func (g *StripeGateway) MintPrice(ctx context.Context, plan Plan) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	productID := plan.ProviderProductID
	if productID == "" {
		params := &stripe.ProductParams{
			Name: stripe.String(plan.Name),
		}
		params.Context = ctx
		params.AddMetadata("plan_key", plan.Key)
		product, err := g.api.Products.New(params)
		if err != nil {
			return "", "", g.wrap("mint_price", ctx, err)
		}
		productID = product.ID
	}

	interval := "month"
	if plan.Interval == BillingIntervalYearly {
		interval = "year"
	}
	params := &stripe.PriceParams{
		Product:    stripe.String(productID),
		UnitAmount: stripe.Int64(plan.Price.Amount),
		Currency:   stripe.String(strings.ToLower(plan.Price.Currency)),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(interval),
		},
	}
	params.Context = ctx
	params.AddMetadata("plan_key", plan.Key)

	price, err := g.api.Prices.New(params)
	if err != nil {
		return "", "", g.wrap("mint_price", ctx, err)
	}
	return productID, price.ID, nil
}

func (g *StripeGateway) ArchivePrice(ctx context.Context, priceID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PriceParams{
		Active: stripe.Bool(false),
	}
	params.Context = ctx
	if _, err := g.api.Prices.Update(priceID, params); err != nil {
		return g.wrap("archive_price", ctx, err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the event.
// Payload shapes are decoded with minimal local structs so only the fields
// this module actually reads are coupled to Stripe's schema.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*GatewayEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	ev := &GatewayEvent{
		ID:           event.ID,
		ProviderType: string(event.Type),
		OccurredAt:   time.Unix(event.Created, 0).UTC(),
		Kind:         KindUnhandled,
	}

	switch event.Type {
	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv struct {
			Subscription string `json:"subscription"`
			Parent       struct {
				SubscriptionDetails struct {
					Subscription string `json:"subscription"`
				} `json:"subscription_details"`
			} `json:"parent"`
			Lines struct {
				Data []struct {
					Period struct {
						Start int64 `json:"start"`
						End   int64 `json:"end"`
					} `json:"period"`
				} `json:"data"`
			} `json:"lines"`
		}
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return ev, nil
		}
		ev.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = inv.Subscription
		}
		if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period.End > 0 {
			ev.Period = Period{
				Start: time.Unix(inv.Lines.Data[0].Period.Start, 0).UTC(),
				End:   time.Unix(inv.Lines.Data[0].Period.End, 0).UTC(),
			}
		}
		if event.Type == "invoice.payment_succeeded" {
			ev.Kind = KindPaymentSucceeded
		} else {
			ev.Kind = KindPaymentFailed
		}

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub struct {
			ID    string `json:"id"`
			Items struct {
				Data []struct {
					CurrentPeriodStart int64 `json:"current_period_start"`
					CurrentPeriodEnd   int64 `json:"current_period_end"`
				} `json:"data"`
			} `json:"items"`
		}
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ev, nil
		}
		ev.SubscriptionID = sub.ID
		if len(sub.Items.Data) > 0 && sub.Items.Data[0].CurrentPeriodEnd > 0 {
			ev.Period = Period{
				Start: time.Unix(sub.Items.Data[0].CurrentPeriodStart, 0).UTC(),
				End:   time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0).UTC(),
			}
		}
		if event.Type == "customer.subscription.deleted" {
			ev.Kind = KindSubscriptionEnded
		} else {
			ev.Kind = KindPeriodRenewed
		}
	}

	return ev, nil
}

// wrap translates an SDK failure into a GatewayError, folding a deadline hit
// into ErrGatewayTimeout so callers treat the outcome as unknown.
func (g *StripeGateway) wrap(op string, ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &GatewayError{Op: op, Err: errors.Join(ErrGatewayTimeout, err)}
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		retryable := stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests
		return &GatewayError{Op: op, Retryable: retryable, Err: err}
	}
	// Transport-level failures without a response are retryable: the
	// idempotency key makes the retry safe.
	return &GatewayError{Op: op, Retryable: true, Err: err}
}

// mapStripeStatus folds Stripe's status set onto the local one. An incomplete
// subscription awaiting its first payment maps to the empty status so the
// caller picks the initial status from the plan.
func mapStripeStatus(sub *stripe.Subscription) Status {
	if sub.PauseCollection != nil && sub.PauseCollection.Behavior != "" {
		return StatusPaused
	}
	switch sub.Status {
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusActive:
		if sub.CancelAtPeriodEnd {
			return StatusCanceledScheduled
		}
		return StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return StatusCanceled
	default:
		return ""
	}
}

func subscriptionPeriod(sub *stripe.Subscription) Period {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return Period{}
	}
	item := sub.Items.Data[0]
	if item.CurrentPeriodEnd == 0 {
		return Period{}
	}
	return Period{
		Start: time.Unix(item.CurrentPeriodStart, 0).UTC(),
		End:   time.Unix(item.CurrentPeriodEnd, 0).UTC(),
	}
}
