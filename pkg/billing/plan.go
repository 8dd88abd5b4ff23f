package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Plan describes a subscription plan. Key is the operator-chosen stable
// identifier; the provider ids mirror the plan in the external processor.
// A provider price is immutable once a live subscription references it, so a
// price change mints a new provider price rather than mutating the old one.
type Plan struct {
	Key               string          `yaml:"key" json:"key"`
	Name              string          `yaml:"name" json:"name"`
	Price             Money           `yaml:"price" json:"price"`
	Interval          BillingInterval `yaml:"interval" json:"interval"`
	TrialDays         int             `yaml:"trial_days" json:"trial_days"`
	Active            bool            `yaml:"active" json:"active"`
	ProviderProductID string          `yaml:"provider_product_id" json:"-"`
	ProviderPriceID   string          `yaml:"provider_price_id" json:"-"`
}

// Free reports whether the plan bypasses the payment processor entirely.
func (p Plan) Free() bool {
	return p.Interval == BillingIntervalNone
}

// TrialEndsAt calculates when the trial period ends. Returns startedAt
// unchanged if the plan has no trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

// Catalog provides read access to plan definitions. Reads are safe for
// unsynchronized concurrent use.
type Catalog interface {
	// Get returns the plan with the given key, including retired plans
	// because live subscriptions may still reference them.
	Get(ctx context.Context, planKey string) (Plan, error)
	// ListActive returns plans available for new subscriptions.
	ListActive(ctx context.Context) ([]Plan, error)
}

// PriceMinter is the slice of the payment gateway the catalog needs for
// administrative price rotation.
type PriceMinter interface {
	MintPrice(ctx context.Context, plan Plan) (productID, priceID string, err error)
	ArchivePrice(ctx context.Context, priceID string) error
}

// catalog is an in-memory Catalog loaded from a PlanSource. Administrative
// mutations go through UpdatePrice and Retire; tenant-facing code only sees
// the read interface.
type catalog struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewCatalog loads plans from src and validates them.
func NewCatalog(ctx context.Context, src PlanSource) (*catalog, error) {
	plans, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := validatePlans(plans); err != nil {
		return nil, err
	}
	return &catalog{plans: plans}, nil
}

func (c *catalog) Get(ctx context.Context, planKey string) (Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	plan, ok := c.plans[planKey]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return plan, nil
}

func (c *catalog) ListActive(ctx context.Context) ([]Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Plan, 0, len(c.plans))
	for _, plan := range c.plans {
		if plan.Active {
			result = append(result, plan)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// UpdatePrice changes a plan's recurring price. A new provider price is
// minted and the previous one archived; live subscriptions keep billing on
// the price they reference until they change plans.
func (c *catalog) UpdatePrice(ctx context.Context, planKey string, price Money, minter PriceMinter) error {
	c.mu.RLock()
	current, ok := c.plans[planKey]
	c.mu.RUnlock()
	if !ok {
		return ErrPlanNotFound
	}
	if current.Free() {
		return fmt.Errorf("%w: free plans carry no provider price", ErrPlanNotAvailable)
	}

	updated := current
	updated.Price = price

	productID, priceID, err := minter.MintPrice(ctx, updated)
	if err != nil {
		return err
	}
	updated.ProviderProductID = productID
	updated.ProviderPriceID = priceID

	// Archive only after the replacement exists; the old price stays valid
	// for subscriptions already billing on it.
	if current.ProviderPriceID != "" {
		if err := minter.ArchivePrice(ctx, current.ProviderPriceID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.plans[planKey] = updated
	c.mu.Unlock()
	return nil
}

// Retire marks a plan unavailable for new subscriptions without touching
// subscriptions already on it.
func (c *catalog) Retire(ctx context.Context, planKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, ok := c.plans[planKey]
	if !ok {
		return ErrPlanNotFound
	}
	plan.Active = false
	c.plans[planKey] = plan
	return nil
}

// validatePlans catches configuration mistakes at startup instead of at the
// first checkout.
func validatePlans(plans map[string]Plan) error {
	if len(plans) == 0 {
		return errors.New("billing: at least one plan is required")
	}
	for key, plan := range plans {
		if plan.Key != key {
			return fmt.Errorf("billing: plan key mismatch: map key %q != plan key %q", key, plan.Key)
		}
		if plan.TrialDays < 0 {
			return fmt.Errorf("billing: plan %q has negative trial days", key)
		}
		if !plan.Free() {
			if plan.Price.Amount <= 0 {
				return fmt.Errorf("billing: paid plan %q must have a positive price", key)
			}
			if plan.Price.Currency == "" {
				return fmt.Errorf("billing: paid plan %q is missing a currency", key)
			}
			if plan.Interval != BillingIntervalMonthly && plan.Interval != BillingIntervalYearly {
				return fmt.Errorf("billing: plan %q has unsupported interval %q", key, plan.Interval)
			}
		}
	}
	return nil
}
