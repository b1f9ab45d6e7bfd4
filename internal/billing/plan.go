package billing

import (
	"context"
	"errors"
	"fmt"
)

// BillingInterval is the billing frequency of a plan.
type BillingInterval string

const (
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalAnnual  BillingInterval = "annual"
)

// Plan maps an internal plan id to a provider price. The session service
// refuses to create a checkout for a plan without a price mapping.
type Plan struct {
	ID       string
	Name     string
	Provider ProviderName
	PriceID  string
	Amount   int64 // minor units, informational
	Currency string
	Interval BillingInterval
}

// PlanSource loads the plan catalog at startup.
type PlanSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// PlanCatalog is the validated, immutable plan set the service runs with.
type PlanCatalog struct {
	plans map[string]Plan
}

// NewPlanCatalog loads and validates plans from the given source.
func NewPlanCatalog(ctx context.Context, src PlanSource) (*PlanCatalog, error) {
	if src == nil {
		panic("billing: PlanSource is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrConfiguration, err)
	}

	for id, plan := range plans {
		if plan.ID != id {
			return nil, errors.Join(ErrConfiguration,
				fmt.Errorf("plan id mismatch: map key %q != plan.ID %q", id, plan.ID))
		}
		if plan.PriceID == "" {
			return nil, errors.Join(ErrConfiguration,
				fmt.Errorf("plan %q has no provider price id", id))
		}
		switch plan.Provider {
		case ProviderStripe, ProviderPaddle:
		default:
			return nil, errors.Join(ErrConfiguration,
				fmt.Errorf("plan %q references unknown provider %q", id, plan.Provider))
		}
	}

	return &PlanCatalog{plans: plans}, nil
}

// Get returns the plan for the given id.
func (c *PlanCatalog) Get(planID string) (Plan, error) {
	plan, ok := c.plans[planID]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return plan, nil
}

// ByPriceID returns the plan mapped to a provider price id, if any.
func (c *PlanCatalog) ByPriceID(provider ProviderName, priceID string) (Plan, bool) {
	for _, plan := range c.plans {
		if plan.Provider == provider && plan.PriceID == priceID {
			return plan, true
		}
	}
	return Plan{}, false
}

// Len returns the number of configured plans.
func (c *PlanCatalog) Len() int { return len(c.plans) }
