package model

import "fmt"

// Plan is a purchasable combination of tier and billing interval. Prices are
// pre-tax cents in CAD; tax is added per jurisdiction at charge time.
type Plan struct {
	ID         string   `json:"id"`
	Tier       Tier     `json:"tier"`
	Interval   Interval `json:"interval"`
	PriceCents int64    `json:"price_cents"`
}

// PeriodDays returns the nominal length of one billing period.
func (p Plan) PeriodDays() int {
	if p.Interval == IntervalYearly {
		return 365
	}
	return 30
}

// DailyRateCents returns the per-day price used for proration.
func (p Plan) DailyRateCents() float64 {
	return float64(p.PriceCents) / float64(p.PeriodDays())
}

var plans = map[string]Plan{
	"standard_monthly": {ID: "standard_monthly", Tier: TierStandard, Interval: IntervalMonthly, PriceCents: 499},
	"standard_yearly":  {ID: "standard_yearly", Tier: TierStandard, Interval: IntervalYearly, PriceCents: 4999},
	"premium_monthly":  {ID: "premium_monthly", Tier: TierPremium, Interval: IntervalMonthly, PriceCents: 999},
	"premium_yearly":   {ID: "premium_yearly", Tier: TierPremium, Interval: IntervalYearly, PriceCents: 9999},
}

// PlanByID looks up a purchasable plan.
func PlanByID(id string) (Plan, error) {
	p, ok := plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("unknown plan %q", id)
	}
	return p, nil
}

// PlanFor returns the plan for a tier/interval pair.
func PlanFor(tier Tier, interval Interval) (Plan, error) {
	return PlanByID(string(tier) + "_" + string(interval))
}
