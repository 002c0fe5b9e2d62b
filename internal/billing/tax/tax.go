package tax

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

// ErrUnknownJurisdiction is returned when no rate is configured for a
// jurisdiction. Callers must halt the operation: charging the wrong tax is a
// compliance violation, so there is no silent default.
var ErrUnknownJurisdiction = errors.New("no tax rate configured for jurisdiction")

// Line is one tax line of a breakdown (GST, PST, HST or QST).
type Line struct {
	Kind        string `json:"kind"`
	RateMicros  int64  `json:"rate_micros"`
	AmountCents int64  `json:"amount_cents"`
}

// Breakdown is the result of a tax calculation. Total is always
// Subtotal plus the sum of the line amounts.
type Breakdown struct {
	SubtotalCents int64  `json:"subtotal_cents"`
	Lines         []Line `json:"lines"`
	TotalCents    int64  `json:"total_cents"`
}

// TaxCents returns the sum of the line amounts.
func (b Breakdown) TaxCents() int64 {
	var sum int64
	for _, l := range b.Lines {
		sum += l.AmountCents
	}
	return sum
}

// RateSource provides the tax rates effective for a jurisdiction at a point
// in time. Implemented by store.TaxRateStore.
type RateSource interface {
	RatesFor(jurisdiction string, asOf time.Time) ([]model.TaxRate, error)
}

// Engine computes per-jurisdiction tax breakdowns. It performs no I/O of its
// own; rates come from the configured source.
type Engine struct {
	rates RateSource
}

func New(rates RateSource) *Engine {
	return &Engine{rates: rates}
}

// Calculate produces the tax breakdown for a pre-tax amount. Each line is
// rounded to the cent independently (half-up) before summing; tax
// authorities audit per-line rounding, so the order of operations here is
// load-bearing. Rates are looked up as of asOf so historical records
// recompute against the rates in force when they were written.
func (e *Engine) Calculate(amountCents int64, jurisdiction string, asOf time.Time) (Breakdown, error) {
	rates, err := e.rates.RatesFor(jurisdiction, asOf)
	if err != nil {
		return Breakdown{}, fmt.Errorf("look up rates for %s: %w", jurisdiction, err)
	}
	if len(rates) == 0 {
		return Breakdown{}, fmt.Errorf("%w: %s", ErrUnknownJurisdiction, jurisdiction)
	}

	// Stable line order for serialization and auditing: GST first, then the
	// provincial line(s) alphabetically.
	sort.Slice(rates, func(i, j int) bool {
		if (rates[i].Kind == "GST") != (rates[j].Kind == "GST") {
			return rates[i].Kind == "GST"
		}
		return rates[i].Kind < rates[j].Kind
	})

	b := Breakdown{SubtotalCents: amountCents}
	for _, r := range rates {
		b.Lines = append(b.Lines, Line{
			Kind:        r.Kind,
			RateMicros:  r.RateMicros,
			AmountCents: roundHalfUp(amountCents*r.RateMicros, 1_000_000),
		})
	}
	b.TotalCents = amountCents + b.TaxCents()
	return b, nil
}

// roundHalfUp divides num by den rounding half away from zero. Negative
// amounts (credits, prorated refunds) round symmetrically to their positive
// counterparts.
func roundHalfUp(num, den int64) int64 {
	if num < 0 {
		return -roundHalfUp(-num, den)
	}
	return (num + den/2) / den
}
