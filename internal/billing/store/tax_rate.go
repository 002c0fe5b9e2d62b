package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

// TaxRateStore reads the versioned tax reference table. It satisfies
// tax.RateSource.
type TaxRateStore struct {
	db *sql.DB
}

func NewTaxRateStore(db *sql.DB) *TaxRateStore {
	return &TaxRateStore{db: db}
}

// RatesFor returns, for each tax kind configured for the jurisdiction, the
// row with the latest effective_from at or before asOf. Rows effective only
// in the future are invisible, so historical billing records recompute
// against the rates in force when they were written.
func (s *TaxRateStore) RatesFor(jurisdiction string, asOf time.Time) ([]model.TaxRate, error) {
	rows, err := s.db.Query(
		`SELECT t.id, t.jurisdiction, t.kind, t.rate_micros, t.effective_from
		 FROM tax_rates t
		 WHERE t.jurisdiction = ? AND t.effective_from <= ?
		   AND t.effective_from = (
			SELECT MAX(effective_from) FROM tax_rates
			WHERE jurisdiction = t.jurisdiction AND kind = t.kind AND effective_from <= ?
		   )
		 ORDER BY t.kind`,
		jurisdiction, asOf, asOf,
	)
	if err != nil {
		return nil, fmt.Errorf("query tax rates: %w", err)
	}
	defer rows.Close()

	var rates []model.TaxRate
	for rows.Next() {
		var r model.TaxRate
		if err := rows.Scan(&r.ID, &r.Jurisdiction, &r.Kind, &r.RateMicros, &r.EffectiveFrom); err != nil {
			return nil, fmt.Errorf("scan tax rate: %w", err)
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// Insert adds a rate version. Used by migrations in production; exposed for
// tests exercising future-dated rate changes.
func (s *TaxRateStore) Insert(jurisdiction, kind string, rateMicros int64, effectiveFrom time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO tax_rates (jurisdiction, kind, rate_micros, effective_from) VALUES (?, ?, ?, ?)`,
		jurisdiction, kind, rateMicros, effectiveFrom,
	)
	if err != nil {
		return fmt.Errorf("insert tax rate: %w", err)
	}
	return nil
}

// Jurisdictions returns the distinct configured jurisdiction codes.
func (s *TaxRateStore) Jurisdictions() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT jurisdiction FROM tax_rates ORDER BY jurisdiction`)
	if err != nil {
		return nil, fmt.Errorf("list jurisdictions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var j string
		if err := rows.Scan(&j); err != nil {
			return nil, fmt.Errorf("scan jurisdiction: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
