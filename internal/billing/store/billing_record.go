package store

import (
	"database/sql"
	"fmt"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

// BillingRecordStore is the append-only ledger. Rows move pending ->
// completed|failed and are never touched again; corrections are new
// adjustment rows referencing the original.
type BillingRecordStore struct {
	db *sql.DB
}

func NewBillingRecordStore(db *sql.DB) *BillingRecordStore {
	return &BillingRecordStore{db: db}
}

const billingRecordCols = `id, subscription_id, type, amount_cents, tax_cents, total_cents,
	tax_detail, idempotency_key, processor_txn_id, status, corrects_id, created_at`

func scanBillingRecord(scanner interface{ Scan(...any) error }) (*model.BillingRecord, error) {
	var rec model.BillingRecord
	var txnID, correctsID sql.NullString
	err := scanner.Scan(
		&rec.ID, &rec.SubscriptionID, &rec.Type, &rec.AmountCents, &rec.TaxCents,
		&rec.TotalCents, &rec.TaxDetail, &rec.IdempotencyKey, &txnID, &rec.Status,
		&correctsID, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if txnID.Valid {
		rec.ProcessorTxnID = &txnID.String
	}
	if correctsID.Valid {
		rec.CorrectsID = &correctsID.String
	}
	return &rec, nil
}

func (s *BillingRecordStore) Insert(rec *model.BillingRecord) (*model.BillingRecord, error) {
	_, err := s.db.Exec(
		`INSERT INTO billing_records (id, subscription_id, type, amount_cents, tax_cents,
			total_cents, tax_detail, idempotency_key, processor_txn_id, status, corrects_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SubscriptionID, rec.Type, rec.AmountCents, rec.TaxCents,
		rec.TotalCents, rec.TaxDetail, rec.IdempotencyKey, nullString(rec.ProcessorTxnID),
		rec.Status, nullString(rec.CorrectsID),
	)
	if err != nil {
		return nil, fmt.Errorf("insert billing record: %w", err)
	}
	return s.GetByID(rec.ID)
}

func (s *BillingRecordStore) GetByID(id string) (*model.BillingRecord, error) {
	row := s.db.QueryRow(`SELECT `+billingRecordCols+` FROM billing_records WHERE id = ?`, id)
	rec, err := scanBillingRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get billing record: %w", err)
	}
	return rec, nil
}

// GetByIdempotencyKey returns the most recent record for the key, or nil. The
// coordinator uses this to make charge requests replay-safe.
func (s *BillingRecordStore) GetByIdempotencyKey(key string) (*model.BillingRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+billingRecordCols+` FROM billing_records WHERE idempotency_key = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		key,
	)
	rec, err := scanBillingRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get billing record by idempotency key: %w", err)
	}
	return rec, nil
}

func (s *BillingRecordStore) ListBySubscription(subscriptionID int64) ([]*model.BillingRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+billingRecordCols+` FROM billing_records WHERE subscription_id = ?
		 ORDER BY created_at ASC, id ASC`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list billing records: %w", err)
	}
	defer rows.Close()

	var recs []*model.BillingRecord
	for rows.Next() {
		rec, err := scanBillingRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan billing record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListAll returns the whole ledger, oldest first. Used by the archive
// snapshot; the ledger is append-only so the order is stable.
func (s *BillingRecordStore) ListAll() ([]*model.BillingRecord, error) {
	rows, err := s.db.Query(
		`SELECT ` + billingRecordCols + ` FROM billing_records ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list all billing records: %w", err)
	}
	defer rows.Close()

	var recs []*model.BillingRecord
	for rows.Next() {
		rec, err := scanBillingRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan billing record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListPendingBySubscription returns unresolved records, oldest first.
func (s *BillingRecordStore) ListPendingBySubscription(subscriptionID int64) ([]*model.BillingRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+billingRecordCols+` FROM billing_records
		 WHERE subscription_id = ? AND status = 'pending'
		 ORDER BY created_at ASC, id ASC`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending billing records: %w", err)
	}
	defer rows.Close()

	var recs []*model.BillingRecord
	for rows.Next() {
		rec, err := scanBillingRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan billing record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkCompleted finalizes a pending record. The status guard in the WHERE
// clause keeps terminal records immutable.
func (s *BillingRecordStore) MarkCompleted(id, processorTxnID string) error {
	result, err := s.db.Exec(
		`UPDATE billing_records SET status = 'completed', processor_txn_id = ?
		 WHERE id = ? AND status = 'pending'`,
		processorTxnID, id,
	)
	if err != nil {
		return fmt.Errorf("mark billing record completed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("billing record %s not pending", id)
	}
	return nil
}

// MarkFailed finalizes a pending record as failed.
func (s *BillingRecordStore) MarkFailed(id string) error {
	result, err := s.db.Exec(
		`UPDATE billing_records SET status = 'failed' WHERE id = ? AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark billing record failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("billing record %s not pending", id)
	}
	return nil
}
