package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ArchiveRun records one ledger snapshot upload.
type ArchiveRun struct {
	ID          int64      `json:"id"`
	ObjectKey   string     `json:"object_key"`
	SizeBytes   int64      `json:"size_bytes"`
	Status      string     `json:"status"` // running, completed, failed
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ArchiveRunStore struct {
	db *sql.DB
}

func NewArchiveRunStore(db *sql.DB) *ArchiveRunStore {
	return &ArchiveRunStore{db: db}
}

func (s *ArchiveRunStore) Start() (int64, error) {
	result, err := s.db.Exec(`INSERT INTO archive_runs (status) VALUES ('running')`)
	if err != nil {
		return 0, fmt.Errorf("insert archive run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (s *ArchiveRunStore) Complete(id int64, objectKey string, sizeBytes int64) error {
	_, err := s.db.Exec(
		`UPDATE archive_runs SET status = 'completed', object_key = ?, size_bytes = ?,
			completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		objectKey, sizeBytes, id,
	)
	if err != nil {
		return fmt.Errorf("complete archive run: %w", err)
	}
	return nil
}

func (s *ArchiveRunStore) Fail(id int64, runErr string) error {
	_, err := s.db.Exec(
		`UPDATE archive_runs SET status = 'failed', error = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		runErr, id,
	)
	if err != nil {
		return fmt.Errorf("fail archive run: %w", err)
	}
	return nil
}

// Latest returns the most recent run, or nil if none has happened.
func (s *ArchiveRunStore) Latest() (*ArchiveRun, error) {
	row := s.db.QueryRow(
		`SELECT id, object_key, size_bytes, status, error, started_at, completed_at
		 FROM archive_runs ORDER BY id DESC LIMIT 1`,
	)
	var run ArchiveRun
	var completed sql.NullTime
	err := row.Scan(&run.ID, &run.ObjectKey, &run.SizeBytes, &run.Status, &run.Error, &run.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest archive run: %w", err)
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return &run, nil
}
