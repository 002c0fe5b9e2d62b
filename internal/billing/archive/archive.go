package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sproutlyapp/sproutly/internal/billing/store"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds archiver configuration. Passphrase encrypts snapshots before
// upload; Interval defaults to 24 hours.
type Config struct {
	S3         S3Config
	Passphrase string
	Interval   time.Duration
}

// Archiver periodically snapshots the billing ledger to encrypted JSON in
// S3-compatible storage. Financial records must survive the service's own
// database for the tax retention period, so the snapshot is always the full
// ledger, not a delta.
type Archiver struct {
	mu      sync.RWMutex
	cfg     Config
	records *store.BillingRecordStore
	runs    *store.ArchiveRunStore
	client  s3Client
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, records *store.BillingRecordStore, runs *store.ArchiveRunStore, logger *slog.Logger) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	a := &Archiver{
		cfg:     cfg,
		records: records,
		runs:    runs,
		logger:  logger,
	}
	if cfg.S3.Bucket != "" && cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" {
		a.client = newS3Client(cfg.S3)
	}
	return a
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether the archiver has storage configured.
func (a *Archiver) Enabled() bool {
	return a.client != nil
}

// Start begins the snapshot loop. No-op when storage is not configured.
func (a *Archiver) Start(ctx context.Context) {
	if !a.Enabled() {
		a.logger.Info("ledger archive disabled, no storage configured")
		return
	}

	a.mu.Lock()
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.mu.Unlock()

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.RunOnce(ctx); err != nil {
					a.logger.Error("ledger archive", "error", err)
				}
			}
		}
	}()
}

// Stop gracefully stops the archiver and waits for the loop to exit.
func (a *Archiver) Stop() {
	a.mu.RLock()
	cancel := a.cancel
	done := a.done
	a.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RunOnce takes one full-ledger snapshot and uploads it.
func (a *Archiver) RunOnce(ctx context.Context) error {
	if !a.Enabled() {
		return fmt.Errorf("archive storage not configured")
	}

	runID, err := a.runs.Start()
	if err != nil {
		return err
	}

	key, size, err := a.snapshot(ctx)
	if err != nil {
		if failErr := a.runs.Fail(runID, err.Error()); failErr != nil {
			a.logger.Error("record archive failure", "run", runID, "error", failErr)
		}
		return err
	}

	if err := a.runs.Complete(runID, key, size); err != nil {
		return err
	}
	a.logger.Info("ledger archived", "key", key, "bytes", size)
	return nil
}

func (a *Archiver) snapshot(ctx context.Context) (string, int64, error) {
	recs, err := a.records.ListAll()
	if err != nil {
		return "", 0, err
	}

	payload, err := json.Marshal(recs)
	if err != nil {
		return "", 0, fmt.Errorf("marshal ledger: %w", err)
	}

	body := payload
	ext := "json"
	if a.cfg.Passphrase != "" {
		body, err = Encrypt(payload, a.cfg.Passphrase)
		if err != nil {
			return "", 0, err
		}
		ext = "json.enc"
	}

	key := fmt.Sprintf("ledger/%s.%s", time.Now().UTC().Format("2006-01-02T15-04-05Z"), ext)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", 0, fmt.Errorf("upload snapshot: %w", err)
	}
	return key, int64(len(body)), nil
}

// Status reports the latest archive run for the operations endpoint.
func (a *Archiver) Status() (*store.ArchiveRun, error) {
	return a.runs.Latest()
}
