package dlq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/events"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// ObjectPutter is the subset of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiverConfig controls archival of settled entries.
type ArchiverConfig struct {
	Bucket string
	Prefix string
	After  time.Duration
	Batch  int
}

// Archiver writes settled entries to S3 as JSON lines and marks them archived.
type Archiver struct {
	repo   Repository
	s3     ObjectPutter
	cfg    ArchiverConfig
	events events.Publisher
	now    func() time.Time
}

// NewArchiver creates an archiver.
func NewArchiver(repo Repository, client ObjectPutter, cfg ArchiverConfig, pub events.Publisher) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "dlq-archive"
	}
	if cfg.After <= 0 {
		cfg.After = 7 * 24 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 1000
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Archiver{repo: repo, s3: client, cfg: cfg, events: pub, now: time.Now}
}

// SetClock overrides the time source.
func (a *Archiver) SetClock(now func() time.Time) { a.now = now }

// Archive moves one batch of settled entries to S3 and returns its size.
func (a *Archiver) Archive(ctx context.Context) (int, error) {
	now := a.now().UTC()
	entries, err := a.repo.ListSettledBefore(ctx, now.Add(-a.cfg.After), a.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list settled entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(entries))
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return 0, fmt.Errorf("encode entry %s: %w", entries[i].ID, err)
		}
		ids = append(ids, entries[i].ID)
	}

	key := fmt.Sprintf("%s/%s/%s.jsonl", a.cfg.Prefix, now.Format("2006/01/02"), uuid.New().String())
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("putting archive to S3: %w", err)
	}

	if err := a.repo.MarkArchived(ctx, ids); err != nil {
		// the object is written; the next run archives these entries again
		return 0, fmt.Errorf("mark archived: %w", err)
	}

	logger.Info("[DLQArchiver] archived entries", "count", len(ids), "bucket", a.cfg.Bucket, "key", key)
	a.events.Emit(events.Event{Type: events.DLQArchived, Detail: map[string]any{"count": len(ids), "key": key}})
	return len(ids), nil
}

// Run archives on every interval tick until ctx is done.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := a.Archive(ctx)
				if err != nil {
					logger.Error("[DLQArchiver] archive failed", "error", err)
					break
				}
				if n < a.cfg.Batch {
					break
				}
			}
		}
	}
}
