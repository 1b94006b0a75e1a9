// Package storage implements the two-level attachment tier: an S3-compatible
// primary store, a local-disk fallback, and a reconciler that drains the
// fallback back into the primary.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mailhook-dev/mailhook/internal/model"
	"github.com/mailhook-dev/mailhook/internal/observability"
	"github.com/mailhook-dev/mailhook/internal/scheduler"
)

// SkipReasonSize is the reason recorded for attachments over the size cap.
const SkipReasonSize = "File size exceeds maximum allowed"

// TierConfig holds the storage tier settings.
type TierConfig struct {
	MaxFileSize    int64
	RetryInterval  time.Duration // reconciler cadence
	MaxRetries     int           // per-item drain attempts before giving up
	Retention      time.Duration // staged file lifetime
	RetentionSweep time.Duration // cadence of the retention task
}

// Tier stores attachments in the primary object store when possible and
// stages them on local disk otherwise.
type Tier struct {
	objects ObjectStore // nil when the primary store is unconfigured
	local   *LocalStore
	cfg     TierConfig
	sched   *scheduler.Scheduler
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu          sync.Mutex
	retry       map[string]int // staged path -> drain attempts
	drainHandle scheduler.Handle
	retentionH  scheduler.Handle
}

// NewTier wires the tier. objects may be nil; every attachment below the
// size cap is then staged locally.
func NewTier(objects ObjectStore, local *LocalStore, cfg TierConfig, sched *scheduler.Scheduler, metrics *observability.Metrics, logger *slog.Logger) *Tier {
	if cfg.RetentionSweep == 0 {
		cfg.RetentionSweep = time.Hour
	}
	return &Tier{
		objects: objects,
		local:   local,
		cfg:     cfg,
		sched:   sched,
		logger:  logger.With("component", "storage"),
		metrics: metrics,
		now:     time.Now,
		retry:   make(map[string]int),
	}
}

// Start seeds the retry set from whatever survived a previous run and
// registers the retention sweep. The drain loop itself starts on demand.
func (t *Tier) Start() error {
	entries, err := t.local.List()
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, e := range entries {
		t.retry[e.Path] = 0
	}
	pending := len(t.retry)
	t.mu.Unlock()

	if pending > 0 {
		t.logger.Info("staged attachments pending upload", "count", pending)
		t.ensureDrainLoop()
	}

	if t.cfg.Retention > 0 {
		t.retentionH = t.sched.Every(t.cfg.RetentionSweep, func() {
			removed, err := t.local.SweepOlderThan(t.cfg.Retention)
			if err != nil {
				t.logger.Warn("retention sweep failed", "error", err)
				return
			}
			if removed > 0 {
				t.logger.Info("retention sweep removed expired attachments", "count", removed)
			}
		})
	}
	return nil
}

// Store persists one attachment and returns its outcome variant. The size
// cap is enforced before any backend is consulted; primary failures fall
// back to local staging and are never surfaced to the SMTP session.
func (t *Tier) Store(ctx context.Context, att model.Attachment) model.StoredAttachment {
	if att.Size > t.cfg.MaxFileSize {
		t.logger.Info("skipping oversized attachment",
			"filename", att.Filename,
			"size", att.Size,
			"max", t.cfg.MaxFileSize,
		)
		t.metrics.IncAttachmentStored("skipped")
		return model.StoredAttachment{Kind: model.StoredSkipped, Reason: SkipReasonSize}
	}

	if t.objects != nil {
		key := fmt.Sprintf("%d-%s", t.now().UnixMilli(), att.Filename)
		url, err := t.objects.Upload(ctx, key, bytes.NewReader(att.Content), att.Size, att.ContentType)
		if err == nil {
			t.metrics.IncAttachmentStored("s3")
			return model.StoredAttachment{Kind: model.StoredObject, URL: url}
		}
		t.logger.Warn("primary store upload failed, staging locally",
			"filename", att.Filename,
			"error", err,
		)
	}

	path, fileID, err := t.local.Save(att.Filename, att.ContentType, att.Content)
	if err != nil {
		t.logger.Error("local staging failed", "filename", att.Filename, "error", err)
		t.metrics.IncAttachmentStored("failed")
		return model.StoredAttachment{Kind: model.StoredFailed, Err: err.Error()}
	}
	t.metrics.IncAttachmentStored("local")

	if t.objects != nil {
		t.mu.Lock()
		t.retry[path] = 0
		t.mu.Unlock()
		t.ensureDrainLoop()
	}

	return model.StoredAttachment{
		Kind:         model.StoredLocal,
		Path:         path,
		AttachmentID: fileID,
		Note:         model.LocalStorageNote,
	}
}

// Read exposes the local store's read path for staged attachments.
func (t *Tier) Read(path string) ([]byte, *Meta, error) {
	return t.local.Read(path)
}

// RetryQueue returns the staged entries awaiting drain, garbage-collecting
// orphaned meta files as a side effect.
func (t *Tier) RetryQueue() ([]Entry, error) {
	return t.local.List()
}

// PendingDrain returns the size of the in-memory retry set.
func (t *Tier) PendingDrain() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.retry)
}

// Stop cancels the tier's background handles. The scheduler owns the timers,
// so a full scheduler Stop covers this too.
func (t *Tier) Stop() {
	t.mu.Lock()
	drain := t.drainHandle
	t.drainHandle = nil
	t.mu.Unlock()

	if drain != nil {
		drain.Cancel()
	}
	if t.retentionH != nil {
		t.retentionH.Cancel()
	}
}
