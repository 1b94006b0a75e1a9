package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// drainTimeout bounds one upload attempt during reconciliation.
const drainTimeout = 30 * time.Second

// ensureDrainLoop starts the reconciliation timer if it is not already
// running. The loop stops itself once the retry set empties.
func (t *Tier) ensureDrainLoop() {
	if t.objects == nil || t.cfg.RetryInterval <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.drainHandle != nil {
		return
	}
	t.drainHandle = t.sched.Every(t.cfg.RetryInterval, t.drainOnce)
	t.logger.Info("reconciler started", "interval", t.cfg.RetryInterval)
}

// drainOnce attempts to upload every staged attachment to the primary store.
// Content is re-read from disk on each attempt; it is never held in memory
// between rounds.
func (t *Tier) drainOnce() {
	t.mu.Lock()
	paths := make([]string, 0, len(t.retry))
	for p := range t.retry {
		paths = append(paths, p)
	}
	t.mu.Unlock()

	for _, path := range paths {
		err := t.drainItem(path)
		if err == nil {
			t.mu.Lock()
			delete(t.retry, path)
			t.mu.Unlock()
			continue
		}

		t.mu.Lock()
		t.retry[path]++
		attempts := t.retry[path]
		if attempts >= t.cfg.MaxRetries {
			// Give up on this item; retention will reclaim the file.
			delete(t.retry, path)
			t.mu.Unlock()
			t.logger.Error("giving up on staged attachment",
				"path", path,
				"attempts", attempts,
				"error", err,
			)
			continue
		}
		t.mu.Unlock()
		t.logger.Warn("staged attachment upload failed",
			"path", path,
			"attempt", attempts,
			"error", err,
		)
	}

	t.mu.Lock()
	empty := len(t.retry) == 0
	handle := t.drainHandle
	if empty {
		t.drainHandle = nil
	}
	t.mu.Unlock()

	if empty && handle != nil {
		handle.Cancel()
		t.logger.Info("reconciler drained, stopping")
	}
}

// drainItem uploads one staged attachment and removes its files on success.
func (t *Tier) drainItem(path string) error {
	content, meta, err := t.local.Read(path)
	if err != nil {
		return fmt.Errorf("reading staged attachment: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	key := fmt.Sprintf("%d-%s", t.now().UnixMilli(), meta.OriginalName)
	url, err := t.objects.Upload(ctx, key, bytes.NewReader(content), meta.Size, meta.ContentType)
	if err != nil {
		return err
	}

	if err := t.local.Remove(path); err != nil {
		t.logger.Warn("removing drained attachment failed", "path", path, "error", err)
	}

	t.logger.Info("staged attachment uploaded",
		"path", path,
		"url", url,
		"file_id", meta.FileID,
	)
	return nil
}
