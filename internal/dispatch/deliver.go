package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mailhook-dev/mailhook/internal/errclass"
	"github.com/mailhook-dev/mailhook/internal/model"
	"github.com/mailhook-dev/mailhook/internal/queue"
	"github.com/mailhook-dev/mailhook/internal/router"
)

// Result is the outcome of one POST to one target.
type Result struct {
	Webhook  string `json:"webhook"`
	RuleName string `json:"ruleName"`
	Status   int    `json:"status"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// process runs the full delivery cycle for one task id.
func (d *Dispatcher) process(ctx context.Context, id string) {
	defer d.done()

	ctx, span := d.tracer.Start(ctx, "dispatch.process",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	task, err := d.tasks.Get(id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			// Already settled by a previous cycle.
			return
		}
		d.logger.Error("loading task failed", "task_id", id, "error", err)
		d.metrics.IncTaskProcessed("load_error")
		return
	}

	targets := d.router.Route(&task.Parsed)
	if len(targets) == 0 {
		d.logger.Error("no webhook targets for task, leaving for operator",
			"task_id", id,
			"subject", task.Parsed.Subject,
		)
		d.metrics.IncTaskProcessed("unroutable")
		return
	}

	// A previous cycle may have narrowed delivery to the targets that
	// failed then.
	if task.FailedWebhooks != nil {
		targets = restrictTargets(targets, task.FailedWebhooks)
		if len(targets) == 0 {
			d.logger.Info("previously failed webhooks no longer routed, settling task", "task_id", id)
			if err := d.tasks.Remove(id); err != nil {
				d.logger.Error("removing settled task failed", "task_id", id, "error", err)
			}
			d.metrics.IncTaskProcessed("settled")
			return
		}
	}

	remaining := targets
	attempts := 0
	var lastErr string

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempts < d.cfg.MaxRetries {
		attempts++
		results := d.deliverAll(ctx, &task.Parsed, remaining)

		var failed []router.Target
		for i, res := range results {
			if !res.Success {
				failed = append(failed, remaining[i])
				lastErr = res.Error
			}
		}

		if len(failed) == 0 {
			if err := d.tasks.Remove(id); err != nil {
				d.logger.Error("removing delivered task failed", "task_id", id, "error", err)
			}
			d.logger.Info("task delivered",
				"task_id", id,
				"targets", len(targets),
				"attempts", attempts,
			)
			d.metrics.IncTaskProcessed("delivered")
			return
		}

		if len(failed) < len(remaining) {
			// Partial success: only the failed subset carries over, and it
			// waits for the deferred cycle rather than an in-worker retry.
			remaining = failed
			d.logger.Warn("partial delivery, deferring failed subset",
				"task_id", id,
				"failed", len(failed),
				"error", lastErr,
			)
			break
		}

		// Every target failed; retry the whole set in-worker.
		remaining = failed
		d.logger.Warn("delivery attempt failed",
			"task_id", id,
			"attempt", attempts,
			"failed", len(failed),
			"error", lastErr,
		)

		if attempts >= d.cfg.MaxRetries {
			break
		}
		if !d.sleep(ctx, bo.NextBackOff()) {
			break
		}
	}

	// Exhausted: persist the failed subset and come back later.
	failedURLs := make([]string, 0, len(remaining))
	for _, t := range remaining {
		failedURLs = append(failedURLs, t.Webhook)
	}
	if err := d.tasks.Update(id, queue.Patch{
		FailedWebhooks: failedURLs,
		LastError:      lastErr,
		AddAttempts:    attempts,
	}); err != nil {
		d.logger.Error("persisting failed delivery state failed", "task_id", id, "error", err)
	}
	d.metrics.IncTaskProcessed("deferred")

	if d.cfg.RetryDelay > 0 {
		d.sched.After(d.cfg.RetryDelay, func() {
			d.Enqueue(id)
		})
		d.logger.Info("task deferred for retry",
			"task_id", id,
			"failed_webhooks", len(failedURLs),
			"retry_in", d.cfg.RetryDelay,
		)
	}
}

// sleep waits for the backoff interval unless the context ends first. The
// worker slot is held, but shutdown can always interrupt the wait.
func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// deliverAll posts the email to each target in order and accumulates
// per-target results.
func (d *Dispatcher) deliverAll(ctx context.Context, email *model.ParsedEmail, targets []router.Target) []Result {
	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		res := d.deliverOne(ctx, email, target)
		results = append(results, res)
	}
	return results
}

// deliverOne performs a single signed POST. Any non-2xx response or
// transport error is a failure.
func (d *Dispatcher) deliverOne(ctx context.Context, email *model.ParsedEmail, target router.Target) Result {
	res := Result{Webhook: target.Webhook, RuleName: target.RuleName}

	payload, err := buildPayload(email, target)
	if err != nil {
		res.Error = fmt.Sprintf("encoding payload: %v", err)
		d.metrics.ObserveDelivery("encode_error", 0)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Webhook, bytes.NewReader(payload))
	if err != nil {
		res.Error = fmt.Sprintf("building request: %v", err)
		d.metrics.ObserveDelivery("request_error", 0)
		return res
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	if d.cfg.Secret != "" {
		timestamp := time.Now().UnixMilli()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
		req.Header.Set(HeaderSignature, Sign(payload, d.cfg.Secret, timestamp))
		req.Header.Set(HeaderSignatureVersion, SignatureVersion)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		res.Error = err.Error()
		if errclass.IsRecoverable(err) {
			d.logger.Warn("webhook transport error", "webhook", target.Webhook, "error", err)
		}
		d.metrics.ObserveDelivery("transport_error", elapsed)
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	res.Status = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
		d.metrics.ObserveDelivery("success", elapsed)
	} else {
		res.Error = fmt.Sprintf("%s returned status %d", target.Webhook, resp.StatusCode)
		d.metrics.ObserveDelivery("http_error", elapsed)
	}
	return res
}

// buildPayload merges the parsed email with the per-target _webhookMeta.
func buildPayload(email *model.ParsedEmail, target router.Target) ([]byte, error) {
	data, err := json.Marshal(email)
	if err != nil {
		return nil, err
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	merged["_webhookMeta"] = map[string]interface{}{
		"webhook":  target.Webhook,
		"ruleName": target.RuleName,
		"priority": target.Priority,
	}
	return json.Marshal(merged)
}

// restrictTargets keeps only the routed targets whose URL is in the failed
// set from the previous cycle.
func restrictTargets(targets []router.Target, failed []string) []router.Target {
	failedSet := make(map[string]struct{}, len(failed))
	for _, url := range failed {
		failedSet[strings.TrimSpace(url)] = struct{}{}
	}
	kept := targets[:0]
	for _, t := range targets {
		if _, ok := failedSet[t.Webhook]; ok {
			kept = append(kept, t)
		}
	}
	return kept
}
