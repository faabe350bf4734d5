package support

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Doer abstracts the outbound HTTP transport for webhook delivery.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// ReconcileWorker delivers escalations to the support team's webhook. Failed
// deliveries are retried by the task queue.
type ReconcileWorker struct {
	HTTP       Doer
	WebhookURL string
	Logger     zerolog.Logger
}

// HandleReconcile processes one escalation task.
func (w *ReconcileWorker) HandleReconcile(ctx context.Context, task *asynq.Task) error {
	var esc Escalation
	if err := json.Unmarshal(task.Payload(), &esc); err != nil {
		// Malformed payloads never become deliverable; skip retries.
		w.Logger.Error().Err(err).Msg("decode escalation task")
		return fmt.Errorf("decode escalation: %w: %w", err, asynq.SkipRetry)
	}
	if w.WebhookURL == "" {
		w.Logger.Warn().Str("reference", esc.Reference).Msg("no support webhook configured, dropping escalation")
		return nil
	}

	body, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("encode escalation: %w: %w", err, asynq.SkipRetry)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTP.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("deliver escalation %s: %w", esc.Reference, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver escalation %s: webhook returned %s", esc.Reference, resp.Status)
	}

	w.Logger.Info().Str("reference", esc.Reference).Msg("escalation delivered to support")
	return nil
}

// NewMux wires the worker's task handlers.
func (w *ReconcileWorker) NewMux() (*asynq.ServeMux, error) {
	if w == nil || w.HTTP == nil {
		return nil, errors.New("support: reconcile worker requires an http transport")
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeReconcile, w.HandleReconcile)
	return mux, nil
}
