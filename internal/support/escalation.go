package support

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gallery-paywall/internal/obs"
)

// TaskTypeReconcile is the asynq task type for manual payment reconciliation.
const TaskTypeReconcile = "support:reconcile"

// Escalation describes a payment that completed but could not be confirmed
// against the buyer's subscription. Support reconciles these by hand.
type Escalation struct {
	Reference  string    `json:"reference"`
	OrderID    string    `json:"orderId"`
	GalleryID  string    `json:"galleryId"`
	BuyerID    string    `json:"buyerId"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Enqueuer is the slice of asynq.Client the escalator needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Escalator files support escalations onto the task queue. Filing never
// fails the caller: a buyer whose money moved must always receive a
// reference, even if the queue is down.
type Escalator struct {
	Tasks  Enqueuer
	Queue  string
	Logger zerolog.Logger
}

// Escalate records the mismatch and returns the support reference to hand to
// the buyer.
func (e *Escalator) Escalate(ctx context.Context, esc Escalation) string {
	esc.Reference = NewReference()
	esc.OccurredAt = time.Now().UTC()

	if obs.SupportEscalations != nil {
		obs.SupportEscalations.Inc()
	}
	e.Logger.Error().
		Str("reference", esc.Reference).
		Str("order_id", esc.OrderID).
		Str("gallery_id", esc.GalleryID).
		Str("buyer_id", esc.BuyerID).
		Str("reason", esc.Reason).
		Msg("payment captured but subscription unconfirmed, escalating to support")

	if e.Tasks == nil {
		return esc.Reference
	}
	payload, err := json.Marshal(esc)
	if err != nil {
		e.Logger.Error().Err(err).Str("reference", esc.Reference).Msg("encode escalation")
		return esc.Reference
	}
	queue := e.Queue
	if queue == "" {
		queue = "support"
	}
	_, err = e.Tasks.EnqueueContext(ctx, asynq.NewTask(TaskTypeReconcile, payload),
		asynq.Queue(queue),
		asynq.MaxRetry(10),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		// The structured log above is the fallback record for support.
		e.Logger.Error().Err(err).Str("reference", esc.Reference).Msg("enqueue escalation")
	}
	return esc.Reference
}

// NewReference produces a short buyer-facing support reference.
func NewReference() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "SUP-" + id[:10]
}
