package support_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gallery-paywall/internal/support"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestEscalateEnqueuesReconcileTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	esc := &support.Escalator{Tasks: enq, Queue: "support", Logger: zerolog.Nop()}

	ref := esc.Escalate(context.Background(), support.Escalation{
		OrderID:   "ORD-1",
		GalleryID: "gal-1",
		BuyerID:   "buyer-1",
		Reason:    "verification failed after capture",
	})
	require.True(t, strings.HasPrefix(ref, "SUP-"))
	require.Len(t, ref, 14)

	require.Len(t, enq.tasks, 1)
	require.Equal(t, support.TaskTypeReconcile, enq.tasks[0].Type())

	var payload support.Escalation
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, ref, payload.Reference)
	require.Equal(t, "ORD-1", payload.OrderID)
	require.Equal(t, "gal-1", payload.GalleryID)
	require.False(t, payload.OccurredAt.IsZero())
}

func TestEscalateReturnsReferenceWhenQueueDown(t *testing.T) {
	esc := &support.Escalator{
		Tasks:  &fakeEnqueuer{err: errors.New("redis down")},
		Logger: zerolog.Nop(),
	}
	ref := esc.Escalate(context.Background(), support.Escalation{OrderID: "ORD-1"})
	require.True(t, strings.HasPrefix(ref, "SUP-"))
}

type doerFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f doerFunc) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

func TestHandleReconcileDeliversWebhook(t *testing.T) {
	var delivered support.Escalation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&delivered))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := &support.ReconcileWorker{
		HTTP: doerFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return http.DefaultClient.Do(req)
		}),
		WebhookURL: srv.URL,
		Logger:     zerolog.Nop(),
	}

	payload, err := json.Marshal(support.Escalation{Reference: "SUP-ABCDEF1234", OrderID: "ORD-1"})
	require.NoError(t, err)
	err = worker.HandleReconcile(context.Background(), asynq.NewTask(support.TaskTypeReconcile, payload))
	require.NoError(t, err)
	require.Equal(t, "SUP-ABCDEF1234", delivered.Reference)
}

func TestHandleReconcileRetriesOnWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "on call asleep", http.StatusBadGateway)
	}))
	defer srv.Close()

	worker := &support.ReconcileWorker{
		HTTP: doerFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return http.DefaultClient.Do(req)
		}),
		WebhookURL: srv.URL,
		Logger:     zerolog.Nop(),
	}

	payload, _ := json.Marshal(support.Escalation{Reference: "SUP-ABCDEF1234"})
	err := worker.HandleReconcile(context.Background(), asynq.NewTask(support.TaskTypeReconcile, payload))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleReconcileSkipsMalformedPayload(t *testing.T) {
	worker := &support.ReconcileWorker{
		HTTP: doerFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			t.Fatal("malformed payload must not be delivered")
			return nil, nil
		}),
		WebhookURL: "http://support.invalid",
		Logger:     zerolog.Nop(),
	}
	err := worker.HandleReconcile(context.Background(), asynq.NewTask(support.TaskTypeReconcile, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
