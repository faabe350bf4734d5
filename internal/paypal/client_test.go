package paypal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gallery-paywall/internal/paypal"
)

type doerFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f doerFunc) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

func plainDoer() paypal.Doer {
	return doerFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return http.DefaultClient.Do(req)
	})
}

func serveToken(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "test-token",
		"expires_in":   3600,
	})
}

func newTestClient(t *testing.T, baseURL string) *paypal.Client {
	t.Helper()
	client, err := paypal.NewClient(paypal.ClientConfig{
		BaseURL:      baseURL,
		ClientID:     "client-abc",
		ClientSecret: "secret-xyz",
		HTTP:         plainDoer(),
	})
	require.NoError(t, err)
	return client
}

func TestCreateOrderRejectsInvalidRequestBeforeNetwork(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		serveToken(w)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	cases := []struct {
		name string
		req  paypal.CreateOrderRequest
	}{
		{"zero amount", paypal.CreateOrderRequest{GalleryID: "g1", BuyerID: "b1", Amount: 0, Currency: "USD"}},
		{"negative amount", paypal.CreateOrderRequest{GalleryID: "g1", BuyerID: "b1", Amount: -5, Currency: "USD"}},
		{"missing gallery", paypal.CreateOrderRequest{BuyerID: "b1", Amount: 10, Currency: "USD"}},
		{"missing buyer", paypal.CreateOrderRequest{GalleryID: "g1", Amount: 10, Currency: "USD"}},
		{"bad currency", paypal.CreateOrderRequest{GalleryID: "g1", BuyerID: "b1", Amount: 10, Currency: "US"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.CreateOrder(context.Background(), tc.req)
			var orderErr *paypal.OrderCreationError
			require.ErrorAs(t, err, &orderErr)
		})
	}
	require.EqualValues(t, 0, requests.Load(), "invalid requests must not reach the network")
}

func TestCreateOrder(t *testing.T) {
	var capturedBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth2/token":
			serveToken(w)
		case "/v2/checkout/orders":
			require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&capturedBody))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "ORD-123", "status": "CREATED"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	order, err := client.CreateOrder(context.Background(), paypal.CreateOrderRequest{
		GalleryID:            "gal-1",
		BuyerID:              "buyer-9",
		Amount:               25,
		Currency:             "usd",
		SubscriptionOptionID: "opt-3",
		OwnerID:              "owner-7",
		Description:          "Monthly access",
	})
	require.NoError(t, err)
	require.Equal(t, "ORD-123", order.ID)
	require.Equal(t, paypal.OrderStatusCreated, order.Status)
	require.Equal(t, "gal-1|buyer-9|opt-3|owner-7", order.CustomID)

	require.Equal(t, "CAPTURE", capturedBody["intent"])
	units := capturedBody["purchase_units"].([]any)
	require.Len(t, units, 1)
	unit := units[0].(map[string]any)
	require.Equal(t, "gal-1|buyer-9|opt-3|owner-7", unit["custom_id"])
	amount := unit["amount"].(map[string]any)
	require.Equal(t, "USD", amount["currency_code"])
	require.Equal(t, "25.00", amount["value"])
}

func TestCaptureOrder(t *testing.T) {
	var captureStatus atomic.Int32
	var captureBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth2/token":
			serveToken(w)
		case "/v2/checkout/orders/ORD-123/capture":
			code := int(captureStatus.Load())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			if body, ok := captureBody.Load().(map[string]any); ok && code == http.StatusCreated {
				_ = json.NewEncoder(w).Encode(body)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	t.Run("completed", func(t *testing.T) {
		captureStatus.Store(http.StatusCreated)
		captureBody.Store(map[string]any{
			"id":     "ORD-123",
			"status": "COMPLETED",
			"purchase_units": []map[string]any{{
				"payments": map[string]any{
					"captures": []map[string]any{{
						"id":     "CAP-1",
						"status": "COMPLETED",
						"amount": map[string]any{"currency_code": "USD", "value": "25.00"},
					}},
				},
			}},
		})
		result, err := client.CaptureOrder(context.Background(), "ORD-123")
		require.NoError(t, err)
		require.Equal(t, "COMPLETED", result.Status)
		require.Len(t, result.PurchaseUnits, 1)
		require.Equal(t, "CAP-1", result.PurchaseUnits[0].Payments.Captures[0].ID)
	})

	t.Run("already captured on 400", func(t *testing.T) {
		captureStatus.Store(http.StatusBadRequest)
		_, err := client.CaptureOrder(context.Background(), "ORD-123")
		var capErr *paypal.CaptureError
		require.ErrorAs(t, err, &capErr)
		require.True(t, capErr.AlreadyCaptured)
		require.Equal(t, "ORD-123", capErr.OrderID)
	})

	t.Run("transient failure on 500", func(t *testing.T) {
		captureStatus.Store(http.StatusInternalServerError)
		_, err := client.CaptureOrder(context.Background(), "ORD-123")
		var capErr *paypal.CaptureError
		require.ErrorAs(t, err, &capErr)
		require.False(t, capErr.AlreadyCaptured)
	})

	t.Run("incomplete status", func(t *testing.T) {
		captureStatus.Store(http.StatusCreated)
		captureBody.Store(map[string]any{"id": "ORD-123", "status": "PENDING"})
		_, err := client.CaptureOrder(context.Background(), "ORD-123")
		var capErr *paypal.CaptureError
		require.ErrorAs(t, err, &capErr)
		require.False(t, capErr.AlreadyCaptured)
	})
}

func TestPurchaseRefRoundTrip(t *testing.T) {
	ref := paypal.PurchaseRef{
		GalleryID:            "gal-1",
		BuyerID:              "buyer-9",
		SubscriptionOptionID: "opt-3",
		OwnerID:              "owner-7",
	}
	parsed, err := paypal.ParsePurchaseRef(ref.Encode())
	require.NoError(t, err)
	require.Equal(t, ref, parsed)

	sparse := paypal.PurchaseRef{GalleryID: "gal-1", BuyerID: "buyer-9"}
	require.Equal(t, "gal-1|buyer-9||", sparse.Encode())
	parsed, err = paypal.ParsePurchaseRef(sparse.Encode())
	require.NoError(t, err)
	require.Equal(t, sparse, parsed)

	_, err = paypal.ParsePurchaseRef("gal-1|buyer-9")
	require.Error(t, err)
	_, err = paypal.ParsePurchaseRef("|buyer-9||")
	require.Error(t, err)
}

func TestScriptRuntimeEligibility(t *testing.T) {
	var scriptHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sdk/js", r.URL.Path)
		require.Equal(t, "client-abc", r.URL.Query().Get("client-id"))
		require.Equal(t, "USD", r.URL.Query().Get("currency"))
		require.Equal(t, "capture", r.URL.Query().Get("intent"))
		scriptHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := &paypal.ScriptRuntime{BaseURL: srv.URL, HTTP: plainDoer()}
	cfg := paypal.NewSDKConfig("client-abc", "USD", []string{"credit"}, false)
	require.Nil(t, rt.Handle())
	require.NoError(t, rt.Inject(context.Background(), cfg))
	require.EqualValues(t, 1, scriptHits.Load())

	handle := rt.Handle()
	require.NotNil(t, handle)
	require.NoError(t, handle.Eligible("usd"))

	var ineligible *paypal.IneligibleConfigurationError
	require.ErrorAs(t, handle.Eligible("EUR"), &ineligible)
	require.Equal(t, "EUR", ineligible.Currency)

	rt.Remove()
	require.Nil(t, rt.Handle())
}
