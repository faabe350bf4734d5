package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/gallery-paywall/internal/obs"
)

// Doer abstracts the outbound HTTP transport so callers can supply the
// resilience-wrapped client.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// ClientConfig carries the credentials and transport for the Orders client.
type ClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTP         Doer
}

// Client is a thin, precisely-contracted wrapper around the Orders v2 API.
type Client struct {
	baseURL  string
	http     Doer
	tokens   *tokenSource
	validate *validator.Validate
}

// NewClient constructs an Orders client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HTTP == nil {
		return nil, errors.New("paypal: http transport is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("paypal: base url is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("paypal: client credentials are required")
	}
	return &Client{
		baseURL: base,
		http:    cfg.HTTP,
		tokens: &tokenSource{
			baseURL:      base,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			http:         cfg.HTTP,
		},
		validate: validator.New(),
	}, nil
}

// CreateOrderRequest carries the purchase parameters for a new order.
type CreateOrderRequest struct {
	GalleryID            string  `validate:"required"`
	BuyerID              string  `validate:"required"`
	Amount               float64 `validate:"required,gt=0"`
	Currency             string  `validate:"required,len=3"`
	SubscriptionOptionID string
	OwnerID              string
	Description          string
}

type createOrderBody struct {
	Intent        string                 `json:"intent"`
	PurchaseUnits []createOrderUnitEntry `json:"purchase_units"`
}

type createOrderUnitEntry struct {
	Amount      Amount `json:"amount"`
	CustomID    string `json:"custom_id"`
	Description string `json:"description,omitempty"`
}

// CreateOrder opens a new order with the payment network. Invalid parameters
// are rejected before any network I/O.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	if err := c.validate.Struct(req); err != nil {
		return Order{}, &OrderCreationError{Err: fmt.Errorf("invalid order request: %w", err)}
	}

	ref := PurchaseRef{
		GalleryID:            req.GalleryID,
		BuyerID:              req.BuyerID,
		SubscriptionOptionID: req.SubscriptionOptionID,
		OwnerID:              req.OwnerID,
	}
	body := createOrderBody{
		Intent: "CAPTURE",
		PurchaseUnits: []createOrderUnitEntry{{
			Amount: Amount{
				Currency: strings.ToUpper(req.Currency),
				Value:    fmt.Sprintf("%.2f", req.Amount),
			},
			CustomID:    ref.Encode(),
			Description: req.Description,
		}},
	}

	var created struct {
		ID     string      `json:"id"`
		Status OrderStatus `json:"status"`
	}
	if err := c.postJSON(ctx, "/v2/checkout/orders", body, &created, nil); err != nil {
		recordOrder(req.Currency, "error")
		return Order{}, &OrderCreationError{Err: err}
	}
	if created.ID == "" {
		recordOrder(req.Currency, "error")
		return Order{}, &OrderCreationError{Err: errors.New("order response missing id")}
	}
	recordOrder(req.Currency, "created")
	return Order{
		ID:          created.ID,
		Status:      created.Status,
		Amount:      body.PurchaseUnits[0].Amount,
		Description: req.Description,
		CustomID:    body.PurchaseUnits[0].CustomID,
	}, nil
}

// CaptureOrder finalises an approved order so funds move. HTTP 400 responses
// are reported as already-captured rather than a generic failure.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (CaptureResult, error) {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return CaptureResult{}, &CaptureError{Err: errors.New("order id is required")}
	}

	var result CaptureResult
	status := 0
	err := c.postJSON(ctx, "/v2/checkout/orders/"+trimmed+"/capture", nil, &result, &status)
	if err != nil {
		if status == http.StatusBadRequest {
			recordCapture("already_captured")
			return CaptureResult{}, &CaptureError{OrderID: trimmed, AlreadyCaptured: true, Err: err}
		}
		recordCapture("error")
		return CaptureResult{}, &CaptureError{OrderID: trimmed, Err: err}
	}
	if result.Status != string(OrderStatusCompleted) {
		recordCapture("incomplete")
		return CaptureResult{}, &CaptureError{OrderID: trimmed, Err: fmt.Errorf("capture status %s", result.Status)}
	}
	recordCapture("completed")
	return result, nil
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return Order{}, errors.New("paypal: order id is required")
	}
	token, err := c.tokens.accessToken(ctx)
	if err != nil {
		return Order{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/checkout/orders/"+trimmed, nil)
	if err != nil {
		return Order{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.invalidate()
	}
	if resp.StatusCode != http.StatusOK {
		return Order{}, fmt.Errorf("paypal: get order returned %s", resp.Status)
	}

	var payload struct {
		ID            string      `json:"id"`
		Status        OrderStatus `json:"status"`
		PurchaseUnits []struct {
			Amount      Amount `json:"amount"`
			CustomID    string `json:"custom_id"`
			Description string `json:"description"`
		} `json:"purchase_units"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Order{}, fmt.Errorf("paypal: decode order: %w", err)
	}
	order := Order{ID: payload.ID, Status: payload.Status}
	if len(payload.PurchaseUnits) > 0 {
		order.Amount = payload.PurchaseUnits[0].Amount
		order.CustomID = payload.PurchaseUnits[0].CustomID
		order.Description = payload.PurchaseUnits[0].Description
	}
	return order, nil
}

// postJSON issues an authenticated POST and decodes the response into out.
// When statusOut is non-nil it receives the HTTP status code of the response,
// including error responses.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any, statusOut *int) error {
	token, err := c.tokens.accessToken(ctx)
	if err != nil {
		return err
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if statusOut != nil {
		*statusOut = resp.StatusCode
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("paypal: %s returned %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("paypal: decode response: %w", err)
	}
	return nil
}

func recordOrder(currency, result string) {
	if obs.OrderTotal != nil {
		obs.OrderTotal.WithLabelValues(strings.ToUpper(currency), result).Inc()
	}
}

func recordCapture(result string) {
	if obs.CaptureTotal != nil {
		obs.CaptureTotal.WithLabelValues(result).Inc()
	}
}
