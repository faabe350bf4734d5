package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Doer abstracts the outbound HTTP transport.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Request identifies the subscription to verify. OrderID and
// SubscriptionOptionID are set when verifying right after a capture;
// plain access checks carry only gallery and buyer.
type Request struct {
	GalleryID            string `json:"galleryId"`
	BuyerID              string `json:"buyerId"`
	OrderID              string `json:"orderId,omitempty"`
	SubscriptionOptionID string `json:"subscriptionOptionId,omitempty"`
}

// Subscription is the platform's record of an active gallery subscription.
type Subscription struct {
	IsActive bool      `json:"isActive"`
	EndDate  time.Time `json:"endDate"`
}

// Result is the platform's authoritative answer about gallery access.
type Result struct {
	HasAccess    bool          `json:"hasAccess"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Active reports whether the result grants access that has not yet lapsed.
func (r Result) Active(now time.Time) bool {
	if !r.HasAccess {
		return false
	}
	if r.Subscription == nil {
		return true
	}
	return r.Subscription.IsActive && r.Subscription.EndDate.After(now)
}

// Client talks to the gallery platform's internal verification endpoint.
type Client struct {
	baseURL string
	http    Doer
}

// NewClient constructs a verification client.
func NewClient(baseURL string, transport Doer) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("verification: base url is required")
	}
	if transport == nil {
		return nil, errors.New("verification: http transport is required")
	}
	return &Client{baseURL: base, http: transport}, nil
}

// Verify asks the platform whether the buyer holds an active subscription.
func (c *Client) Verify(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.GalleryID) == "" || strings.TrimSpace(req.BuyerID) == "" {
		return Result{}, errors.New("verification: gallery and buyer ids are required")
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/internal/v1/subscriptions/verify", bytes.NewReader(encoded))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("verification: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("verification: platform returned %s", resp.Status)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("verification: decode response: %w", err)
	}
	return result, nil
}
