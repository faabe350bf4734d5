package paypal

import (
	"fmt"
	"strings"
)

// OrderStatus enumerates the order states reported by the payment network.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusApproved  OrderStatus = "APPROVED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusError     OrderStatus = "ERROR"
)

// Amount is a currency/value pair as carried on the wire. Value is a decimal
// string, never a float.
type Amount struct {
	Currency string `json:"currency_code"`
	Value    string `json:"value"`
}

// Order is the remote payment-network record representing an intended payment.
type Order struct {
	ID          string      `json:"id"`
	Status      OrderStatus `json:"status"`
	Amount      Amount      `json:"amount"`
	Description string      `json:"description"`
	CustomID    string      `json:"custom_id"`
}

// PurchaseRef is the correlation key binding a payment to a gallery
// subscription. It travels as the order's custom_id.
type PurchaseRef struct {
	GalleryID            string
	BuyerID              string
	SubscriptionOptionID string
	OwnerID              string
}

const purchaseRefDelimiter = "|"

// Encode joins the reference fields into the custom_id wire form. Empty
// trailing segments are preserved so the field count stays fixed.
func (p PurchaseRef) Encode() string {
	return strings.Join([]string{p.GalleryID, p.BuyerID, p.SubscriptionOptionID, p.OwnerID}, purchaseRefDelimiter)
}

// ParsePurchaseRef decodes a custom_id back into its reference fields.
func ParsePurchaseRef(value string) (PurchaseRef, error) {
	parts := strings.Split(value, purchaseRefDelimiter)
	if len(parts) != 4 {
		return PurchaseRef{}, fmt.Errorf("paypal: malformed purchase reference %q", value)
	}
	ref := PurchaseRef{
		GalleryID:            parts[0],
		BuyerID:              parts[1],
		SubscriptionOptionID: parts[2],
		OwnerID:              parts[3],
	}
	if ref.GalleryID == "" || ref.BuyerID == "" {
		return PurchaseRef{}, fmt.Errorf("paypal: purchase reference missing gallery or buyer id")
	}
	return ref, nil
}

// CaptureDetail describes one finalised capture inside a purchase unit.
type CaptureDetail struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount Amount `json:"amount"`
}

// PurchaseUnitPayments groups the captures recorded for a purchase unit.
type PurchaseUnitPayments struct {
	Captures []CaptureDetail `json:"captures"`
}

// PurchaseUnit mirrors the Orders v2 purchase_units entry relevant to capture.
type PurchaseUnit struct {
	Amount   Amount               `json:"amount"`
	Payments PurchaseUnitPayments `json:"payments"`
}

// CaptureResult is the payment network's response to a capture call.
type CaptureResult struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
}
