package paypal

import (
	"fmt"
	"time"
)

// ScriptLoadError indicates the SDK script itself could not be fetched.
// A subsequent load attempt may succeed.
type ScriptLoadError struct {
	Err error
}

// Error implements the error interface.
func (e *ScriptLoadError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("paypal: sdk script load failed: %v", e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ScriptLoadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LoadTimeoutError indicates the SDK never signalled readiness within the
// bounded wait window. A subsequent load attempt may succeed.
type LoadTimeoutError struct {
	Waited time.Duration
}

// Error implements the error interface.
func (e *LoadTimeoutError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("paypal: sdk not ready after %s", e.Waited)
}

// IneligibleConfigurationError indicates the SDK refuses the requested
// currency/funding combination. Not retryable without changing parameters.
type IneligibleConfigurationError struct {
	Currency string
	Reason   string
}

// Error implements the error interface.
func (e *IneligibleConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return fmt.Sprintf("paypal: configuration ineligible for currency %s", e.Currency)
	}
	return fmt.Sprintf("paypal: configuration ineligible for currency %s: %s", e.Currency, e.Reason)
}

// OrderCreationError indicates the payment network rejected order creation,
// or the request failed local validation before any network call.
type OrderCreationError struct {
	Err error
}

// Error implements the error interface.
func (e *OrderCreationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("paypal: order creation failed: %v", e.Err)
}

// Unwrap exposes the underlying cause.
func (e *OrderCreationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CaptureError indicates an approved order could not be captured. The
// AlreadyCaptured flag distinguishes the common double-capture case, which is
// not retryable, from transient failures, which are.
type CaptureError struct {
	OrderID         string
	AlreadyCaptured bool
	Err             error
}

// Error implements the error interface.
func (e *CaptureError) Error() string {
	if e == nil {
		return ""
	}
	if e.AlreadyCaptured {
		return fmt.Sprintf("paypal: order %s already captured or invalid", e.OrderID)
	}
	return fmt.Sprintf("paypal: capture of order %s failed: %v", e.OrderID, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *CaptureError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
