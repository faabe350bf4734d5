package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gallery-paywall/internal/obs"
	"github.com/noah-isme/gallery-paywall/internal/paypal"
	"github.com/noah-isme/gallery-paywall/internal/support"
	"github.com/noah-isme/gallery-paywall/internal/verification"
)

// State is a checkout session's position in the payment flow.
type State string

const (
	StateInitializing     State = "INITIALIZING"
	StateReady            State = "READY"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateCapturing        State = "CAPTURING"
	StateVerifying        State = "VERIFYING"
	StateSucceeded        State = "SUCCEEDED"
	StateFailed           State = "FAILED"
)

// ErrClosed is returned for any operation on a closed session.
var ErrClosed = errors.New("checkout: session closed")

// StateError reports an operation attempted in a state that does not allow it.
type StateError struct {
	Op    string
	State State
}

// Error implements the error interface.
func (e *StateError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("checkout: cannot %s in state %s", e.Op, e.State)
}

// HandleLoader produces the ready payment SDK handle.
type HandleLoader interface {
	Load(ctx context.Context) (*paypal.SDKHandle, error)
}

// OrderClient is the slice of the payment network client a session drives.
type OrderClient interface {
	CreateOrder(ctx context.Context, req paypal.CreateOrderRequest) (paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string) (paypal.CaptureResult, error)
}

// Verifier confirms the subscription after payment.
type Verifier interface {
	Verify(ctx context.Context, req verification.Request) (verification.Result, error)
}

// Escalator files unresolved payments with support.
type Escalator interface {
	Escalate(ctx context.Context, esc support.Escalation) string
}

// Host receives terminal notifications from the session. Implementations are
// optional; a nil host is ignored. Notifications stop once the session is
// closed.
type Host interface {
	OnSuccess(orderID string)
	OnError(err error)
}

// Params describes the purchase a session will drive.
type Params struct {
	GalleryID            string
	BuyerID              string
	SubscriptionOptionID string
	OwnerID              string
	Amount               float64
	Currency             string
	Description          string
}

// Session is one buyer's checkout attempt for one gallery subscription. Its
// state only ever moves forward through the flow, except for retryable
// failures which return it to READY.
type Session struct {
	ID      string
	Params  Params
	Created time.Time

	loader   HandleLoader
	orders   OrderClient
	verifier Verifier
	escalate Escalator
	host     Host
	logger   zerolog.Logger

	alive atomic.Bool

	mu         sync.Mutex
	state      State
	button     *paypal.ButtonInstance
	orderID    string
	failure    error
	supportRef string
}

// Deps carries the collaborators a session needs.
type Deps struct {
	Loader   HandleLoader
	Orders   OrderClient
	Verifier Verifier
	Support  Escalator
	Host     Host
	Logger   zerolog.Logger
}

// NewSession constructs a session in INITIALIZING. Call Activate to bring it
// to READY.
func NewSession(params Params, deps Deps) (*Session, error) {
	if deps.Loader == nil || deps.Orders == nil || deps.Verifier == nil {
		return nil, errors.New("checkout: loader, orders and verifier are required")
	}
	if strings.TrimSpace(params.GalleryID) == "" || strings.TrimSpace(params.BuyerID) == "" {
		return nil, errors.New("checkout: gallery and buyer ids are required")
	}
	if params.Amount <= 0 {
		return nil, errors.New("checkout: amount must be positive")
	}
	s := &Session{
		ID:       uuid.NewString(),
		Params:   params,
		Created:  time.Now(),
		loader:   deps.Loader,
		orders:   deps.Orders,
		verifier: deps.Verifier,
		escalate: deps.Support,
		host:     deps.Host,
		state:    StateInitializing,
	}
	s.logger = deps.Logger.With().
		Str("session_id", s.ID).
		Str("gallery_id", params.GalleryID).
		Str("buyer_id", params.BuyerID).
		Logger()
	s.alive.Store(true)
	return s, nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OrderID returns the order this session created, if any.
func (s *Session) OrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderID
}

// Failure returns the error that moved the session to FAILED, if any.
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// SupportReference returns the support ticket handed to the buyer when a
// captured payment could not be verified.
func (s *Session) SupportReference() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supportRef
}

// Activate loads the payment SDK and binds the payment button, moving the
// session from INITIALIZING to READY. A transient script failure is retried
// once before surfacing.
func (s *Session) Activate(ctx context.Context) error {
	if !s.alive.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	if s.state != StateInitializing {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "activate", State: state}
	}
	s.mu.Unlock()

	handle, err := s.loader.Load(ctx)
	if err != nil && retryableLoad(err) {
		s.logger.Warn().Err(err).Msg("sdk load failed, retrying once")
		handle, err = s.loader.Load(ctx)
	}
	if err != nil {
		s.fail(err, "")
		return err
	}
	if err := handle.Eligible(s.Params.Currency); err != nil {
		s.fail(err, "")
		return err
	}

	if !s.alive.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		return &StateError{Op: "activate", State: s.state}
	}
	s.button = handle.NewButton()
	s.state = StateReady
	s.logger.Info().Str("currency", s.Params.Currency).Msg("checkout session ready")
	return nil
}

func retryableLoad(err error) bool {
	var scriptErr *paypal.ScriptLoadError
	var timeoutErr *paypal.LoadTimeoutError
	return errors.As(err, &scriptErr) || errors.As(err, &timeoutErr)
}

// CreateOrder opens an order with the payment network when the buyer starts
// payment. The session stays READY if creation fails so the buyer can retry.
func (s *Session) CreateOrder(ctx context.Context) (paypal.Order, error) {
	if !s.alive.Load() {
		return paypal.Order{}, ErrClosed
	}
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return paypal.Order{}, &StateError{Op: "create order", State: state}
	}
	s.mu.Unlock()

	order, err := s.orders.CreateOrder(ctx, paypal.CreateOrderRequest{
		GalleryID:            s.Params.GalleryID,
		BuyerID:              s.Params.BuyerID,
		Amount:               s.Params.Amount,
		Currency:             s.Params.Currency,
		SubscriptionOptionID: s.Params.SubscriptionOptionID,
		OwnerID:              s.Params.OwnerID,
		Description:          s.Params.Description,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("order creation failed")
		return paypal.Order{}, err
	}

	if !s.alive.Load() {
		return paypal.Order{}, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return paypal.Order{}, &StateError{Op: "create order", State: s.state}
	}
	s.orderID = order.ID
	s.state = StateAwaitingApproval
	s.logger.Info().Str("order_id", order.ID).Msg("order created, awaiting approval")
	return order, nil
}

// Approve runs capture and verification after the buyer approved the order.
// An already-captured order fails terminally; other capture failures return
// the session to READY for another attempt. A verification failure after a
// completed capture escalates to support and fails terminally.
func (s *Session) Approve(ctx context.Context, orderID string) error {
	if !s.alive.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	if s.state != StateAwaitingApproval {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "approve", State: state}
	}
	if orderID != "" && orderID != s.orderID {
		s.mu.Unlock()
		return fmt.Errorf("checkout: approval for unknown order %s", orderID)
	}
	orderID = s.orderID
	s.state = StateCapturing
	s.mu.Unlock()

	if _, err := s.orders.CaptureOrder(ctx, orderID); err != nil {
		var capErr *paypal.CaptureError
		if errors.As(err, &capErr) && capErr.AlreadyCaptured {
			s.fail(err, "")
			return err
		}
		// Transient capture failure: the buyer may try again.
		if s.alive.Load() {
			s.mu.Lock()
			if s.state == StateCapturing {
				s.state = StateReady
			}
			s.mu.Unlock()
		}
		s.logger.Warn().Err(err).Str("order_id", orderID).Msg("capture failed, session back to ready")
		return err
	}

	if !s.alive.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	if s.state != StateCapturing {
		// The SDK reported an error while the capture was in flight and
		// the session is back in READY. Its outcome is discarded.
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "approve", State: state}
	}
	s.state = StateVerifying
	s.mu.Unlock()

	result, verr := s.verifier.Verify(ctx, verification.Request{
		GalleryID:            s.Params.GalleryID,
		BuyerID:              s.Params.BuyerID,
		OrderID:              orderID,
		SubscriptionOptionID: s.Params.SubscriptionOptionID,
	})
	if verr == nil && result.HasAccess {
		if !s.alive.Load() {
			return ErrClosed
		}
		s.mu.Lock()
		if s.state != StateVerifying {
			state := s.state
			s.mu.Unlock()
			return &StateError{Op: "approve", State: state}
		}
		s.state = StateSucceeded
		s.mu.Unlock()
		recordSession("succeeded")
		s.logger.Info().Str("order_id", orderID).Msg("payment captured and subscription verified")
		s.notifySuccess(orderID)
		return nil
	}

	// Money moved but the subscription is unconfirmed. Support takes over.
	reason := "verification returned no access"
	if verr != nil {
		reason = verr.Error()
	}
	ref := ""
	if s.escalate != nil {
		ref = s.escalate.Escalate(ctx, support.Escalation{
			OrderID:   orderID,
			GalleryID: s.Params.GalleryID,
			BuyerID:   s.Params.BuyerID,
			Reason:    reason,
		})
	}
	ferr := &verification.FailedError{Reference: ref, Message: reason}
	s.fail(ferr, ref)
	return ferr
}

// FailFromSDK records a recoverable payment-button error reported by the SDK
// and returns the session to READY.
func (s *Session) FailFromSDK(err error) {
	if !s.alive.Load() {
		return
	}
	s.mu.Lock()
	switch s.state {
	case StateReady, StateAwaitingApproval, StateCapturing:
		s.state = StateReady
		s.orderID = ""
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.logger.Warn().Err(err).Msg("payment button reported an error")
	s.notifyError(err)
}

// Close tears the session down. No state changes or host notifications happen
// afterwards, even from operations already in flight.
func (s *Session) Close() {
	if !s.alive.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	if s.button != nil {
		s.button.Close()
	}
	terminal := s.state == StateSucceeded || s.state == StateFailed
	s.mu.Unlock()
	if !terminal {
		recordSession("abandoned")
	}
	s.logger.Info().Msg("checkout session closed")
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return !s.alive.Load()
}

func (s *Session) fail(err error, supportRef string) {
	if !s.alive.Load() {
		return
	}
	s.mu.Lock()
	s.state = StateFailed
	s.failure = err
	if supportRef != "" {
		s.supportRef = supportRef
	}
	s.mu.Unlock()
	recordSession("failed")
	s.logger.Error().Err(err).Msg("checkout session failed")
	s.notifyError(err)
}

func (s *Session) notifySuccess(orderID string) {
	if s.host != nil && s.alive.Load() {
		s.host.OnSuccess(orderID)
	}
}

func (s *Session) notifyError(err error) {
	if s.host != nil && s.alive.Load() {
		s.host.OnError(err)
	}
}

func recordSession(result string) {
	if obs.CheckoutSessionTotal != nil {
		obs.CheckoutSessionTotal.WithLabelValues(result).Inc()
	}
}
