package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/gallery-paywall/internal/common"
	"github.com/noah-isme/gallery-paywall/internal/paypal"
	"github.com/noah-isme/gallery-paywall/internal/verification"
)

// AccessChecker answers whether a buyer currently has gallery access.
type AccessChecker interface {
	CheckAccess(ctx context.Context, galleryID, buyerID string) (bool, error)
}

// Handler exposes the checkout session lifecycle over HTTP.
type Handler struct {
	Registry *Registry
	Deps     Deps
	Access   AccessChecker
	Validate *validator.Validate
	Currency string
}

type createSessionRequest struct {
	GalleryID            string  `json:"galleryId" validate:"required"`
	SubscriptionOptionID string  `json:"subscriptionOptionId"`
	OwnerID              string  `json:"ownerId"`
	Amount               float64 `json:"amount" validate:"required,gt=0"`
	Currency             string  `json:"currency" validate:"omitempty,len=3"`
	Description          string  `json:"description" validate:"max=256"`
}

// CreateSession builds a session, activates the payment SDK and registers it.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Registry == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout not configured", nil)
		return
	}
	buyerID, ok := common.BuyerID(r.Context())
	if !ok || buyerID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	var payload createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
			return
		}
	}
	currency := payload.Currency
	if currency == "" {
		currency = h.Currency
	}

	session, err := NewSession(Params{
		GalleryID:            payload.GalleryID,
		BuyerID:              buyerID,
		SubscriptionOptionID: payload.SubscriptionOptionID,
		OwnerID:              payload.OwnerID,
		Amount:               payload.Amount,
		Currency:             currency,
		Description:          payload.Description,
	}, h.Deps)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}

	if err := session.Activate(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.Registry.Put(session)
	common.JSON(w, http.StatusCreated, map[string]any{"data": sessionView(session)})
}

// SessionStatus reports the session's current state.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	session := h.session(w, r)
	if session == nil {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": sessionView(session)})
}

// CreateOrder opens an order for the session when the buyer starts payment.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	session := h.session(w, r)
	if session == nil {
		return
	}
	order, err := session.CreateOrder(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
		"orderId": order.ID,
		"status":  order.Status,
	}})
}

type approveRequest struct {
	OrderID string `json:"orderId"`
}

// Approve captures and verifies the approved order.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	session := h.session(w, r)
	if session == nil {
		return
	}
	var payload approveRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := session.Approve(r.Context(), payload.OrderID); err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": sessionView(session)})
}

type reportErrorRequest struct {
	Message string `json:"message"`
}

// ReportError records a payment-button error reported by the client SDK.
func (h *Handler) ReportError(w http.ResponseWriter, r *http.Request) {
	session := h.session(w, r)
	if session == nil {
		return
	}
	var payload reportErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if payload.Message == "" {
		payload.Message = "payment button error"
	}
	session.FailFromSDK(errors.New(payload.Message))
	common.JSON(w, http.StatusAccepted, map[string]any{"data": sessionView(session)})
}

// CloseSession tears the session down and unregisters it.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := common.BuyerID(r.Context())
	if !ok || buyerID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	id := chi.URLParam(r, "sessionId")
	session, found := h.Registry.Get(id)
	if !found || session.Params.BuyerID != buyerID {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
		return
	}
	h.Registry.Remove(id)
	session.Close()
	w.WriteHeader(http.StatusNoContent)
}

// GalleryAccess answers whether the authenticated buyer can view a gallery.
func (h *Handler) GalleryAccess(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Access == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "verification not configured", nil)
		return
	}
	buyerID, ok := common.BuyerID(r.Context())
	if !ok || buyerID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	galleryID := chi.URLParam(r, "galleryId")
	if galleryID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "gallery id is required", nil)
		return
	}
	hasAccess, err := h.Access.CheckAccess(r.Context(), galleryID, buyerID)
	if err != nil {
		common.JSONError(w, http.StatusBadGateway, "VERIFICATION_UNAVAILABLE", "could not verify gallery access", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"galleryId": galleryID,
		"hasAccess": hasAccess,
	}})
}

// Routes mounts the checkout endpoints on the given router. Callers wrap it
// with authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/checkout/sessions", h.CreateSession)
	r.Get("/checkout/sessions/{sessionId}", h.SessionStatus)
	r.Post("/checkout/sessions/{sessionId}/order", h.CreateOrder)
	r.Post("/checkout/sessions/{sessionId}/approve", h.Approve)
	r.Post("/checkout/sessions/{sessionId}/error", h.ReportError)
	r.Delete("/checkout/sessions/{sessionId}", h.CloseSession)
	r.Get("/galleries/{galleryId}/access", h.GalleryAccess)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) *Session {
	if h == nil || h.Registry == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout not configured", nil)
		return nil
	}
	buyerID, ok := common.BuyerID(r.Context())
	if !ok || buyerID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return nil
	}
	id := chi.URLParam(r, "sessionId")
	session, found := h.Registry.Get(id)
	if !found || session.Params.BuyerID != buyerID {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
		return nil
	}
	return session
}

func sessionView(s *Session) map[string]any {
	view := map[string]any{
		"sessionId": s.ID,
		"galleryId": s.Params.GalleryID,
		"state":     s.State(),
	}
	if orderID := s.OrderID(); orderID != "" {
		view["orderId"] = orderID
	}
	if ref := s.SupportReference(); ref != "" {
		view["supportReference"] = ref
	}
	return view
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var stateErr *StateError
	var scriptErr *paypal.ScriptLoadError
	var timeoutErr *paypal.LoadTimeoutError
	var ineligibleErr *paypal.IneligibleConfigurationError
	var orderErr *paypal.OrderCreationError
	var captureErr *paypal.CaptureError
	var verifyErr *verification.FailedError

	switch {
	case errors.Is(err, ErrClosed):
		common.JSONError(w, http.StatusGone, "SESSION_CLOSED", "checkout session is closed", nil)
	case errors.As(err, &stateErr):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", stateErr.Error(), map[string]any{
			"state": stateErr.State,
		})
	case errors.As(err, &scriptErr):
		common.JSONError(w, http.StatusBadGateway, "SDK_UNAVAILABLE", "payment sdk could not be loaded", nil)
	case errors.As(err, &timeoutErr):
		common.JSONError(w, http.StatusGatewayTimeout, "SDK_TIMEOUT", "payment sdk did not become ready", nil)
	case errors.As(err, &ineligibleErr):
		common.JSONError(w, http.StatusUnprocessableEntity, "INELIGIBLE_CONFIGURATION", ineligibleErr.Error(), nil)
	case errors.As(err, &orderErr):
		common.JSONError(w, http.StatusBadGateway, "ORDER_CREATION_FAILED", "could not create the payment order", nil)
	case errors.As(err, &captureErr) && captureErr.AlreadyCaptured:
		common.JSONError(w, http.StatusConflict, "ALREADY_CAPTURED", "order was already captured", map[string]any{
			"orderId": captureErr.OrderID,
		})
	case errors.As(err, &captureErr):
		common.JSONError(w, http.StatusBadGateway, "CAPTURE_FAILED", "payment capture failed, please retry", nil)
	case errors.As(err, &verifyErr):
		common.JSONError(w, http.StatusBadGateway, "VERIFICATION_FAILED",
			"payment completed but the subscription could not be confirmed", map[string]any{
				"supportReference": verifyErr.Reference,
			})
	default:
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	}
}
