package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
	"github.com/hanko-field/markdown-authz/internal/platform/auth"
	"github.com/hanko-field/markdown-authz/internal/platform/httpx"
	"github.com/hanko-field/markdown-authz/internal/platform/observability"
	"github.com/hanko-field/markdown-authz/internal/platform/requestctx"
	"github.com/hanko-field/markdown-authz/internal/services"
)

const maxMarkdownBodySize = 8 * 1024

// MarkdownHandlers exposes markdown authorization sessions to point-of-sale terminals.
type MarkdownHandlers struct {
	authn     *auth.Authenticator
	sessions  services.MarkdownSessionService
	formatter *services.MarkdownFormatter
}

// NewMarkdownHandlers constructs handlers enforcing Firebase authentication before touching sessions.
func NewMarkdownHandlers(authn *auth.Authenticator, sessions services.MarkdownSessionService, formatter *services.MarkdownFormatter) *MarkdownHandlers {
	return &MarkdownHandlers{
		authn:     authn,
		sessions:  sessions,
		formatter: formatter,
	}
}

// Routes wires the /markdown endpoints onto the provided router.
func (h *MarkdownHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(domain.TierAssociate))
	}
	r.Use(observability.IdentityFieldsMiddleware)

	r.Post("/sessions", h.openSession)
	r.Get("/sessions/{sessionId}", h.getSession)
	r.Delete("/sessions/{sessionId}", h.closeSession)
	r.Post("/sessions/{sessionId}:validate", h.validateMarkdown)
	r.Post("/sessions/{sessionId}:apply", h.applyMarkdown)
	r.Post("/sessions/{sessionId}/override", h.requestOverride)
	r.Delete("/sessions/{sessionId}/override", h.cancelOverride)
	r.Post("/sessions/{sessionId}/override:authorize", h.authorizeOverride)
	r.Delete("/sessions/{sessionId}/elevation", h.clearElevation)
	r.Post("/discounts:calculate", h.calculateDiscount)
	r.Get("/tiers", h.listTiers)
	r.Get("/tiers/{tier}", h.getTier)
}

type markdownRequest struct {
	LineID    string   `json:"lineId"`
	Type      string   `json:"type"`
	Value     *float64 `json:"value"`
	Reason    string   `json:"reason"`
	Notes     string   `json:"notes"`
	ItemPrice *float64 `json:"itemPrice"`
	ItemName  string   `json:"itemName"`
}

func (req markdownRequest) input() domain.MarkdownInput {
	return domain.MarkdownInput{
		LineID: strings.TrimSpace(req.LineID),
		Type:   domain.MarkdownType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Value:  req.Value,
		Reason: domain.ReasonCode(strings.ToUpper(strings.TrimSpace(req.Reason))),
		Notes:  req.Notes,
	}
}

func (req markdownRequest) price() (float64, error) {
	if req.ItemPrice == nil {
		return 0, errors.New("itemPrice is required")
	}
	if !finiteNonNegative(*req.ItemPrice) {
		return 0, errors.New("itemPrice must be a non-negative number")
	}
	return *req.ItemPrice, nil
}

type authorizeRequest struct {
	ManagerID string `json:"managerId"`
	PIN       string `json:"pin"`
}

type calculateRequest struct {
	Type      string  `json:"type"`
	Value     float64 `json:"value"`
	ItemPrice float64 `json:"itemPrice"`
}

type sessionResponse struct {
	Session        services.SessionSnapshot `json:"session"`
	PendingSummary string                   `json:"pendingSummary,omitempty"`
}

type validateResponse struct {
	Validation  domain.ValidationResult `json:"validation"`
	Discount    domain.DiscountOutcome  `json:"discount"`
	MaxDiscount float64                 `json:"maxDiscount"`
	Summary     string                  `json:"summary,omitempty"`
}

type applyResponse struct {
	Markdown domain.AppliedMarkdown `json:"markdown"`
	Summary  string                 `json:"summary,omitempty"`
}

type overrideResponse struct {
	Override domain.OverrideRequest   `json:"override"`
	Summary  string                   `json:"summary,omitempty"`
	Session  services.SessionSnapshot `json:"session"`
}

type authorizeResponse struct {
	Result  domain.OverrideResult    `json:"result"`
	Session services.SessionSnapshot `json:"session"`
}

type calculateResponse struct {
	Discount    domain.DiscountOutcome `json:"discount"`
	MaxDiscount float64                `json:"maxDiscount"`
	WithinLimit bool                   `json:"withinLimit"`
}

func (h *MarkdownHandlers) openSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(ctx, w)
	if !ok {
		return
	}

	storeID := identity.StoreID
	if storeID == "" {
		storeID = requestctx.StoreID(ctx)
	}
	session, err := h.sessions.Open(ctx, services.SessionActor{ID: identity.UID, Tier: identity.Tier, StoreID: storeID})
	if err != nil {
		h.writeSessionError(ctx, w, err)
		return
	}
	requestctx.Logger(ctx).Info("markdown session opened", zap.String("session_id", session.ID()))
	writeJSONResponse(w, http.StatusCreated, h.sessionPayload(session.Snapshot()))
}

func (h *MarkdownHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, h.sessionPayload(session.Snapshot()))
}

func (h *MarkdownHandlers) closeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Close(ctx, session.ID()); err != nil {
		h.writeSessionError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MarkdownHandlers) validateMarkdown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	var req markdownRequest
	price, ok := h.decodeMarkdown(ctx, w, r, &req)
	if !ok {
		return
	}

	input := req.input()
	payload := validateResponse{
		Validation:  session.Validate(input, price),
		Discount:    session.CalculateDiscount(input.Type, input.Amount(), price),
		MaxDiscount: session.MaxDiscount(input.Type, price),
	}
	if h.formatter != nil && input.Type.Valid() && input.Value != nil {
		payload.Summary = h.formatter.Summary(input.Type, input.Amount())
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *MarkdownHandlers) applyMarkdown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	var req markdownRequest
	price, ok := h.decodeMarkdown(ctx, w, r, &req)
	if !ok {
		return
	}

	applied, err := session.ApplyMarkdown(ctx, req.input(), price)
	if err != nil {
		h.writeSessionError(ctx, w, err)
		return
	}
	payload := applyResponse{Markdown: applied}
	if h.formatter != nil {
		payload.Summary = h.formatter.Summary(applied.Type, applied.Value)
	}
	writeJSONResponse(w, http.StatusCreated, payload)
}

func (h *MarkdownHandlers) requestOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	var req markdownRequest
	price, ok := h.decodeMarkdown(ctx, w, r, &req)
	if !ok {
		return
	}
	input := req.input()
	if !input.Type.Valid() || input.Value == nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("type and value are required to request an override"))
		return
	}
	if state := session.State(); state == services.SessionStateElevated {
		h.writeSessionError(ctx, w, &services.TransitionError{Op: "RequestOverride", State: state})
		return
	}
	// Errors that remain under admin limits cannot be cured by any approver.
	if ceiling := services.Validate(input, services.LimitsFor(domain.TierAdmin), price); len(ceiling.Errors) > 0 {
		httpx.WriteError(ctx, w, httpx.NewError("markdown_invalid", strings.Join(ceiling.Errors, "; "), http.StatusBadRequest).
			WithDetails(map[string]any{"validation": ceiling}))
		return
	}
	if validation := session.Validate(input, price); validation.IsValid {
		httpx.WriteError(ctx, w, httpx.NewError("override_not_required", "markdown is within the session limits", http.StatusBadRequest).
			WithDetails(map[string]any{"validation": validation}))
		return
	}

	var request domain.OverrideRequest
	var reqErr error
	if err := runTransition(func() {
		request, reqErr = session.RequestOverride(ctx, input, price, req.ItemName)
	}); err != nil {
		reqErr = err
	}
	if reqErr != nil {
		h.writeSessionError(ctx, w, reqErr)
		return
	}

	payload := overrideResponse{Override: request, Session: session.Snapshot()}
	if h.formatter != nil {
		payload.Summary = h.formatter.DescribeOverride(request)
	}
	writeJSONResponse(w, http.StatusCreated, payload)
}

func (h *MarkdownHandlers) cancelOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if state := session.State(); state != services.SessionStatePendingOverride {
		h.writeSessionError(ctx, w, &services.TransitionError{Op: "CancelOverride", State: state})
		return
	}
	if err := runTransition(func() { session.CancelOverride(ctx) }); err != nil {
		h.writeSessionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.sessionPayload(session.Snapshot()))
}

func (h *MarkdownHandlers) authorizeOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if !h.decode(ctx, w, r, &req) {
		return
	}
	if state := session.State(); state != services.SessionStatePendingOverride {
		h.writeSessionError(ctx, w, &services.TransitionError{Op: "AuthorizeOverride", State: state})
		return
	}

	var result domain.OverrideResult
	var authErr error
	if err := runTransition(func() {
		result, authErr = session.AuthorizeOverride(ctx, domain.ManagerCredentials{
			ID:     strings.TrimSpace(req.ManagerID),
			Secret: req.PIN,
		})
	}); err != nil {
		authErr = err
	}
	if authErr != nil {
		h.writeSessionError(ctx, w, authErr)
		return
	}
	writeJSONResponse(w, http.StatusOK, authorizeResponse{Result: result, Session: session.Snapshot()})
}

func (h *MarkdownHandlers) clearElevation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	session.ClearElevation(ctx)
	writeJSONResponse(w, http.StatusOK, h.sessionPayload(session.Snapshot()))
}

func (h *MarkdownHandlers) calculateDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(ctx, w)
	if !ok {
		return
	}
	var req calculateRequest
	if !h.decode(ctx, w, r, &req) {
		return
	}
	markdownType := domain.MarkdownType(strings.ToUpper(strings.TrimSpace(req.Type)))
	if !markdownType.Valid() {
		httpx.WriteError(ctx, w, httpx.BadRequest(fmt.Sprintf("unknown markdown type %q", req.Type)))
		return
	}
	if !finiteNonNegative(req.ItemPrice) || math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		httpx.WriteError(ctx, w, httpx.BadRequest("value and itemPrice must be numbers and itemPrice must be non-negative"))
		return
	}

	limits := services.LimitsFor(identity.Tier)
	writeJSONResponse(w, http.StatusOK, calculateResponse{
		Discount:    services.CalculateDiscount(markdownType, req.Value, req.ItemPrice),
		MaxDiscount: services.MaxDiscount(markdownType, req.ItemPrice, limits),
		WithinLimit: services.IsWithinLimit(markdownType, req.Value, req.ItemPrice, limits),
	})
}

func (h *MarkdownHandlers) listTiers(w http.ResponseWriter, _ *http.Request) {
	tiers := domain.PermissionTiers()
	limits := make([]domain.MarkdownLimit, 0, len(tiers))
	for _, tier := range tiers {
		limits = append(limits, services.LimitsFor(tier))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"tiers": limits})
}

func (h *MarkdownHandlers) getTier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tier, err := domain.ParsePermissionTier(chi.URLParam(r, "tier"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NotFound(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, services.LimitsFor(tier))
}

func (h *MarkdownHandlers) identity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.Unavailable("markdown_service_unavailable", "markdown service is unavailable"))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.Unauthorized("unauthenticated", "authentication required"))
		return nil, false
	}
	return identity, true
}

// loadSession resolves the path session and checks that the caller operates it.
func (h *MarkdownHandlers) loadSession(w http.ResponseWriter, r *http.Request) (*services.AuthorizationSession, bool) {
	ctx := r.Context()
	identity, ok := h.identity(ctx, w)
	if !ok {
		return nil, false
	}
	session, err := h.sessions.Get(ctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		h.writeSessionError(ctx, w, err)
		return nil, false
	}
	if session.Actor().ID != identity.UID {
		h.writeSessionError(ctx, w, services.ErrSessionForbidden)
		return nil, false
	}
	return session, true
}

func (h *MarkdownHandlers) decode(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSONBody(r, maxMarkdownBodySize, dst); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(ctx, w, httpx.BadRequest(err.Error()))
		return false
	}
	return true
}

func (h *MarkdownHandlers) decodeMarkdown(ctx context.Context, w http.ResponseWriter, r *http.Request, req *markdownRequest) (float64, bool) {
	if !h.decode(ctx, w, r, req) {
		return 0, false
	}
	price, err := req.price()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest(err.Error()))
		return 0, false
	}
	if req.Value != nil && (math.IsNaN(*req.Value) || math.IsInf(*req.Value, 0)) {
		httpx.WriteError(ctx, w, httpx.BadRequest("value must be a number"))
		return 0, false
	}
	return price, true
}

func (h *MarkdownHandlers) sessionPayload(snap services.SessionSnapshot) sessionResponse {
	payload := sessionResponse{Session: snap}
	if h.formatter != nil && snap.Pending != nil {
		payload.PendingSummary = h.formatter.DescribeOverride(*snap.Pending)
	}
	return payload
}

func (h *MarkdownHandlers) writeSessionError(ctx context.Context, w http.ResponseWriter, err error) {
	var transition *services.TransitionError
	var rejected *services.MarkdownRejectedError
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "markdown session not found or expired", http.StatusNotFound))
	case errors.Is(err, services.ErrSessionForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("session_forbidden", "markdown session belongs to another employee", http.StatusForbidden))
	case errors.As(err, &transition):
		httpx.WriteError(ctx, w, httpx.Conflict("invalid_transition", fmt.Sprintf("%s is not allowed while the session is %s", transition.Op, transition.State)).
			WithDetails(map[string]any{"state": transition.State.String()}))
	case errors.Is(err, services.ErrAuthorizationInProgress):
		httpx.WriteError(ctx, w, httpx.Conflict("authorization_in_progress", "an override authorization is already in progress"))
	case errors.Is(err, services.ErrOverrideSuperseded):
		httpx.WriteError(ctx, w, httpx.Conflict("override_superseded", "the override request was cancelled or replaced"))
	case errors.As(err, &rejected):
		code := "markdown_rejected"
		if errors.Is(err, services.ErrMarkdownRequiresOverride) {
			code = "override_required"
		}
		httpx.WriteError(ctx, w, httpx.Unprocessable(code, err.Error()).
			WithDetails(map[string]any{"validation": rejected.Result}))
	case errors.Is(err, services.ErrMarkdownInvalidInput):
		httpx.WriteError(ctx, w, httpx.BadRequest(err.Error()))
	default:
		requestctx.Logger(ctx).Error("markdown request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.Internal())
	}
}

// runTransition converts a *TransitionError panic raised by a session into an error. Other panics
// propagate.
func runTransition(fn func()) (err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if transition, ok := rec.(*services.TransitionError); ok {
			err = transition
			return
		}
		panic(rec)
	}()
	fn()
	return nil
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
