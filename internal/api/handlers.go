/**
 * @description
 * HTTP handlers for review sessions. Every handler works on the session of the
 * authenticated operator and answers with the session's current view, which
 * the admin console renders as-is.
 *
 * @dependencies
 * - internal/app: Session registry and its errors.
 * - internal/review: View model and controller errors.
 * - github.com/go-chi/chi/v5: URL parameters.
 */

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/finforte/deposit-review-service/internal/app"
	"github.com/finforte/deposit-review-service/internal/domain"
	"github.com/finforte/deposit-review-service/internal/review"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBodyBytes = 1 << 20

// ReviewService is implemented by *app.Service.
type ReviewService interface {
	OpenReview(ctx context.Context, operatorID string, deposit *domain.Deposit) (uuid.UUID, review.View, error)
	View(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error)
	Approve(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error)
	Reject(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error)
	EnterEdit(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error)
	ExitEdit(ctx context.Context, operatorID string, id uuid.UUID, thenClose bool) (review.View, error)
	DismissBanner(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error)
	CloseReview(ctx context.Context, operatorID string, id uuid.UUID, refresh bool) error
}

// ReviewHandlers serves the /reviews routes.
type ReviewHandlers struct {
	service ReviewService
	logger  *slog.Logger
}

func NewReviewHandlers(service ReviewService, logger *slog.Logger) *ReviewHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewHandlers{service: service, logger: logger}
}

type sessionResponse struct {
	SessionID uuid.UUID   `json:"session_id"`
	View      review.View `json:"view"`
}

type exitEditRequest struct {
	ThenClose bool `json:"then_close"`
}

// OpenReviewHandler opens a session for the deposit in the body. A `null` body
// means there is no deposit to review and answers 204.
func (h *ReviewHandlers) OpenReviewHandler(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := GetOperatorID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get operator ID from context")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var deposit domain.Deposit
	if err := json.Unmarshal(body, &deposit); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid deposit record")
		return
	}
	deposit.Status = domain.ParseDepositStatus(string(deposit.Status))

	id, view, err := h.service.OpenReview(r.Context(), operatorID, &deposit)
	if err != nil {
		h.handleError(w, r, "open_review", err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: id, View: view})
}

// GetReviewHandler returns the session's current view.
func (h *ReviewHandlers) GetReviewHandler(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, "get_review", http.StatusOK, h.service.View)
}

// ApproveHandler requests the approved transition. The outcome arrives later
// and is visible through GetReviewHandler.
func (h *ReviewHandlers) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, "approve", http.StatusAccepted, h.service.Approve)
}

func (h *ReviewHandlers) RejectHandler(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, "reject", http.StatusAccepted, h.service.Reject)
}

func (h *ReviewHandlers) EnterEditHandler(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, "enter_edit", http.StatusOK, h.service.EnterEdit)
}

func (h *ReviewHandlers) DismissBannerHandler(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, "dismiss_banner", http.StatusOK, h.service.DismissBanner)
}

// ExitEditHandler finishes the edit sub-flow. Body `{"then_close": true}` closes
// the session and tells list views to refetch.
func (h *ReviewHandlers) ExitEditHandler(w http.ResponseWriter, r *http.Request) {
	var req exitEditRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	h.withSession(w, r, "exit_edit", http.StatusOK, func(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error) {
		return h.service.ExitEdit(ctx, operatorID, id, req.ThenClose)
	})
}

// CloseReviewHandler closes the session. `?refresh=true` tells list views to refetch.
func (h *ReviewHandlers) CloseReviewHandler(w http.ResponseWriter, r *http.Request) {
	operatorID, id, ok := h.sessionParams(w, r)
	if !ok {
		return
	}

	refresh := false
	if raw := r.URL.Query().Get("refresh"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "refresh must be a boolean")
			return
		}
		refresh = parsed
	}

	if err := h.service.CloseReview(r.Context(), operatorID, id, refresh); err != nil {
		h.handleError(w, r, "close_review", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionOperation func(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error)

func (h *ReviewHandlers) withSession(w http.ResponseWriter, r *http.Request, endpoint string, status int, op sessionOperation) {
	operatorID, id, ok := h.sessionParams(w, r)
	if !ok {
		return
	}

	view, err := op(r.Context(), operatorID, id)
	switch {
	case err == nil:
	case errors.Is(err, review.ErrTransitionInFlight) && status == http.StatusAccepted:
		// Repeated clicks while a request is outstanding are dropped silently.
		h.logger.Debug("transition request dropped", "component", "api", "endpoint", endpoint, "session_id", id.String())
	default:
		h.handleError(w, r, endpoint, err)
		return
	}
	writeJSON(w, status, sessionResponse{SessionID: id, View: view})
}

func (h *ReviewHandlers) sessionParams(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	operatorID, ok := GetOperatorID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get operator ID from context")
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid review session ID")
		return "", uuid.Nil, false
	}
	return operatorID, id, true
}

func (h *ReviewHandlers) handleError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many status changes; please wait before trying again")
	case errors.Is(err, review.ErrNoDeposit):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, app.ErrSessionNotFound), errors.Is(err, review.ErrSessionClosed):
		writeError(w, http.StatusNotFound, "Review session not found")
	case errors.Is(err, review.ErrNotPending):
		writeError(w, http.StatusConflict, "Deposit is no longer pending")
	case errors.Is(err, review.ErrTransitionInFlight):
		writeError(w, http.StatusConflict, "A status change is already in progress")
	case errors.Is(err, app.ErrInvalidDeposit), errors.Is(err, review.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("review request failed", "component", "api", "endpoint", endpoint, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "component", "api", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
