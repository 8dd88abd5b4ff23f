package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/placecardhq/placecard/pkg/audit"
	"github.com/placecardhq/placecard/pkg/billing"
	"github.com/placecardhq/placecard/svc/tenant"
)

type subscriptionActionRequest struct {
	BusinessID string `json:"businessId"`
	Action     string `json:"action"`
	PlanKey    string `json:"planKey"`
	Email      string `json:"email"`
}

type lifecycleActionRequest struct {
	BusinessID string `json:"businessId"`
	Action     string `json:"action"`
	Immediate  bool   `json:"immediate"`
}

type subscriptionResponse struct {
	PlanKey            string            `json:"plan_key"`
	Status             billing.Status    `json:"status"`
	CurrentPeriodStart *time.Time        `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time        `json:"current_period_end,omitempty"`
	TrialEndsAt        *time.Time        `json:"trial_ends_at,omitempty"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Entitled           bool              `json:"entitled"`
	NeedsRepair        bool              `json:"needs_repair,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
	PaymentHistory     []billing.Invoice `json:"payment_history,omitempty"`
}

func toSubscriptionResponse(sub *billing.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		PlanKey:           sub.PlanKey,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Entitled:          sub.Entitled(),
		NeedsRepair:       sub.NeedsRepair,
		UpdatedAt:         sub.UpdatedAt,
	}
	if !sub.CurrentPeriodStart.IsZero() {
		resp.CurrentPeriodStart = &sub.CurrentPeriodStart
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		resp.CurrentPeriodEnd = &sub.CurrentPeriodEnd
	}
	return resp
}

// tenantFrom resolves the tenant for body-addressed requests: an explicit
// businessId field wins, otherwise the request resolver (query param, header)
// is consulted.
func (s *Service) tenantFrom(r *http.Request, businessID string) (uuid.UUID, error) {
	if businessID != "" {
		id, err := uuid.Parse(businessID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: businessId %q", tenant.ErrInvalidIdentifier, businessID)
		}
		return id, nil
	}
	id, err := s.resolver(r)
	if err != nil {
		return uuid.Nil, err
	}
	if id == uuid.Nil {
		return uuid.Nil, tenant.ErrMissingTenant
	}
	return id, nil
}

func (s *Service) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.catalog.ListActive(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// handleGetSubscription returns the current status, plan, period, and payment
// history in one response.
func (s *Service) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustIDFromContext(r.Context())

	sub, err := s.controller.GetSubscription(r.Context(), tenantID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := toSubscriptionResponse(sub)
	if sub.Status == billing.StatusTrialing {
		if plan, err := s.catalog.Get(r.Context(), sub.PlanKey); err == nil {
			ends := plan.TrialEndsAt(sub.CreatedAt)
			resp.TrialEndsAt = &ends
		}
	}

	// History is a read from the processor; its unavailability must not take
	// the status endpoint down with it.
	invoices, err := s.controller.PaymentHistory(r.Context(), tenantID)
	if err != nil {
		s.log.WarnContext(r.Context(), "payment history unavailable", "error", err)
	}
	if invoices == nil {
		invoices = []billing.Invoice{}
	}
	resp.PaymentHistory = invoices

	s.respondJSON(w, http.StatusOK, resp)
}

// handleSubscriptionAction creates a subscription or changes its plan,
// depending on the action field.
func (s *Service) handleSubscriptionAction(w http.ResponseWriter, r *http.Request) {
	var req subscriptionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenantID, err := s.tenantFrom(r, req.BusinessID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.PlanKey == "" {
		s.respondMessage(w, http.StatusUnprocessableEntity, "planKey is required")
		return
	}

	switch req.Action {
	case "subscribe":
		if _, err := mail.ParseAddress(req.Email); err != nil {
			s.respondMessage(w, http.StatusUnprocessableEntity, "a valid email is required")
			return
		}
		setup, err := s.controller.CreateSubscription(r.Context(), tenantID, req.PlanKey, req.Email)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, setup)
	case "change":
		sub, err := s.controller.ChangePlan(r.Context(), tenantID, req.PlanKey)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, toSubscriptionResponse(sub))
	default:
		s.respondMessage(w, http.StatusUnprocessableEntity, `action must be "subscribe" or "change"`)
	}
}

// handleLifecycleAction pauses, resumes, or cancels the subscription,
// depending on the action field.
func (s *Service) handleLifecycleAction(w http.ResponseWriter, r *http.Request) {
	var req lifecycleActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenantID, err := s.tenantFrom(r, req.BusinessID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var sub *billing.Subscription
	switch req.Action {
	case "pause":
		sub, err = s.controller.Pause(r.Context(), tenantID)
	case "resume":
		sub, err = s.controller.Resume(r.Context(), tenantID)
	case "cancel":
		sub, err = s.controller.Cancel(r.Context(), tenantID, req.Immediate)
	default:
		s.respondMessage(w, http.StatusUnprocessableEntity, `action must be "pause", "resume", or "cancel"`)
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// handleCancelSubscription is the cancellation shorthand for DELETE.
func (s *Service) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustIDFromContext(r.Context())

	immediate, _ := strconv.ParseBool(r.URL.Query().Get("immediate"))
	sub, err := s.controller.Cancel(r.Context(), tenantID, immediate)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (s *Service) handleListActivity(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustIDFromContext(r.Context())

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.activity.Find(r.Context(), audit.Criteria{TenantID: &tenantID, Limit: limit})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

// handleWebhook accepts processor deliveries. A 2xx is only returned once the
// event outcome is durably recorded; processing failures return 500 so the
// processor redelivers.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, s.maxWebhookBody))
	if err != nil {
		s.respondMessage(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	outcome, err := s.reconciler.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, billing.ErrUnauthenticated):
		s.respondMessage(w, http.StatusUnauthorized, "signature verification failed")
		return
	case err != nil:
		s.log.ErrorContext(r.Context(), "webhook processing failed", "error", err)
		s.respondMessage(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

func (s *Service) handleRunRepair(w http.ResponseWriter, r *http.Request) {
	report, err := s.repairer.Run(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Service) respondMessage(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondError maps domain errors onto HTTP statuses.
func (s *Service) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrInvalidIdentifier):
		s.respondMessage(w, http.StatusBadRequest, "invalid tenant identifier")
	case errors.Is(err, tenant.ErrMissingTenant):
		s.respondMessage(w, http.StatusUnauthorized, "tenant identification required")
	case errors.Is(err, billing.ErrSubscriptionNotFound), errors.Is(err, billing.ErrPlanNotFound):
		s.respondMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, billing.ErrSubscriptionAlreadyExists),
		errors.Is(err, billing.ErrInvalidTransition),
		errors.Is(err, billing.ErrConcurrentModification):
		s.respondMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, billing.ErrSamePlan), errors.Is(err, billing.ErrPlanNotAvailable):
		s.respondMessage(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, billing.ErrUnknownOutcome):
		// The external call may have gone through; the client must wait for
		// reconciliation, not retry.
		s.respondMessage(w, http.StatusAccepted, "operation outcome pending reconciliation")
	case billing.IsRetryable(err):
		s.log.WarnContext(r.Context(), "payment gateway unavailable", "error", err)
		s.respondMessage(w, http.StatusBadGateway, "payment processor unavailable, try again")
	default:
		s.log.ErrorContext(r.Context(), "request failed", "error", err)
		s.respondMessage(w, http.StatusInternalServerError, "internal error")
	}
}
