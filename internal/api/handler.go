package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/felipemaragno/eventhooks/internal/dispatcher"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/observability"
	"github.com/felipemaragno/eventhooks/internal/registry"
	"github.com/felipemaragno/eventhooks/internal/repository"
)

// Registry manages subscriptions. *registry.Registry implements it.
type Registry interface {
	Create(ctx context.Context, in registry.CreateInput) (*domain.Subscription, error)
	Update(ctx context.Context, id string, patch domain.SubscriptionPatch) (*domain.Subscription, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Subscription, error)
	List(ctx context.Context, filter repository.SubscriptionFilter, page repository.Page) (*repository.SubscriptionList, error)
}

// Dispatcher triggers and replays deliveries. *dispatcher.Dispatcher implements it.
type Dispatcher interface {
	Trigger(ctx context.Context, tenantID *string, event domain.EventType, payload json.RawMessage) (dispatcher.TriggerResult, error)
	TestWebhook(ctx context.Context, webhookID string) (*domain.DeliveryAttempt, error)
	RetryDelivery(ctx context.Context, deliveryID string) error
}

// Deliveries reads delivery history.
type Deliveries interface {
	Get(ctx context.Context, deliveryID string) ([]*domain.DeliveryAttempt, error)
	Page(ctx context.Context, q repository.DeliveryQuery) (*repository.DeliveryPage, error)
	Stats(ctx context.Context, webhookID *string) (*domain.DeliveryStats, error)
}

type Handler struct {
	registry   Registry
	dispatcher Dispatcher
	deliveries Deliveries
	logger     *slog.Logger
}

func NewHandler(reg Registry, disp Dispatcher, deliveries Deliveries, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		registry:   reg,
		dispatcher: disp,
		deliveries: deliveries,
		logger:     logger,
	}
}

// subscriptionResponse never exposes the secret.
type subscriptionResponse struct {
	ID        string                    `json:"id"`
	Name      string                    `json:"name"`
	URL       string                    `json:"url"`
	Events    []domain.EventType        `json:"events"`
	HasSecret bool                      `json:"has_secret"`
	Status    domain.SubscriptionStatus `json:"status"`
	TenantID  *string                   `json:"tenant_id,omitempty"`
	Condition string                    `json:"condition,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

func toResponse(s *domain.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:        s.ID,
		Name:      s.Name,
		URL:       s.URL,
		Events:    s.Events,
		HasSecret: s.HasSecret(),
		Status:    s.Status,
		TenantID:  s.TenantID,
		Condition: s.Condition,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

type listResponse struct {
	Items       []subscriptionResponse `json:"items"`
	TotalCount  int                    `json:"total_count"`
	HasMore     bool                   `json:"has_more"`
	HasPrevious bool                   `json:"has_previous"`
}

func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateInput
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.registry.Create(r.Context(), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, toResponse(sub))
}

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := repository.SubscriptionFilter{}
	if s := q.Get("status"); s != "" {
		status := domain.SubscriptionStatus(s)
		filter.Status = &status
	}
	if t := q.Get("tenant_id"); t != "" {
		filter.TenantID = &t
	}
	if e := q.Get("event"); e != "" {
		event := domain.EventType(e)
		filter.Event = &event
	}

	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil || offset < 0 {
		h.respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	list, err := h.registry.List(r.Context(), filter, repository.Page{Limit: limit, Offset: offset})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	resp := listResponse{
		Items:       make([]subscriptionResponse, 0, len(list.Items)),
		TotalCount:  list.TotalCount,
		HasMore:     list.HasMore,
		HasPrevious: list.HasPrevious,
	}
	for _, s := range list.Items {
		resp.Items = append(resp.Items, toResponse(s))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toResponse(sub))
}

func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var patch domain.SubscriptionPatch
	if !h.decode(w, r, &patch) {
		return
	}

	sub, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toResponse(sub))
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.dispatcher.TestWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, attempt)
}

func (h *Handler) ListWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := repository.DeliveryQuery{WebhookID: chi.URLParam(r, "id")}

	var err error
	if query.Limit, err = intParam(q.Get("limit")); err != nil {
		h.respondError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if query.Before, err = int64Param(q.Get("before")); err != nil {
		h.respondError(w, http.StatusBadRequest, "before must be an attempt id")
		return
	}
	if query.After, err = int64Param(q.Get("after")); err != nil {
		h.respondError(w, http.StatusBadRequest, "after must be an attempt id")
		return
	}
	if query.Before != 0 && query.After != 0 {
		h.respondError(w, http.StatusBadRequest, "before and after are mutually exclusive")
		return
	}

	if _, err := h.registry.Get(r.Context(), query.WebhookID); err != nil {
		h.respondErr(w, r, err)
		return
	}

	page, err := h.deliveries.Page(r.Context(), query)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, page)
}

func (h *Handler) WebhookStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.stats(w, r, &id)
}

func (h *Handler) DeliveryStats(w http.ResponseWriter, r *http.Request) {
	h.stats(w, r, nil)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, webhookID *string) {
	stats, err := h.deliveries.Stats(r.Context(), webhookID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

type deliveryResponse struct {
	DeliveryID string                    `json:"delivery_id"`
	State      domain.DeliveryState      `json:"state"`
	Attempts   []*domain.DeliveryAttempt `json:"attempts"`
}

func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempts, err := h.deliveries.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, deliveryResponse{
		DeliveryID: id,
		State:      attempts[len(attempts)-1].State(),
		Attempts:   attempts,
	})
}

func (h *Handler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.RetryDelivery(r.Context(), id); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"delivery_id": id, "status": "queued"})
}

type TriggerRequest struct {
	TenantID *string         `json:"tenant_id,omitempty"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (h *Handler) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.dispatcher.Trigger(r.Context(), req.TenantID, domain.EventType(req.Type), req.Data)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, res)
}

type errorResponse struct {
	Error  string                    `json:"error"`
	Fields []*domain.ValidationError `json:"fields,omitempty"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// respondErr maps domain errors to HTTP statuses.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		fields domain.ValidationErrors
		single *domain.ValidationError
	)
	switch {
	case errors.As(err, &fields):
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
	case errors.As(err, &single):
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: []*domain.ValidationError{single}})
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnknownEventType):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		h.respondError(w, http.StatusConflict, "already exists")
	case errors.Is(err, domain.ErrAlreadyDelivered):
		h.respondError(w, http.StatusConflict, "delivery already succeeded")
	case errors.Is(err, domain.ErrDeliveryInProgress):
		h.respondError(w, http.StatusConflict, "delivery is still in progress")
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrPoolStopped):
		w.Header().Set("Retry-After", "1")
		h.respondError(w, http.StatusServiceUnavailable, "delivery queue unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		h.respondError(w, http.StatusGatewayTimeout, "timed out")
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func int64Param(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
