package queue

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "work item not found"},
	{Error: ErrUnknownKind, Status: http.StatusBadRequest},
	{Error: ErrInvalidPayload, Status: http.StatusBadRequest},
	{Error: domain.ErrUnknownStatus, Status: http.StatusBadRequest},
}

// HTTPHandler handles HTTP requests for the queue module.
type HTTPHandler struct {
	service   *Service
	validator *validator.Validate
}

// NewHTTPHandler creates the admin API handler.
func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers queue routes.
func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/items", func(r chi.Router) {
		r.Get("/", h.ListItems)
		r.Post("/", h.EnqueueItem)
		r.Get("/{id}", h.GetItem)
	})
	r.Get("/stats", h.GetStats)
	r.Post("/reap", h.Reap)
}

// EnqueueRequest represents request body for enqueuing a work item.
type EnqueueRequest struct {
	Kind        string          `json:"kind" validate:"required"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	MaxAttempts int             `json:"max_attempts" validate:"gte=0,lte=100"`
}

// EnqueueItem handles POST /items.
func (h *HTTPHandler) EnqueueItem(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	item, err := h.service.Enqueue(r.Context(), EnqueueInput{
		Kind:        req.Kind,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, item)
}

// GetItem handles GET /items/{id}.
func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// ListItems handles GET /items.
func (h *HTTPHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	var filter ListFilter

	if code := r.URL.Query().Get("status"); code != "" {
		status, err := domain.ParseStatus(code)
		if err != nil {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}
		filter.Status = &status
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	items, err := h.service.List(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// GetStats handles GET /stats.
func (h *HTTPHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// Reap handles POST /reap.
func (h *HTTPHandler) Reap(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.Reap(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int64{"recovered": count})
}
