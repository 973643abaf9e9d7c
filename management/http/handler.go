// Package http serves the saga management surface as a JSON admin API.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/finvest/sagaflow/management"
	"github.com/finvest/sagaflow/saga"
)

// Prefix is the root of every admin route.
const Prefix = "/admin/sagas"

// DefaultAdminHeader carries the admin identity when no Authorizer is set.
const DefaultAdminHeader = "X-Admin-User"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var (
	// ErrUnauthenticated means the request carries no admin identity.
	ErrUnauthenticated = errors.New("admin identity required")

	// ErrForbidden means the identity lacks the saga admin permission.
	ErrForbidden = errors.New("saga admin permission required")
)

// Authorizer resolves the admin performing a request. The returned identity
// is recorded as the actor of recovery actions.
type Authorizer interface {
	Authorize(r *http.Request) (string, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) (string, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(r *http.Request) (string, error) { return f(r) }

// HeaderAuthorizer trusts an identity header set by an upstream gateway.
func HeaderAuthorizer(header string) Authorizer {
	return AuthorizerFunc(func(r *http.Request) (string, error) {
		user := strings.TrimSpace(r.Header.Get(header))
		if user == "" {
			return "", ErrUnauthenticated
		}
		return user, nil
	})
}

// Handler implements http.Handler for saga administration.
//
// Routes:
//
//	GET  /admin/sagas/stats
//	GET  /admin/sagas
//	GET  /admin/sagas/{id}
//	POST /admin/sagas/{id}/retry
//	POST /admin/sagas/{id}/resolve
//	POST /admin/sagas/{id}/force-compensate
//	GET  /admin/sagas/{id}/payment
//	POST /admin/sagas/recovery/run
type Handler struct {
	manager *management.Manager
	sweeper *management.Sweeper
	auth    Authorizer
	mux     *http.ServeMux
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuthorizer replaces the header authorizer.
func WithAuthorizer(a Authorizer) Option {
	return func(h *Handler) {
		if a != nil {
			h.auth = a
		}
	}
}

// WithSweeper enables POST /admin/sagas/recovery/run.
func WithSweeper(s *management.Sweeper) Option {
	return func(h *Handler) {
		h.sweeper = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates the admin handler.
func New(m *management.Manager, opts ...Option) *Handler {
	h := &Handler{
		manager: m,
		auth:    HeaderAuthorizer(DefaultAdminHeader),
		mux:     http.NewServeMux(),
		logger:  slog.Default().With("component", "saga.admin"),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc(Prefix, h.handleList)
	h.mux.HandleFunc(Prefix+"/", h.handleSagaPath)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := h.auth.Authorize(r)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			h.writeError(w, http.StatusForbidden, err.Error())
			return
		}
		h.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	h.mux.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
}

// handleSagaPath handles /admin/sagas/stats, /admin/sagas/recovery/run,
// /admin/sagas/{id} and /admin/sagas/{id}/{action}.
func (h *Handler) handleSagaPath(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, Prefix+"/"), "/")

	switch path {
	case "stats":
		h.handleStats(w, r)
		return
	case "recovery/run":
		h.handleRecovery(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "saga id is required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		h.handleGet(w, r, id)
	case "payment":
		h.handlePayment(w, r, id)
	case "retry":
		h.handleRetry(w, r, id)
	case "resolve":
		h.handleResolve(w, r, id)
	case "force-compensate":
		h.handleForceCompensate(w, r, id)
	default:
		h.writeError(w, http.StatusNotFound, "unknown action "+action)
	}
}

// handleStats handles GET /admin/sagas/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet) {
		return
	}
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeResponse(w, http.StatusOK, stats)
}

// handleList handles GET /admin/sagas with query parameters
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet) {
		return
	}
	filter, err := parseFilterFromQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	execs, err := h.manager.List(r.Context(), filter)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	items := make([]summary, len(execs))
	for i, exec := range execs {
		items[i] = toSummary(exec)
	}
	h.writeResponse(w, http.StatusOK, listResponse{Sagas: items, Count: len(items)})
}

// handleGet handles GET /admin/sagas/{id}
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if !h.allow(w, r, http.MethodGet) {
		return
	}
	exec, err := h.manager.Get(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeResponse(w, http.StatusOK, toDetail(exec))
}

// handlePayment handles GET /admin/sagas/{id}/payment
func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request, id string) {
	if !h.allow(w, r, http.MethodGet) {
		return
	}
	p, err := h.manager.Payment(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeResponse(w, http.StatusOK, p)
}

// handleRetry handles POST /admin/sagas/{id}/retry. A retry that runs and
// fails is still a created saga.
func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}
	actor := actorFrom(r.Context())
	next, err := h.manager.Retry(r.Context(), id, actor)
	if next == nil {
		h.writeFailure(w, err)
		return
	}
	if err != nil {
		h.logger.Info("retried saga failed", "saga_id", id, "retry_id", next.ID, "actor", actor, "error", err)
	}
	h.writeResponse(w, http.StatusCreated, toDetail(next))
}

type resolveRequest struct {
	ActionTaken string         `json:"action_taken"`
	Notes       string         `json:"resolution_notes"`
	Data        map[string]any `json:"data,omitempty"`
}

// handleResolve handles POST /admin/sagas/{id}/resolve
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request, id string) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}
	var req resolveRequest
	if err := readRequest(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	exec, err := h.manager.Resolve(r.Context(), id, saga.Resolution{
		ActionTaken: req.ActionTaken,
		Notes:       req.Notes,
		Data:        req.Data,
	}, actorFrom(r.Context()))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeResponse(w, http.StatusOK, toDetail(exec))
}

// handleForceCompensate handles POST /admin/sagas/{id}/force-compensate
func (h *Handler) handleForceCompensate(w http.ResponseWriter, r *http.Request, id string) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}
	exec, err := h.manager.ForceCompensate(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeResponse(w, http.StatusOK, toDetail(exec))
}

// handleRecovery handles POST /admin/sagas/recovery/run
func (h *Handler) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}
	if h.sweeper == nil {
		h.writeError(w, http.StatusNotImplemented, "recovery sweep not configured")
		return
	}
	h.logger.Info("recovery sweep requested", "actor", actorFrom(r.Context()))
	report, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeResponse(w, http.StatusOK, report)
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// parseFilterFromQuery parses saga.Filter from URL query parameters
func parseFilterFromQuery(r *http.Request) (saga.Filter, error) {
	q := r.URL.Query()
	filter := saga.Filter{
		Name:      q.Get("name"),
		UserID:    q.Get("user_id"),
		PaymentID: q.Get("payment_id"),
		RetryOf:   q.Get("retry_of"),
	}

	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			status := saga.Status(strings.TrimSpace(s))
			if !status.Valid() {
				return filter, errors.New("unknown status " + string(status))
			}
			filter.Status = append(filter.Status, status)
		}
	}
	if v := q.Get("needs_attention"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("invalid needs_attention: " + v)
		}
		filter.NeedsAttention = &b
	}
	if v := q.Get("updated_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid updated_before: " + err.Error())
		}
		filter.UpdatedBefore = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid limit: " + v)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid offset: " + v)
		}
		filter.Offset = n
	}
	return filter, nil
}

func readRequest(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// writeFailure maps management errors to status codes.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, saga.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, management.ErrResolutionIncomplete):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, management.ErrNotRecoverable),
		errors.Is(err, saga.ErrInvalidTransition),
		errors.Is(err, saga.ErrVersionConflict),
		errors.Is(err, saga.ErrSuperseded):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("admin request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) writeResponse(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	data, _ := json.Marshal(errorResponse{Error: message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
