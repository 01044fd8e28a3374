// internal/api/http/admin_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"resource-locks/internal/domain"
	"resource-locks/internal/metrics"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AdminHandler serves the admin interface. Each scope name ("local",
// "cluster") maps to the LockAdmin answering it.
type AdminHandler struct {
	scopes   map[string]domain.LockAdmin
	logger   *slog.Logger
	validate *validator.Validate
}

func NewAdminHandler(scopes map[string]domain.LockAdmin, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		scopes:   scopes,
		logger:   logger.With("component", "admin-handler"),
		validate: validator.New(),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the admin routes on mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET /admin/{scope}/resources", h.handleResources},
		{"GET /admin/{scope}/owners", h.handleOwners},
		{"GET /admin/{scope}/waiters", h.handleWaiters},
		{"GET /admin/{scope}/owned", h.handleOwned},
		{"GET /admin/{scope}/waited", h.handleWaited},
		{"POST /admin/{scope}/release", h.handleRelease},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, otelhttp.NewHandler(h.instrument(rt.pattern, rt.handler), rt.pattern))
	}
}

func (h *AdminHandler) instrument(pattern string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(attribute.String("admin.scope", r.PathValue("scope")))

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(pattern, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// admin resolves the scope path value, writing 404 when it is unknown.
func (h *AdminHandler) admin(w http.ResponseWriter, r *http.Request) (domain.LockAdmin, bool) {
	a, ok := h.scopes[r.PathValue("scope")]
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown scope " + r.PathValue("scope")})
		return nil, false
	}
	return a, true
}

func (h *AdminHandler) handleResources(w http.ResponseWriter, r *http.Request) {
	a, ok := h.admin(w, r)
	if !ok {
		return
	}
	values, err := a.ListResourceNames(r.Context())
	h.respond(w, r, values, err)
}

func (h *AdminHandler) handleOwners(w http.ResponseWriter, r *http.Request) {
	h.byResource(w, r, domain.LockAdmin.FindOwningCallers)
}

func (h *AdminHandler) handleWaiters(w http.ResponseWriter, r *http.Request) {
	h.byResource(w, r, domain.LockAdmin.FindWaitingCallers)
}

func (h *AdminHandler) handleOwned(w http.ResponseWriter, r *http.Request) {
	h.byCaller(w, r, domain.LockAdmin.FindOwnedResources)
}

func (h *AdminHandler) handleWaited(w http.ResponseWriter, r *http.Request) {
	h.byCaller(w, r, domain.LockAdmin.FindWaitedResources)
}

type adminQuery = func(domain.LockAdmin, context.Context, string) ([]string, error)

func (h *AdminHandler) byResource(w http.ResponseWriter, r *http.Request, query adminQuery) {
	a, ok := h.admin(w, r)
	if !ok {
		return
	}
	q := ResourceQuery{Resource: r.URL.Query().Get("resource")}
	if !h.valid(w, r, q) {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("resource", q.Resource))
	values, err := query(a, r.Context(), q.Resource)
	h.respond(w, r, values, err)
}

func (h *AdminHandler) byCaller(w http.ResponseWriter, r *http.Request, query adminQuery) {
	a, ok := h.admin(w, r)
	if !ok {
		return
	}
	q := CallerQuery{Caller: r.URL.Query().Get("caller")}
	if !h.valid(w, r, q) {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("caller", q.Caller))
	values, err := query(a, r.Context(), q.Caller)
	h.respond(w, r, values, err)
}

func (h *AdminHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	a, ok := h.admin(w, r)
	if !ok {
		return
	}
	span := trace.SpanFromContext(r.Context())

	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if !h.valid(w, r, req) {
		return
	}
	span.SetAttributes(attribute.String("resource", req.Resource))

	if err := a.ReleaseResource(r.Context(), req.Resource); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) valid(w http.ResponseWriter, r *http.Request, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}
	span := trace.SpanFromContext(r.Context())
	span.SetStatus(codes.Error, "Validation failed")
	span.RecordError(err)

	var details []string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
		}
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
	return false
}

func (h *AdminHandler) respond(w http.ResponseWriter, r *http.Request, values []string, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if values == nil {
		values = []string{}
	}
	writeJSON(w, http.StatusOK, ValuesResponse{Values: values})
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	h.logger.Error("admin request failed", "path", r.URL.Path, "error", err)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrLockTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
