// Package api serves health, metrics and read-only views of indexed data.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/indexer"
	"github.com/sells-group/erc721-indexer/internal/metrics"
	"github.com/sells-group/erc721-indexer/internal/model"
	"github.com/sells-group/erc721-indexer/internal/resilience"
	"github.com/sells-group/erc721-indexer/internal/store"
)

// BatchLister lists recent batches.
type BatchLister interface {
	ListRecent(ctx context.Context, limit int) ([]indexer.BatchEntry, error)
}

// Deps are the data sources behind the routes. Nil sources disable their routes.
type Deps struct {
	Entities store.Reader
	Batches  BatchLister
	Breakers func() map[string]resilience.CircuitState
	// AllowedOrigins enables CORS for browser dashboards. Empty disables it.
	AllowedOrigins []string
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if d.Batches != nil {
		r.Get("/batches", listBatches(d.Batches))
	}
	if d.Entities != nil {
		r.Get("/entities/{kind}/{id}", getEntity(d.Entities))
	}
	if d.Breakers != nil {
		r.Get("/breakers", func(w http.ResponseWriter, _ *http.Request) {
			states := d.Breakers()
			out := make(map[string]string, len(states))
			for host, st := range states {
				out[host] = st.String()
			}
			writeJSON(w, http.StatusOK, out)
		})
	}
	return r
}

func listBatches(bl BatchLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
				return
			}
			limit = n
		}
		entries, err := bl.ListRecent(r.Context(), limit)
		if err != nil {
			zap.L().Error("api: list batches", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list batches")
			return
		}
		if entries == nil {
			entries = []indexer.BatchEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func getEntity(reader store.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := model.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id := chi.URLParam(r, "id")
		e, err := reader.Get(r.Context(), kind, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, kind.String()+" "+id+" not found")
		case err != nil:
			zap.L().Error("api: get entity", zap.String("kind", kind.String()), zap.String("id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load entity")
		default:
			writeJSON(w, http.StatusOK, e)
		}
	}
}

// instrument counts requests by method, route pattern and status class.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, metrics.StatusLabel(status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
