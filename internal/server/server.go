// Package server serves the automation persistence API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jakopako/ami/internal/store"
	"github.com/jakopako/ami/internal/types"
)

const maxRequestBodySize = 1 << 20

// Deps are what the handlers need. Without a User no authentication is
// required.
type Deps struct {
	Store    *store.Store
	User     string
	Password string
	Logger   *slog.Logger
}

// NewHandler returns the API router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With(slog.String("component", "server"))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/api/automation", func(r chi.Router) {
		if deps.User != "" {
			r.Use(basicAuth(deps.User, deps.Password))
		}
		r.Get("/", handleGet(deps))
		r.Post("/", handlePost(deps))
	})
	return r
}

func basicAuth(user, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				subtle.ConstantTimeCompare([]byte(p), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="ami"`)
				httpError(w, http.StatusUnauthorized, "invalid or missing credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleGet(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			httpError(w, http.StatusBadRequest, "path is required")
			return
		}
		snap, err := deps.Store.Snapshot(r.Context(), r.URL.Query().Get("root"), path)
		if err != nil {
			deps.Logger.Error("could not read automation state", slog.String("path", path), slog.Any("error", err))
			httpError(w, http.StatusInternalServerError, "failed to read automation state")
			return
		}
		writeJSON(w, snap)
	}
}

func handlePost(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req types.AutomationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		snap, err := deps.Store.Apply(r.Context(), req)
		if err != nil {
			code := statusOf(err)
			if code >= 500 {
				deps.Logger.Error("automation action failed", slog.String("action", req.Action), slog.Any("error", err))
			}
			httpError(w, code, "%v", err)
			return
		}
		deps.Logger.Debug("automation action applied", slog.String("action", req.Action),
			slog.String("root", req.Root), slog.String("path", req.Path))
		writeJSON(w, snap)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(types.ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

// ListenAndServe serves h on addr until ctx is done, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("listening", slog.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
