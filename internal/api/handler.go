package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fedquery/fedquery/internal/auth"
	"github.com/fedquery/fedquery/internal/config"
	"github.com/fedquery/fedquery/internal/federation"
	"github.com/fedquery/fedquery/internal/observability"
	"github.com/fedquery/fedquery/internal/storage"
)

type ReadinessCheck func(ctx context.Context) error

// QueryEngine is the federation surface the HTTP layer depends on.
type QueryEngine interface {
	IsInitialized() bool
	ExecuteQuery(ctx context.Context, req federation.QueryRequest) (federation.QueryResult, error)
	ListTables(ctx context.Context, scope federation.Scope, opts federation.ListTablesOptions) ([]federation.TableSummary, error)
	TableInfo(ctx context.Context, scope federation.Scope, fullTableNames []string, includeIndexes bool, sampleRows int) (string, error)
	MemoryUsage(ctx context.Context) ([]federation.MemoryUsageEntry, error)
	PoolStats() federation.PoolStats
	TestDataSource(ctx context.Context, source federation.DataSourceSpec) federation.ConnectionTestResult
}

type Dependencies struct {
	Logger           *slog.Logger
	Readiness        ReadinessCheck
	AuthMiddleware   func(http.Handler) http.Handler
	DependencyTimout time.Duration
	Engine           QueryEngine
	Store            storage.ObjectStore
	SampleRows       int
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		handleQuery(deps, w, r)
	})
	protected.HandleFunc("GET /v1/tables", func(w http.ResponseWriter, r *http.Request) {
		handleListTables(deps, w, r)
	})
	protected.HandleFunc("POST /v1/table-info", func(w http.ResponseWriter, r *http.Request) {
		handleTableInfo(deps, w, r)
	})
	protected.HandleFunc("GET /v1/memory", func(w http.ResponseWriter, r *http.Request) {
		handleMemoryUsage(deps, w, r)
	})
	protected.HandleFunc("GET /v1/pool/stats", func(w http.ResponseWriter, r *http.Request) {
		handlePoolStats(deps, w, r)
	})
	protected.HandleFunc("POST /v1/datasources/test", func(w http.ResponseWriter, r *http.Request) {
		handleTestDataSource(deps, w, r)
	})
	protected.HandleFunc("POST /v1/sources/upload", func(w http.ResponseWriter, r *http.Request) {
		handleUploadSourceFile(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/query", protectedHandler)
	mux.Handle("GET /v1/tables", protectedHandler)
	mux.Handle("POST /v1/table-info", protectedHandler)
	mux.Handle("GET /v1/memory", protectedHandler)
	mux.Handle("GET /v1/pool/stats", protectedHandler)
	mux.Handle("POST /v1/datasources/test", protectedHandler)
	mux.Handle("POST /v1/sources/upload", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckRegistryDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Registry.DSN == "" {
			return errors.New("registry dsn is not configured")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CheckEngineInitialized(engine QueryEngine) ReadinessCheck {
	return func(_ context.Context) error {
		if engine == nil || !engine.IsInitialized() {
			return errors.New("query engine is not initialized")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func tenantFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.TenantID) != "" {
			return identity.TenantID, nil
		}
	}
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenantID == "" {
		return "", fmt.Errorf("tenant context is required")
	}
	return tenantID, nil
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
