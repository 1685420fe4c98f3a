package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fedquery/fedquery/internal/auth"
	"github.com/fedquery/fedquery/internal/federation"
	"github.com/fedquery/fedquery/internal/registry"
)

type queryRequest struct {
	ProjectID       string `json:"project_id"`
	DatasetID       string `json:"dataset_id"`
	SQL             string `json:"sql"`
	Parameters      []any  `json:"parameters"`
	Preview         bool   `json:"preview"`
	MaxStringLength int    `json:"max_string_length"`
	ReuseConnection *bool  `json:"reuse_connection"`
	ForceReattach   bool   `json:"force_reattach"`
	TimeoutMs       int    `json:"timeout_ms"`
}

type queryResponse struct {
	Columns          []string `json:"columns"`
	Rows             [][]any  `json:"rows"`
	ExecutionTimeMs  int64    `json:"execution_time_ms"`
	ConnectionTimeMs int64    `json:"connection_time_ms"`
	SourcesUsed      []string `json:"sources_used"`
	GeneratedSQL     string   `json:"generated_sql,omitempty"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}

	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}

	if strings.TrimSpace(request.ProjectID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "PROJECT_REQUIRED", "project_id is required", false, nil)
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if !isAllowedSQL(request.SQL) {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_NOT_ALLOWED", "only read-only SELECT/WITH queries are allowed", false, nil)
		return
	}

	reuse := true
	if request.ReuseConnection != nil {
		reuse = *request.ReuseConnection
	}

	result, err := deps.Engine.ExecuteQuery(r.Context(), federation.QueryRequest{
		Scope: federation.Scope{
			TenantID:  tenantID,
			ProjectID: request.ProjectID,
			DatasetID: request.DatasetID,
		},
		SQL:             request.SQL,
		Parameters:      request.Parameters,
		Preview:         request.Preview,
		MaxStringLength: request.MaxStringLength,
		ReuseConnection: reuse,
		ForceReattach:   request.ForceReattach,
		Timeout:         time.Duration(request.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}

	rows := result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Columns:          result.Columns,
		Rows:             rows,
		ExecutionTimeMs:  result.ExecutionTime.Milliseconds(),
		ConnectionTimeMs: result.ConnectionTime.Milliseconds(),
		SourcesUsed:      result.SourcesUsed,
		GeneratedSQL:     result.GeneratedSQL,
	})
}

func isAllowedSQL(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	if normalized == "" {
		return false
	}
	return strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with")
}

// writeEngineError translates the federation error taxonomy into HTTP
// statuses. Retryability is carried through to the response envelope so
// clients can back off on transient failures.
func writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "QUERY_FAILED"

	switch {
	case errors.Is(err, federation.ErrNotInitialized):
		status, code = http.StatusServiceUnavailable, "ENGINE_NOT_READY"
	case errors.Is(err, federation.ErrPoolTimeout):
		status, code = http.StatusServiceUnavailable, "POOL_TIMEOUT"
	case errors.Is(err, federation.ErrQueryTimeout):
		status, code = http.StatusGatewayTimeout, "QUERY_TIMEOUT"
	case errors.Is(err, federation.ErrSyntax):
		status, code = http.StatusBadRequest, "SQL_SYNTAX_ERROR"
	case errors.Is(err, federation.ErrCatalog):
		status, code = http.StatusBadRequest, "CATALOG_ERROR"
	case errors.Is(err, federation.ErrPermission):
		status, code = http.StatusForbidden, "PERMISSION_DENIED"
	case errors.Is(err, federation.ErrUnsupportedSourceType):
		status, code = http.StatusBadRequest, "UNSUPPORTED_SOURCE_TYPE"
	case errors.Is(err, federation.ErrAttachment):
		status, code = http.StatusBadGateway, "ATTACHMENT_FAILED"
	case errors.Is(err, registry.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	}

	writeError(ctx, w, status, code, err.Error(), federation.Retryable(err), nil)
}
