package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fedquery/fedquery/internal/auth"
	"github.com/fedquery/fedquery/internal/federation"
)

type tableSummaryResponse struct {
	DatabaseName string `json:"database_name"`
	SchemaName   string `json:"schema_name"`
	TableName    string `json:"table_name"`
	ColumnCount  int64  `json:"column_count"`
}

func handleListTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
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

	projectID := strings.TrimSpace(r.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "PROJECT_REQUIRED", "project_id is required", false, nil)
		return
	}
	scope := federation.Scope{
		TenantID:  tenantID,
		ProjectID: projectID,
		DatasetID: strings.TrimSpace(r.URL.Query().Get("dataset_id")),
	}

	opts := federation.DefaultListTablesOptions()
	if err := applyBoolParam(r, "include_schema", &opts.IncludeSchema); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PARAMETER", err.Error(), false, nil)
		return
	}
	if err := applyBoolParam(r, "filter_system_tables", &opts.FilterSystemTables); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PARAMETER", err.Error(), false, nil)
		return
	}

	tables, err := deps.Engine.ListTables(r.Context(), scope, opts)
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}

	items := make([]tableSummaryResponse, 0, len(tables))
	for _, table := range tables {
		items = append(items, tableSummaryResponse{
			DatabaseName: table.DatabaseName,
			SchemaName:   table.SchemaName,
			TableName:    table.TableName,
			ColumnCount:  table.ColumnCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": items})
}

func applyBoolParam(r *http.Request, name string, target *bool) error {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s must be a boolean, got %q", name, raw)
	}
	*target = value
	return nil
}

type tableInfoRequest struct {
	ProjectID      string   `json:"project_id"`
	DatasetID      string   `json:"dataset_id"`
	Tables         []string `json:"tables"`
	IncludeIndexes bool     `json:"include_indexes"`
	SampleRows     *int     `json:"sample_rows"`
}

func handleTableInfo(deps Dependencies, w http.ResponseWriter, r *http.Request) {
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

	var request tableInfoRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid table info request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.ProjectID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "PROJECT_REQUIRED", "project_id is required", false, nil)
		return
	}
	if len(request.Tables) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "TABLES_REQUIRED", "at least one table name is required", false, nil)
		return
	}

	sampleRows := deps.SampleRows
	if request.SampleRows != nil {
		sampleRows = *request.SampleRows
	}

	scope := federation.Scope{
		TenantID:  tenantID,
		ProjectID: request.ProjectID,
		DatasetID: request.DatasetID,
	}
	info, err := deps.Engine.TableInfo(r.Context(), scope, request.Tables, request.IncludeIndexes, sampleRows)
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"table_info": info})
}

func handleMemoryUsage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	entries, err := deps.Engine.MemoryUsage(r.Context())
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"tag":                     entry.Tag,
			"memory_usage_bytes":      entry.MemoryUsageBytes,
			"temporary_storage_bytes": entry.TemporaryStorageBytes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"memory": items})
}

func handlePoolStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	stats := deps.Engine.PoolStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized":     stats.Initialized,
		"current_idle":    stats.CurrentIdle,
		"max_connections": stats.MaxConnections,
		"min_connections": stats.MinConnections,
	})
}

type testDataSourceRequest struct {
	Type   string            `json:"type"`
	Config map[string]string `json:"config"`
}

func handleTestDataSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request testDataSourceRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid data source test body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Type) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TYPE_REQUIRED", "data source type is required", false, nil)
		return
	}

	result := deps.Engine.TestDataSource(r.Context(), federation.DataSourceSpec{
		Type:   federation.SourceType(strings.ToLower(strings.TrimSpace(request.Type))),
		Config: request.Config,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         result.OK,
		"message":    result.Message,
		"error_type": result.ErrorType,
	})
}
