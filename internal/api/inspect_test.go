package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fedquery/fedquery/internal/federation"
)

func TestListTablesEndpoint(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	engine := &stubEngine{
		initialized: true,
		tables: []federation.TableSummary{
			{DatabaseName: "orders_db", SchemaName: "main", TableName: "orders", ColumnCount: 5},
		},
	}
	h := NewHandler(cfg, Dependencies{Engine: engine})

	req := httptest.NewRequest(http.MethodGet, "/v1/tables?project_id=p1&dataset_id=d1", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Tables []tableSummaryResponse `json:"tables"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(body.Tables) != 1 || body.Tables[0].TableName != "orders" {
		t.Fatalf("tables = %+v", body.Tables)
	}
	if !engine.tablesOpts.IncludeSchema || !engine.tablesOpts.FilterSystemTables {
		t.Fatalf("default options = %+v, want both enabled", engine.tablesOpts)
	}
}

func TestListTablesOptionParameters(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	engine := &stubEngine{initialized: true}
	h := NewHandler(cfg, Dependencies{Engine: engine})

	req := httptest.NewRequest(http.MethodGet, "/v1/tables?project_id=p1&include_schema=false&filter_system_tables=false", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if engine.tablesOpts.IncludeSchema || engine.tablesOpts.FilterSystemTables {
		t.Fatalf("options = %+v, want both disabled", engine.tablesOpts)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/tables?project_id=p1&include_schema=maybe", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid boolean", rr.Code)
	}
}

func TestListTablesRequiresProject(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	h := NewHandler(cfg, Dependencies{Engine: &stubEngine{initialized: true}})

	req := httptest.NewRequest(http.MethodGet, "/v1/tables", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestTableInfoEndpoint(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	engine := &stubEngine{initialized: true, tableInfo: "CREATE TABLE orders_db.orders (\n  id BIGINT NOT NULL\n)"}
	h := NewHandler(cfg, Dependencies{Engine: engine, SampleRows: 3})

	body := `{"project_id":"p1","tables":["orders_db.orders"],"include_indexes":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/table-info", strings.NewReader(body))
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "CREATE TABLE orders_db.orders") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestPoolStatsEndpoint(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	h := NewHandler(cfg, Dependencies{Engine: &stubEngine{initialized: true}})

	req := httptest.NewRequest(http.MethodGet, "/v1/pool/stats", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body["max_connections"] != float64(4) {
		t.Fatalf("max_connections = %v", body["max_connections"])
	}
}

func TestTestDataSourceEndpoint(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	engine := &stubEngine{
		initialized: true,
		testResult:  federation.ConnectionTestResult{OK: false, Message: "connection refused", ErrorType: "CONNECTION_ERROR"},
	}
	h := NewHandler(cfg, Dependencies{Engine: engine})

	body := `{"type":"mysql","config":{"host":"db.internal"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/datasources/test", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var result map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if result["ok"] != false || result["error_type"] != "CONNECTION_ERROR" {
		t.Fatalf("result = %v", result)
	}
}
