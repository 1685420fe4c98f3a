package federation

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPrepareSQL(t *testing.T) {
	cases := []struct {
		name    string
		sql     string
		preview bool
		want    string
	}{
		{"no preview passes through", "SELECT 1", false, "SELECT 1"},
		{"preview appends limit", "SELECT 1", true, "SELECT 1 LIMIT 100"},
		{"preview preserves semicolon", "SELECT 1;", true, "SELECT 1 LIMIT 100;"},
		{"existing limit untouched", "SELECT 1 LIMIT 5", true, "SELECT 1 LIMIT 5"},
		{"existing limit with semicolon untouched", "SELECT 1 LIMIT 5;", true, "SELECT 1 LIMIT 5;"},
		{"limit in subquery still appended", "SELECT * FROM (SELECT 1 LIMIT 5) t", true, "SELECT * FROM (SELECT 1 LIMIT 5) t LIMIT 100"},
		{"whitespace trimmed", "  SELECT 1  ", true, "SELECT 1 LIMIT 100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := prepareSQL(tc.sql, tc.preview); got != tc.want {
				t.Fatalf("prepareSQL() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTruncateValue(t *testing.T) {
	long := strings.Repeat("word ", 200)

	truncated, ok := truncateValue(long, 50, "...").(string)
	if !ok {
		t.Fatal("expected string result")
	}
	if len(truncated) > 50 {
		t.Fatalf("len = %d, want <= 50", len(truncated))
	}
	if !strings.HasSuffix(truncated, "...") {
		t.Fatalf("value = %q, want trailing ellipsis", truncated)
	}
	// Cut lands on a word boundary, not mid-token.
	body := strings.TrimSuffix(truncated, "...")
	if !strings.HasSuffix(body, "word") {
		t.Fatalf("cut should end on a whole token: %q", truncated)
	}

	if got := truncateValue("short", 50, "...").(string); got != "short" {
		t.Fatalf("short string modified: %q", got)
	}
	if got := truncateValue([]byte("bytes"), 50, "...").(string); got != "bytes" {
		t.Fatalf("byte slice = %q", got)
	}
	if got := truncateValue(int64(42), 1, "..."); got != int64(42) {
		t.Fatalf("non-string value modified: %v", got)
	}

	// Limits at or below the suffix width hard-cut instead of slicing past
	// the front of the string.
	for limit := 1; limit <= 3; limit++ {
		got, ok := truncateValue("hello world", limit, "...").(string)
		if !ok {
			t.Fatalf("limit %d: expected string result", limit)
		}
		if got != "hello world"[:limit] {
			t.Fatalf("limit %d: got %q", limit, got)
		}
	}
	if got := truncateValue("hello world", 4, "...").(string); got != "h..." {
		t.Fatalf("limit 4: got %q", got)
	}
}

func TestClassifyExecError(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		timeout bool
		want    error
	}{
		{"timeout flag", errors.New("interrupted"), true, ErrQueryTimeout},
		{"deadline", context.DeadlineExceeded, false, ErrQueryTimeout},
		{"catalog", errors.New(`Catalog Error: Table "x" does not exist`), false, ErrCatalog},
		{"binder", errors.New("Binder Error: column not found"), false, ErrCatalog},
		{"parser", errors.New("Parser Error: syntax error at end"), false, ErrSyntax},
		{"permission", errors.New("Permission Error: cannot write"), false, ErrPermission},
		{"unknown", errors.New("something odd"), false, ErrUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyExecError(tc.err, tc.timeout)
			if !errors.Is(got, tc.want) {
				t.Fatalf("classifyExecError() = %v, want %v", got, tc.want)
			}
		})
	}
	if classifyExecError(nil, false) != nil {
		t.Fatal("nil error should stay nil")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(ErrPoolTimeout) || !Retryable(ErrQueryTimeout) {
		t.Fatal("timeouts should be retryable")
	}
	if Retryable(ErrCatalog) || Retryable(ErrSyntax) || Retryable(nil) {
		t.Fatal("non-timeout errors should not be retryable")
	}
}

// countingRegistry fails the test if any lookup happens, proving cache hits
// make zero backend calls.
type countingRegistry struct {
	projectCalls int
	datasetCalls int
	bindings     []SourceBinding
	dataset      DatasetConfig
	err          error
}

func (r *countingRegistry) ListProjectSources(context.Context, string, string) ([]SourceBinding, error) {
	r.projectCalls++
	return r.bindings, r.err
}

func (r *countingRegistry) GetDatasetConfig(context.Context, string, string, string) (DatasetConfig, error) {
	r.datasetCalls++
	return r.dataset, r.err
}

func newTestExecutor(registry Registry, ttl time.Duration) *Executor {
	pool := NewPool(PoolConfig{MaxConnections: 1}, nil)
	attacher := NewAttacher(nil, nil)
	return NewExecutor(pool, attacher, registry, ExecutorConfig{AttachTTL: ttl}, nil)
}

func TestEnsureAttachedUsesCachedContext(t *testing.T) {
	registry := &countingRegistry{}
	executor := newTestExecutor(registry, time.Hour)

	conn := &PooledConn{ctx: connContext{
		tenantID:        "t1",
		projectID:       "p1",
		sourcesAttached: map[string]struct{}{"orders_db": {}},
		lastAttach:      time.Now(),
	}}

	sources, err := executor.EnsureAttached(context.Background(), conn, Scope{TenantID: "t1", ProjectID: "p1"}, false)
	if err != nil {
		t.Fatalf("EnsureAttached() error = %v", err)
	}
	if _, ok := sources["orders_db"]; !ok {
		t.Fatalf("sources = %v", sources)
	}
	if registry.projectCalls != 0 || registry.datasetCalls != 0 {
		t.Fatalf("registry calls = %d/%d, want 0/0 on cache hit", registry.projectCalls, registry.datasetCalls)
	}
}

func TestEnsureAttachedReattachesOnScopeChange(t *testing.T) {
	registry := &countingRegistry{}
	executor := newTestExecutor(registry, time.Hour)

	conn := &PooledConn{ctx: connContext{
		projectID:       "p1",
		sourcesAttached: map[string]struct{}{"orders_db": {}},
		lastAttach:      time.Now(),
	}}

	if _, err := executor.EnsureAttached(context.Background(), conn, Scope{TenantID: "t1", ProjectID: "p2"}, false); err != nil {
		t.Fatalf("EnsureAttached() error = %v", err)
	}
	if registry.projectCalls != 1 {
		t.Fatalf("projectCalls = %d, want 1", registry.projectCalls)
	}
	if conn.ctx.projectID != "p2" {
		t.Fatalf("connection context project = %q, want p2", conn.ctx.projectID)
	}
}

func TestEnsureAttachedReattachesAfterTTL(t *testing.T) {
	registry := &countingRegistry{}
	executor := newTestExecutor(registry, time.Minute)

	conn := &PooledConn{ctx: connContext{
		projectID:       "p1",
		sourcesAttached: map[string]struct{}{"orders_db": {}},
		lastAttach:      time.Now().Add(-2 * time.Minute),
	}}

	if _, err := executor.EnsureAttached(context.Background(), conn, Scope{TenantID: "t1", ProjectID: "p1"}, false); err != nil {
		t.Fatalf("EnsureAttached() error = %v", err)
	}
	if registry.projectCalls != 1 {
		t.Fatalf("projectCalls = %d, want 1 after TTL expiry", registry.projectCalls)
	}
}

func TestEnsureAttachedPropagatesRegistryFailure(t *testing.T) {
	registry := &countingRegistry{err: errors.New("registry down")}
	executor := newTestExecutor(registry, time.Hour)

	conn := &PooledConn{}
	_, err := executor.EnsureAttached(context.Background(), conn, Scope{TenantID: "t1", ProjectID: "p1", DatasetID: "d1"}, false)
	if !errors.Is(err, ErrAttachment) {
		t.Fatalf("error = %v, want ErrAttachment", err)
	}
}

func TestExecuteQueryRunsPreparedSQLAndReleases(t *testing.T) {
	pool, factory := newTestPool(t, PoolConfig{MaxConnections: 1, MinConnections: 1, ConnectionTimeout: time.Second})
	executor := NewExecutor(pool, NewAttacher(nil, nil), &countingRegistry{}, ExecutorConfig{}, nil)

	mock := factory.mocks[0]
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM things LIMIT 100")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("alpha").
			AddRow(strings.Repeat("beta ", 300)))
	expectBenignRollback(mock)

	result, err := executor.ExecuteQuery(context.Background(), QueryRequest{
		SQL:             "SELECT name FROM things",
		Preview:         true,
		MaxStringLength: 40,
	})
	if err != nil {
		t.Fatalf("ExecuteQuery() error = %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(result.Rows))
	}
	if result.Rows[0][0] != "alpha" {
		t.Fatalf("first row = %v", result.Rows[0])
	}
	second, _ := result.Rows[1][0].(string)
	if len(second) > 40 || !strings.HasSuffix(second, "...") {
		t.Fatalf("long value not truncated: %q", second)
	}
	if result.GeneratedSQL != "SELECT name FROM things LIMIT 100" {
		t.Fatalf("GeneratedSQL = %q", result.GeneratedSQL)
	}

	// The deferred release returned the connection to the pool.
	if stats := pool.Stats(); stats.CurrentIdle != 1 {
		t.Fatalf("CurrentIdle = %d, want 1", stats.CurrentIdle)
	}
}

func TestExecuteQueryClassifiesDriverError(t *testing.T) {
	pool, factory := newTestPool(t, PoolConfig{MaxConnections: 1, MinConnections: 1, ConnectionTimeout: time.Second})
	executor := NewExecutor(pool, NewAttacher(nil, nil), &countingRegistry{}, ExecutorConfig{}, nil)

	mock := factory.mocks[0]
	mock.ExpectQuery("SELECT").
		WillReturnError(errors.New(`Catalog Error: Table with name missing does not exist`))
	expectBenignRollback(mock)

	_, err := executor.ExecuteQuery(context.Background(), QueryRequest{SQL: "SELECT * FROM missing"})
	if !errors.Is(err, ErrCatalog) {
		t.Fatalf("error = %v, want ErrCatalog", err)
	}
}
