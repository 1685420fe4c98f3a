package federation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fedquery/fedquery/internal/observability"
)

const (
	defaultQueryTimeout    = 60 * time.Second
	defaultMaxStringLength = 500
	previewRowLimit        = 100
	truncationSuffix       = "..."

	// rowBatchSize bounds the append granularity while streaming the cursor,
	// so wide result sets grow the backing array in fixed steps.
	rowBatchSize = 2000
)

// trailingLimitPattern detects a LIMIT clause at the tail of a statement. It
// is deliberately not a SQL parser: a LIMIT inside a subquery does not count
// and callers must not rely on it being detected.
var trailingLimitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+\d+\s*;?\s*$`)

// Executor runs SQL against pooled connections, keeping each connection's
// attachment context current before execution.
type Executor struct {
	pool     *Pool
	attacher *Attacher
	registry Registry
	logger   *slog.Logger

	queryTimeout time.Duration
	attachTTL    time.Duration
}

type ExecutorConfig struct {
	QueryTimeout time.Duration
	AttachTTL    time.Duration
}

func NewExecutor(pool *Pool, attacher *Attacher, registry Registry, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	attachTTL := cfg.AttachTTL
	if attachTTL <= 0 {
		attachTTL = DataSourceTTL
	}
	return &Executor{
		pool:         pool,
		attacher:     attacher,
		registry:     registry,
		logger:       logger,
		queryTimeout: queryTimeout,
		attachTTL:    attachTTL,
	}
}

// ExecuteQuery acquires a connection, brings its attachments up to date, runs
// the SQL under the query deadline, and releases the connection on every exit
// path.
func (e *Executor) ExecuteQuery(ctx context.Context, req QueryRequest) (QueryResult, error) {
	start := time.Now()

	conn, err := e.pool.Acquire(ctx, req.Scope, req.ReuseConnection)
	if err != nil {
		return QueryResult{}, err
	}
	defer e.pool.Release(conn, req.ReuseConnection)

	sourcesUsed, err := e.EnsureAttached(ctx, conn, req.Scope, req.ForceReattach)
	if err != nil {
		return QueryResult{}, err
	}
	connectionTime := time.Since(start)

	result, err := e.executeSQL(ctx, conn, req, sourcesUsed, connectionTime)
	observability.ObserveQuery(ErrorKind(err), time.Since(start))
	return result, err
}

// EnsureAttached re-attaches a connection's sources only when forced, never
// attached, scoped differently, or stale past the attach TTL. On a cache hit
// it returns the cached alias set with zero native calls.
func (e *Executor) EnsureAttached(ctx context.Context, conn *PooledConn, scope Scope, force bool) (map[string]struct{}, error) {
	needAttach := force ||
		len(conn.ctx.sourcesAttached) == 0 ||
		conn.ctx.projectID != scope.ProjectID ||
		conn.ctx.datasetID != scope.DatasetID ||
		time.Since(conn.ctx.lastAttach) > e.attachTTL

	if !needAttach {
		return conn.ctx.sourcesAttached, nil
	}

	switch {
	case scope.DatasetID != "" && scope.ProjectID != "":
		cfg, err := e.registry.GetDatasetConfig(ctx, scope.TenantID, scope.ProjectID, scope.DatasetID)
		if err != nil {
			return nil, fmt.Errorf("%w: load dataset %q: %s", ErrAttachment, scope.DatasetID, err.Error())
		}
		sources, tables, err := e.attacher.AttachDatasetTables(ctx, conn, scope.DatasetID, cfg)
		if err != nil {
			return nil, err
		}
		conn.ctx = connContext{
			tenantID:        scope.TenantID,
			projectID:       scope.ProjectID,
			datasetID:       scope.DatasetID,
			sourcesAttached: sources,
			tablesAttached:  tables,
			lastAttach:      time.Now(),
		}
		return sources, nil

	case scope.ProjectID != "":
		bindings, err := e.registry.ListProjectSources(ctx, scope.TenantID, scope.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("%w: load project %q sources: %s", ErrAttachment, scope.ProjectID, err.Error())
		}
		sources, _ := e.attacher.AttachProjectSources(ctx, conn, bindings)
		conn.ctx = connContext{
			tenantID:        scope.TenantID,
			projectID:       scope.ProjectID,
			sourcesAttached: sources,
			lastAttach:      time.Now(),
		}
		return sources, nil

	default:
		return map[string]struct{}{}, nil
	}
}

func (e *Executor) executeSQL(ctx context.Context, conn *PooledConn, req QueryRequest, sourcesUsed map[string]struct{}, connectionTime time.Duration) (QueryResult, error) {
	finalSQL := prepareSQL(req.SQL, req.Preview)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.queryTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rows, err := conn.QueryContext(execCtx, finalSQL, req.Parameters...)
	if err != nil {
		timedOut := execCtx.Err() != nil && ctx.Err() == nil
		classified := classifyExecError(err, timedOut)
		e.logger.Error("query execution failed",
			slog.String("kind", ErrorKind(classified)),
			slog.String("sql", truncateSQLForLog(finalSQL)),
			slog.Any("error", err),
		)
		return QueryResult{}, classified
	}
	defer func() { _ = rows.Close() }()

	maxStringLength := req.MaxStringLength
	if maxStringLength <= 0 {
		maxStringLength = defaultMaxStringLength
	}

	result, err := processRows(rows, maxStringLength)
	if err != nil {
		timedOut := execCtx.Err() != nil && ctx.Err() == nil
		classified := classifyExecError(err, timedOut)
		e.logger.Error("query result processing failed",
			slog.String("kind", ErrorKind(classified)),
			slog.String("sql", truncateSQLForLog(finalSQL)),
			slog.Any("error", err),
		)
		return QueryResult{}, classified
	}

	result.ExecutionTime = time.Since(start)
	result.ConnectionTime = connectionTime
	result.SourcesUsed = sortedAliases(sourcesUsed)
	if req.Preview {
		result.GeneratedSQL = finalSQL
	}
	return result, nil
}

// prepareSQL appends a preview LIMIT unless the statement already ends with
// one, preserving a trailing semicolon.
func prepareSQL(sqlText string, preview bool) string {
	sqlText = strings.TrimSpace(sqlText)
	if !preview || trailingLimitPattern.MatchString(sqlText) {
		return sqlText
	}
	if strings.HasSuffix(sqlText, ";") {
		return fmt.Sprintf("%s LIMIT %d;", strings.TrimSuffix(sqlText, ";"), previewRowLimit)
	}
	return fmt.Sprintf("%s LIMIT %d", sqlText, previewRowLimit)
}

// processRows streams the cursor instead of materializing it in one shot,
// truncating long string values for display.
func processRows(rows *sql.Rows, maxStringLength int) (QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return QueryResult{}, fmt.Errorf("read result columns: %w", err)
	}

	collected := make([][]any, 0, rowBatchSize)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return QueryResult{}, fmt.Errorf("scan result row: %w", err)
		}
		for i, value := range values {
			values[i] = truncateValue(value, maxStringLength, truncationSuffix)
		}
		if len(collected) == cap(collected) {
			grown := make([][]any, len(collected), len(collected)+rowBatchSize)
			copy(grown, collected)
			collected = grown
		}
		collected = append(collected, values)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}

	return QueryResult{Columns: columns, Rows: collected}, nil
}

// truncateValue shortens string values past the limit, backing up to the last
// whitespace boundary and appending the suffix. Lossy and display-oriented;
// byte slices are normalized to strings first, everything else passes
// through.
func truncateValue(value any, length int, suffix string) any {
	var text string
	switch typed := value.(type) {
	case string:
		text = typed
	case []byte:
		text = string(typed)
	default:
		return value
	}
	if length <= 0 || len(text) <= length {
		return text
	}
	if length <= len(suffix) {
		return text[:length]
	}

	cut := text[:length-len(suffix)]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + suffix
}

func truncateSQLForLog(sqlText string) string {
	const maxLength = 200
	if len(sqlText) <= maxLength {
		return sqlText
	}
	return fmt.Sprintf("%s...[truncated, total %d chars]", sqlText[:maxLength], len(sqlText))
}

func sortedAliases(set map[string]struct{}) []string {
	aliases := make([]string, 0, len(set))
	for alias := range set {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// ListTablesOptions controls table enumeration. Zero value means bare table
// names with system catalogs included; DefaultListTablesOptions matches what
// callers usually want.
type ListTablesOptions struct {
	IncludeSchema      bool
	FilterSystemTables bool
}

func DefaultListTablesOptions() ListTablesOptions {
	return ListTablesOptions{IncludeSchema: true, FilterSystemTables: true}
}

// ListTables reads the engine's table metadata view, optionally restricted to
// a dataset's configured tables and excluding system catalogs when asked.
func (e *Executor) ListTables(ctx context.Context, scope Scope, opts ListTablesOptions) ([]TableSummary, error) {
	if scope.ProjectID == "" && scope.DatasetID == "" {
		return nil, errors.New("project_id or dataset_id must be provided")
	}

	conditions := make([]string, 0, 2)
	params := make([]any, 0)
	if opts.FilterSystemTables {
		conditions = append(conditions, "database_name NOT IN ('system', 'temp')")
	}

	if scope.DatasetID != "" {
		cfg, err := e.registry.GetDatasetConfig(ctx, scope.TenantID, scope.ProjectID, scope.DatasetID)
		if err != nil {
			return nil, fmt.Errorf("load dataset config: %w", err)
		}
		tableConds := make([]string, 0, len(cfg.Tables))
		for _, table := range cfg.Tables {
			tableConds = append(tableConds, "(database_name = ? AND table_name = ?)")
			params = append(params, table.SourceAlias, table.TableName)
		}
		if len(tableConds) > 0 {
			conditions = append(conditions, "("+strings.Join(tableConds, " OR ")+")")
		}
	}

	querySQL := "SELECT database_name, schema_name, table_name, column_count FROM duckdb_tables()"
	if len(conditions) > 0 {
		querySQL += " WHERE " + strings.Join(conditions, " AND ")
	}
	querySQL += " ORDER BY database_name, schema_name, table_name"

	result, err := e.ExecuteQuery(ctx, QueryRequest{
		Scope:           scope,
		SQL:             querySQL,
		Parameters:      params,
		ReuseConnection: true,
	})
	if err != nil {
		return nil, err
	}

	tables := make([]TableSummary, 0, len(result.Rows))
	for _, row := range result.Rows {
		summary := TableSummary{}
		if opts.IncludeSchema {
			if v, ok := row[0].(string); ok {
				summary.DatabaseName = v
			}
			if v, ok := row[1].(string); ok {
				summary.SchemaName = v
			}
		}
		if v, ok := row[2].(string); ok {
			summary.TableName = v
		}
		if v, ok := row[3].(int64); ok {
			summary.ColumnCount = v
		}
		tables = append(tables, summary)
	}
	return tables, nil
}
