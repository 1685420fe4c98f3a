package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fedquery/fedquery/internal/storage"
)

// Config is the federation engine configuration surface recognized by the
// hosting process.
type Config struct {
	MaxConnections    int
	MinConnections    int
	ConnectionTimeout time.Duration
	QueryTimeout      time.Duration
	MonitorInterval   time.Duration
	AttachTTL         time.Duration
	EnableHTTPFS      bool
	Extensions        []string
	SampleRows        int
}

// Engine is the composition root for the federated query core. It is an
// explicit value passed by injection; tests run several isolated engines side
// by side.
type Engine struct {
	cfg      Config
	pool     *Pool
	attacher *Attacher
	executor *Executor
	logger   *slog.Logger
}

func NewEngine(cfg Config, registry Registry, store storage.ObjectStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	pool := NewPool(PoolConfig{
		MaxConnections:    cfg.MaxConnections,
		MinConnections:    cfg.MinConnections,
		ConnectionTimeout: cfg.ConnectionTimeout,
		MonitorInterval:   cfg.MonitorInterval,
		EnableHTTPFS:      cfg.EnableHTTPFS,
		Extensions:        cfg.Extensions,
	}, logger)
	attacher := NewAttacher(store, logger)
	executor := NewExecutor(pool, attacher, registry, ExecutorConfig{
		QueryTimeout: cfg.QueryTimeout,
		AttachTTL:    cfg.AttachTTL,
	}, logger)
	return &Engine{
		cfg:      cfg,
		pool:     pool,
		attacher: attacher,
		executor: executor,
		logger:   logger,
	}
}

func (e *Engine) Initialize(ctx context.Context) error {
	start := time.Now()
	e.logger.Info("initializing federation engine",
		slog.Int("max_connections", e.cfg.MaxConnections),
		slog.Int("min_connections", e.cfg.MinConnections),
	)
	if err := e.pool.Initialize(ctx); err != nil {
		return err
	}
	e.logger.Info("federation engine initialized", slog.String("elapsed", time.Since(start).String()))
	return nil
}

func (e *Engine) Shutdown() {
	if !e.pool.IsInitialized() {
		return
	}
	e.pool.Shutdown()
	e.logger.Info("federation engine shut down")
}

func (e *Engine) IsInitialized() bool {
	return e.pool.IsInitialized()
}

func (e *Engine) PoolStats() PoolStats {
	return e.pool.Stats()
}

// ExecuteQuery runs one federated query. Fails with ErrNotInitialized before
// Initialize completes.
func (e *Engine) ExecuteQuery(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if !e.pool.IsInitialized() {
		return QueryResult{}, ErrNotInitialized
	}
	return e.executor.ExecuteQuery(ctx, req)
}

// ListTables enumerates queryable tables for a project or dataset scope.
func (e *Engine) ListTables(ctx context.Context, scope Scope, opts ListTablesOptions) ([]TableSummary, error) {
	if !e.pool.IsInitialized() {
		return nil, ErrNotInitialized
	}
	return e.executor.ListTables(ctx, scope, opts)
}

// MemoryUsage reports the engine's memory accounting for one pooled session.
func (e *Engine) MemoryUsage(ctx context.Context) ([]MemoryUsageEntry, error) {
	if !e.pool.IsInitialized() {
		return nil, ErrNotInitialized
	}

	conn, err := e.pool.Acquire(ctx, Scope{}, false)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(conn, false)

	rows, err := conn.QueryContext(ctx, "SELECT tag, memory_usage_bytes, temporary_storage_bytes FROM duckdb_memory();")
	if err != nil {
		return nil, classifyExecError(err, false)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]MemoryUsageEntry, 0, 16)
	for rows.Next() {
		var entry MemoryUsageEntry
		if err := rows.Scan(&entry.Tag, &entry.MemoryUsageBytes, &entry.TemporaryStorageBytes); err != nil {
			return nil, fmt.Errorf("scan memory usage row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// TestDataSource validates a prospective data source configuration with a
// non-destructive attach-then-detach probe on a throwaway-scoped connection.
// It never persists anything and reports failures as a structured result, not
// an error.
func (e *Engine) TestDataSource(ctx context.Context, source DataSourceSpec) ConnectionTestResult {
	if !e.pool.IsInitialized() {
		return ConnectionTestResult{Message: "engine not initialized", ErrorType: "NOT_INITIALIZED"}
	}

	switch source.Type {
	case SourceMySQL, SourcePostgres, SourceSQLite, SourceS3, SourceExcel, SourceParquet:
	default:
		return ConnectionTestResult{Message: fmt.Sprintf("unsupported data source type %q", source.Type), ErrorType: "INVALID_TYPE"}
	}

	alias := fmt.Sprintf("__%s_db_test__", source.Type)
	// The probe alias must pass the attacher's identifier allow-list.
	alias = strings.ReplaceAll(alias, "-", "_")

	conn, err := e.pool.Acquire(ctx, Scope{}, false)
	if err != nil {
		if errors.Is(err, ErrPoolTimeout) {
			return ConnectionTestResult{Message: "connection pool timeout", ErrorType: "POOL_TIMEOUT"}
		}
		return ConnectionTestResult{Message: err.Error(), ErrorType: "UNKNOWN_ERROR"}
	}
	defer e.pool.Release(conn, false)

	if err := e.attacher.AttachSource(ctx, conn, source, alias); err != nil {
		return ConnectionTestResult{Message: fmt.Sprintf("attachment failed: %s", err.Error()), ErrorType: "BIND_ERROR"}
	}

	probe := func() (bool, error) {
		switch source.Type {
		case SourceS3:
			// S3 registers a secret rather than a catalog.
			return e.probeExists(ctx, conn, "SELECT name FROM duckdb_secrets() WHERE name = ?", "secret_"+alias)
		case SourceExcel, SourceParquet:
			return e.probeExists(ctx, conn, "SELECT view_name FROM duckdb_views() WHERE view_name = ?", alias)
		default:
			return e.probeExists(ctx, conn, "SELECT database_name FROM duckdb_databases() WHERE database_name = ?", alias)
		}
	}
	found, err := probe()
	if err != nil {
		return ConnectionTestResult{Message: fmt.Sprintf("connection probe failed: %s", err.Error()), ErrorType: "CONNECTION_ERROR"}
	}

	// Cleanup is best effort; the connection context is dropped on release
	// anyway because the probe never pools attachment state.
	switch source.Type {
	case SourceS3:
		_, _ = conn.ExecContext(ctx, fmt.Sprintf("DROP SECRET IF EXISTS secret_%s", alias))
	case SourceExcel, SourceParquet:
		_, _ = conn.ExecContext(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", alias))
	default:
		_ = e.attacher.DetachSource(ctx, conn, alias)
	}

	if !found {
		return ConnectionTestResult{Message: "failed to attach database", ErrorType: "BIND_ERROR"}
	}
	return ConnectionTestResult{OK: true, Message: fmt.Sprintf("%s connection test successful", source.Type)}
}

func (e *Engine) probeExists(ctx context.Context, conn *PooledConn, query string, arg any) (bool, error) {
	rows, err := conn.QueryContext(ctx, query, arg)
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()
	found := rows.Next()
	return found, rows.Err()
}

// TableInfo renders a textual description of the given tables (or every
// non-system table) with column types, optional index metadata, and sampled
// rows. Table names use the database.table format.
func (e *Engine) TableInfo(ctx context.Context, scope Scope, fullTableNames []string, includeIndexes bool, sampleRows int) (string, error) {
	if !e.pool.IsInitialized() {
		return "", ErrNotInitialized
	}
	if sampleRows < 0 {
		sampleRows = 0
	}

	conn, err := e.pool.Acquire(ctx, scope, true)
	if err != nil {
		return "", err
	}
	defer e.pool.Release(conn, true)

	if _, err := e.executor.EnsureAttached(ctx, conn, scope, false); err != nil {
		return "", err
	}

	querySQL := `SELECT database_name, table_name, column_name, data_type, is_nullable, comment
FROM duckdb_columns()
WHERE database_name != 'system'`
	params := make([]any, 0, len(fullTableNames)*2)
	if len(fullTableNames) > 0 {
		conditions := make([]string, 0, len(fullTableNames))
		for _, fullName := range fullTableNames {
			dbName, tableName, ok := splitTableName(fullName)
			if !ok {
				return "", fmt.Errorf("invalid table name format %q, want database.table", fullName)
			}
			conditions = append(conditions, "(database_name = ? AND table_name = ?)")
			params = append(params, dbName, tableName)
		}
		querySQL += " AND (" + strings.Join(conditions, " OR ") + ")"
	}
	querySQL += " ORDER BY database_name, table_name"

	rows, err := conn.QueryContext(ctx, querySQL, params...)
	if err != nil {
		return "", classifyExecError(err, false)
	}
	defer func() { _ = rows.Close() }()

	columnsByTable := make(map[string][]string)
	for rows.Next() {
		var dbName, tableName, columnName, dataType string
		var isNullable bool
		var comment *string
		if err := rows.Scan(&dbName, &tableName, &columnName, &dataType, &isNullable, &comment); err != nil {
			return "", fmt.Errorf("scan column metadata: %w", err)
		}
		fullName := dbName + "." + tableName
		line := fmt.Sprintf("  %s %s", columnName, dataType)
		if isNullable {
			line += " NULL"
		} else {
			line += " NOT NULL"
		}
		if comment != nil && *comment != "" {
			line += " -- " + *comment
		}
		columnsByTable[fullName] = append(columnsByTable[fullName], line)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(columnsByTable) == 0 {
		return "", nil
	}

	sections := make([]string, 0, len(columnsByTable))
	for fullName, columnLines := range columnsByTable {
		section := fullName + ":\n" + strings.Join(columnLines, "\n")
		if includeIndexes || sampleRows > 0 {
			section += "\n\n/*"
			if includeIndexes {
				section += "\n" + e.tableIndexes(ctx, conn, fullName) + "\n"
			}
			if sampleRows > 0 {
				section += "\n" + e.sampleTableRows(ctx, conn, fullName, sampleRows) + "\n"
			}
			section += "*/"
		}
		sections = append(sections, section)
	}
	sort.Strings(sections)
	return strings.Join(sections, "\n\n"), nil
}

func (e *Engine) tableIndexes(ctx context.Context, conn *PooledConn, fullTableName string) string {
	dbName, tableName, ok := splitTableName(fullTableName)
	if !ok {
		return "Table Indexes:"
	}
	rows, err := conn.QueryContext(ctx,
		"SELECT index_name, is_unique, expressions FROM duckdb_indexes() WHERE database_name = ? AND table_name = ?",
		dbName, tableName,
	)
	if err != nil {
		e.logger.Warn("failed to read table indexes", slog.String("table", fullTableName), slog.Any("error", err))
		return "Table Indexes:"
	}
	defer func() { _ = rows.Close() }()

	lines := make([]string, 0, 4)
	for rows.Next() {
		var name, expressions string
		var isUnique bool
		if err := rows.Scan(&name, &isUnique, &expressions); err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("Name: %s, Unique: %t, Columns: %s", name, isUnique, expressions))
	}
	return "Table Indexes:\n" + strings.Join(lines, "\n")
}

func (e *Engine) sampleTableRows(ctx context.Context, conn *PooledConn, fullTableName string, sampleRows int) string {
	header := fmt.Sprintf("%d rows from %s table:", sampleRows, fullTableName)

	dbName, tableName, ok := splitTableName(fullTableName)
	if !ok || !identPattern.MatchString(dbName) || !identPattern.MatchString(tableName) {
		return header
	}
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s.%s USING SAMPLE %d;", dbName, tableName, sampleRows),
	)
	if err != nil {
		e.logger.Warn("failed to sample table rows", slog.String("table", fullTableName), slog.Any("error", err))
		return header
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return header
	}
	lines := []string{header, strings.Join(columns, "\t")}
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			break
		}
		cells := make([]string, len(values))
		for i, value := range values {
			cell := fmt.Sprintf("%v", value)
			if len(cell) > 100 {
				cell = cell[:100]
			}
			cells[i] = cell
		}
		lines = append(lines, strings.Join(cells, "\t"))
	}
	return strings.Join(lines, "\n")
}

func splitTableName(fullName string) (string, string, bool) {
	parts := strings.SplitN(fullName, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
