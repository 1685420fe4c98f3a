package federation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fedquery/fedquery/internal/observability"
	"github.com/fedquery/fedquery/internal/storage"
)

// DataSourceTTL bounds how long a connection's attachment context stays fresh
// before sources are re-attached.
const DataSourceTTL = time.Hour

const attachTimeout = 30 * time.Second

// identPattern allow-lists alias, schema, and extension identifiers before
// they are interpolated into DDL.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Attacher turns data source descriptors into attached catalogs inside one
// connection. File-backed sources (excel, parquet) are localized from the
// object store before a view is created over them.
type Attacher struct {
	store   storage.ObjectStore
	logger  *slog.Logger
	workDir string
}

func NewAttacher(store storage.ObjectStore, logger *slog.Logger) *Attacher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Attacher{store: store, logger: logger, workDir: os.TempDir()}
}

// AttachProjectSources attaches every active binding of a project. A single
// source failing to attach is logged and skipped so the remaining sources
// still federate; the per-source outcomes make the partial result
// inspectable.
func (a *Attacher) AttachProjectSources(ctx context.Context, conn *PooledConn, bindings []SourceBinding) (map[string]struct{}, []AttachOutcome) {
	attached := make(map[string]struct{}, len(bindings))
	outcomes := make([]AttachOutcome, 0, len(bindings))

	for _, binding := range bindings {
		if err := a.AttachSource(ctx, conn, binding.Source, binding.Alias); err != nil {
			a.logger.Warn("failed to attach project data source",
				slog.String("alias", binding.Alias),
				slog.Any("error", err),
			)
			observability.IncAttachOutcome(string(AttachStateSkipped))
			outcomes = append(outcomes, AttachOutcome{Alias: binding.Alias, State: AttachStateSkipped, Reason: err.Error()})
			continue
		}
		attached[binding.Alias] = struct{}{}
		observability.IncAttachOutcome(string(AttachStateAttached))
		outcomes = append(outcomes, AttachOutcome{Alias: binding.Alias, State: AttachStateAttached})
	}
	return attached, outcomes
}

// AttachDatasetTables attaches only the sources a dataset references and
// materializes one renaming, column-projecting view per required table.
// Relationship hints are applied best-effort afterwards.
func (a *Attacher) AttachDatasetTables(ctx context.Context, conn *PooledConn, datasetID string, cfg DatasetConfig) (map[string]struct{}, map[string]struct{}, error) {
	type tableSpec struct {
		sourceTable string
		targetName  string
		columns     []string
	}
	tablesBySource := make(map[string][]tableSpec)
	for _, table := range cfg.Tables {
		target := table.TargetName
		if target == "" {
			target = table.TableName
		}
		tablesBySource[table.SourceAlias] = append(tablesBySource[table.SourceAlias], tableSpec{
			sourceTable: table.TableName,
			targetName:  target,
			columns:     table.Columns,
		})
	}

	bindingsByAlias := make(map[string]SourceBinding, len(cfg.Sources))
	for _, binding := range cfg.Sources {
		bindingsByAlias[binding.Alias] = binding
	}

	sourcesUsed := make(map[string]struct{}, len(tablesBySource))
	tablesUsed := make(map[string]struct{})

	for alias, tables := range tablesBySource {
		binding, ok := bindingsByAlias[alias]
		if !ok {
			return nil, nil, fmt.Errorf("%w: source %q is not associated with dataset %q", ErrAttachment, alias, datasetID)
		}

		if err := a.AttachSource(ctx, conn, binding.Source, alias); err != nil {
			a.logger.Warn("failed to attach dataset data source",
				slog.String("alias", alias),
				slog.String("dataset_id", datasetID),
				slog.Any("error", err),
			)
			observability.IncAttachOutcome(string(AttachStateSkipped))
			continue
		}
		sourcesUsed[alias] = struct{}{}
		observability.IncAttachOutcome(string(AttachStateAttached))

		for _, table := range tables {
			viewStmt, err := tableViewStatement(alias, table.sourceTable, table.targetName, table.columns)
			if err != nil {
				a.logger.Warn("skipping dataset view with invalid identifiers",
					slog.String("view", table.targetName),
					slog.Any("error", err),
				)
				continue
			}
			if _, err := conn.ExecContext(ctx, viewStmt); err != nil {
				a.logger.Warn("failed to create dataset view",
					slog.String("view", table.targetName),
					slog.Any("error", err),
				)
				continue
			}
			tablesUsed[table.targetName] = struct{}{}
		}
	}

	a.applyRelationships(ctx, conn, cfg.Relationships)
	return sourcesUsed, tablesUsed, nil
}

// applyRelationships declares primary key hints for dataset views. The engine
// rejects constraints on most attached catalogs, so failures are logged only.
func (a *Attacher) applyRelationships(ctx context.Context, conn *PooledConn, relationships []DatasetRelationship) {
	for _, rel := range relationships {
		for _, side := range []struct{ table, column string }{
			{rel.LeftTable, rel.LeftColumn},
			{rel.RightTable, rel.RightColumn},
		} {
			if !identPattern.MatchString(side.table) || !identPattern.MatchString(side.column) {
				a.logger.Warn("skipping relationship with invalid identifiers",
					slog.String("table", side.table),
					slog.String("column", side.column),
				)
				continue
			}
			stmt := fmt.Sprintf("ALTER VIEW %s ADD PRIMARY KEY (%s);", side.table, side.column)
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				a.logger.Warn("failed to add relationship constraint",
					slog.String("table", side.table),
					slog.Any("error", err),
				)
			}
		}
	}
}

// AttachSource attaches a single source under alias, updating nothing in the
// connection context; callers own the bookkeeping.
func (a *Attacher) AttachSource(ctx context.Context, conn *PooledConn, source DataSourceSpec, alias string) error {
	if alias == "" {
		alias = source.Alias
	}

	attachCtx, cancel := context.WithTimeout(ctx, attachTimeout)
	defer cancel()

	switch source.Type {
	case SourceExcel, SourceParquet:
		return a.attachFileSource(attachCtx, conn, source, alias)
	default:
		stmt, err := attachStatement(source.Type, source.Config, alias)
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(attachCtx, stmt); err != nil {
			return fmt.Errorf("%w: attach %q: %s", ErrAttachment, alias, err.Error())
		}
		return nil
	}
}

// DetachSource removes an attached catalog; used by the connection activity
// probe.
func (a *Attacher) DetachSource(ctx context.Context, conn *PooledConn, alias string) error {
	if err := validateIdent(alias, "alias"); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("DETACH %s", alias)); err != nil {
		return fmt.Errorf("detach %q: %w", alias, err)
	}
	return nil
}

// attachFileSource localizes an object-store file into the scratch directory
// and exposes it as a single view named after the alias.
func (a *Attacher) attachFileSource(ctx context.Context, conn *PooledConn, source DataSourceSpec, alias string) error {
	if err := validateIdent(alias, "alias"); err != nil {
		return err
	}
	objectKey := source.Config["object_key"]
	if objectKey == "" {
		return fmt.Errorf("%w: %s source %q requires 'object_key'", ErrAttachment, source.Type, alias)
	}
	if a.store == nil {
		return fmt.Errorf("%w: no object store configured for %s source %q", ErrAttachment, source.Type, alias)
	}

	reader, err := a.store.Get(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("%w: fetch object %q: %s", ErrAttachment, objectKey, err.Error())
	}
	defer func() { _ = reader.Close() }()

	localPath := filepath.Join(a.workDir, fmt.Sprintf("fedquery_%s%s", alias, filepath.Ext(objectKey)))
	if err := writeLocalFile(localPath, reader); err != nil {
		return fmt.Errorf("%w: localize object %q: %s", ErrAttachment, objectKey, err.Error())
	}

	readFunc := "read_parquet"
	if source.Type == SourceExcel {
		readFunc = "read_xlsx"
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s(%s)", alias, readFunc, quoteLiteral(localPath))
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create file view %q: %s", ErrAttachment, alias, err.Error())
	}
	return nil
}

// attachStatement maps a source type to the DDL that makes it queryable.
// Credential values are escaped as SQL literals; identifiers are allow-list
// validated before interpolation.
func attachStatement(sourceType SourceType, config map[string]string, alias string) (string, error) {
	if err := validateIdent(alias, "alias"); err != nil {
		return "", err
	}

	switch sourceType {
	case SourceMySQL:
		dsn := fmt.Sprintf("host=%s port=%s database=%s user=%s password=%s",
			config["host"], config["port"], config["database"], config["username"], config["password"])
		return fmt.Sprintf("ATTACH %s AS %s (TYPE mysql, READ_ONLY)", quoteLiteral(dsn), alias), nil

	case SourcePostgres:
		dsn := fmt.Sprintf("dbname=%s host=%s port=%s user=%s password=%s",
			config["database"], config["host"], config["port"], config["username"], config["password"])
		schema := config["database_schema"]
		if schema == "" {
			schema = "public"
		}
		if err := validateIdent(schema, "schema"); err != nil {
			return "", err
		}
		return fmt.Sprintf("ATTACH %s AS %s (TYPE postgres, SCHEMA %s, READ_ONLY)",
			quoteLiteral(dsn), alias, quoteLiteral(schema)), nil

	case SourceSQLite:
		path := config["path"]
		if path == "" {
			return "", fmt.Errorf("%w: sqlite source requires 'path' configuration", ErrAttachment)
		}
		return fmt.Sprintf("ATTACH %s AS %s (TYPE sqlite, READ_ONLY);", quoteLiteral(path), alias), nil

	case SourceS3:
		// Not an ATTACH: registers a named secret so reads against s3://
		// URIs authenticate.
		region := config["region"]
		if region == "" {
			region = "us-east-1"
		}
		urlStyle := config["url_style"]
		if urlStyle == "" {
			urlStyle = "path"
		}
		secretName := "secret_" + alias
		return fmt.Sprintf(
			"DROP SECRET IF EXISTS %[1]s; CREATE OR REPLACE SECRET %[1]s (TYPE s3, PROVIDER config, ENDPOINT %[2]s, KEY_ID %[3]s, SECRET %[4]s, REGION %[5]s, URL_STYLE %[6]s);",
			secretName,
			quoteLiteral(config["endpoint"]),
			quoteLiteral(config["access_key"]),
			quoteLiteral(config["secret_key"]),
			quoteLiteral(region),
			quoteLiteral(urlStyle),
		), nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSourceType, sourceType)
	}
}

func tableViewStatement(sourceAlias, sourceTable, targetName string, columns []string) (string, error) {
	if err := validateIdent(sourceAlias, "alias"); err != nil {
		return "", err
	}
	if err := validateIdent(sourceTable, "table"); err != nil {
		return "", err
	}
	if err := validateIdent(targetName, "view"); err != nil {
		return "", err
	}

	columnsSQL := "*"
	if len(columns) > 0 {
		for _, column := range columns {
			if err := validateIdent(column, "column"); err != nil {
				return "", err
			}
		}
		columnsSQL = strings.Join(columns, ", ")
	}
	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT %s FROM %s.%s", targetName, columnsSQL, sourceAlias, sourceTable), nil
}

func validateIdent(value, kind string) error {
	if !identPattern.MatchString(value) {
		return fmt.Errorf("%w: %s %q contains invalid characters, only letters, digits and underscores are allowed", ErrAttachment, kind, value)
	}
	return nil
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func writeLocalFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
