// Package federation implements the federated query core: a bounded pool of
// embedded DuckDB sessions, per-tenant source attachment with TTL caching,
// and deadline-bound SQL execution over the resulting federation.
package federation

import (
	"context"
	"time"
)

// SourceType identifies the kind of external system a data source points at.
type SourceType string

const (
	SourceMySQL    SourceType = "mysql"
	SourcePostgres SourceType = "postgres"
	SourceSQLite   SourceType = "sqlite"
	SourceS3       SourceType = "s3"
	SourceExcel    SourceType = "excel"
	SourceParquet  SourceType = "parquet"
)

// DataSourceSpec describes one external data source. Config values arrive
// already decrypted; this package never touches the secrets service.
type DataSourceSpec struct {
	Alias  string
	Type   SourceType
	Config map[string]string
}

// SourceBinding is a project-level registration of a data source under an
// alias. Inactive bindings are filtered out by the registry.
type SourceBinding struct {
	Alias  string
	Source DataSourceSpec
}

// DatasetTable enumerates one table a dataset needs, with an optional column
// projection and rename.
type DatasetTable struct {
	SourceAlias string
	TableName   string
	Columns     []string
	TargetName  string
}

// DatasetRelationship is a best-effort primary/foreign key hint between two
// dataset views.
type DatasetRelationship struct {
	LeftTable   string
	LeftColumn  string
	RightTable  string
	RightColumn string
}

// DatasetConfig is the curated table subset for one dataset, as stored by the
// registry collaborator.
type DatasetConfig struct {
	Tables        []DatasetTable
	Relationships []DatasetRelationship
	Sources       []SourceBinding
}

// Registry supplies tenant data-source bindings and dataset configurations.
// Implemented by internal/registry/postgres.
type Registry interface {
	ListProjectSources(ctx context.Context, tenantID, projectID string) ([]SourceBinding, error)
	GetDatasetConfig(ctx context.Context, tenantID, projectID, datasetID string) (DatasetConfig, error)
}

// Scope identifies which federation a connection is set up for.
type Scope struct {
	TenantID  string
	ProjectID string
	DatasetID string
}

// QueryRequest is one federated query call.
type QueryRequest struct {
	Scope           Scope
	SQL             string
	Parameters      []any
	Preview         bool
	MaxStringLength int
	ReuseConnection bool
	ForceReattach   bool
	Timeout         time.Duration
}

// QueryResult is the bounded, display-truncated outcome of one query.
// String values longer than the configured maximum are lossily shortened;
// consumers must not treat row values as byte-exact.
type QueryResult struct {
	Columns        []string
	Rows           [][]any
	ExecutionTime  time.Duration
	ConnectionTime time.Duration
	SourcesUsed    []string
	GeneratedSQL   string
}

// AttachState says what happened to a single source during attachment.
type AttachState string

const (
	AttachStateAttached AttachState = "attached"
	AttachStateSkipped  AttachState = "skipped"
)

// AttachOutcome is the per-source result of a project attachment. Skipped
// sources carry the reason so the aggregate is inspectable without error
// unwrapping.
type AttachOutcome struct {
	Alias  string
	State  AttachState
	Reason string
}

// PoolStats is a non-blocking snapshot of the connection pool.
type PoolStats struct {
	Initialized    bool
	CurrentIdle    int
	MaxConnections int
	MinConnections int
}

// MemoryUsageEntry is one row of the engine's memory accounting.
type MemoryUsageEntry struct {
	Tag                   string
	MemoryUsageBytes      int64
	TemporaryStorageBytes int64
}

// TableSummary is one entry returned by ListTables.
type TableSummary struct {
	DatabaseName string
	SchemaName   string
	TableName    string
	ColumnCount  int64
}

// ConnectionTestResult reports a non-destructive attach probe for a
// prospective data source configuration.
type ConnectionTestResult struct {
	OK        bool
	Message   string
	ErrorType string
}
