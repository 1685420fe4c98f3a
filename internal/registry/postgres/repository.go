package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fedquery/fedquery/internal/federation"
	"github.com/fedquery/fedquery/internal/registry"
)

// Repository implements federation.Registry on the Postgres registry schema.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping registry db: %w", err)
	}
	return nil
}

// ListProjectSources returns every active data-source binding of a project.
func (r *Repository) ListProjectSources(ctx context.Context, tenantID, projectID string) ([]federation.SourceBinding, error) {
	query := `
SELECT pds.alias, ds.type, ds.connection_config
FROM project_data_source pds
JOIN data_source ds ON ds.source_id = pds.source_id
WHERE pds.tenant_id = $1 AND pds.project_id = $2 AND pds.is_active
ORDER BY pds.alias`

	rows, err := r.db.QueryContext(ctx, query, tenantID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	bindings := make([]federation.SourceBinding, 0, 8)
	for rows.Next() {
		var alias, sourceType string
		var configJSON []byte
		if err := rows.Scan(&alias, &sourceType, &configJSON); err != nil {
			return nil, fmt.Errorf("scan project source: %w", err)
		}
		config, err := decodeConnectionConfig(configJSON)
		if err != nil {
			return nil, fmt.Errorf("decode connection config for %q: %w", alias, err)
		}
		bindings = append(bindings, federation.SourceBinding{
			Alias: alias,
			Source: federation.DataSourceSpec{
				Alias:  alias,
				Type:   federation.SourceType(sourceType),
				Config: config,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project sources: %w", err)
	}
	return bindings, nil
}

// GetDatasetConfig loads a dataset's table enumeration together with the
// source bindings the dataset references.
func (r *Repository) GetDatasetConfig(ctx context.Context, tenantID, projectID, datasetID string) (federation.DatasetConfig, error) {
	query := `
SELECT configuration
FROM dataset
WHERE tenant_id = $1 AND project_id = $2 AND dataset_id = $3`

	var configJSON []byte
	if err := r.db.QueryRowContext(ctx, query, tenantID, projectID, datasetID).Scan(&configJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return federation.DatasetConfig{}, fmt.Errorf("dataset %q: %w", datasetID, registry.ErrNotFound)
		}
		return federation.DatasetConfig{}, fmt.Errorf("get dataset: %w", err)
	}

	var document registry.DatasetDocument
	if err := json.Unmarshal(configJSON, &document); err != nil {
		return federation.DatasetConfig{}, fmt.Errorf("decode dataset configuration: %w", err)
	}

	cfg := federation.DatasetConfig{
		Tables:        make([]federation.DatasetTable, 0, len(document.Tables)),
		Relationships: make([]federation.DatasetRelationship, 0, len(document.Relationships)),
	}
	required := make(map[string]struct{}, len(document.Tables))
	for _, table := range document.Tables {
		cfg.Tables = append(cfg.Tables, federation.DatasetTable{
			SourceAlias: table.SourceAlias,
			TableName:   table.TableName,
			Columns:     table.Columns,
			TargetName:  table.TargetName,
		})
		required[table.SourceAlias] = struct{}{}
	}
	for _, rel := range document.Relationships {
		cfg.Relationships = append(cfg.Relationships, federation.DatasetRelationship{
			LeftTable:   rel.LeftTable,
			LeftColumn:  rel.LeftColumn,
			RightTable:  rel.RightTable,
			RightColumn: rel.RightColumn,
		})
	}

	bindings, err := r.ListProjectSources(ctx, tenantID, projectID)
	if err != nil {
		return federation.DatasetConfig{}, err
	}
	for _, binding := range bindings {
		if _, ok := required[binding.Alias]; ok {
			cfg.Sources = append(cfg.Sources, binding)
		}
	}
	return cfg, nil
}

func decodeConnectionConfig(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return map[string]string{}, nil
	}
	// Configs may carry numeric values (ports); normalize everything to
	// strings for the attacher.
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	config := make(map[string]string, len(generic))
	for key, value := range generic {
		switch typed := value.(type) {
		case string:
			config[key] = typed
		case float64:
			config[key] = formatNumber(typed)
		case bool:
			config[key] = fmt.Sprintf("%t", typed)
		case nil:
			config[key] = ""
		default:
			encoded, err := json.Marshal(typed)
			if err != nil {
				return nil, fmt.Errorf("unsupported config value for %q", key)
			}
			config[key] = string(encoded)
		}
	}
	return config, nil
}

func formatNumber(value float64) string {
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d", int64(value))
	}
	return fmt.Sprintf("%g", value)
}
