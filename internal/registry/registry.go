// Package registry loads tenant data-source bindings and dataset
// configurations for the federation engine. Connection configs are stored and
// decrypted by an external secrets collaborator; this package only decodes
// what it is handed.
package registry

import "errors"

var ErrNotFound = errors.New("registry: not found")

// DatasetDocument is the persisted JSON shape of a dataset configuration.
type DatasetDocument struct {
	Tables        []DatasetTableDocument        `json:"tables"`
	Relationships []DatasetRelationshipDocument `json:"relationships"`
}

type DatasetTableDocument struct {
	SourceAlias string   `json:"source_alias"`
	TableName   string   `json:"table_name"`
	Columns     []string `json:"columns,omitempty"`
	TargetName  string   `json:"target_name,omitempty"`
}

type DatasetRelationshipDocument struct {
	LeftTable   string `json:"left_table"`
	LeftColumn  string `json:"left_column"`
	RightTable  string `json:"right_table"`
	RightColumn string `json:"right_column"`
}
