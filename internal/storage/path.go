package storage

import (
	"fmt"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildSourceObjectKey returns the canonical object key for an uploaded
// file-backed data source. Keys are scoped per tenant and project so one
// tenant can never address another tenant's uploads.
func BuildSourceObjectKey(tenantID, projectID, alias, filename string) (string, error) {
	if err := validatePathComponent(tenantID, "tenant id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(projectID, "project id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(alias, "source alias"); err != nil {
		return "", err
	}
	if err := validatePathComponent(filename, "filename"); err != nil {
		return "", err
	}
	return path.Join(tenantID, projectID, "sources", alias, filename), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
