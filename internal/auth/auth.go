// Package auth resolves API keys to a tenant identity with roles. Keys are
// provisioned out of band; the service only matches them against a static set
// from configuration.
package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Roles the API layer checks before serving an operation.
const (
	RoleQueryReader = "query_reader"
	RoleAdmin       = "admin"
)

type Identity struct {
	TenantID string
	Roles    []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator matches keys against a fixed set parsed from a
// comma-separated spec of key:tenant:role|role entries.
type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		key, identity, err := parseKeyEntry(entry)
		if err != nil {
			return nil, err
		}
		validator.keys[key] = identity
	}
	return validator, nil
}

func parseKeyEntry(entry string) (string, Identity, error) {
	entry = strings.TrimSpace(entry)
	key, rest, ok := strings.Cut(entry, ":")
	if !ok {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: expected key:tenant:role|role", entry)
	}
	tenant, roleSpec, ok := strings.Cut(rest, ":")
	if !ok || strings.Contains(roleSpec, ":") {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: expected key:tenant:role|role", entry)
	}

	key = strings.TrimSpace(key)
	tenant = strings.TrimSpace(tenant)
	if key == "" || tenant == "" {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: empty key/tenant", entry)
	}

	var roles []string
	for _, role := range strings.Split(roleSpec, "|") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
	}
	slices.Sort(roles)
	return key, Identity{TenantID: tenant, Roles: roles}, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}
