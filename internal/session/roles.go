package session

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AdminRole passes every role and permission check.
const AdminRole = "admin"

// Roles maps a role to its permissions. "*" grants every permission.
type Roles map[string][]string

type rolesFile struct {
	Roles Roles `yaml:"roles"`
}

// ParseRoles reads a document of the form roles: {name: [perm, ...]}.
func ParseRoles(data []byte) (Roles, error) {
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roles: %w", err)
	}
	if f.Roles == nil {
		return Roles{}, nil
	}
	return f.Roles, nil
}

// LoadRoles reads a roles file.
func LoadRoles(path string) (Roles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file %s: %w", path, err)
	}
	return ParseRoles(data)
}

// Can reports whether role grants perm.
func (r Roles) Can(role, perm string) bool {
	if role == AdminRole {
		return true
	}
	perms, ok := r[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// HasRole reports whether role satisfies required. The admin role
// satisfies any requirement.
func HasRole(role, required string) bool {
	return role != "" && (role == required || role == AdminRole)
}

// HasAnyRole reports whether role is admin or one of roles.
func HasAnyRole(role string, roles []string) bool {
	if role == "" {
		return false
	}
	if role == AdminRole {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
