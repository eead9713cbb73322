// Copyright 2025 James Ross
package policy

import (
	"fmt"
	"strings"

	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

// Capability is a scoped permission string: either a bare verb
// ("read:job", "submit:job", "edit:job", "admin:*") or a resource-scoped
// variant ("job:<id>:read", "job:<id>:write").
type Capability string

const (
	CapReadJob   Capability = "read:job"
	CapSubmitJob Capability = "submit:job"
	CapEditJob   Capability = "edit:job"
	CapAdminAll  Capability = "admin:*"
)

// rolePermissions is the closed role→capability table; admin implicitly
// has every capability and is never listed (checked separately, as the
// teacher's Authorize does for RoleAdmin).
var rolePermissions = map[metastore.Role][]Capability{
	metastore.RoleViewer:   {CapReadJob},
	metastore.RoleOperator: {CapReadJob, CapSubmitJob},
	metastore.RoleEditor:   {CapReadJob, CapSubmitJob, CapEditJob},
}

// JobCapability builds the resource-scoped capability string for a
// specific job, e.g. "job:abc123:write".
func JobCapability(jobID string, write bool) Capability {
	verb := "read"
	if write {
		verb = "write"
	}
	return Capability(fmt.Sprintf("job:%s:%s", jobID, verb))
}

// Allow reports whether role or scopes grant cap. Admin role always
// passes. A resource-scoped capability in scopes must match cap
// exactly; role-based capabilities are looked up from the closed table.
func Allow(role metastore.Role, scopes []string, cap Capability) bool {
	if role == metastore.RoleAdmin {
		return true
	}
	for _, s := range scopes {
		if Capability(s) == cap || Capability(s) == CapAdminAll {
			return true
		}
	}
	if strings.Contains(string(cap), ":") && strings.Count(string(cap), ":") == 2 {
		// resource-scoped capability with no matching scope grant: fall
		// through to the role table using the verb only, so a bare
		// role (no narrowed scopes) still works against job-scoped
		// routes the way an unscoped bearer session would.
		parts := strings.Split(string(cap), ":")
		generic := CapReadJob
		if parts[2] == "write" {
			generic = CapEditJob
		}
		return allowFromRole(role, generic)
	}
	return allowFromRole(role, cap)
}

func allowFromRole(role metastore.Role, cap Capability) bool {
	for _, perm := range rolePermissions[role] {
		if perm == cap {
			return true
		}
	}
	return false
}
