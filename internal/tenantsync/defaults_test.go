package tenantsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleSpecAllowsInclude(t *testing.T) {
	spec := RoleSpec{Include: []string{"READ", "VIEW"}}

	assert.True(t, spec.Allows("READ"))
	assert.True(t, spec.Allows("VIEW"))
	assert.False(t, spec.Allows("DELETE"))
	assert.False(t, spec.Allows("UPDATE"))
}

func TestRoleSpecAllowsExclude(t *testing.T) {
	spec := RoleSpec{Exclude: []string{"DELETE_TENANT", "ADMIN_*"}}

	assert.True(t, spec.Allows("READ"))
	assert.True(t, spec.Allows("DELETE"))
	assert.False(t, spec.Allows("DELETE_TENANT"))
	assert.False(t, spec.Allows("ADMIN_RESET"))
	assert.False(t, spec.Allows("ADMIN_"))
}

func TestRoleSpecAllowsOpen(t *testing.T) {
	spec := RoleSpec{}

	assert.True(t, spec.Allows("ANYTHING"))
}

func TestRoleSpecIncludeWinsOverExclude(t *testing.T) {
	spec := RoleSpec{Include: []string{"READ"}, Exclude: []string{"READ"}}

	assert.True(t, spec.Allows("READ"))
	assert.False(t, spec.Allows("WRITE"))
}

func TestDefaultRolesContainTenantAdmin(t *testing.T) {
	var admin *RoleSpec
	seen := map[string]bool{}
	for i := range DefaultRoles {
		spec := DefaultRoles[i]
		assert.False(t, seen[spec.Name], "duplicate default role %s", spec.Name)
		seen[spec.Name] = true
		assert.NotEmpty(t, spec.Scope, "role %s has no scope", spec.Name)
		if spec.Name == TenantAdminRole {
			admin = &DefaultRoles[i]
		}
	}
	if assert.NotNil(t, admin) {
		assert.Equal(t, 1000, admin.Priority)
		assert.False(t, admin.Allows("DELETE_TENANT"))
	}
}
