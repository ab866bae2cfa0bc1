// Package tenantsync provisions the default authorization model for newly
// created tenants and reacts to tenant lifecycle events.
package tenantsync

import "strings"

// RoleSpec describes one default role: its permission scope by resource type
// and the action filter applied inside that scope. An empty Include means
// every action; Exclude entries ending in "*" match by prefix.
type RoleSpec struct {
	Name     string
	Priority int
	Scope    []string
	Include  []string
	Exclude  []string
}

// TenantAdminRole is assigned to the creating user after provisioning.
const TenantAdminRole = "TENANT_ADMIN"

// DefaultRoles is the role set materialized for every new tenant.
var DefaultRoles = []RoleSpec{
	{
		Name:     TenantAdminRole,
		Priority: 1000,
		Scope:    []string{"TENANT", "USER", "ROLE", "PERMISSION", "WORKSPACE", "AUDIT", "SYSTEM_CONFIG", "BILLING"},
		Exclude:  []string{"DELETE_TENANT"},
	},
	{
		Name:     "DATA_STEWARD",
		Priority: 900,
		Scope:    []string{"DATASET", "DATA_CATALOG", "DATA_QUALITY", "DATA_LINEAGE", "METADATA", "DATA_INGESTION", "DATA_TRANSFORMATION"},
		Exclude:  []string{"DELETE_TENANT"},
	},
	{
		Name:     "PRIVACY_OFFICER",
		Priority: 850,
		Scope:    []string{"PRIVACY_SETTINGS", "AUDIT", "COMPLIANCE", "PII_MANAGEMENT", "ENCRYPTION", "DIFFERENTIAL_PRIVACY", "DISCLOSURE_RISK"},
		Exclude:  []string{"DELETE_TENANT"},
	},
	{
		Name:     "DATA_CONTRIBUTOR",
		Priority: 800,
		Scope:    []string{"DATA_INGESTION", "DATASET", "METADATA"},
		Include:  []string{"CREATE", "UPDATE", "READ", "UPLOAD"},
	},
	{
		Name:     "STATISTICIAN",
		Priority: 700,
		Scope:    []string{"STATISTICAL_ENGINE", "ML_PIPELINE", "ANALYSIS_TEMPLATE", "REPORT", "DATASET", "CUSTOM_METHODOLOGY"},
		Exclude:  []string{"ADMIN_*", "DELETE_TENANT"},
	},
	{
		Name:     "DATA_SCIENTIST",
		Priority: 650,
		Scope:    []string{"ML_PIPELINE", "STATISTICAL_ENGINE", "ANALYSIS_TEMPLATE", "DATASET", "MODEL_DEPLOYMENT"},
		Include:  []string{"CREATE", "UPDATE", "READ", "EXECUTE", "DEPLOY"},
	},
	{
		Name:     "ANALYST",
		Priority: 600,
		Scope:    []string{"ANALYSIS_TEMPLATE", "REPORT", "DATASET", "BASIC_STATISTICS"},
		Include:  []string{"READ", "EXECUTE", "CREATE_REPORT"},
	},
	{
		Name:     "WORKSPACE_ADMIN",
		Priority: 550,
		Scope:    []string{"WORKSPACE", "COLLABORATION", "DATA_SHARING_AGREEMENT", "WORKFLOW_APPROVAL"},
		Exclude:  []string{"SYSTEM_*"},
	},
	{
		Name:     "EXTERNAL_COLLABORATOR",
		Priority: 500,
		Scope:    []string{"SHARED_WORKSPACE", "COLLABORATIVE_ANALYSIS", "SHARED_DATASET"},
		Include:  []string{"READ", "COLLABORATE", "COMMENT"},
	},
	{
		Name:     "DASHBOARD_CREATOR",
		Priority: 450,
		Scope:    []string{"DASHBOARD", "VISUALIZATION", "CHART_LIBRARY", "EXPORT"},
		Include:  []string{"CREATE", "UPDATE", "READ", "PUBLISH", "EXPORT"},
	},
	{
		Name:     "DATA_CONSUMER",
		Priority: 300,
		Scope:    []string{"DATASET", "REPORT", "PUBLISHED_ANALYSIS"},
		Include:  []string{"READ", "VIEW"},
	},
	{
		Name:     "REVIEWER",
		Priority: 250,
		Scope:    []string{"REPORT", "ANALYSIS_REVIEW", "PUBLICATION_APPROVAL"},
		Include:  []string{"READ", "REVIEW", "APPROVE", "REJECT"},
	},
	{
		Name:     "VIEWER",
		Priority: 100,
		Scope:    []string{"DASHBOARD", "VISUALIZATION", "PUBLIC_REPORT"},
		Include:  []string{"READ", "VIEW"},
	},
}

// Allows reports whether the spec's action filter admits the action.
func (spec RoleSpec) Allows(action string) bool {
	if len(spec.Include) > 0 {
		for _, a := range spec.Include {
			if a == action {
				return true
			}
		}
		return false
	}
	for _, excl := range spec.Exclude {
		if prefix, ok := strings.CutSuffix(excl, "*"); ok {
			if strings.HasPrefix(action, prefix) {
				return false
			}
		} else if excl == action {
			return false
		}
	}
	return true
}
