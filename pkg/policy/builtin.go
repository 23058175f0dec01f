package policy

// Built-in policy names.
const (
	MassDeletion = "mass-deletion"
	AdminGrant   = "admin-grant"
)

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        MassDeletion,
			Description: "Blocks plans that delete more entities than the configured limit",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package teamsync.policies.mass_deletion

import rego.v1

deletes := [op | some op in input.operations; op.type == "delete"]

deny contains violation if {
	input.limits.max_deletions > 0
	count(deletes) > input.limits.max_deletions
	violation := {
		"message": sprintf("plan deletes %d entities, the limit is %d", [count(deletes), input.limits.max_deletions]),
		"severity": "error",
	}
}
`,
		},
		{
			Name:        AdminGrant,
			Description: "Flags repository permissions raised to admin",
			Severity:    SeverityWarning,
			Enabled:     true,
			Rego: `package teamsync.policies.admin_grant

import rego.v1

deny contains violation if {
	some op in input.operations
	op.kind == "github.repo-permission"
	op.type != "delete"
	some change in op.changes
	change.field == "permission"
	change.new_value == "admin"
	violation := {
		"message": sprintf("%s is granted admin access", [op.key]),
		"severity": "warning",
		"resource": op.key,
	}
}
`,
		},
	}
}
