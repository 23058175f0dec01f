// Package policy guards plans with Open Policy Agent (OPA) policies.
//
// Every plan is evaluated against each enabled Rego policy before it is
// executed. A policy contributes violations through a deny set:
//
//	package teamsync.policies.no_org_owner_teams
//
//	import rego.v1
//
//	deny contains violation if {
//	    some op in input.operations
//	    op.kind == "github.team"
//	    endswith(op.key, "/owners")
//	    violation := {
//	        "message": "the owners team is managed by hand",
//	        "severity": "error",
//	        "resource": op.key,
//	    }
//	}
//
// The input document carries the service name, the plan ID, the planned
// operations (type, kind, key, changes, description), a summary of create,
// update and delete counts, and the configured limits.
//
// # Built-in Policies
//
//  1. mass-deletion - blocks a plan deleting more than limits.max_deletions entities
//  2. admin-grant - warns when a repository permission is raised to admin
//
// Violations of severity error or critical block execution of the
// offending service. Other violations are reported only.
//
// # Usage
//
//	guard, err := policy.NewEngine(logger, policy.Limits{MaxDeletions: 25})
//	if err != nil {
//	    return err
//	}
//	if err := guard.LoadPolicies(ctx, []string{"/etc/sync-team/policies"}); err != nil {
//	    return err
//	}
//	orchestrator := engine.NewOrchestrator(executor, engine.WithPlanGuard(guard))
package policy
