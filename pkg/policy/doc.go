// Package policy provides Open Policy Agent (OPA) integration for Decisio.
//
// This package implements goal admission policy using the Rego policy
// language. Before the scheduler creates a run, the submitted goal is
// evaluated against all enabled policies; any violation of error or critical
// severity denies admission. Warning violations are reported but do not
// block.
//
// # Usage
//
// Creating a policy engine:
//
//	engine, err := policy.NewEngine(logger, "production")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    log.Fatal(err)
//	}
//
// The engine implements kernel.AdmissionPolicy and is wired into the
// scheduler directly.
//
// # Writing policies
//
// Policies are Rego modules with `deny` rules. The input document carries
// the goal and evaluation context:
//
//	package decisio.policies.example
//
//	import rego.v1
//
//	deny contains violation if {
//	    contains(input.goal.text, "forbidden")
//	    violation := {
//	        "message": "goal text contains a forbidden term",
//	        "severity": "error",
//	        "tenant": input.goal.tenant_id,
//	    }
//	}
//
// Violations may be plain strings or objects with message, severity and
// tenant fields. Policies are loaded once at startup from the configured
// paths; built-in policies cover tenant naming, credential hygiene, and goal
// scope.
package policy
