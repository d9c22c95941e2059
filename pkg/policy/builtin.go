package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		tenantNamingPolicy(),
		goalHygienePolicy(),
		goalScopePolicy(),
	}
}

// tenantNamingPolicy enforces tenant identifier conventions.
func tenantNamingPolicy() Policy {
	return Policy{
		Name:        "tenant-naming",
		Description: "Enforces tenant identifier conventions (lowercase, alphanumeric, hyphens only)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package decisio.policies.tenant

import rego.v1

deny contains violation if {
	input.goal
	tenant := input.goal.tenant_id

	not regex.match("^[a-z0-9][a-z0-9-]*$", tenant)
	violation := {
		"message": sprintf("tenant id '%s' must contain only lowercase letters, numbers, and hyphens", [tenant]),
		"severity": "error",
		"tenant": tenant,
	}
}

deny contains violation if {
	input.goal
	tenant := input.goal.tenant_id

	regex.match(".*-$", tenant)
	violation := {
		"message": sprintf("tenant id '%s' must not end with a hyphen", [tenant]),
		"severity": "error",
		"tenant": tenant,
	}
}
`,
	}
}

// goalHygienePolicy rejects goals that embed credential material in their
// text: goal text is replicated into the ledger payload hashes and the
// explanation narrative, so secrets must never enter it.
func goalHygienePolicy() Policy {
	return Policy{
		Name:        "goal-hygiene",
		Description: "Rejects goal text containing credential markers (password, secret, api key, token)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package decisio.policies.hygiene

import rego.v1

credential_markers := ["password", "passwd", "secret", "api_key", "apikey", "bearer ", "private key"]

deny contains violation if {
	input.goal
	text := lower(input.goal.text)

	some marker in credential_markers
	contains(text, marker)
	violation := {
		"message": sprintf("goal text appears to contain credential material ('%s')", [marker]),
		"severity": "error",
		"tenant": input.goal.tenant_id,
	}
}
`,
	}
}

// goalScopePolicy warns about goals so short they are unlikely to compile
// into a meaningful decision problem.
func goalScopePolicy() Policy {
	return Policy{
		Name:        "goal-scope",
		Description: "Warns when goal text is too short to describe a decision problem",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"quality"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package decisio.policies.scope

import rego.v1

deny contains violation if {
	input.goal
	count(input.goal.text) < 16
	violation := {
		"message": "goal text is very short; the compiler may not extract a meaningful objective",
		"severity": "warning",
		"tenant": input.goal.tenant_id,
	}
}
`,
	}
}
