package policy

// BuiltinRules returns the rules that are always part of the constitution.
// Rules loaded from the rules directory extend them; they cannot remove
// them.
func BuiltinRules() []Rule {
	return []Rule{
		protectedPathsRule(),
		scopeRule(),
		injectionRule(),
	}
}

// protectedPathsRule denies artifacts under orchestrator-owned prefixes.
func protectedPathsRule() Rule {
	return Rule{
		Name:        "builtin/protected-paths",
		Description: "Denies artifacts under CI, ownership and orchestrator configuration paths",
		Builtin:     true,
		Rego: `package cogworks.constitution

import rego.v1

builtin_protected := [
	".github/workflows/",
	".github/CODEOWNERS",
	"CODEOWNERS",
	".cogworks/",
]

default extra_protected := []

extra_protected := data.cogworks.settings.protected_paths

protected_prefixes contains p if {
	some p in builtin_protected
}

protected_prefixes contains p if {
	some p in extra_protected
}

deny contains violation if {
	some path in input.artifacts
	some prefix in protected_prefixes
	startswith(path, prefix)
	violation := {
		"code": "protected_path",
		"path": path,
		"message": sprintf("%s is under protected prefix %s", [path, prefix]),
	}
}

# Path traversal is never legitimate in an artifact path.
deny contains violation if {
	some path in input.artifacts
	contains(concat("/", ["", path, ""]), "/../")
	violation := {
		"code": "protected_path",
		"path": path,
		"message": sprintf("%s escapes the repository", [path]),
	}
}
`,
	}
}

// scopeRule confines a node's writes to params.allowed_paths when set.
func scopeRule() Rule {
	return Rule{
		Name:        "builtin/scope",
		Description: "Confines node artifacts to the node's allowed_paths param",
		Builtin:     true,
		Rego: `package cogworks.constitution

import rego.v1

path_allowed(path, allowed) if {
	some prefix in allowed
	startswith(path, prefix)
}

deny contains violation if {
	allowed := input.node.params.allowed_paths
	some path in input.artifacts
	not path_allowed(path, allowed)
	violation := {
		"code": "scope",
		"path": path,
		"message": sprintf("node %s wrote %s outside its allowed paths", [input.node.id, path]),
	}
}

deny contains violation if {
	limit := input.node.params.max_artifacts
	count(input.artifacts) > limit
	violation := {
		"code": "scope",
		"message": sprintf("node %s produced %d artifacts, limit is %d", [input.node.id, count(input.artifacts), limit]),
	}
}
`,
	}
}

// injectionRule flags directives aimed at the model in external content.
func injectionRule() Rule {
	return Rule{
		Name:        "builtin/injection",
		Description: "Flags instruction-override phrases in external content",
		Builtin:     true,
		Rego: `package cogworks.constitution

import rego.v1

builtin_patterns := [
	` + "`(?i)ignore\\s+(all\\s+)?(the\\s+)?(previous|prior|above|earlier)\\s+(instructions|rules|directions)`" + `,
	` + "`(?i)disregard\\s+(all\\s+)?(the\\s+|your\\s+)?(previous|prior|above|system)\\s+(instructions|rules|prompt)`" + `,
	` + "`(?i)forget\\s+(all\\s+)?(your|the)\\s+(instructions|rules)`" + `,
	` + "`(?i)you\\s+are\\s+now\\s+(a|an|in)\\s+[a-z -]{1,40}`" + `,
	` + "`(?i)(reveal|print|output)\\s+(your\\s+|the\\s+)?system\\s+prompt`" + `,
	` + "`(?i)<\\s*/?\\s*(system|assistant)\\s*>`" + `,
]

default extra_patterns := []

extra_patterns := data.cogworks.settings.injection_patterns

patterns contains p if {
	some p in builtin_patterns
}

patterns contains p if {
	some p in extra_patterns
}

injection contains text if {
	some pattern in patterns
	some text in regex.find_n(pattern, input.content, -1)
}
`,
	}
}
