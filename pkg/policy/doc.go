// Package policy enforces the constitution: the Rego rules every node
// outcome and every piece of external model input is checked against.
//
// # Rules
//
// All modules live in package cogworks.constitution and contribute to two
// rule sets:
//
//   - deny: objects {code, message, path} produced for a node outcome.
//     Code "protected_path" halts the run with a protected path
//     violation, "scope" with a scope violation, anything else with a
//     plain halt.
//   - injection: strings of external content that look like directives
//     aimed at the model.
//
// Built-in rules protect CI and ownership files and the .cogworks/
// directory, confine a node to params.allowed_paths and
// params.max_artifacts when set, and flag common instruction-override
// phrases. A rules directory adds modules and a settings file:
//
//	rules/
//	  settings.yaml        # protected_paths, injection_patterns
//	  no-vendor.rego
//
// A loaded module is written in Rego v1:
//
//	package cogworks.constitution
//
//	import rego.v1
//
//	deny contains {"code": "scope", "message": "vendor/ is read-only", "path": p} if {
//		some p in input.artifacts
//		startswith(p, "vendor/")
//	}
//
// # Reloading
//
// Engine.Watch recompiles on every change to the directory. A change that
// fails to load or compile is logged and reported by Status; the previous
// generation keeps serving checks.
package policy
