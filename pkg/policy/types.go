package policy

import (
	"encoding/json"
	"time"
)

// Package and queries of the constitution. Every module, built-in or
// loaded, contributes to these two rule sets.
const (
	Package        = "cogworks.constitution"
	denyQuery      = "data.cogworks.constitution.deny"
	injectionQuery = "data.cogworks.constitution.injection"
)

// ViolationCode classifies a deny result.
type ViolationCode string

const (
	// CodeProtectedPath marks an artifact written under a protected prefix.
	CodeProtectedPath ViolationCode = "protected_path"

	// CodeScope marks work outside the node's permitted scope.
	CodeScope ViolationCode = "scope"
)

// Rule is one Rego module of the constitution.
type Rule struct {
	// Name is the module name, the file name without .rego for loaded
	// rules.
	Name string `json:"name"`

	// Description is taken from the module's leading comment block.
	Description string `json:"description,omitempty"`

	Rego string `json:"-"`

	// Source is the file the rule came from. Empty for built-in rules.
	Source string `json:"source,omitempty"`

	Builtin bool `json:"builtin"`
}

// Settings are the data document the rules read as
// data.cogworks.settings.
type Settings struct {
	// ProtectedPaths are path prefixes no node may write, in addition to
	// the built-in ones.
	ProtectedPaths []string `json:"protected_paths,omitempty" yaml:"protected_paths"`

	// InjectionPatterns are extra regular expressions that flag injected
	// directives in external content.
	InjectionPatterns []string `json:"injection_patterns,omitempty" yaml:"injection_patterns"`
}

// RuleSet is everything compiled into one engine generation.
type RuleSet struct {
	Rules    []Rule
	Settings Settings
}

// Violation is one deny result.
type Violation struct {
	Code    ViolationCode `json:"code"`
	Message string        `json:"message"`
	Path    string        `json:"path,omitempty"`
}

// OutcomeInput is the input document of the deny query.
type OutcomeInput struct {
	Run         RunInput               `json:"run"`
	Node        NodeInput              `json:"node"`
	Artifacts   []string               `json:"artifacts"`
	Diagnostics []DiagnosticInput      `json:"diagnostics,omitempty"`
	Output      interface{}            `json:"output,omitempty"`
	Trigger     interface{}            `json:"trigger,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// RunInput identifies the run under check.
type RunInput struct {
	ID       string `json:"id"`
	WorkItem uint64 `json:"work_item"`
	Pipeline string `json:"pipeline"`
}

// NodeInput describes the node whose outcome is checked.
type NodeInput struct {
	ID         string                 `json:"id"`
	Capability string                 `json:"capability,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// DiagnosticInput is a diagnostic as seen by the rules.
type DiagnosticInput struct {
	Severity string `json:"severity"`
	Category string `json:"category"`
	Message  string `json:"message"`
	Artifact string `json:"artifact,omitempty"`
}

// ContentInput is the input document of the injection query.
type ContentInput struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Status reports the engine's current rule generation.
type Status struct {
	Loaded     bool      `json:"loaded"`
	Generation int       `json:"generation"`
	Rules      []Rule    `json:"rules"`
	LoadedAt   time.Time `json:"loaded_at"`

	// LastError is the most recent failed reload. The previous generation
	// stays active after a failure.
	LastError string `json:"last_error,omitempty"`
}

func decodeJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
