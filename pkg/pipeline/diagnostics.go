package pipeline

import (
	"encoding/json"
	"fmt"
)

// DiagnosticSeverity ranks a diagnostic finding.
type DiagnosticSeverity string

const (
	// SeverityBlocking prevents the pipeline from proceeding.
	SeverityBlocking DiagnosticSeverity = "blocking"

	// SeverityWarning should be reviewed but does not block.
	SeverityWarning DiagnosticSeverity = "warning"

	// SeverityInformational is recorded for context only.
	SeverityInformational DiagnosticSeverity = "informational"
)

// Validate checks the severity is one of the known values.
func (s DiagnosticSeverity) Validate() error {
	switch s {
	case SeverityBlocking, SeverityWarning, SeverityInformational:
		return nil
	default:
		return fmt.Errorf("invalid diagnostic severity: %s", s)
	}
}

// IsBlocking reports whether the finding blocks progress.
func (s DiagnosticSeverity) IsBlocking() bool { return s == SeverityBlocking }

// DiagnosticCategory is a free-form, non-empty category tag such as
// "type-error" or "missing-test".
type DiagnosticCategory string

// NewDiagnosticCategory validates a category tag.
func NewDiagnosticCategory(s string) (DiagnosticCategory, error) {
	return parseName[DiagnosticCategory]("diagnostic category", s)
}

// Diagnostic is a structured finding produced by a domain service, an
// alignment check, or a review pass.
type Diagnostic struct {
	// Artifact is the file the finding relates to, if any.
	Artifact *ArtifactPath `json:"artifact,omitempty"`

	// Location is a human-readable position within the artifact.
	Location string `json:"location,omitempty"`

	Severity DiagnosticSeverity `json:"severity"`
	Category DiagnosticCategory `json:"category"`
	Message  string             `json:"message"`
}

// Validate checks severity and category.
func (d Diagnostic) Validate() error {
	if err := d.Severity.Validate(); err != nil {
		return err
	}
	if _, err := NewDiagnosticCategory(string(d.Category)); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON decodes and validates a diagnostic.
func (d *Diagnostic) UnmarshalJSON(b []byte) error {
	type plain Diagnostic
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if err := Diagnostic(p).Validate(); err != nil {
		return err
	}
	*d = Diagnostic(p)
	return nil
}

// CountBlocking returns how many diagnostics are blocking.
func CountBlocking(diags []Diagnostic) int {
	n := 0
	for _, d := range diags {
		if d.Severity.IsBlocking() {
			n++
		}
	}
	return n
}
