package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrEmptyIdentifier is returned when a string identifier is blank.
var ErrEmptyIdentifier = errors.New("identifier must not be empty")

// parseName validates a non-empty string identifier of kind T.
func parseName[T ~string](kind, value string) (T, error) {
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s: %w", kind, ErrEmptyIdentifier)
	}
	return T(value), nil
}

// unmarshalName decodes text into a string identifier, rejecting blanks.
func unmarshalName[T ~string](kind string, dst *T, text []byte) error {
	v, err := parseName[T](kind, string(text))
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// Numeric identifiers

// WorkItemID identifies an external work item, typically an issue number.
type WorkItemID uint64

// SubWorkItemID identifies a sub-issue spawned from a work item.
type SubWorkItemID uint64

// MilestoneID identifies a milestone in the source-control system.
type MilestoneID uint64

// PullRequestID identifies a pull request.
type PullRequestID uint64

func (id WorkItemID) String() string    { return strconv.FormatUint(uint64(id), 10) }
func (id SubWorkItemID) String() string { return strconv.FormatUint(uint64(id), 10) }
func (id MilestoneID) String() string   { return strconv.FormatUint(uint64(id), 10) }
func (id PullRequestID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseWorkItemID parses a decimal work item identifier. A leading '#' is accepted.
func ParseWorkItemID(s string) (WorkItemID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid work item id %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid work item id %q: must be positive", s)
	}
	return WorkItemID(n), nil
}

// RunID identifies one execution of a pipeline graph. It is fresh per
// invocation and correlates all activity of the run.
type RunID uuid.UUID

// NewRunID returns a random run identifier.
func NewRunID() RunID {
	return RunID(uuid.New())
}

// ParseRunID parses the canonical textual form of a run identifier.
func ParseRunID(s string) (RunID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RunID{}, fmt.Errorf("invalid run id %q: %w", s, err)
	}
	return RunID(u), nil
}

// String returns the canonical UUID form.
func (id RunID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether the identifier is unset.
func (id RunID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

// MarshalText implements encoding.TextMarshaler.
func (id RunID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RunID) UnmarshalText(text []byte) error {
	v, err := ParseRunID(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// String identifiers

// NodeID identifies a node within a pipeline graph.
type NodeID string

// EdgeID identifies an edge within a pipeline graph.
type EdgeID string

// PipelineName names a pipeline graph definition.
type PipelineName string

// BranchName names a git branch.
type BranchName string

// CommitSHA is a git commit hash.
type CommitSHA string

// RepositoryID identifies a repository as owner/name.
type RepositoryID string

// ServiceName names a registered domain service.
type ServiceName string

// ArtifactPath is a path relative to the repository root.
type ArtifactPath string

// InterfaceID identifies an interface exposed by a domain service.
type InterfaceID string

// ContextPackID identifies a bundle of context documents.
type ContextPackID string

// SkillName names a reusable skill.
type SkillName string

// ToolName names a tool available to the language model.
type ToolName string

// ProfileName names a configuration profile.
type ProfileName string

// NewNodeID validates and returns a NodeID.
func NewNodeID(s string) (NodeID, error) { return parseName[NodeID]("node id", s) }

// NewEdgeID validates and returns an EdgeID.
func NewEdgeID(s string) (EdgeID, error) { return parseName[EdgeID]("edge id", s) }

// NewPipelineName validates and returns a PipelineName.
func NewPipelineName(s string) (PipelineName, error) {
	return parseName[PipelineName]("pipeline name", s)
}

// NewBranchName validates and returns a BranchName.
func NewBranchName(s string) (BranchName, error) { return parseName[BranchName]("branch name", s) }

// NewCommitSHA validates and returns a CommitSHA.
func NewCommitSHA(s string) (CommitSHA, error) { return parseName[CommitSHA]("commit sha", s) }

// NewRepositoryID validates and returns a RepositoryID.
func NewRepositoryID(s string) (RepositoryID, error) {
	return parseName[RepositoryID]("repository id", s)
}

// NewServiceName validates and returns a ServiceName.
func NewServiceName(s string) (ServiceName, error) {
	return parseName[ServiceName]("service name", s)
}

// NewArtifactPath validates and returns an ArtifactPath.
func NewArtifactPath(s string) (ArtifactPath, error) {
	return parseName[ArtifactPath]("artifact path", s)
}

// NewInterfaceID validates and returns an InterfaceID.
func NewInterfaceID(s string) (InterfaceID, error) {
	return parseName[InterfaceID]("interface id", s)
}

// NewContextPackID validates and returns a ContextPackID.
func NewContextPackID(s string) (ContextPackID, error) {
	return parseName[ContextPackID]("context pack id", s)
}

// NewSkillName validates and returns a SkillName.
func NewSkillName(s string) (SkillName, error) { return parseName[SkillName]("skill name", s) }

// NewToolName validates and returns a ToolName.
func NewToolName(s string) (ToolName, error) { return parseName[ToolName]("tool name", s) }

// NewProfileName validates and returns a ProfileName.
func NewProfileName(s string) (ProfileName, error) {
	return parseName[ProfileName]("profile name", s)
}

func (id NodeID) String() string        { return string(id) }
func (id EdgeID) String() string        { return string(id) }
func (id PipelineName) String() string  { return string(id) }
func (id BranchName) String() string    { return string(id) }
func (id CommitSHA) String() string     { return string(id) }
func (id RepositoryID) String() string  { return string(id) }
func (id ServiceName) String() string   { return string(id) }
func (id ArtifactPath) String() string  { return string(id) }
func (id InterfaceID) String() string   { return string(id) }
func (id ContextPackID) String() string { return string(id) }
func (id SkillName) String() string     { return string(id) }
func (id ToolName) String() string      { return string(id) }
func (id ProfileName) String() string   { return string(id) }

// UnmarshalText rejects blank identifiers on decode.
func (id *NodeID) UnmarshalText(b []byte) error { return unmarshalName("node id", id, b) }

// UnmarshalText rejects blank identifiers on decode.
func (id *EdgeID) UnmarshalText(b []byte) error { return unmarshalName("edge id", id, b) }

// UnmarshalText rejects blank identifiers on decode.
func (id *PipelineName) UnmarshalText(b []byte) error {
	return unmarshalName("pipeline name", id, b)
}

// UnmarshalText rejects blank identifiers on decode.
func (id *BranchName) UnmarshalText(b []byte) error { return unmarshalName("branch name", id, b) }

// UnmarshalText rejects blank identifiers on decode.
func (id *CommitSHA) UnmarshalText(b []byte) error { return unmarshalName("commit sha", id, b) }

// UnmarshalText rejects blank identifiers on decode.
func (id *RepositoryID) UnmarshalText(b []byte) error {
	return unmarshalName("repository id", id, b)
}

// UnmarshalText rejects blank identifiers on decode.
func (id *ServiceName) UnmarshalText(b []byte) error {
	return unmarshalName("service name", id, b)
}

// UnmarshalText rejects blank identifiers on decode.
func (id *ArtifactPath) UnmarshalText(b []byte) error {
	return unmarshalName("artifact path", id, b)
}

// UnmarshalText rejects blank identifiers on decode.
func (id *InterfaceID) UnmarshalText(b []byte) error {
	return unmarshalName("interface id", id, b)
}

// UnmarshalText rejects blank identifiers on decode.
func (id *ContextPackID) UnmarshalText(b []byte) error {
	return unmarshalName("context pack id", id, b)
}

// UnmarshalText rejects blank identifiers on decode.
func (id *SkillName) UnmarshalText(b []byte) error { return unmarshalName("skill name", id, b) }

// UnmarshalText rejects blank identifiers on decode.
func (id *ToolName) UnmarshalText(b []byte) error { return unmarshalName("tool name", id, b) }

// UnmarshalText rejects blank identifiers on decode.
func (id *ProfileName) UnmarshalText(b []byte) error {
	return unmarshalName("profile name", id, b)
}
