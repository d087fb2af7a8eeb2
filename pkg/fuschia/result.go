package fuschia

import "encoding/json"

// Artifact is a reference to an artifact stored externally; the execution
// core never reads or writes artifact bytes, only carries the reference.
type Artifact struct {
	ArtifactID  string `json:"artifact_id"`
	ContentType string `json:"content_type"`
}

// Envelope is the JSON object a node produces: identity, timing, artifacts,
// and the arbitrary JSON payload the node computed.
type Envelope struct {
	WorkflowID string          `json:"workflow_id"`
	NodeID     string          `json:"node_id"`
	TaskID     string          `json:"task_id"`
	StartedAt  string          `json:"started_at"` // ISO 8601
	Artifacts  []Artifact      `json:"artifacts,omitempty"`
	Data       json.RawMessage `json:"data"`

	// Input and ResolvedInput carry the pre-render and post-coercion input
	// maps, supplementing the wire contract for debug/inspection use; see
	// SPEC_FULL.md section 3.
	Input         map[string]string `json:"input,omitempty"`
	ResolvedInput json.RawMessage   `json:"resolved_input,omitempty"`
}

// Status is the outcome of executing one node, or of a whole execution.
type Status string

const (
	StatusSucceeded           Status = "succeeded"
	StatusFailed              Status = "failed"
	StatusCompletedWithErrors Status = "completed_with_errors"
)

// NodeResult is the outcome of executing one node.
type NodeResult struct {
	Status   Status    `json:"status"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Error    *NodeError `json:"error,omitempty"`
}

// NodeError is the JSON-serializable projection of an *xerrors.Error onto a
// NodeResult (the execution core keeps the richer Go type internally and
// narrows to this shape only when returning results across the wire).
type NodeError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	NodeID   string         `json:"node_id,omitempty"`
	HostCode string         `json:"host_code,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// ExecutionResult is the aggregate outcome returned from invoke.
type ExecutionResult struct {
	Status Status                `json:"status"`
	Nodes  map[string]NodeResult `json:"nodes"`
	Cause  string                `json:"cause,omitempty"`
}
