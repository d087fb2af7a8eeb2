// Package fuschia holds the wire-level data model of a locked workflow: the
// JSON shapes produced by the (external) resolver and consumed read-only by
// the execution core.
package fuschia

import "encoding/json"

// LockedWorkflow is an immutable DAG ready for execution. It is produced by
// the resolver (out of scope for this module) and never mutated once loaded.
type LockedWorkflow struct {
	WorkflowID       string           `json:"workflow_id"`
	DefaultTimeoutMS int64            `json:"default_timeout_ms"`
	DefaultRetry     *RetryPolicy     `json:"default_retry,omitempty"`
	Nodes            []Node           `json:"nodes"`
	Edges            []Edge           `json:"edges"`
}

// Edge is one directed dependency edge, from -> to.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NodeKind discriminates the tagged variant Node.Kind is dispatched on.
// Dispatch is a switch over Kind, never a virtual call.
type NodeKind string

const (
	KindTrigger   NodeKind = "trigger"
	KindComponent NodeKind = "component"
	KindHTTP      NodeKind = "http"
	KindJoin      NodeKind = "join"
	KindLoop      NodeKind = "loop"
)

// TriggerType enumerates the built-in trigger flavours. A trigger node may
// additionally carry a Component for a component-backed trigger.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerPoll    TriggerType = "poll"
	TriggerWebhook TriggerType = "webhook"
)

// JoinStrategy names the default gating behaviour of a Join node when no
// CEL When predicate is supplied.
type JoinStrategy string

const (
	JoinAll        JoinStrategy = "all"
	JoinAnySuccess JoinStrategy = "any_success"
)

// Node is one step in the graph. Only the fields relevant to Kind are
// populated; the rest are the variant's zero value.
type Node struct {
	NodeID string   `json:"node_id"`
	Kind   NodeKind `json:"type"`

	// Trigger fields.
	TriggerType TriggerType `json:"trigger_name,omitempty"`

	// Component / Trigger-component fields.
	Component *ComponentRef `json:"component,omitempty"`

	// HTTP fields.
	TaskName     string   `json:"task_name,omitempty"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`

	// Join fields.
	JoinStrategy JoinStrategy `json:"join_strategy,omitempty"`
	JoinWhen     string       `json:"join_when,omitempty"` // CEL expression

	// Loop fields.
	Loop *LoopConfig `json:"loop,omitempty"`

	// Common fields.
	InputSchema json.RawMessage   `json:"input_schema,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"` // field -> template string
	TimeoutMS   *int64            `json:"timeout_ms,omitempty"`
	Critical    bool              `json:"critical,omitempty"`
	Condition   string            `json:"condition,omitempty"` // expr-lang gate, evaluated when the node is dispatched
	Retry       *RetryPolicy      `json:"retry,omitempty"`     // parsed, currently inert; see DESIGN.md
}

// ComponentRef is a pinned reference to an installed component, copied at
// lock time for self-containment (the registry need not be reachable again).
type ComponentRef struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Digest       string          `json:"digest"` // sha256
	ExportName   string          `json:"export_name"` // "task" or "trigger"
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	Capabilities Capabilities    `json:"capabilities,omitempty"`
}

// Capabilities scopes what a component instance may reach outside its
// sandbox.
type Capabilities struct {
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
	AllowedPaths []string `json:"allowed_paths,omitempty"`
}

// LoopConfig describes a Loop node's nested-DAG iteration.
type LoopConfig struct {
	Over     string         `json:"over"` // expr-lang expression producing an iterable
	Body     LockedWorkflow `json:"body"`
	MaxIter  int            `json:"max_iter,omitempty"`
}

// RetryPolicy configures retry behaviour. Present and parsed on both the
// workflow default and per-node override, but inert until a retry driver
// exists; see DESIGN.md Open Question 4.
type RetryPolicy struct {
	Max     int    `json:"max"`
	Backoff string `json:"backoff,omitempty"` // none | linear | exponential
	DelayMS int64  `json:"delay_ms,omitempty"`
}
