package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/definitelycarter/fuschia/internal/coerce"
	"github.com/definitelycarter/fuschia/internal/componentcache"
	"github.com/definitelycarter/fuschia/internal/componenthost"
	"github.com/definitelycarter/fuschia/internal/render"
	"github.com/definitelycarter/fuschia/internal/xerrors"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

// envelopesFor returns the upstream envelopes still held in results, keyed
// by node id.
func (inv *invocation) envelopesFor(upstreams []string) map[string]*fuschia.Envelope {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make(map[string]*fuschia.Envelope, len(upstreams))
	for _, id := range upstreams {
		if r, ok := inv.results[id]; ok && r.Envelope != nil {
			out[id] = r.Envelope
		}
	}
	return out
}

// renderContext builds the Stage 1 rendering context from upstream
// envelopes, per spec.md section 4.4: a single upstream's data object
// directly, or a join's N upstreams keyed by node id.
func (inv *invocation) renderContext(upstreams []string) render.Context {
	envs := inv.envelopesFor(upstreams)
	if len(upstreams) == 1 {
		return render.SingleContext(unmarshalObject(envs[upstreams[0]]))
	}
	joined := make(map[string]map[string]any, len(envs))
	for id, env := range envs {
		joined[id] = unmarshalObject(env)
	}
	return render.JoinedContext(joined)
}

// mergedEnv builds the native-value environment internal/exprcache and
// internal/joincel evaluate against: a single upstream's data fields
// addressable directly, or a join's upstreams keyed by node id.
func (inv *invocation) mergedEnv(upstreams []string) map[string]any {
	envs := inv.envelopesFor(upstreams)
	if len(upstreams) == 1 {
		return unmarshalObject(envs[upstreams[0]])
	}
	out := make(map[string]any, len(envs))
	for id, env := range envs {
		out[id] = unmarshalObject(env)
	}
	return out
}

func unmarshalObject(env *fuschia.Envelope) map[string]any {
	if env == nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// runComponent executes a component-kind node: render, coerce, validate,
// then call the task component through the host.
func (inv *invocation) runComponent(ctx context.Context, wf *fuschia.LockedWorkflow, node *fuschia.Node, upstreams []string) fuschia.NodeResult {
	rctx := inv.renderContext(upstreams)
	rendered, err := render.RenderAll(node.NodeID, node.Inputs, rctx)
	if err != nil {
		return failed(err)
	}

	fields, err := schemaFromJSON(node.Component.InputSchema)
	if err != nil {
		return failed(xerrors.InputResolution(node.NodeID, "invalid component input schema: "+err.Error()))
	}
	resolved, err := coerce.Coerce(node.NodeID, rendered, fields)
	if err != nil {
		return failed(err)
	}
	if inv.eng.Validator != nil {
		if err := inv.eng.Validator.ValidateInput(node.NodeID, resolved, node.Component.InputSchema); err != nil {
			return failed(err)
		}
	}

	inputsJSON, err := json.Marshal(resolved)
	if err != nil {
		return failed(xerrors.InputResolution(node.NodeID, "failed to serialize resolved input: "+err.Error()))
	}

	ref := componentcache.Key{Digest: node.Component.Digest, Kind: node.Component.ExportName}
	tctx := componenthost.TaskContext{ExecutionID: inv.executionID, NodeID: node.NodeID, TaskID: uuid.NewString()}
	timeout := inv.eng.timeoutFor(wf, node)

	outJSON, err := inv.eng.Host.ExecuteTask(ctx, ref, node.NodeID, inv.eng.bytesFetcher(), tctx, inputsJSON, timeout, nil, node.Component.Capabilities.AllowedHosts)
	if err != nil {
		// TODO: node.Retry (and wf.DefaultRetry) are parsed but not consulted
		// here; no retry driver re-invokes a failed task yet.
		return failed(err)
	}

	resolvedJSON, _ := json.Marshal(resolved)
	env := &fuschia.Envelope{
		WorkflowID:    wf.WorkflowID,
		NodeID:        node.NodeID,
		TaskID:        tctx.TaskID,
		StartedAt:     nowISO(),
		Data:          outJSON,
		Input:         rendered,
		ResolvedInput: resolvedJSON,
	}
	return fuschia.NodeResult{Status: fuschia.StatusSucceeded, Envelope: env}
}

var httpNodeClient = &http.Client{Timeout: 15 * time.Second}

// runHTTP executes the built-in Http node kind (spec.md section 2): a
// template-rendered request against `url` (and optional `method`, `body`),
// filtered through the same allowed_hosts grammar a component's outbound
// http.fetch obeys.
func (inv *invocation) runHTTP(ctx context.Context, wf *fuschia.LockedWorkflow, node *fuschia.Node, upstreams []string) fuschia.NodeResult {
	rctx := inv.renderContext(upstreams)
	rendered, err := render.RenderAll(node.NodeID, node.Inputs, rctx)
	if err != nil {
		return failed(err)
	}

	url, ok := rendered["url"]
	if !ok || url == "" {
		return failed(xerrors.InputResolution(node.NodeID, `http node requires an "url" input`))
	}
	method := rendered["method"]
	if method == "" {
		method = "GET"
	}

	host := componenthost.HostAllowed
	if len(node.AllowedHosts) > 0 && !host(hostOfURL(url), node.AllowedHosts) {
		return failed(xerrors.InputResolution(node.NodeID, fmt.Sprintf("host for %q is not in allowed_hosts", url)))
	}

	var bodyReader io.Reader
	if b, ok := rendered["body"]; ok {
		bodyReader = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return failed(xerrors.InputResolution(node.NodeID, "invalid http request: "+err.Error()))
	}

	resp, err := httpNodeClient.Do(req)
	if err != nil {
		return failed(xerrors.ComponentExecution(node.NodeID, xerrors.HostTrap, "http request failed: "+err.Error()))
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failed(xerrors.ComponentExecution(node.NodeID, xerrors.HostTrap, "failed to read http response: "+err.Error()))
	}

	data, _ := json.Marshal(map[string]any{"status": resp.StatusCode, "body": string(respBody)})
	env := &fuschia.Envelope{
		WorkflowID: wf.WorkflowID,
		NodeID:     node.NodeID,
		TaskID:     uuid.NewString(),
		StartedAt:  nowISO(),
		Data:       data,
		Input:      rendered,
	}
	return fuschia.NodeResult{Status: fuschia.StatusSucceeded, Envelope: env}
}

// runJoin executes a Join node per SPEC_FULL.md section 13.2: waits (via
// readiness) for every listed upstream to appear in results, merges their
// data verbatim plus an explicit per-branch status map, then applies the
// default "all succeeded"/"any succeeded" rule or an optional CEL When gate.
func (inv *invocation) runJoin(ctx context.Context, wf *fuschia.LockedWorkflow, node *fuschia.Node, upstreams []string) fuschia.NodeResult {
	sorted := append([]string(nil), upstreams...)
	sort.Strings(sorted)

	inv.mu.Lock()
	branchResults := make(map[string]fuschia.NodeResult, len(sorted))
	for _, id := range sorted {
		branchResults[id] = inv.results[id]
	}
	inv.mu.Unlock()

	branches := make(map[string]string, len(sorted))
	merged := make(map[string]any)
	anySucceeded := false
	allSucceeded := true
	for _, id := range sorted {
		r := branchResults[id]
		if r.Status == fuschia.StatusSucceeded {
			branches[id] = "succeeded"
			anySucceeded = true
			if r.Envelope != nil {
				for k, v := range unmarshalObject(r.Envelope) {
					merged[k] = v
				}
			}
		} else {
			branches[id] = "failed"
			allSucceeded = false
		}
	}

	ok := allSucceeded
	if node.JoinWhen != "" {
		var err error
		ok, err = inv.eng.Joins.EvalWhen(node.NodeID, node.JoinWhen, branches)
		if err != nil {
			return failed(err)
		}
	} else if node.JoinStrategy == fuschia.JoinAnySuccess {
		ok = anySucceeded
	}

	merged["branches"] = branches
	dataJSON, _ := json.Marshal(merged)
	env := &fuschia.Envelope{WorkflowID: wf.WorkflowID, NodeID: node.NodeID, TaskID: uuid.NewString(), StartedAt: nowISO(), Data: dataJSON}

	if !ok {
		return fuschia.NodeResult{Status: fuschia.StatusFailed, Envelope: env, Error: toNodeError(xerrors.InvalidOutput(node.NodeID, "join condition was not satisfied"))}
	}
	return fuschia.NodeResult{Status: fuschia.StatusSucceeded, Envelope: env}
}

// runLoop executes a Loop node per SPEC_FULL.md section 13.2: evaluates
// Over against upstream data to get an iterable, then runs one nested
// invoke per element, collecting per-iteration execution results.
func (inv *invocation) runLoop(ctx context.Context, wf *fuschia.LockedWorkflow, node *fuschia.Node, upstreams []string) fuschia.NodeResult {
	env := inv.mergedEnv(upstreams)
	items, err := inv.eng.Exprs.EvalSlice(node.NodeID, node.Loop.Over, env)
	if err != nil {
		return failed(err)
	}

	if node.Loop.MaxIter > 0 && len(items) > node.Loop.MaxIter {
		if inv.eng.Logger != nil {
			inv.eng.Logger.Warn("loop.over produced more items than max_iter, truncating",
				"node_id", node.NodeID, "produced", len(items), "max_iter", node.Loop.MaxIter)
		}
		items = items[:node.Loop.MaxIter]
	}

	iterations := make([]json.RawMessage, 0, len(items))
	failedIteration := false
	for _, item := range items {
		if inv.cancelled() {
			break
		}
		itemJSON, err := json.Marshal(item)
		if err != nil {
			failedIteration = true
			continue
		}
		result, err := inv.eng.Invoke(ctx, &node.Loop.Body, itemJSON, inv.cancel)
		if err != nil {
			failedIteration = true
			continue
		}
		if result.Status == fuschia.StatusFailed {
			failedIteration = true
		}
		iterJSON, _ := json.Marshal(result)
		iterations = append(iterations, iterJSON)
	}

	data, _ := json.Marshal(map[string]any{"iterations": iterations})
	envelope := &fuschia.Envelope{WorkflowID: wf.WorkflowID, NodeID: node.NodeID, TaskID: uuid.NewString(), StartedAt: nowISO(), Data: data}

	if failedIteration {
		return fuschia.NodeResult{Status: fuschia.StatusFailed, Envelope: envelope, Error: toNodeError(xerrors.New(xerrors.CodeComponentExecution, "one or more loop iterations failed").WithNode(node.NodeID))}
	}
	return fuschia.NodeResult{Status: fuschia.StatusSucceeded, Envelope: envelope}
}

func failed(err error) fuschia.NodeResult {
	return fuschia.NodeResult{Status: fuschia.StatusFailed, Error: toNodeError(err)}
}

// toNodeError narrows the execution core's *xerrors.Error onto the wire
// NodeError shape (pkg/fuschia.Envelope's sibling, not the richer Go type).
func toNodeError(err error) *fuschia.NodeError {
	if err == nil {
		return nil
	}
	xe, ok := err.(*xerrors.Error)
	if !ok {
		return &fuschia.NodeError{Code: "UNKNOWN", Message: err.Error()}
	}
	return &fuschia.NodeError{Code: xe.Code, Message: xe.Message, NodeID: xe.NodeID, HostCode: xe.HostCode, Details: xe.Details}
}

// schemaFromJSON decodes a component's declared JSON Schema document (the
// "type": "object" / "properties" / "required" shape spec.md section 4.4
// coerces against) into an internal/coerce.Schema.
func schemaFromJSON(raw json.RawMessage) (coerce.Schema, error) {
	if len(raw) == 0 {
		return coerce.Schema{}, nil
	}
	var doc struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	required := make(map[string]bool, len(doc.Required))
	for _, r := range doc.Required {
		required[r] = true
	}
	out := make(coerce.Schema, len(doc.Properties))
	for name, p := range doc.Properties {
		out[name] = coerce.Field{Type: coerce.FieldType(p.Type), Required: required[name]}
	}
	return out, nil
}

func hostOfURL(rawURL string) string {
	rest := rawURL
	if i := indexOfSub(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := indexOfSub(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	if i := indexOfSub(rest, ":"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func indexOfSub(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
