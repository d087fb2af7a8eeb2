// Package control implements the other external trigger source named in
// SPEC_FULL.md section 11.7: an MCP tool server exposing "invoke" and
// "invoke_node" so any MCP-speaking client can drive the Runner. Grounded
// on the teacher's pkg/mcp/server.go and tools.go.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/definitelycarter/fuschia/internal/engine"
	"github.com/definitelycarter/fuschia/internal/runner"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

// WorkflowLookup resolves a workflow_id used in a tool call to its locked
// document. The control source has no template store of its own (unlike
// the teacher); callers supply whatever registry they have (a directory of
// locked JSON files, an in-memory map, ...).
type WorkflowLookup func(workflowID string) (*fuschia.LockedWorkflow, error)

// Source is a runner.TriggerSource backed by an MCP stdio server.
type Source struct {
	eng    *engine.Engine
	lookup WorkflowLookup
	logger *slog.Logger

	mcpServer *server.MCPServer
	sender    chan<- runner.Job
}

// New builds a control Source. lookup resolves the workflow_id argument
// tool calls carry.
func New(eng *engine.Engine, lookup WorkflowLookup, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{eng: eng, lookup: lookup, logger: logger}

	mcpSrv := server.NewMCPServer(
		"fuschia",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("fuschia is a Wasm-component workflow runner. Use fuschia.invoke to run a locked workflow, fuschia.invoke_node to debug a single node in isolation."),
	)
	mcpSrv.AddTools(
		server.ServerTool{Tool: invokeTool(), Handler: s.handleInvoke},
		server.ServerTool{Tool: invokeNodeTool(), Handler: s.handleInvokeNode},
	)
	s.mcpServer = mcpSrv
	return s
}

// Start implements runner.TriggerSource by serving the MCP stdio transport
// until ctx is cancelled or stdin closes.
func (s *Source) Start(ctx context.Context, sender chan<- runner.Job) error {
	s.sender = sender
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer exposes the underlying server for tests or alternate transports.
func (s *Source) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func invokeTool() mcp.Tool {
	return mcp.NewTool("fuschia.invoke",
		mcp.WithDescription("Invoke a locked workflow with a payload"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the locked workflow to invoke")),
		mcp.WithObject("payload", mcp.Description("Payload the trigger node adopts as its envelope data")),
	)
}

func invokeNodeTool() mcp.Tool {
	return mcp.NewTool("fuschia.invoke_node",
		mcp.WithDescription("Run a single node in isolation, treating payload as its upstream's data (spec.md debug entrypoint)"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the locked workflow the node belongs to")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to run")),
		mcp.WithObject("payload", mcp.Description("Upstream data the node renders and coerces its inputs against")),
	)
}

func (s *Source) handleInvoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.lookup(workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}

	payload := mcp.ParseStringMap(req, "payload", nil)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	outcome := make(chan runner.JobOutcome, 1)
	select {
	case s.sender <- runner.Job{Workflow: wf, Payload: payloadJSON, Result: outcome}:
	case <-ctx.Done():
		return mcp.NewToolResultError("request cancelled"), nil
	}

	select {
	case o := <-outcome:
		if o.Err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invocation failed: %v", o.Err)), nil
		}
		return marshalResult(o.Result)
	case <-ctx.Done():
		return mcp.NewToolResultError("request cancelled"), nil
	}
}

func (s *Source) handleInvokeNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	wf, err := s.lookup(workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}

	payload := mcp.ParseStringMap(req, "payload", nil)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	result, err := s.eng.InvokeNode(ctx, wf, nodeID, payloadJSON)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invoke_node failed: %v", err)), nil
	}
	return marshalResult(result)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
