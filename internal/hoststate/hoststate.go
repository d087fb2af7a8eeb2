// Package hoststate is the per-execution, per-call state threaded into every
// component instance: execution id, current node id, a KV store handle
// scoped to the execution, a read-only config map, and a correlated logger.
// Grounded on original_source/crates/fuschia-host/src/state.rs's HostState.
package hoststate

import (
	"context"
	"log/slog"

	"github.com/definitelycarter/fuschia/internal/kv"
	"github.com/definitelycarter/fuschia/internal/logging"
)

// base is embedded by both Task and Trigger variants; they differ only in
// the export table they are linked against (spec.md section 4.2).
type base struct {
	ExecutionID string
	NodeID      string
	KV          kv.Store
	Config      map[string]string
	Logger      *slog.Logger
}

func (b *base) ConfigGet(key string) (string, bool) {
	v, ok := b.Config[key]
	return v, ok
}

func (b *base) KVGet(key string) (string, bool)   { return b.KV.Get(b.ExecutionID, key) }
func (b *base) KVSet(key, value string)           { b.KV.Set(b.ExecutionID, key, value) }
func (b *base) KVDelete(key string)                { b.KV.Delete(b.ExecutionID, key) }

func (b *base) Log(level slog.Level, msg string, fields map[string]any) {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	b.Logger.Log(context.Background(), level, msg, attrs...)
}

// TaskHostState links against the task-component world.
type TaskHostState struct {
	base
	TaskID string
}

// TriggerHostState links against the trigger-component world.
type TriggerHostState struct {
	base
}

// newBase builds a base with a correlated logger already attached.
func newBase(logger *slog.Logger, store kv.Store, executionID, nodeID string, config map[string]string) base {
	ctx := logging.WithIDs(context.Background(), executionID, nodeID)
	return base{
		ExecutionID: executionID,
		NodeID:      nodeID,
		KV:          store,
		Config:      config,
		Logger:      logging.LogWith(ctx, logger),
	}
}

// NewTask builds a TaskHostState.
func NewTask(logger *slog.Logger, store kv.Store, executionID, nodeID, taskID string, config map[string]string) *TaskHostState {
	return &TaskHostState{base: newBase(logger, store, executionID, nodeID, config), TaskID: taskID}
}

// NewTrigger builds a TriggerHostState.
func NewTrigger(logger *slog.Logger, store kv.Store, executionID, nodeID string, config map[string]string) *TriggerHostState {
	return &TriggerHostState{base: newBase(logger, store, executionID, nodeID, config)}
}
