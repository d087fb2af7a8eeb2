package componenthost

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// writeJSON allocates size bytes in the guest via its fuschia_alloc export,
// copies data into guest memory, and returns the pointer. Companion to
// readResult, which reads a result back out and frees it.
func writeJSON(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	alloc := mod.ExportedFunction("fuschia_alloc")
	if alloc == nil {
		return 0, fmt.Errorf("component does not export fuschia_alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("fuschia_alloc trapped: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes at guest offset %d", len(data), ptr)
	}
	return ptr, nil
}

// callResult is the (ok, ptr, len) triple every task-execute/trigger-handle
// export returns, per SPEC_FULL.md section 11.1's multi-value convention.
type callResult struct {
	OK   bool
	JSON []byte
}

// invokeExport calls an export following the fixed calling convention:
// (arg1_ptr, arg1_len, arg2_ptr, arg2_len) -> (ok, ptr, len). Pass a nil arg2
// for single-argument exports (trigger-handle), which are then called with
// (arg1_ptr, arg1_len) only.
func invokeExport(ctx context.Context, mod api.Module, export string, arg1, arg2 []byte) (callResult, error) {
	fn := mod.ExportedFunction(export)
	if fn == nil {
		return callResult{}, fmt.Errorf("component does not export %q", export)
	}

	ptr1, err := writeJSON(ctx, mod, arg1)
	if err != nil {
		return callResult{}, err
	}
	params := []uint64{uint64(ptr1), uint64(len(arg1))}
	if arg2 != nil {
		ptr2, err := writeJSON(ctx, mod, arg2)
		if err != nil {
			return callResult{}, err
		}
		params = append(params, uint64(ptr2), uint64(len(arg2)))
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return callResult{}, err // caller maps trap vs timeout
	}
	if len(results) != 3 {
		return callResult{}, fmt.Errorf("%q returned %d results, want 3 (ok, ptr, len)", export, len(results))
	}

	ok := results[0] != 0
	rptr, rlen := uint32(results[1]), uint32(results[2])
	buf, isOk := mod.Memory().Read(rptr, rlen)
	if !isOk {
		return callResult{}, fmt.Errorf("failed to read %d result bytes at guest offset %d", rlen, rptr)
	}
	out := make([]byte, len(buf))
	copy(out, buf)

	if dealloc := mod.ExportedFunction("fuschia_dealloc"); dealloc != nil {
		_, _ = dealloc.Call(ctx, uint64(rptr), uint64(rlen))
	}

	return callResult{OK: ok, JSON: out}, nil
}
