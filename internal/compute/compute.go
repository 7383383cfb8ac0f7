// Package compute hosts the optional numeric post-processing accelerator.
// When a WASM guest is supplied it runs under wazero with a plain
// copy-in/copy-out byte boundary; without one, a native Go path provides the
// same contract so callers never need to care which backend ran. Failures at
// this layer always degrade to passthrough at the facade.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// ProcessResult is the structured record returned across the module
// boundary.
type ProcessResult struct {
	Data            string  `json:"data"` // stringified JSON rows
	RowCount        int     `json:"row_count"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	MemoryUsedBytes uint64  `json:"memory_used_bytes"`
}

// QueryEngine is one instantiated compute module. Construct with
// NewQueryEngine; nil guest bytes select the native backend.
type QueryEngine struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	closed  bool
}

// NewQueryEngine instantiates the compute module. guest is the compiled
// WASM binary; empty means the native Go backend.
func NewQueryEngine(ctx context.Context, guest []byte) (*QueryEngine, error) {
	if len(guest) == 0 {
		return &QueryEngine{}, nil
	}

	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	mod, err := r.Instantiate(ctx, guest)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate compute guest: %w", err)
	}
	for _, export := range []string{"alloc", "process_data"} {
		if mod.ExportedFunction(export) == nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("compute guest missing export %q", export)
		}
	}
	return &QueryEngine{runtime: r, module: mod}, nil
}

// Version identifies which backend is active.
func (q *QueryEngine) Version() string {
	if q.module != nil {
		return "wasm"
	}
	return "native"
}

// ProcessData runs the accelerator over a JSON-encoded row set and returns
// the structured result record.
func (q *QueryEngine) ProcessData(ctx context.Context, data []byte) (ProcessResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ProcessResult{}, fmt.Errorf("compute: engine is closed")
	}
	if q.module != nil {
		return q.processWASM(ctx, data)
	}
	return processNative(data)
}

// processWASM copies data into guest memory, invokes process_data, and
// decodes the JSON envelope the guest writes back. The guest ABI packs the
// result's (pointer, length) into one u64.
func (q *QueryEngine) processWASM(ctx context.Context, data []byte) (ProcessResult, error) {
	alloc := q.module.ExportedFunction("alloc")
	process := q.module.ExportedFunction("process_data")

	allocRes, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return ProcessResult{}, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := uint32(allocRes[0])
	if !q.module.Memory().Write(ptr, data) {
		return ProcessResult{}, fmt.Errorf("guest memory write out of range at %d", ptr)
	}

	procRes, err := process.Call(ctx, uint64(ptr), uint64(len(data)))
	if err != nil {
		return ProcessResult{}, fmt.Errorf("guest process_data: %w", err)
	}
	packed := procRes[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)

	out, ok := q.module.Memory().Read(outPtr, outLen)
	if !ok {
		return ProcessResult{}, fmt.Errorf("guest memory read out of range at %d+%d", outPtr, outLen)
	}

	var result ProcessResult
	if err := json.Unmarshal(out, &result); err != nil {
		return ProcessResult{}, fmt.Errorf("decode guest result: %w", err)
	}
	return result, nil
}

// processNative is the in-process fallback: it validates and compacts the
// row set and fills in the same envelope the guest would.
func processNative(data []byte) (ProcessResult, error) {
	start := time.Now()

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return ProcessResult{}, fmt.Errorf("decode rows: %w", err)
	}
	compact, err := json.Marshal(rows)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("encode rows: %w", err)
	}

	return ProcessResult{
		Data:            string(compact),
		RowCount:        len(rows),
		ExecutionTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		MemoryUsedBytes: GetMemoryUsage(),
	}, nil
}

// Close releases the WASM runtime. Safe to call more than once.
func (q *QueryEngine) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.runtime != nil {
		return q.runtime.Close(ctx)
	}
	return nil
}

// GetMemoryUsage reports the host process's current heap occupancy.
func GetMemoryUsage() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
