// Package customheap implements the custom-heap program: the same
// allocator the persistent-heap program uses, but run over the sandbox heap
// the executor maps fresh for every invocation. Nothing it allocates
// outlives the call.
package customheap

import (
	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/heap"
	"github.com/fortiblox/stratus-heap/pkg/programs"
	"github.com/fortiblox/stratus-heap/pkg/state"
	"github.com/fortiblox/stratus-heap/pkg/svm/executor"
)

// ProgramID is the address the program is registered under.
var ProgramID = types.CustomHeapProgramAddr

// Processor executes custom-heap instructions.
type Processor struct{}

// NewProcessor creates a new custom-heap processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process copies the instruction data into a heap vector, doubles it in
// place, logs the result and frees it again.
func (p *Processor) Process(ctx *executor.InvokeContext, _ []*executor.AccountView, data []byte) error {
	h, err := heap.New(ctx.Memory(), ctx.SandboxHeap(), programs.Trace(ctx))
	if err != nil {
		return err
	}

	vec, err := state.NewVec(h, data)
	if err != nil {
		return err
	}
	if err := vec.Append(data); err != nil {
		return err
	}

	contents, err := vec.Bytes()
	if err != nil {
		return err
	}
	if err := ctx.Logf("vec: %s", programs.FormatBytes(contents)); err != nil {
		return err
	}
	if err := programs.LogStats(ctx, h); err != nil {
		return err
	}

	if err := vec.Free(); err != nil {
		return err
	}
	return programs.LogStats(ctx, h)
}
