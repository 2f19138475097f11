// Package persistent implements the persistent-heap program.
//
// The program keeps its heap inside the data of the first account it is
// given. Because the executor maps that data at the same virtual address on
// every invocation, the allocator and the byte vector reachable from the
// state slot survive from one transaction to the next without being
// serialized.
//
// The first instruction byte selects the operation:
//
//	0      create the state as an empty vector
//	1      destroy the state
//	other  push the byte onto the state
package persistent

import (
	"fmt"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/heap"
	"github.com/fortiblox/stratus-heap/pkg/layout"
	"github.com/fortiblox/stratus-heap/pkg/programs"
	"github.com/fortiblox/stratus-heap/pkg/state"
	"github.com/fortiblox/stratus-heap/pkg/svm/executor"
)

// ProgramID is the address the program is registered under.
var ProgramID = types.PersistentHeapProgramAddr

// Instruction selectors.
const (
	SelectorCreate  = byte(0)
	SelectorDestroy = byte(1)
)

// Processor executes persistent-heap instructions.
type Processor struct{}

// NewProcessor creates a new persistent-heap processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process executes one instruction.
func (p *Processor) Process(ctx *executor.InvokeContext, accounts []*executor.AccountView, data []byte) error {
	if len(accounts) == 0 {
		return programs.ErrNotEnoughAccountKeys
	}
	first := accounts[0]
	if first.DataAddr != layout.FirstAccountDataAddress {
		return fmt.Errorf("%w: first account data at 0x%x, want 0x%x",
			programs.ErrEnvironmentMismatch, first.DataAddr, layout.FirstAccountDataAddress)
	}
	if first.DataLen < layout.AccountRegionLength {
		return fmt.Errorf("%w: first account holds %d bytes, need %d",
			programs.ErrEnvironmentMismatch, first.DataLen, layout.AccountRegionLength)
	}

	if err := ctx.Logf("hello from persistent heap %s", programs.FormatBytes(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return programs.ErrInvalidInstruction
	}

	h, err := heap.New(ctx.Memory(), layout.PersistentHeap, programs.Trace(ctx))
	if err != nil {
		return err
	}
	s, err := state.New(h, layout.StateSlot)
	if err != nil {
		return err
	}

	switch data[0] {
	case SelectorCreate:
		return p.create(ctx, s)
	case SelectorDestroy:
		return p.destroy(ctx, s)
	default:
		return p.push(ctx, s, data[0])
	}
}

func (p *Processor) create(ctx *executor.InvokeContext, s *state.Handle) error {
	if err := ctx.Log("here_alloc"); err != nil {
		return err
	}
	if err := logStatePtr(ctx, s); err != nil {
		return err
	}

	if err := s.Init(nil); err != nil {
		return err
	}
	if err := ctx.Log("after_alloc"); err != nil {
		return err
	}

	if err := logStatePtr(ctx, s); err != nil {
		return err
	}
	if err := logState(ctx, s); err != nil {
		return err
	}
	return programs.LogStats(ctx, s.Heap())
}

func (p *Processor) destroy(ctx *executor.InvokeContext, s *state.Handle) error {
	if err := ctx.Log("here_dealloc"); err != nil {
		return err
	}
	if err := logState(ctx, s); err != nil {
		return err
	}
	if err := logStatePtr(ctx, s); err != nil {
		return err
	}

	if err := s.Destroy(); err != nil {
		return err
	}
	if err := ctx.Log("after_dealloc"); err != nil {
		return err
	}

	if err := logStatePtr(ctx, s); err != nil {
		return err
	}
	return programs.LogStats(ctx, s.Heap())
}

func (p *Processor) push(ctx *executor.InvokeContext, s *state.Handle, b byte) error {
	if err := ctx.Log("here_use"); err != nil {
		return err
	}
	if err := logState(ctx, s); err != nil {
		return err
	}

	vec, err := s.Mutate()
	if err != nil {
		return err
	}
	if err := vec.Push(b); err != nil {
		return err
	}

	n, err := vec.Len()
	if err != nil {
		return err
	}
	if err := ctx.Logf("state_len: %d", n); err != nil {
		return err
	}
	if err := logState(ctx, s); err != nil {
		return err
	}
	return programs.LogStats(ctx, s.Heap())
}

// logStatePtr logs the address of the state's vector header, 0x0 when the
// slot is empty.
func logStatePtr(ctx *executor.InvokeContext, s *state.Handle) error {
	present, err := s.Present()
	if err != nil {
		return err
	}
	addr := uint64(0)
	if present {
		v, err := s.Read()
		if err != nil {
			return err
		}
		addr = v.Addr()
	}
	return ctx.Logf("state_ptr: 0x%x", addr)
}

func logState(ctx *executor.InvokeContext, s *state.Handle) error {
	v, err := s.Read()
	if err != nil {
		return err
	}
	contents, err := v.Bytes()
	if err != nil {
		return err
	}
	return ctx.Logf("state: %s", programs.FormatBytes(contents))
}
