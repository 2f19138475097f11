package executor

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/heap"
	"github.com/fortiblox/stratus-heap/pkg/layout"
	"github.com/fortiblox/stratus-heap/pkg/svm"
	"github.com/fortiblox/stratus-heap/pkg/svm/memory"
)

// Program is a program the executor can invoke.
type Program interface {
	Process(ctx *InvokeContext, accounts []*AccountView, data []byte) error
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ctx *InvokeContext, accounts []*AccountView, data []byte) error

// Process calls f.
func (f ProgramFunc) Process(ctx *InvokeContext, accounts []*AccountView, data []byte) error {
	return f(ctx, accounts, data)
}

// InvokeContext is the environment of one invocation: the mapped memory,
// the compute meter and the log collector.
type InvokeContext struct {
	programID   types.Pubkey
	mem         *meteredMemory
	meter       *svm.ComputeMeter
	sandboxHeap layout.Region
	logs        []string
	log         *zap.Logger
}

func newInvokeContext(programID types.Pubkey, mapping *memory.Mapping, meter *svm.ComputeMeter, sandboxHeap layout.Region, log *zap.Logger) *InvokeContext {
	return &InvokeContext{
		programID:   programID,
		mem:         &meteredMemory{Mapping: mapping, meter: meter},
		meter:       meter,
		sandboxHeap: sandboxHeap,
		log:         log,
	}
}

// ProgramID returns the id of the running program.
func (c *InvokeContext) ProgramID() types.Pubkey {
	return c.programID
}

// Memory returns the invocation's address space. Memset and Memcpy are
// charged like the runtime's memory syscalls.
func (c *InvokeContext) Memory() heap.Memory {
	return c.mem
}

// SandboxHeap returns the per-invocation heap region, zeroed on entry.
func (c *InvokeContext) SandboxHeap() layout.Region {
	return c.sandboxHeap
}

// ComputeMeter returns the transaction's compute meter.
func (c *InvokeContext) ComputeMeter() *svm.ComputeMeter {
	return c.meter
}

// Log records a program log line, charged like sol_log_.
func (c *InvokeContext) Log(msg string) error {
	if err := c.meter.Consume(svm.LogCost(len(msg))); err != nil {
		return err
	}
	c.record("Program log: " + msg)
	return nil
}

// Logf formats and records a program log line.
func (c *InvokeContext) Logf(format string, args ...any) error {
	return c.Log(fmt.Sprintf(format, args...))
}

// record appends a runtime line without charging for it.
func (c *InvokeContext) record(line string) {
	c.logs = append(c.logs, line)
	c.log.Debug(line, zap.Stringer("program", c.programID))
}

// meteredMemory charges the compute meter for bulk memory operations.
type meteredMemory struct {
	*memory.Mapping
	meter *svm.ComputeMeter
}

func (m *meteredMemory) Memset(addr uint64, val byte, n uint64) error {
	if err := m.meter.Consume(svm.MemoryOpCost(n)); err != nil {
		return err
	}
	return m.Mapping.Memset(addr, val, n)
}

func (m *meteredMemory) Memcpy(dst, src, n uint64) error {
	if err := m.meter.Consume(svm.MemoryOpCost(n)); err != nil {
		return err
	}
	return m.Mapping.Memcpy(dst, src, n)
}
