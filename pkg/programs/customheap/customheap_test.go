package customheap

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fortiblox/stratus-heap/pkg/accounts"
	"github.com/fortiblox/stratus-heap/pkg/heap"
	"github.com/fortiblox/stratus-heap/pkg/layout"
	"github.com/fortiblox/stratus-heap/pkg/svm"
	"github.com/fortiblox/stratus-heap/pkg/svm/executor"
)

func newExecutor(t *testing.T, opts ...executor.Option) *executor.Executor {
	t.Helper()

	opts = append(opts, executor.WithLogger(zaptest.NewLogger(t)))
	e := executor.New(accounts.NewMemoryDB(), opts...)
	e.Register(ProgramID, NewProcessor())
	return e
}

func TestVecOnSandboxHeap(t *testing.T) {
	e := newExecutor(t)
	arena := (layout.SandboxHeapLength - heap.ControlSize) &^ (heap.MinAlign - 1)

	// Every call starts from a fresh heap, so the logs repeat exactly.
	var first []string
	for i := 0; i < 2; i++ {
		r, err := e.ExecuteInstruction(executor.Instruction{ProgramID: ProgramID, Data: []byte{1, 2, 3}})
		require.NoError(t, err)
		require.True(t, r.Success, r.Error)

		require.Contains(t, r.Logs, "Program log: vec: [1, 2, 3, 1, 2, 3]")
		require.Contains(t, r.Logs, "Program log: realloc")
		require.Contains(t, r.Logs, "Program log: heap_stats: used=0, free=32728")
		require.Equal(t, uint64(32728), arena)

		if first == nil {
			first = r.Logs
		} else {
			require.Equal(t, first, r.Logs)
		}
	}
}

func TestEmptyData(t *testing.T) {
	e := newExecutor(t)

	r, err := e.ExecuteInstruction(executor.Instruction{ProgramID: ProgramID})
	require.NoError(t, err)
	require.True(t, r.Success, r.Error)
	require.Contains(t, r.Logs, "Program log: vec: []")
}

func TestLargerHeapBudget(t *testing.T) {
	e := newExecutor(t, executor.WithComputeBudget(svm.ComputeBudgetLimits{
		ComputeUnitLimit: svm.CUDefault,
		HeapSize:         svm.HeapSizeMax,
	}))

	data := make([]byte, executor.MaxInstructionDataSize)
	r, err := e.ExecuteInstruction(executor.Instruction{ProgramID: ProgramID, Data: data})
	require.NoError(t, err)
	require.True(t, r.Success, r.Error)

	free := (uint64(svm.HeapSizeMax) - heap.ControlSize) &^ (heap.MinAlign - 1)
	require.Equal(t, fmt.Sprintf("Program log: heap_stats: used=0, free=%d", free), lastLog(r.Logs))
}

func lastLog(logs []string) string {
	for i := len(logs) - 1; i >= 0; i-- {
		if strings.HasPrefix(logs[i], "Program log: ") {
			return logs[i]
		}
	}
	return ""
}
