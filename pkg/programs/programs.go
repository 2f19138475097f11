// Package programs holds what the built-in heap programs share: their
// errors and the helpers that turn allocator activity into program logs.
package programs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fortiblox/stratus-heap/pkg/heap"
	"github.com/fortiblox/stratus-heap/pkg/svm/executor"
)

// Program errors.
var (
	ErrEnvironmentMismatch  = errors.New("environment mismatch")
	ErrInvalidInstruction   = errors.New("invalid instruction data")
	ErrNotEnoughAccountKeys = errors.New("not enough account keys")
)

// Trace returns a heap option that logs every allocator operation through
// ctx. A log the meter cannot pay for is dropped; the next charged
// operation reports the exhausted budget.
func Trace(ctx *executor.InvokeContext) heap.Option {
	return heap.WithTrace(func(msg string) {
		_ = ctx.Log(msg)
	})
}

// LogStats logs the heap's usage in the form "heap_stats: used=N, free=M".
func LogStats(ctx *executor.InvokeContext, h *heap.Heap) error {
	stats, err := h.Stats()
	if err != nil {
		return err
	}
	return ctx.Logf("heap_stats: used=%d, free=%d", stats.Used, stats.Free)
}

// FormatBytes renders p as a bracketed list of decimal values.
func FormatBytes(p []byte) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range p {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d", v)
	}
	b.WriteByte(']')
	return b.String()
}
