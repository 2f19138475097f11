package svm

import (
	"errors"
	"sync/atomic"
)

// Compute unit cost constants.
const (
	CUDefault = uint64(200_000)   // Default CU limit per transaction
	CUMax     = uint64(1_400_000) // Max CU limit per transaction

	CUInvokeBase = uint64(1_000) // Charged once per invocation

	CUSyscallBase = uint64(100) // sol_log_ base cost

	CUMemoryOpBase    = uint64(10) // sol_memset_/sol_memcpy_ base cost
	CUMemoryOpPerByte = uint64(1)  // Per byte for memory ops
)

// Heap size constants.
const (
	HeapSizeDefault = uint32(32 * 1024) // 32 KB
	HeapSizeMax     = uint32(256 * 1024)
)

// ErrComputeInvalidLimit is returned for an invalid compute limit.
var ErrComputeInvalidLimit = errors.New("invalid compute unit limit")

// LogCost returns the cost of logging a message of n bytes.
func LogCost(n int) uint64 {
	return CUSyscallBase + uint64(n)
}

// MemoryOpCost returns the cost of a memset or memcpy over n bytes.
func MemoryOpCost(n uint64) uint64 {
	if n > (^uint64(0)-CUMemoryOpBase)/CUMemoryOpPerByte {
		return ^uint64(0)
	}
	return CUMemoryOpBase + n*CUMemoryOpPerByte
}

// ComputeMeter tracks compute unit consumption.
type ComputeMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	disabled  bool
}

// NewComputeMeter creates a new compute meter with the specified limit.
func NewComputeMeter(limit uint64) *ComputeMeter {
	if limit > CUMax {
		limit = CUMax
	}
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// NewComputeMeterDisabled creates a disabled compute meter (for testing).
func NewComputeMeterDisabled() *ComputeMeter {
	return &ComputeMeter{
		remaining: CUMax,
		limit:     CUMax,
		disabled:  true,
	}
}

// Consume attempts to consume the specified compute units.
// Returns ErrComputeExceeded if insufficient units remain.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.disabled {
		return nil
	}

	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			atomic.AddUint64(&cm.consumed, remaining)
			atomic.StoreUint64(&cm.remaining, 0)
			return ErrComputeExceeded
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&cm.consumed, cost)
			return nil
		}
	}
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the total consumed compute units.
func (cm *ComputeMeter) Consumed() uint64 {
	return atomic.LoadUint64(&cm.consumed)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}

// IsExhausted returns true if compute units are exhausted.
func (cm *ComputeMeter) IsExhausted() bool {
	return atomic.LoadUint64(&cm.remaining) == 0
}

// ComputeBudgetLimits contains the compute budget of a transaction.
type ComputeBudgetLimits struct {
	// ComputeUnitLimit is the maximum compute units for the transaction.
	ComputeUnitLimit uint64

	// HeapSize is the sandbox heap size in bytes.
	HeapSize uint32
}

// DefaultComputeBudgetLimits returns the default compute budget limits.
func DefaultComputeBudgetLimits() *ComputeBudgetLimits {
	return &ComputeBudgetLimits{
		ComputeUnitLimit: CUDefault,
		HeapSize:         HeapSizeDefault,
	}
}

// Validate checks the limits against the runtime maximums.
func (l *ComputeBudgetLimits) Validate() error {
	if l.ComputeUnitLimit == 0 || l.ComputeUnitLimit > CUMax {
		return ErrComputeInvalidLimit
	}
	if l.HeapSize < HeapSizeDefault || l.HeapSize > HeapSizeMax || l.HeapSize%1024 != 0 {
		return ErrComputeInvalidLimit
	}
	return nil
}
