// Package svm holds the pieces of the sandbox host shared by the executor
// and the programs it runs: the compute meter, its cost table and the
// errors an invocation can fail with.
//
// The host is deliberately small. Programs are Go values registered under
// a program id; each invocation sees the serialized accounts mapped at the
// fixed input address and a fresh sandbox heap, exactly where a real
// runtime would put them.
package svm

import (
	"errors"
)

var (
	// ErrComputeExceeded is returned when compute units are exhausted.
	ErrComputeExceeded = errors.New("compute budget exceeded")

	// ErrAccountNotFound is returned when a required account is missing.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidInstruction is returned for malformed instructions.
	ErrInvalidInstruction = errors.New("invalid instruction")

	// ErrProgramNotFound is returned when no program is registered under an id.
	ErrProgramNotFound = errors.New("program not found")

	// ErrProgramPanicked is returned when a program panics during an invocation.
	ErrProgramPanicked = errors.New("program panicked")

	// ErrReadonlyDataModified is returned when a program writes to an
	// account not marked writable.
	ErrReadonlyDataModified = errors.New("instruction modified data of a read-only account")
)
