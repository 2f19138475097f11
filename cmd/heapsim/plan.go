package main

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/fortiblox/stratus-heap/pkg/svm/executor"
)

var (
	ErrInvalidPlan       = errors.New("invalid plan")
	ErrInvalidStep       = errors.New("invalid step")
	ErrRequirementFailed = errors.New("requirement failed")
)

// Plan is a simulation plan: an ordered list of transactions.
type Plan struct {
	// The name of the plan.
	Name string `yaml:"name"`
	// A description of the plan.
	Description string `yaml:"description"`
	// Account is the execution-context account used by steps that do not
	// list their own accounts. It is created on first use.
	Account string `yaml:"account"`
	// Steps to perform during simulation.
	Steps []Step `yaml:"steps"`
}

// Step is one transaction.
type Step struct {
	// Description of the step.
	Description string `yaml:"description"`
	// Instructions executed atomically by this step.
	Instructions []PlanInstruction `yaml:"instructions"`
	// Define required assertions against this step.
	Require *Require `yaml:"require,omitempty"`
}

// PlanInstruction is one instruction of a step.
type PlanInstruction struct {
	// Program is a program name or a base58 program id.
	Program string `yaml:"program"`
	// Accounts are account names or base58 keys, all writable. Empty means
	// the plan's account.
	Accounts []string `yaml:"accounts"`
	// Data is the instruction data, one value per byte.
	Data []int `yaml:"data"`
}

// Require holds assertions checked after a step executes.
type Require struct {
	Success *bool `yaml:"success,omitempty"`
	// ErrorContains must be a substring of the step's error.
	ErrorContains string `yaml:"error_contains,omitempty"`
	// Logs must each appear among the step's program logs.
	Logs []string `yaml:"logs,omitempty"`
}

func unmarshalPlan(b []byte) (*Plan, error) {
	var p Plan
	if err := yaml.UnmarshalStrict(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return &p, nil
}

// Verify checks the plan for steps that cannot be turned into
// transactions.
func (p *Plan) Verify() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps found", ErrInvalidPlan)
	}
	for i, step := range p.Steps {
		if len(step.Instructions) == 0 {
			return fmt.Errorf("%w %d: no instructions", ErrInvalidStep, i)
		}
		for j, ix := range step.Instructions {
			if ix.Program == "" {
				return fmt.Errorf("%w %d: instruction %d has no program", ErrInvalidStep, i, j)
			}
			if len(ix.Accounts) == 0 && p.Account == "" {
				return fmt.Errorf("%w %d: instruction %d has no accounts and the plan names none", ErrInvalidStep, i, j)
			}
			if len(ix.Data) > executor.MaxInstructionDataSize {
				return fmt.Errorf("%w %d: instruction %d data too large", ErrInvalidStep, i, j)
			}
			for _, v := range ix.Data {
				if v < 0 || v > 255 {
					return fmt.Errorf("%w %d: instruction %d data value %d is not a byte", ErrInvalidStep, i, j, v)
				}
			}
		}
	}
	return nil
}

// transaction builds the step's transaction.
func (p *Plan) transaction(step *Step) *executor.Transaction {
	tx := &executor.Transaction{}
	for _, ix := range step.Instructions {
		names := ix.Accounts
		if len(names) == 0 {
			names = []string{p.Account}
		}
		metas := make([]executor.AccountMeta, len(names))
		for i, name := range names {
			metas[i] = executor.AccountMeta{Pubkey: resolveKey(name), IsWritable: true}
		}
		data := make([]byte, len(ix.Data))
		for i, v := range ix.Data {
			data[i] = byte(v)
		}
		tx.Instructions = append(tx.Instructions, executor.Instruction{
			ProgramID: resolveKey(ix.Program),
			Accounts:  metas,
			Data:      data,
		})
	}
	return tx
}

// check applies the step's assertions to result.
func (r *Require) check(result *executor.TransactionResult) error {
	if r == nil {
		return nil
	}
	if r.Success != nil && *r.Success != result.Success {
		return fmt.Errorf("%w: success is %t (%s)", ErrRequirementFailed, result.Success, result.Error)
	}
	if r.ErrorContains != "" && !strings.Contains(result.Error, r.ErrorContains) {
		return fmt.Errorf("%w: error %q does not contain %q", ErrRequirementFailed, result.Error, r.ErrorContains)
	}
	for _, want := range r.Logs {
		if !containsLog(result.Logs, want) {
			return fmt.Errorf("%w: missing log %q", ErrRequirementFailed, want)
		}
	}
	return nil
}

func containsLog(logs []string, want string) bool {
	for _, line := range logs {
		if line == want || line == "Program log: "+want {
			return true
		}
	}
	return false
}
