// Package executor runs transactions against registered programs.
//
// For every instruction the executor lays the referenced accounts out in
// the runtime's input format, maps that buffer at layout.InputRegionBase
// next to a fresh sandbox heap, and hands the program an InvokeContext.
// When the program returns, writable account data is copied back out of
// the buffer. A transaction commits to the accounts DB only if every one of
// its instructions succeeded; otherwise the working set is dropped.
package executor

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/accounts"
	"github.com/fortiblox/stratus-heap/pkg/layout"
	"github.com/fortiblox/stratus-heap/pkg/ledger"
	"github.com/fortiblox/stratus-heap/pkg/svm"
	"github.com/fortiblox/stratus-heap/pkg/svm/memory"
)

// Executor errors.
var (
	ErrEmptyTransaction    = errors.New("transaction has no instructions")
	ErrInvalidAccountData  = errors.New("invalid account data")
	ErrInstructionTooLarge = errors.New("instruction data too large")
	ErrTooManyAccounts     = errors.New("too many instruction accounts")
)

// Maximum sizes.
const (
	MaxInstructionDataSize = 10 * 1024        // 10 KB max instruction data
	MaxAccountDataSize     = 10 * 1024 * 1024 // 10 MB max account data

	// MaxInstructionAccounts bounds the accounts of one instruction so a
	// duplicate index fits its byte without reaching the non-duplicate
	// marker.
	MaxInstructionAccounts = nonDupMarker
)

// Journal records executed transactions.
type Journal interface {
	Append(rec *ledger.Record) (uint64, error)
}

// AccountMeta references an account from an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is one program invocation.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is an ordered list of instructions that commit together.
type Transaction struct {
	Instructions []Instruction
}

// TransactionResult contains the result of a transaction.
type TransactionResult struct {
	// Seq is the ledger sequence number, zero without a journal.
	Seq uint64

	// Success indicates if every instruction succeeded.
	Success bool

	// Err is the failure of the first failed instruction.
	Err error `json:"-"`

	// Error contains the error message if execution failed.
	Error string `json:",omitempty"`

	// FailedInstruction is the index of the failed instruction, or -1.
	FailedInstruction int

	// Logs contains runtime and program log lines of all instructions.
	Logs []string

	// ComputeUnitsConsumed is the compute units consumed.
	ComputeUnitsConsumed uint64

	// ModifiedAccounts lists committed accounts with their new hashes.
	ModifiedAccounts []ledger.AccountHash
}

// Executor executes transactions.
type Executor struct {
	db       accounts.DB
	journal  Journal
	programs map[types.Pubkey]Program
	limits   svm.ComputeBudgetLimits
	log      *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithJournal records every executed transaction in j.
func WithJournal(j Journal) Option {
	return func(e *Executor) {
		e.journal = j
	}
}

// WithLogger sets the host logger. Program logs are mirrored to it at
// debug level.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		e.log = l
	}
}

// WithComputeBudget overrides the per-transaction compute budget.
func WithComputeBudget(limits svm.ComputeBudgetLimits) Option {
	return func(e *Executor) {
		e.limits = limits
	}
}

// New creates an executor over db.
func New(db accounts.DB, opts ...Option) *Executor {
	e := &Executor{
		db:       db,
		programs: make(map[types.Pubkey]Program),
		limits:   *svm.DefaultComputeBudgetLimits(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register makes p invocable under id.
func (e *Executor) Register(id types.Pubkey, p Program) {
	e.programs[id] = p
}

// ExecuteInstruction executes a transaction holding only ix.
func (e *Executor) ExecuteInstruction(ix Instruction) (*TransactionResult, error) {
	return e.ExecuteTransaction(&Transaction{Instructions: []Instruction{ix}})
}

// ExecuteTransaction runs every instruction of tx in order. Program
// failures are reported in the result; the returned error is reserved for
// malformed transactions and storage failures.
func (e *Executor) ExecuteTransaction(tx *Transaction) (*TransactionResult, error) {
	if len(tx.Instructions) == 0 {
		return nil, ErrEmptyTransaction
	}
	for _, ix := range tx.Instructions {
		if len(ix.Data) > MaxInstructionDataSize {
			return nil, ErrInstructionTooLarge
		}
		if len(ix.Accounts) > MaxInstructionAccounts {
			return nil, fmt.Errorf("%w: %d, max %d", ErrTooManyAccounts, len(ix.Accounts), MaxInstructionAccounts)
		}
	}
	if err := e.limits.Validate(); err != nil {
		return nil, err
	}

	ws := newWorkingSet(e.db)
	meter := svm.NewComputeMeter(e.limits.ComputeUnitLimit)
	result := &TransactionResult{FailedInstruction: -1}

	for i, ix := range tx.Instructions {
		logs, err := e.executeInstruction(ws, meter, ix)
		result.Logs = append(result.Logs, logs...)
		if err != nil {
			result.Err = err
			result.Error = err.Error()
			result.FailedInstruction = i
			break
		}
	}
	result.ComputeUnitsConsumed = meter.Consumed()
	result.Success = result.Err == nil

	if result.Success {
		entries := ws.modified()
		if err := e.db.SetAccounts(entries); err != nil {
			return nil, fmt.Errorf("commit accounts: %w", err)
		}
		for _, entry := range entries {
			result.ModifiedAccounts = append(result.ModifiedAccounts, ledger.AccountHash{
				Pubkey: entry.Pubkey,
				Hash:   accounts.ComputeAccountHash(entry.Pubkey, entry.Account),
			})
		}
	}

	e.log.Info("transaction executed",
		zap.Bool("success", result.Success),
		zap.Int("instructions", len(tx.Instructions)),
		zap.Uint64("compute_units", result.ComputeUnitsConsumed),
		zap.Int("modified_accounts", len(result.ModifiedAccounts)),
		zap.Error(result.Err),
	)

	if e.journal != nil {
		seq, err := e.journal.Append(newRecord(tx, result))
		if err != nil {
			return nil, fmt.Errorf("record transaction: %w", err)
		}
		result.Seq = seq
	}

	return result, nil
}

// executeInstruction runs one invocation and returns its log lines.
func (e *Executor) executeInstruction(ws *workingSet, meter *svm.ComputeMeter, ix Instruction) ([]string, error) {
	program, ok := e.programs[ix.ProgramID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", svm.ErrProgramNotFound, ix.ProgramID)
	}

	infos, err := ws.accountInfos(ix.Accounts)
	if err != nil {
		return nil, err
	}

	input, placed, err := serializeInput(ix.ProgramID, infos, ix.Data)
	if err != nil {
		return nil, err
	}

	sandboxHeap := layout.Region{Base: layout.SandboxHeapStart, Length: uint64(e.limits.HeapSize), Align: layout.ControlBlockAlign}
	mapping, err := memory.NewMapping(
		&memory.Region{Name: "input", Vaddr: layout.InputRegionBase, Data: input, Writable: true},
		&memory.Region{Name: "heap", Vaddr: sandboxHeap.Base, Data: make([]byte, sandboxHeap.Length), Writable: true},
	)
	if err != nil {
		return nil, err
	}

	ctx := newInvokeContext(ix.ProgramID, mapping, meter, sandboxHeap, e.log.Named("program"))
	ctx.record(fmt.Sprintf("Program %s invoke [1]", ix.ProgramID))

	before := meter.Consumed()
	err = meter.Consume(svm.CUInvokeBase)
	if err == nil {
		err = runProgram(program, ctx, accountViews(infos, placed), ix.Data)
	}
	ctx.record(fmt.Sprintf("Program %s consumed %d of %d compute units",
		ix.ProgramID, meter.Consumed()-before, meter.Limit()))

	if err == nil {
		var modified []types.Pubkey
		modified, err = deserializeOutput(input, infos, placed)
		if err == nil {
			ws.apply(infos, modified)
		}
	}

	if err != nil {
		ctx.record(fmt.Sprintf("Program %s failed: %v", ix.ProgramID, err))
		return ctx.logs, err
	}
	ctx.record(fmt.Sprintf("Program %s success", ix.ProgramID))
	return ctx.logs, nil
}

// runProgram invokes p, turning a panic into an error.
func runProgram(p Program, ctx *InvokeContext, views []*AccountView, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", svm.ErrProgramPanicked, r)
		}
	}()
	return p.Process(ctx, views, data)
}

func newRecord(tx *Transaction, result *TransactionResult) *ledger.Record {
	rec := &ledger.Record{
		UnixNano:     time.Now().UnixNano(),
		Success:      result.Success,
		Error:        result.Error,
		Logs:         result.Logs,
		ComputeUnits: result.ComputeUnitsConsumed,
		Accounts:     result.ModifiedAccounts,
	}
	for _, ix := range tx.Instructions {
		keys := make([]types.Pubkey, len(ix.Accounts))
		for i, meta := range ix.Accounts {
			keys[i] = meta.Pubkey
		}
		rec.Instructions = append(rec.Instructions, ledger.InstructionRecord{
			ProgramID: ix.ProgramID,
			Accounts:  keys,
			Data:      ix.Data,
		})
	}
	return rec
}

// workingSet holds the accounts a transaction has loaded. Changes live here
// until the transaction commits.
type workingSet struct {
	db       accounts.DB
	accounts map[types.Pubkey]*accounts.Account
	dirty    map[types.Pubkey]bool
	order    []types.Pubkey
}

func newWorkingSet(db accounts.DB) *workingSet {
	return &workingSet{
		db:       db,
		accounts: make(map[types.Pubkey]*accounts.Account),
		dirty:    make(map[types.Pubkey]bool),
	}
}

func (ws *workingSet) load(key types.Pubkey) (*accounts.Account, error) {
	if acc, ok := ws.accounts[key]; ok {
		return acc, nil
	}
	acc, err := ws.db.GetAccount(key)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s", svm.ErrAccountNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	ws.accounts[key] = acc
	return acc, nil
}

// accountInfos builds the instruction's account list. A key listed more
// than once is writable or signer if any of its metas says so.
func (ws *workingSet) accountInfos(metas []AccountMeta) ([]*AccountInfo, error) {
	signer := make(map[types.Pubkey]bool)
	writable := make(map[types.Pubkey]bool)
	for _, m := range metas {
		signer[m.Pubkey] = signer[m.Pubkey] || m.IsSigner
		writable[m.Pubkey] = writable[m.Pubkey] || m.IsWritable
	}

	infos := make([]*AccountInfo, len(metas))
	for i, m := range metas {
		acc, err := ws.load(m.Pubkey)
		if err != nil {
			return nil, err
		}
		infos[i] = &AccountInfo{
			Key:        m.Pubkey,
			Owner:      acc.Owner,
			Lamports:   acc.Lamports,
			Data:       acc.Data,
			Executable: acc.Executable,
			RentEpoch:  acc.RentEpoch,
			IsSigner:   signer[m.Pubkey],
			IsWritable: writable[m.Pubkey],
		}
	}
	return infos, nil
}

// apply records the lamports of modified accounts. Their data was copied in
// place through the shared slices.
func (ws *workingSet) apply(infos []*AccountInfo, modified []types.Pubkey) {
	for _, key := range modified {
		for _, info := range infos {
			if info.Key == key {
				ws.accounts[key].Lamports = info.Lamports
				break
			}
		}
		if !ws.dirty[key] {
			ws.dirty[key] = true
			ws.order = append(ws.order, key)
		}
	}
}

// modified returns the changed accounts in the order they first changed.
func (ws *workingSet) modified() []accounts.AccountEntry {
	entries := make([]accounts.AccountEntry, 0, len(ws.order))
	for _, key := range ws.order {
		entries = append(entries, accounts.AccountEntry{Pubkey: key, Account: ws.accounts[key]})
	}
	return entries
}
