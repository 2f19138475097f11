package executor

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/accounts"
	"github.com/fortiblox/stratus-heap/pkg/layout"
	"github.com/fortiblox/stratus-heap/pkg/ledger"
	"github.com/fortiblox/stratus-heap/pkg/svm"
)

var (
	testProgram = types.DeriveKey("executor-test-program")
	testAccount = types.DeriveKey("executor-test-account")
	testOther   = types.DeriveKey("executor-test-other")
)

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, *accounts.MemoryDB) {
	t.Helper()

	db := accounts.NewMemoryDB()
	require.NoError(t, db.SetAccount(testAccount, &accounts.Account{
		Lamports: 1_000_000,
		Data:     make([]byte, 64),
		Owner:    testProgram,
	}))
	require.NoError(t, db.SetAccount(testOther, &accounts.Account{
		Lamports: 5,
		Data:     []byte{1, 2, 3},
		Owner:    types.SystemProgramAddr,
	}))

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(db, opts...), db
}

func writable(key types.Pubkey) AccountMeta {
	return AccountMeta{Pubkey: key, IsWritable: true}
}

func readonly(key types.Pubkey) AccountMeta {
	return AccountMeta{Pubkey: key}
}

func TestSerializeInputLayout(t *testing.T) {
	infos := []*AccountInfo{
		{Key: testAccount, Owner: testProgram, Lamports: 7, Data: []byte{1, 2, 3}, IsWritable: true, RentEpoch: 9},
		{Key: testOther, Owner: testProgram, Lamports: 8, Data: []byte{4}},
		{Key: testAccount, Owner: testProgram, Lamports: 7, Data: []byte{1, 2, 3}, IsWritable: true, RentEpoch: 9},
	}
	data := []byte{0xaa, 0xbb}

	buf, placed, err := serializeInput(testProgram, infos, data)
	require.NoError(t, err)

	require.Equal(t, uint64(3), binary.LittleEndian.Uint64(buf))
	require.Equal(t, layout.AccountDataOffset, placed[0].dataAt)
	require.Equal(t, layout.FirstAccountDataAddress, layout.InputRegionBase+uint64(placed[0].dataAt))

	// First account header.
	require.Equal(t, byte(nonDupMarker), buf[8])
	require.Equal(t, byte(0), buf[9])
	require.Equal(t, byte(1), buf[10])
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[12:]))
	require.Equal(t, testAccount[:], buf[16:48])
	require.Equal(t, testProgram[:], buf[48:80])
	require.Equal(t, uint64(7), binary.LittleEndian.Uint64(buf[80:]))
	require.Equal(t, uint64(3), binary.LittleEndian.Uint64(buf[88:]))
	require.Equal(t, []byte{1, 2, 3}, buf[96:99])
	require.Equal(t, uint64(9), binary.LittleEndian.Uint64(buf[104:]))

	// The duplicate is a back reference to index 0 and shares its data.
	third := 112 + layout.AccountHeaderSize + 1 + padding(1) + 8
	require.Equal(t, byte(0), buf[third])
	require.Equal(t, -1, placed[1].dupOf)
	require.Equal(t, 0, placed[2].dupOf)
	require.Equal(t, placed[0].dataAt, placed[2].dataAt)

	// Instruction data and program id close the buffer.
	tail := third + 8
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(buf[tail:]))
	require.Equal(t, data, buf[tail+8:tail+10])
	require.Equal(t, testProgram[:], buf[tail+10:])
	require.Len(t, buf, tail+10+32)

	views := accountViews(infos, placed)
	require.Equal(t, layout.FirstAccountDataAddress, views[0].DataAddr)
	require.Equal(t, views[0].DataAddr, views[2].DataAddr)
	require.Equal(t, uint64(1), views[1].DataLen)
}

func TestSerializeInputRejectsOversizedAccount(t *testing.T) {
	infos := []*AccountInfo{{Key: testAccount, Data: make([]byte, MaxAccountDataSize+1)}}
	_, _, err := serializeInput(testProgram, infos, nil)
	require.ErrorIs(t, err, ErrInvalidAccountData)
}

func TestExecuteCommitsWritableData(t *testing.T) {
	e, db := newTestExecutor(t)
	e.Register(testProgram, ProgramFunc(func(ctx *InvokeContext, accs []*AccountView, data []byte) error {
		require.Equal(t, layout.FirstAccountDataAddress, accs[0].DataAddr)
		if err := ctx.Memory().Write(accs[0].DataAddr+4, data); err != nil {
			return err
		}
		return ctx.Log("wrote instruction data")
	}))

	result, err := e.ExecuteInstruction(Instruction{
		ProgramID: testProgram,
		Accounts:  []AccountMeta{writable(testAccount), readonly(testOther)},
		Data:      []byte{9, 8, 7},
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	require.Equal(t, -1, result.FailedInstruction)
	require.Contains(t, result.Logs, "Program log: wrote instruction data")
	require.True(t, strings.HasSuffix(result.Logs[len(result.Logs)-1], " success"))
	require.Greater(t, result.ComputeUnitsConsumed, svm.CUInvokeBase)

	acc, err := db.GetAccount(testAccount)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 8, 7}, acc.Data[4:7])

	require.Len(t, result.ModifiedAccounts, 1)
	require.Equal(t, testAccount, result.ModifiedAccounts[0].Pubkey)
	require.Equal(t, accounts.ComputeAccountHash(testAccount, acc), result.ModifiedAccounts[0].Hash)
}

func TestExecuteRejectsReadonlyModification(t *testing.T) {
	e, db := newTestExecutor(t)
	e.Register(testProgram, ProgramFunc(func(ctx *InvokeContext, accs []*AccountView, _ []byte) error {
		return ctx.Memory().Write(accs[1].DataAddr, []byte{0xff})
	}))

	result, err := e.ExecuteInstruction(Instruction{
		ProgramID: testProgram,
		Accounts:  []AccountMeta{writable(testAccount), readonly(testOther)},
		Data:      []byte{0},
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, svm.ErrReadonlyDataModified)

	acc, err := db.GetAccount(testOther)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, acc.Data)
}

func TestExecuteDuplicateAccountIsWritable(t *testing.T) {
	e, db := newTestExecutor(t)
	e.Register(testProgram, ProgramFunc(func(ctx *InvokeContext, accs []*AccountView, _ []byte) error {
		// Write through the read-only listing; the writable listing of the
		// same key makes the account writable.
		return ctx.Memory().Write(accs[0].DataAddr, []byte{42})
	}))

	result, err := e.ExecuteInstruction(Instruction{
		ProgramID: testProgram,
		Accounts:  []AccountMeta{readonly(testAccount), writable(testAccount)},
		Data:      []byte{0},
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	acc, err := db.GetAccount(testAccount)
	require.NoError(t, err)
	require.Equal(t, byte(42), acc.Data[0])
}

func TestExecuteRollsBackFailedTransaction(t *testing.T) {
	e, db := newTestExecutor(t)
	errBoom := errors.New("boom")
	e.Register(testProgram, ProgramFunc(func(ctx *InvokeContext, accs []*AccountView, data []byte) error {
		if data[0] == 1 {
			return errBoom
		}
		return ctx.Memory().Write(accs[0].DataAddr, []byte{0xee})
	}))

	tx := &Transaction{Instructions: []Instruction{
		{ProgramID: testProgram, Accounts: []AccountMeta{writable(testAccount)}, Data: []byte{0}},
		{ProgramID: testProgram, Accounts: []AccountMeta{writable(testAccount)}, Data: []byte{1}},
	}}
	result, err := e.ExecuteTransaction(tx)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, errBoom)
	require.Equal(t, 1, result.FailedInstruction)
	require.Empty(t, result.ModifiedAccounts)
	require.Contains(t, result.Logs[len(result.Logs)-1], "failed: boom")

	acc, err := db.GetAccount(testAccount)
	require.NoError(t, err)
	require.Equal(t, byte(0), acc.Data[0])
}

func TestExecuteSeesEarlierInstructions(t *testing.T) {
	e, db := newTestExecutor(t)
	e.Register(testProgram, ProgramFunc(func(ctx *InvokeContext, accs []*AccountView, _ []byte) error {
		cur := make([]byte, 1)
		if err := ctx.Memory().Read(accs[0].DataAddr, cur); err != nil {
			return err
		}
		return ctx.Memory().Write(accs[0].DataAddr, []byte{cur[0] + 1})
	}))

	ix := Instruction{ProgramID: testProgram, Accounts: []AccountMeta{writable(testAccount)}, Data: []byte{0}}
	result, err := e.ExecuteTransaction(&Transaction{Instructions: []Instruction{ix, ix, ix}})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	acc, err := db.GetAccount(testAccount)
	require.NoError(t, err)
	require.Equal(t, byte(3), acc.Data[0])
}

func TestExecuteRecoversPanic(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Register(testProgram, ProgramFunc(func(*InvokeContext, []*AccountView, []byte) error {
		panic("index out of range")
	}))

	result, err := e.ExecuteInstruction(Instruction{ProgramID: testProgram, Accounts: []AccountMeta{writable(testAccount)}})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, svm.ErrProgramPanicked)
}

func TestExecuteComputeExhaustion(t *testing.T) {
	e, db := newTestExecutor(t, WithComputeBudget(svm.ComputeBudgetLimits{
		ComputeUnitLimit: svm.CUInvokeBase + 150,
		HeapSize:         svm.HeapSizeDefault,
	}))
	e.Register(testProgram, ProgramFunc(func(ctx *InvokeContext, accs []*AccountView, _ []byte) error {
		if err := ctx.Memory().Write(accs[0].DataAddr, []byte{1}); err != nil {
			return err
		}
		return ctx.Log(strings.Repeat("x", 100))
	}))

	result, err := e.ExecuteInstruction(Instruction{ProgramID: testProgram, Accounts: []AccountMeta{writable(testAccount)}})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, svm.ErrComputeExceeded)
	require.Equal(t, svm.CUInvokeBase+150, result.ComputeUnitsConsumed)

	acc, err := db.GetAccount(testAccount)
	require.NoError(t, err)
	require.Equal(t, byte(0), acc.Data[0])
}

func TestExecuteMeteredMemoryOps(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Register(testProgram, ProgramFunc(func(ctx *InvokeContext, accs []*AccountView, _ []byte) error {
		return ctx.Memory().Memset(accs[0].DataAddr, 0x11, 32)
	}))

	result, err := e.ExecuteInstruction(Instruction{ProgramID: testProgram, Accounts: []AccountMeta{writable(testAccount)}})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	require.Equal(t, svm.CUInvokeBase+svm.MemoryOpCost(32), result.ComputeUnitsConsumed)
}

func TestExecuteSandboxHeapIsFresh(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Register(testProgram, ProgramFunc(func(ctx *InvokeContext, _ []*AccountView, _ []byte) error {
		region := ctx.SandboxHeap()
		require.Equal(t, layout.SandboxHeapStart, region.Base)
		require.Equal(t, uint64(svm.HeapSizeDefault), region.Length)

		prev, err := ctx.Memory().Read64(region.Base)
		if err != nil {
			return err
		}
		if prev != 0 {
			return errors.New("sandbox heap not zeroed")
		}
		return ctx.Memory().Write64(region.Base, 0xdead)
	}))

	for i := 0; i < 2; i++ {
		result, err := e.ExecuteInstruction(Instruction{ProgramID: testProgram, Accounts: []AccountMeta{writable(testAccount)}})
		require.NoError(t, err)
		require.True(t, result.Success, result.Error)
	}
}

func TestExecuteValidation(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Register(testProgram, ProgramFunc(func(*InvokeContext, []*AccountView, []byte) error { return nil }))

	_, err := e.ExecuteTransaction(&Transaction{})
	require.ErrorIs(t, err, ErrEmptyTransaction)

	_, err = e.ExecuteInstruction(Instruction{ProgramID: testProgram, Data: make([]byte, MaxInstructionDataSize+1)})
	require.ErrorIs(t, err, ErrInstructionTooLarge)

	result, err := e.ExecuteInstruction(Instruction{ProgramID: types.DeriveKey("missing-program")})
	require.NoError(t, err)
	require.ErrorIs(t, result.Err, svm.ErrProgramNotFound)

	result, err = e.ExecuteInstruction(Instruction{
		ProgramID: testProgram,
		Accounts:  []AccountMeta{writable(types.DeriveKey("missing-account"))},
	})
	require.NoError(t, err)
	require.ErrorIs(t, result.Err, svm.ErrAccountNotFound)

	bad, _ := newTestExecutor(t, WithComputeBudget(svm.ComputeBudgetLimits{ComputeUnitLimit: 0, HeapSize: svm.HeapSizeDefault}))
	_, err = bad.ExecuteInstruction(Instruction{ProgramID: testProgram})
	require.ErrorIs(t, err, svm.ErrComputeInvalidLimit)
}

func TestExecuteAccountLimit(t *testing.T) {
	e, _ := newTestExecutor(t)
	var seen int
	e.Register(testProgram, ProgramFunc(func(_ *InvokeContext, accounts []*AccountView, _ []byte) error {
		seen = len(accounts)
		return nil
	}))

	metas := make([]AccountMeta, MaxInstructionAccounts+1)
	for i := range metas {
		metas[i] = readonly(testAccount)
	}

	_, err := e.ExecuteInstruction(Instruction{ProgramID: testProgram, Accounts: metas})
	require.ErrorIs(t, err, ErrTooManyAccounts)
	require.Zero(t, seen)

	result, err := e.ExecuteInstruction(Instruction{ProgramID: testProgram, Accounts: metas[:MaxInstructionAccounts]})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	require.Equal(t, MaxInstructionAccounts, seen)
}

func TestExecuteRecordsLedger(t *testing.T) {
	l, err := ledger.Open(ledger.DefaultConfig(filepath.Join(t.TempDir(), "ledger.db")))
	require.NoError(t, err)
	defer l.Close()

	e, _ := newTestExecutor(t, WithJournal(l))
	e.Register(testProgram, ProgramFunc(func(ctx *InvokeContext, accs []*AccountView, data []byte) error {
		if data[0] == 1 {
			return errors.New("rejected")
		}
		return ctx.Memory().Write(accs[0].DataAddr, data)
	}))

	ok, err := e.ExecuteInstruction(Instruction{ProgramID: testProgram, Accounts: []AccountMeta{writable(testAccount)}, Data: []byte{5}})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ok.Seq)

	failed, err := e.ExecuteInstruction(Instruction{ProgramID: testProgram, Accounts: []AccountMeta{writable(testAccount)}, Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, uint64(2), failed.Seq)

	rec, err := l.Get(1)
	require.NoError(t, err)
	require.True(t, rec.Success)
	require.Equal(t, ok.Logs, rec.Logs)
	require.Equal(t, ok.ComputeUnitsConsumed, rec.ComputeUnits)
	require.Equal(t, ok.ModifiedAccounts, rec.Accounts)
	require.Equal(t, testProgram, rec.Instructions[0].ProgramID)
	require.Equal(t, []types.Pubkey{testAccount}, rec.Instructions[0].Accounts)

	rec, err = l.Get(2)
	require.NoError(t, err)
	require.False(t, rec.Success)
	require.Equal(t, failed.Error, rec.Error)

	seqs, err := l.ForAccount(testAccount)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, seqs)
}
