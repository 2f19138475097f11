package accounts

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fortiblox/stratus-heap/internal/types"
)

func testAccount(data []byte) *Account {
	return &Account{
		Lamports:  1_000_000_000,
		Data:      data,
		Owner:     types.DeriveKey("owner"),
		RentEpoch: 100,
	}
}

func TestAccountSerialization(t *testing.T) {
	account := testAccount([]byte("test data"))
	account.Executable = true

	restored, err := DeserializeAccount(account.Serialize())
	require.NoError(t, err)
	require.Equal(t, account, restored)

	_, err = DeserializeAccount(account.Serialize()[:40])
	require.ErrorIs(t, err, ErrInvalidData)

	_, err = DeserializeAccount(append(account.Serialize(), 0))
	require.ErrorIs(t, err, ErrInvalidData)
}

// exerciseDB runs the behaviour every DB implementation shares.
func exerciseDB(t *testing.T, db DB) {
	t.Helper()

	a := types.DeriveKey("a")
	b := types.DeriveKey("b")
	c := types.DeriveKey("c")

	_, err := db.GetAccount(a)
	require.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, db.SetAccount(a, testAccount([]byte("alpha"))))
	got, err := db.GetAccount(a)
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), got.Data)

	// Returned accounts are copies.
	got.Data[0] = 'X'
	again, err := db.GetAccount(a)
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), again.Data)

	require.NoError(t, db.SetAccounts([]AccountEntry{
		{Pubkey: b, Account: testAccount([]byte("beta"))},
		{Pubkey: c, Account: testAccount(nil)},
		{Pubkey: a, Account: &Account{}},
	}))

	has, err := db.HasAccount(a)
	require.NoError(t, err)
	require.False(t, has, "zero account should be deleted")

	count, err := db.AccountsCount()
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	var seen []types.Pubkey
	require.NoError(t, db.IterateAccounts(func(pubkey types.Pubkey, _ *Account) error {
		seen = append(seen, pubkey)
		return nil
	}))
	want := []types.Pubkey{b, c}
	SortPubkeys(want)
	require.Equal(t, want, seen)

	require.NoError(t, db.DeleteAccount(b))
	require.NoError(t, db.DeleteAccount(b))
	count, err = db.AccountsCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	err = db.SetAccount(a, testAccount(make([]byte, MaxAccountDataSize+1)))
	require.ErrorIs(t, err, ErrInvalidData)
}

func TestMemoryDB(t *testing.T) {
	db := NewMemoryDB()
	exerciseDB(t, db)

	require.NoError(t, db.Close())
	_, err := db.GetAccount(types.DeriveKey("a"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestBadgerDBInMemory(t *testing.T) {
	cfg := DefaultBadgerDBConfig("")
	cfg.InMemory = true
	cfg.SyncWrites = false
	cfg.Logger = zaptest.NewLogger(t)

	db, err := NewBadgerDB(cfg)
	require.NoError(t, err)
	exerciseDB(t, db)

	require.NoError(t, db.Close())
	require.ErrorIs(t, db.Close(), ErrClosed)
}

func TestBadgerDBPersistsLargeAccount(t *testing.T) {
	dir := t.TempDir()
	key := types.DeriveKey("context")

	data := make([]byte, MaxAccountDataSize)
	copy(data[0x40:], "heap contents")

	db, err := NewBadgerDB(DefaultBadgerDBConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db.SetAccount(key, testAccount(data)))
	require.NoError(t, db.RunGC())
	require.NoError(t, db.Close())

	db, err = NewBadgerDB(DefaultBadgerDBConfig(dir))
	require.NoError(t, err)
	defer db.Close()

	got, err := db.GetAccount(key)
	require.NoError(t, err)
	require.Len(t, got.Data, MaxAccountDataSize)
	require.True(t, bytes.Equal(data, got.Data))
}

func TestAccountHash(t *testing.T) {
	key := types.DeriveKey("a")
	acc := testAccount([]byte{1, 2, 3})

	h1 := ComputeAccountHash(key, acc)
	require.Equal(t, h1, ComputeAccountHash(key, acc.Clone()))

	acc.Data[0] = 9
	require.NotEqual(t, h1, ComputeAccountHash(key, acc))
	require.NotEqual(t, h1, ComputeAccountHash(types.DeriveKey("b"), testAccount([]byte{1, 2, 3})))
}

func TestMerkleRoot(t *testing.T) {
	require.True(t, ComputeMerkleRoot(nil).IsZero())

	leaves := []types.Hash{{1}, {2}, {3}}
	root := ComputeMerkleRoot(leaves)
	require.False(t, root.IsZero())
	require.Equal(t, root, ComputeMerkleRoot([]types.Hash{{1}, {2}, {3}}))
	require.NotEqual(t, root, ComputeMerkleRoot([]types.Hash{{1}, {3}, {2}}))
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := NewMemoryDB()
	for _, name := range []string{"a", "b", "c"} {
		data := make([]byte, 64*1024)
		copy(data, name)
		require.NoError(t, src.SetAccount(types.DeriveKey(name), testAccount(data)))
	}

	var buf bytes.Buffer
	header, err := WriteSnapshot(&buf, src)
	require.NoError(t, err)
	require.Equal(t, uint64(3), header.AccountsCount)
	require.Less(t, buf.Len(), 3*64*1024/4, "zeroed data should compress")

	dst := NewMemoryDB()
	loaded, err := ReadSnapshot(bytes.NewReader(buf.Bytes()), dst)
	require.NoError(t, err)
	require.Equal(t, header, loaded)

	want, err := ComputeAccountsHash(src)
	require.NoError(t, err)
	got, err := ComputeAccountsHash(dst)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSnapshotRejectsTampering(t *testing.T) {
	src := NewMemoryDB()
	require.NoError(t, src.SetAccount(types.DeriveKey("a"), testAccount([]byte("data"))))

	var buf bytes.Buffer
	_, err := WriteSnapshot(&buf, src)
	require.NoError(t, err)

	raw := buf.Bytes()

	badMagic := append([]byte{}, raw...)
	badMagic[0] = 'X'
	_, err = ReadSnapshot(bytes.NewReader(badMagic), NewMemoryDB())
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	// Flip a bit of the recorded accounts hash.
	badHash := append([]byte{}, raw...)
	badHash[4+4+8] ^= 0xff
	dst := NewMemoryDB()
	_, err = ReadSnapshot(bytes.NewReader(badHash), dst)
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	count, err := dst.AccountsCount()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSnapshotHugeAccountsCount(t *testing.T) {
	src := NewMemoryDB()
	require.NoError(t, src.SetAccount(types.DeriveKey("a"), testAccount([]byte("data"))))

	var buf bytes.Buffer
	_, err := WriteSnapshot(&buf, src)
	require.NoError(t, err)

	raw := append([]byte{}, buf.Bytes()...)
	binary.LittleEndian.PutUint64(raw[4+4:], 1<<62)

	dst := NewMemoryDB()
	require.NotPanics(t, func() {
		_, err = ReadSnapshot(bytes.NewReader(raw), dst)
	})
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	count, err := dst.AccountsCount()
	require.NoError(t, err)
	require.Zero(t, count)

	// A header alone, with no account stream behind it.
	_, err = ReadSnapshot(bytes.NewReader(raw[:4+headerSize]), NewMemoryDB())
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}
