package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPubkeyBase58(t *testing.T) {
	require.True(t, SystemProgramAddr.IsZero())
	require.Equal(t, "11111111111111111111111111111111", SystemProgramAddr.String())

	require.Equal(t, "invoker111111111111111111111111111111111111", PersistentHeapProgramAddr.String())

	key := DeriveKey("account")
	parsed, err := PubkeyFromBase58(key.String())
	require.NoError(t, err)
	require.Equal(t, key, parsed)

	text, err := key.MarshalText()
	require.NoError(t, err)
	var back Pubkey
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, key, back)

	_, err = PubkeyFromBase58("context")
	require.ErrorIs(t, err, ErrInvalidPubkey)

	_, err = PubkeyFromBase58("0OIl")
	require.Error(t, err)

	_, err = PubkeyFromBytes(make([]byte, 31))
	require.ErrorIs(t, err, ErrInvalidPubkey)
}

func TestDeriveKey(t *testing.T) {
	require.Equal(t, DeriveKey("a"), DeriveKey("a"))
	require.NotEqual(t, DeriveKey("a"), DeriveKey("b"))
	require.NotEqual(t, CustomHeapProgramAddr, PersistentHeapProgramAddr)
}

func TestHashBase58(t *testing.T) {
	h := Hash{1, 2, 3}
	parsed, err := HashFromBase58(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
	require.False(t, parsed.IsZero())

	_, err = HashFromBase58(SystemProgramAddr.String()[:10])
	require.ErrorIs(t, err, ErrInvalidHash)
}
