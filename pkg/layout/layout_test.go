package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedAddresses(t *testing.T) {
	require.Equal(t, 96, AccountDataOffset)
	require.Equal(t, uint64(0x4_0000_0060), FirstAccountDataAddress)
	require.Equal(t, uint64(0x4_0000_0068), HeapRegionStart)
	require.Equal(t, StateSlot.End(), PersistentHeap.Base)
	require.Equal(t, FirstAccountDataAddress+AccountRegionLength, PersistentHeap.End())
}

func TestPredefinedRegionsValid(t *testing.T) {
	for _, r := range []Region{PersistentHeap, StateSlot, SandboxHeap} {
		require.NoError(t, r.Validate(), r.String())
	}
	require.False(t, StateSlot.Overlaps(PersistentHeap))
	require.False(t, SandboxHeap.Overlaps(PersistentHeap))
}

func TestRegionValidate(t *testing.T) {
	tests := []struct {
		name   string
		region Region
		valid  bool
	}{
		{"ok", Region{Base: 0x1000, Length: 64, Align: 8}, true},
		{"zero align", Region{Base: 0x1000, Length: 64, Align: 0}, false},
		{"non power of two", Region{Base: 0x1000, Length: 64, Align: 12}, false},
		{"misaligned base", Region{Base: 0x1004, Length: 64, Align: 8}, false},
		{"empty", Region{Base: 0x1000, Length: 0, Align: 8}, false},
		{"wraps", Region{Base: ^uint64(0) - 7, Length: 64, Align: 8}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.region.Validate()
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidRegion)
			}
		})
	}
}

func TestRegionContains(t *testing.T) {
	r := Region{Base: 0x1000, Length: 0x100, Align: 8}

	require.True(t, r.Contains(0x1000, 0x100))
	require.True(t, r.Contains(0x10f8, 8))
	require.False(t, r.Contains(0x10f8, 9))
	require.False(t, r.Contains(0xff8, 8))
	require.False(t, r.Contains(0x1008, ^uint64(0)))
}

func TestRegionOverlaps(t *testing.T) {
	a := Region{Base: 0x1000, Length: 0x10, Align: 8}
	b := Region{Base: 0x1010, Length: 0x10, Align: 8}
	c := Region{Base: 0x1008, Length: 0x10, Align: 8}

	require.False(t, a.Overlaps(b))
	require.True(t, a.Overlaps(c))
	require.True(t, c.Overlaps(b))
}
