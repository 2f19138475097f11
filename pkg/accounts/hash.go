package accounts

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/stratus-heap/internal/types"
)

// ComputeAccountHash computes the hash of a single account:
// BLAKE3(lamports || rent_epoch || data || executable || owner || pubkey)
//
// The ledger records this hash for every account a transaction committed,
// so two runs that leave the heap in the same state agree on it.
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	h := blake3.New()

	var num [8]byte
	binary.LittleEndian.PutUint64(num[:], account.Lamports)
	h.Write(num[:])
	binary.LittleEndian.PutUint64(num[:], account.RentEpoch)
	h.Write(num[:])

	h.Write(account.Data)

	if account.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	h.Write(account.Owner[:])
	h.Write(pubkey[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeAccountsHash computes the Merkle root over every account hash in
// pubkey order.
func ComputeAccountsHash(db DB) (types.Hash, error) {
	var hashes []types.Hash
	err := db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return ComputeMerkleRoot(hashes), nil
}

// ComputeMerkleRoot computes the Merkle root of a list of hashes.
//
// Tree structure:
// - Leaf: BLAKE3(0x00 || hash)
// - Node: BLAKE3(0x01 || left || right)
// - If odd number of nodes, last node is paired with zero hash
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = computeLeafHash(h)
	}

	for len(level) > 1 {
		nextLevel := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			nextLevel[i/2] = computeNodeHash(level[i], right)
		}
		level = nextLevel
	}

	return level[0]
}

func computeLeafHash(data types.Hash) types.Hash {
	buf := make([]byte, 1+32)
	buf[0] = 0x00
	copy(buf[1:], data[:])
	return blake3.Sum256(buf)
}

func computeNodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+32+32)
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return blake3.Sum256(buf)
}
