package executor

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/layout"
	"github.com/fortiblox/stratus-heap/pkg/svm"
)

// nonDupMarker marks an account serialized in full. A duplicate is written
// as the index of its first occurrence followed by 7 bytes of padding.
const nonDupMarker = 0xff

// AccountInfo holds account information for execution.
type AccountInfo struct {
	// Key is the account public key.
	Key types.Pubkey

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Lamports is the account balance.
	Lamports uint64

	// Data is the account data.
	Data []byte

	// Executable indicates if this is a program account.
	Executable bool

	// RentEpoch is the rent epoch.
	RentEpoch uint64

	// IsSigner indicates if this account signed the transaction.
	IsSigner bool

	// IsWritable indicates if this account can be modified.
	IsWritable bool
}

// AccountView is what a program sees of one account: its metadata and the
// virtual address its data is mapped at.
type AccountView struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	DataAddr   uint64
	DataLen    uint64
	IsSigner   bool
	IsWritable bool
	Executable bool
}

// serializedAccount records where an account landed in the input buffer.
type serializedAccount struct {
	dupOf      int // index of first occurrence, -1 if none
	lamportsAt int
	dataAt     int
}

// serializeInput serializes the input data for a program.
//
// Layout:
//   - num_accounts (8 bytes, u64)
//   - For each account:
//   - duplicate marker (1 byte, 0xff if not a duplicate, else account index)
//   - duplicates: 7 bytes of padding, nothing else
//   - is_signer (1 byte)
//   - is_writable (1 byte)
//   - executable (1 byte)
//   - original_data_len (4 bytes, u32)
//   - key (32 bytes)
//   - owner (32 bytes)
//   - lamports (8 bytes, u64)
//   - data_len (8 bytes, u64)
//   - data (data_len bytes)
//   - padding to 8-byte alignment
//   - rent_epoch (8 bytes, u64)
//   - instruction_data_len (8 bytes, u64)
//   - instruction_data
//   - program_id (32 bytes)
//
// The first account's data therefore always starts at
// layout.FirstAccountDataAddress once the buffer is mapped at
// layout.InputRegionBase.
func serializeInput(programID types.Pubkey, accounts []*AccountInfo, data []byte) ([]byte, []serializedAccount, error) {
	if len(accounts) > MaxInstructionAccounts {
		return nil, nil, fmt.Errorf("%w: %d, max %d", ErrTooManyAccounts, len(accounts), MaxInstructionAccounts)
	}
	placed := make([]serializedAccount, len(accounts))
	first := make(map[types.Pubkey]int, len(accounts))

	size := 8 // num_accounts
	for i, acc := range accounts {
		if j, ok := first[acc.Key]; ok {
			placed[i] = serializedAccount{dupOf: j}
			size += 8
			continue
		}
		first[acc.Key] = i
		placed[i] = serializedAccount{dupOf: -1}

		if uint64(len(acc.Data)) > MaxAccountDataSize {
			return nil, nil, fmt.Errorf("%w: account %s holds %d bytes", ErrInvalidAccountData, acc.Key, len(acc.Data))
		}
		size += layout.AccountHeaderSize + len(acc.Data) + padding(len(acc.Data)) + 8
	}
	size += 8 + len(data) + 32

	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, uint64(len(accounts)))
	offset := 8

	for i, acc := range accounts {
		if j := placed[i].dupOf; j >= 0 {
			buf[offset] = byte(j)
			offset += 8
			continue
		}

		buf[offset] = nonDupMarker
		offset++

		if acc.IsSigner {
			buf[offset] = 1
		}
		offset++

		if acc.IsWritable {
			buf[offset] = 1
		}
		offset++

		if acc.Executable {
			buf[offset] = 1
		}
		offset++

		binary.LittleEndian.PutUint32(buf[offset:], uint32(len(acc.Data)))
		offset += 4

		copy(buf[offset:], acc.Key[:])
		offset += 32

		copy(buf[offset:], acc.Owner[:])
		offset += 32

		placed[i].lamportsAt = offset
		binary.LittleEndian.PutUint64(buf[offset:], acc.Lamports)
		offset += 8

		binary.LittleEndian.PutUint64(buf[offset:], uint64(len(acc.Data)))
		offset += 8

		placed[i].dataAt = offset
		copy(buf[offset:], acc.Data)
		offset += len(acc.Data) + padding(len(acc.Data))

		binary.LittleEndian.PutUint64(buf[offset:], acc.RentEpoch)
		offset += 8
	}

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(data)))
	offset += 8

	copy(buf[offset:], data)
	offset += len(data)

	copy(buf[offset:], programID[:])

	for i := range placed {
		if j := placed[i].dupOf; j >= 0 {
			placed[i].lamportsAt = placed[j].lamportsAt
			placed[i].dataAt = placed[j].dataAt
		}
	}
	return buf, placed, nil
}

// accountViews returns the program's view of the serialized accounts.
func accountViews(accounts []*AccountInfo, placed []serializedAccount) []*AccountView {
	views := make([]*AccountView, len(accounts))
	for i, acc := range accounts {
		views[i] = &AccountView{
			Key:        acc.Key,
			Owner:      acc.Owner,
			Lamports:   acc.Lamports,
			DataAddr:   layout.InputRegionBase + uint64(placed[i].dataAt),
			DataLen:    uint64(len(acc.Data)),
			IsSigner:   acc.IsSigner,
			IsWritable: acc.IsWritable,
			Executable: acc.Executable,
		}
	}
	return views
}

// deserializeOutput copies lamports and data of writable accounts back out
// of the input buffer and rejects changes to read-only accounts. It returns
// the keys of the accounts that changed.
func deserializeOutput(buf []byte, accounts []*AccountInfo, placed []serializedAccount) ([]types.Pubkey, error) {
	var modified []types.Pubkey
	for i, acc := range accounts {
		if placed[i].dupOf >= 0 {
			continue
		}

		at := placed[i].lamportsAt
		if at+16 > len(buf) {
			return nil, ErrInvalidAccountData
		}
		lamports := binary.LittleEndian.Uint64(buf[at:])
		dataLen := binary.LittleEndian.Uint64(buf[at+8:])
		if dataLen != uint64(len(acc.Data)) {
			return nil, fmt.Errorf("%w: account %s data length changed to %d", ErrInvalidAccountData, acc.Key, dataLen)
		}
		data := buf[placed[i].dataAt : placed[i].dataAt+len(acc.Data)]

		if lamports == acc.Lamports && bytes.Equal(data, acc.Data) {
			continue
		}
		if !acc.IsWritable {
			return nil, fmt.Errorf("%w: %s", svm.ErrReadonlyDataModified, acc.Key)
		}

		acc.Lamports = lamports
		copy(acc.Data, data)
		modified = append(modified, acc.Key)
	}
	return modified, nil
}

func padding(n int) int {
	return (8 - n%8) % 8
}
