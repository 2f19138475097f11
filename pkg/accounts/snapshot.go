package accounts

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/stratus-heap/internal/types"
)

// Snapshot file format version.
const snapshotVersion uint32 = 1

// Snapshot magic bytes for format validation.
var snapshotMagic = []byte{'H', 'P', 'S', 'N'}

// ErrInvalidSnapshot is returned for a snapshot that cannot be loaded.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// SnapshotHeader contains metadata about a snapshot.
type SnapshotHeader struct {
	// Version is the snapshot format version.
	Version uint32

	// AccountsCount is the number of accounts in the snapshot.
	AccountsCount uint64

	// AccountsHash is the Merkle root of all account hashes.
	AccountsHash types.Hash
}

// headerSize is the encoded header size after the magic.
const headerSize = 4 + 8 + 32

// WriteSnapshot writes every account of db to w.
//
// Format:
//   - Magic (4 bytes): "HPSN"
//   - Version (4 bytes, little-endian)
//   - AccountsCount (8 bytes, little-endian)
//   - AccountsHash (32 bytes)
//   - Accounts (zstd compressed), for each account:
//   - Pubkey (32 bytes)
//   - AccountSize (4 bytes, little-endian)
//   - AccountData (variable, serialized account)
func WriteSnapshot(w io.Writer, db DB) (*SnapshotHeader, error) {
	count, err := db.AccountsCount()
	if err != nil {
		return nil, err
	}
	accountsHash, err := ComputeAccountsHash(db)
	if err != nil {
		return nil, fmt.Errorf("compute accounts hash: %w", err)
	}

	header := &SnapshotHeader{
		Version:       snapshotVersion,
		AccountsCount: count,
		AccountsHash:  accountsHash,
	}
	if err := writeHeader(w, header); err != nil {
		return nil, err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("init zstd writer: %w", err)
	}
	bw := bufio.NewWriter(zw)

	var written uint64
	err = db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		data := account.Serialize()

		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(data)))

		if _, err := bw.Write(pubkey[:]); err != nil {
			return err
		}
		if _, err := bw.Write(sizeBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("write accounts: %w", err)
	}
	if written != count {
		zw.Close()
		return nil, fmt.Errorf("%w: wrote %d accounts, expected %d", ErrCorrupted, written, count)
	}

	if err := bw.Flush(); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return header, nil
}

// ReadSnapshot loads every account in the snapshot read from r into db.
// The snapshot is fully read and verified against its accounts hash before
// anything is written.
func ReadSnapshot(r io.Reader, db DB) (*SnapshotHeader, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("init zstd reader: %w", err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	// The count is untrusted until the hash is verified.
	entries := make([]AccountEntry, 0, min(header.AccountsCount, 1024))
	staged := NewMemoryDB()
	for i := uint64(0); i < header.AccountsCount; i++ {
		pubkey, account, err := readAccount(br)
		if err != nil {
			return nil, fmt.Errorf("%w: read account %d: %w", ErrInvalidSnapshot, i, err)
		}
		entries = append(entries, AccountEntry{Pubkey: pubkey, Account: account})
		if err := staged.SetAccount(pubkey, account); err != nil {
			return nil, err
		}
	}

	computed, err := ComputeAccountsHash(staged)
	if err != nil {
		return nil, err
	}
	if computed != header.AccountsHash {
		return nil, fmt.Errorf("%w: accounts hash mismatch: expected %s, got %s",
			ErrInvalidSnapshot, header.AccountsHash, computed)
	}

	if err := db.SetAccounts(entries); err != nil {
		return nil, fmt.Errorf("store accounts: %w", err)
	}
	return header, nil
}

func writeHeader(w io.Writer, header *SnapshotHeader) error {
	buf := make([]byte, len(snapshotMagic)+headerSize)
	offset := copy(buf, snapshotMagic)

	binary.LittleEndian.PutUint32(buf[offset:], header.Version)
	offset += 4

	binary.LittleEndian.PutUint64(buf[offset:], header.AccountsCount)
	offset += 8

	copy(buf[offset:], header.AccountsHash[:])

	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (*SnapshotHeader, error) {
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: read magic: %v", ErrInvalidSnapshot, err)
	}
	if string(magic) != string(snapshotMagic) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidSnapshot, magic)
	}

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidSnapshot, err)
	}

	header := &SnapshotHeader{}
	offset := 0

	header.Version = binary.LittleEndian.Uint32(buf[offset:])
	offset += 4
	if header.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, header.Version)
	}

	header.AccountsCount = binary.LittleEndian.Uint64(buf[offset:])
	offset += 8

	copy(header.AccountsHash[:], buf[offset:])
	return header, nil
}

func readAccount(r io.Reader) (types.Pubkey, *Account, error) {
	var pubkey types.Pubkey
	if _, err := io.ReadFull(r, pubkey[:]); err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("read pubkey: %w", err)
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("read size: %w", err)
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])

	// Bound the allocation before trusting the size.
	const maxAccountSerializedSize = MaxAccountDataSize + 57
	if size > maxAccountSerializedSize {
		return types.Pubkey{}, nil, fmt.Errorf("%w: account size %d exceeds maximum %d",
			ErrInvalidSnapshot, size, maxAccountSerializedSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("read account data: %w", err)
	}

	account, err := DeserializeAccount(data)
	if err != nil {
		return types.Pubkey{}, nil, err
	}
	return pubkey, account, nil
}
