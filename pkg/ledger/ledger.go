// Package ledger keeps an append-only journal of executed transactions.
//
// Every transaction the executor runs, committed or not, becomes one Record
// keyed by a monotonically increasing sequence number. Records are encoded
// with borsh and stored in BoltDB; a second bucket indexes them by the
// accounts they referenced so the history of one account can be listed
// without scanning the journal.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/near/borsh-go"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/stratus-heap/internal/types"
)

var (
	// ErrRecordNotFound is returned when no record has the sequence number.
	ErrRecordNotFound = errors.New("record not found")

	// ErrClosed is returned when operating on a closed ledger.
	ErrClosed = errors.New("ledger closed")

	// ErrStopIteration ends an iteration early without reporting an error.
	ErrStopIteration = errors.New("stop iteration")
)

// Bucket names for BoltDB.
var (
	// bucketRecords stores records keyed by big-endian sequence number.
	bucketRecords = []byte("records")

	// bucketByAccount indexes sequence numbers by pubkey+sequence.
	bucketByAccount = []byte("by_account")
)

// Config holds ledger configuration options.
type Config struct {
	// Path is the ledger database file.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// InstructionRecord is one instruction of a recorded transaction.
type InstructionRecord struct {
	ProgramID types.Pubkey
	Accounts  []types.Pubkey
	Data      []byte
}

// AccountHash is the post-transaction hash of one committed account.
type AccountHash struct {
	Pubkey types.Pubkey
	Hash   types.Hash
}

// Record is one executed transaction.
type Record struct {
	Seq          uint64
	UnixNano     int64
	Instructions []InstructionRecord
	Success      bool
	Error        string
	Logs         []string
	ComputeUnits uint64
	Accounts     []AccountHash
}

// Ledger is a BoltDB-backed transaction journal.
type Ledger struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a ledger at the configured path.
func Open(config Config) (*Ledger, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !config.ReadOnly {
		err := db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketRecords, bucketByAccount} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Ledger{db: db}, nil
}

// Append stores rec under the next sequence number, which it returns.
// rec.Seq is overwritten.
func (l *Ledger) Append(rec *Record) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}

	var seq uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		next, err := records.NextSequence()
		if err != nil {
			return err
		}
		seq = next
		rec.Seq = seq

		val, err := borsh.Serialize(*rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := records.Put(encodeSeq(seq), val); err != nil {
			return err
		}

		index := tx.Bucket(bucketByAccount)
		for _, key := range rec.referencedAccounts() {
			if err := index.Put(accountIndexKey(key, seq), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Get returns the record with the given sequence number.
func (l *Ledger) Get(seq uint64) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	var rec *Record
	err := l.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		if records == nil {
			return ErrRecordNotFound
		}
		val := records.Get(encodeSeq(seq))
		if val == nil {
			return ErrRecordNotFound
		}
		r, err := decodeRecord(val)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// Last returns the most recent record.
func (l *Ledger) Last() (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	var rec *Record
	err := l.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		if records == nil {
			return ErrRecordNotFound
		}
		_, val := records.Cursor().Last()
		if val == nil {
			return ErrRecordNotFound
		}
		r, err := decodeRecord(val)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// Iterate calls fn for every record in sequence order. Returning
// ErrStopIteration from fn ends the walk without an error.
func (l *Ledger) Iterate(fn func(rec *Record) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	err := l.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		if records == nil {
			return nil
		}
		return records.ForEach(func(_, val []byte) error {
			rec, err := decodeRecord(val)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

// ForAccount returns the sequence numbers of records that referenced
// pubkey, oldest first.
func (l *Ledger) ForAccount(pubkey types.Pubkey) ([]uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	var seqs []uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketByAccount)
		if index == nil {
			return nil
		}
		c := index.Cursor()
		prefix := pubkey[:]
		for k, _ := c.Seek(prefix); k != nil && len(k) == 40 && string(k[:32]) == string(prefix); k, _ = c.Next() {
			seqs = append(seqs, binary.BigEndian.Uint64(k[32:]))
		}
		return nil
	})
	return seqs, err
}

// Count returns the number of records.
func (l *Ledger) Count() (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}

	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		if records := tx.Bucket(bucketRecords); records != nil {
			n = records.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close closes the ledger.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

// referencedAccounts returns every distinct account the record touches.
func (r *Record) referencedAccounts() []types.Pubkey {
	seen := make(map[types.Pubkey]struct{})
	var out []types.Pubkey
	add := func(k types.Pubkey) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for _, ix := range r.Instructions {
		add(ix.ProgramID)
		for _, k := range ix.Accounts {
			add(k)
		}
	}
	return out
}

func decodeRecord(val []byte) (*Record, error) {
	rec := new(Record)
	if err := borsh.Deserialize(rec, val); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// encodeSeq encodes a sequence number as a big-endian 8-byte key so that
// bolt's byte order matches numeric order.
func encodeSeq(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func accountIndexKey(pubkey types.Pubkey, seq uint64) []byte {
	key := make([]byte, 32+8)
	copy(key, pubkey[:])
	binary.BigEndian.PutUint64(key[32:], seq)
	return key
}
