// store.go implements the sharded in-memory keyspace and its binary snapshot
// format. The other half of the persistence layer (persistence.go) decides
// when snapshots are taken and how the journal tail is replayed.
//
// The Store holds live estimators rather than serialized bytes. Every value is
// a *hyperloglog.HLL built with WithLocking(), so a handler that obtained the
// pointer can keep using it after the shard lock is released (multi-key
// counts and merges do exactly that). Serialization only happens at snapshot
// and DUMP time.
//
// Sharding Strategy
// =================
//
// Keys are spread over 256 shards, each guarded by its own RWMutex. Writes to
// different keys usually land on different shards and do not contend. The
// shard of a key is xxhash(key) % 256. xxhash is already the element hash of
// the estimator family, so the server needs no second hash function.
//
// The Binary Format (CRD1)
// ========================
//
// All integers are big-endian, like the estimator wire format they wrap.
//
//	+--------+-----------+-----------+     +-----+-----------+
//	| Header | Shard 0   | Shard 1   | ... | EOF | Checksum  |
//	+--------+-----------+-----------+     +-----+-----------+
//	 4 bytes   variable    variable         1 B    8 bytes
//
// Header: the magic string "CRD1".
//
// Shard Blocks: each non-empty shard is written as one block.
//
//	+--------+----------+-------+------+-----+------+-------------+-----+
//	| OpCode | Shard ID | Count | KLen | Key | VLen | Estimator   | ... |
//	+--------+----------+-------+------+-----+------+-------------+-----+
//	  1 byte   1 byte    4 bytes 2 B    var   4 B    VLen bytes
//
//	OpCode:    0xFE marks a shard block.
//	Shard ID:  0-255, used for direct placement on load.
//	KLen:      key length, at most 65535.
//	Estimator: the exact bytes produced by HLL.MarshalBinary.
//
// EOF Marker: 0xFF. In a hybrid journal the RESP tail starts right after the
// checksum, so the loader must know where the binary section ends without
// relying on the file size.
//
// Checksum: CRC-64 (ISO polynomial) over everything from the header through
// the EOF marker.
//
// Snapshots Without Pauses
// ========================
//
// SaveSnapshotToWriter holds a shard's read lock only while it encodes that
// shard into a scratch buffer. The slow write to the destination happens with
// no lock held, so at any moment at most one shard refuses writers.

package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"math"
	"sync"

	"cardinal.lopezb.com/internal/pds/hyperloglog"
	"github.com/cespare/xxhash/v2"
)

const snapshotMagic = "CRD1"

const shardCount = 256

// Opcodes for the binary snapshot format.
const (
	OpCodeShardData = 0xFE
	OpCodeEOF       = 0xFF
)

var (
	errKeyExists   = errors.New("key already exists")
	errKeyTooLong  = errors.New("key exceeds 65535 bytes")
	crc64ISOTable  = crc64.MakeTable(crc64.ISO)
	errBadChecksum = errors.New("snapshot corruption: checksum mismatch")
)

// Shard is one independently locked slice of the keyspace.
type Shard struct {
	mu   sync.RWMutex
	data map[string]*hyperloglog.HLL
}

// Store routes keys to shards.
type Store struct {
	shards [shardCount]*Shard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &Shard{data: make(map[string]*hyperloglog.HLL)}
	}
	return s
}

func shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

func (s *Store) getShard(key string) *Shard {
	return s.shards[shardIndex(key)]
}

// newEstimator builds an estimator suitable for storing: it must tolerate use
// outside the shard lock.
func newEstimator(precision uint8) (*hyperloglog.HLL, error) {
	return hyperloglog.New(precision, hyperloglog.WithLocking())
}

// Get returns the estimator stored under key.
func (s *Store) Get(key string) (*hyperloglog.HLL, bool) {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	h, ok := shard.data[key]
	return h, ok
}

// View runs fn under the shard's read lock. fn receives nil when the key
// does not exist.
func (s *Store) View(key string, fn func(h *hyperloglog.HLL) error) error {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	return fn(shard.data[key])
}

// Mutate runs fn under the shard's write lock. fn receives the current value
// (nil when missing) and returns the value to keep. Returning nil deletes the
// key. Nothing else can observe or modify the key while fn runs, so callers
// also journal from inside fn to keep the journal order per key identical to
// the order in which the mutations happened.
func (s *Store) Mutate(key string, fn func(h *hyperloglog.HLL) *hyperloglog.HLL) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	next := fn(shard.data[key])
	if next == nil {
		delete(shard.data, key)
		return
	}
	shard.data[key] = next
}

// Reserve creates an empty estimator with the given precision. It fails with
// errKeyExists if the key is taken.
func (s *Store) Reserve(key string, precision uint8) error {
	h, err := newEstimator(precision)
	if err != nil {
		return err
	}
	if !s.SetNX(key, h) {
		return errKeyExists
	}
	return nil
}

// Set stores h under key, replacing any previous value.
func (s *Store) Set(key string, h *hyperloglog.HLL) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.data[key] = h
}

// SetNX stores h only if key is free. It reports whether h was stored.
func (s *Store) SetNX(key string, h *hyperloglog.HLL) bool {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.data[key]; ok {
		return false
	}
	shard.data[key] = h
	return true
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(key string) bool {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.data[key]; !ok {
		return false
	}
	delete(shard.data, key)
	return true
}

// Len returns the number of keys across all shards.
func (s *Store) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.data)
		shard.mu.RUnlock()
	}
	return n
}

// SaveSnapshotToWriter writes the whole keyspace to w in the CRD1 format.
func (s *Store) SaveSnapshotToWriter(w io.Writer) error {
	//
	// DESIGN
	// ------
	//
	// Each shard is encoded into shardBuf under its read lock and written out
	// after the lock is released. Estimators encode through AppendBinary,
	// which takes the estimator's own lock, so a concurrent multi-key count
	// holding the pointer cannot observe a torn encoding.
	//
	// The destination and a CRC-64 hasher are fed through one MultiWriter, so
	// the checksum needs no second pass. The checksum itself goes straight to
	// w so it is not hashed.
	//
	hasher := crc64.New(crc64ISOTable)
	bw := bufio.NewWriter(io.MultiWriter(w, hasher))

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}

	var shardBuf []byte
	for i, shard := range s.shards {
		var err error
		shardBuf, err = shard.appendBlock(shardBuf[:0], byte(i))
		if err != nil {
			return err
		}
		if len(shardBuf) == 0 {
			continue
		}
		if _, err := bw.Write(shardBuf); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(OpCodeEOF); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	return binary.Write(w, binary.BigEndian, hasher.Sum64())
}

// appendBlock encodes the shard as one block. An empty shard appends nothing.
func (sh *Shard) appendBlock(dst []byte, id byte) ([]byte, error) {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if len(sh.data) == 0 {
		return dst, nil
	}

	dst = append(dst, OpCodeShardData, id)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(sh.data)))

	for key, h := range sh.data {
		if len(key) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %d bytes", errKeyTooLong, len(key))
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(key)))
		dst = append(dst, key...)

		// Reserve the length slot, then append the estimator after it.
		lenAt := len(dst)
		dst = append(dst, 0, 0, 0, 0)
		var err error
		dst, err = h.AppendBinary(dst)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(dst[lenAt:], uint32(len(dst)-lenAt-4))
	}
	return dst, nil
}

// LoadSnapshotFromReader restores the keyspace from a CRD1 section. It
// consumes exactly the binary preamble, leaving r at the first byte of any
// journal tail.
func (s *Store) LoadSnapshotFromReader(r *bufio.Reader) error {
	//
	// DESIGN
	// ------
	//
	// Every byte is read through a TeeReader into the CRC hasher, so the
	// checksum is verified without buffering the section. The TeeReader only
	// pulls what io.ReadFull asks for, which keeps r positioned precisely at
	// the end of the preamble.
	//
	// Blocks carry their shard ID and keys are inserted straight into that
	// shard without rehashing. A corrupt ID cannot cause harm beyond a
	// misplaced key, and the checksum rejects corrupt sections anyway.
	//
	// Estimators are parsed as they are read. A value that fails to parse is
	// reported with its key; the checksum is only checked at the end, so a
	// bit flip in a value usually surfaces as a parse error first.
	//
	hasher := crc64.New(crc64ISOTable)
	tr := io.TeeReader(r, hasher)

	var header [len(snapshotMagic)]byte
	if _, err := io.ReadFull(tr, header[:]); err != nil {
		return err
	}
	if string(header[:]) != snapshotMagic {
		return errors.New("invalid snapshot header")
	}

	var (
		scratch [4]byte
		keyBuf  []byte
		valBuf  []byte
	)

	for {
		if _, err := io.ReadFull(tr, scratch[:1]); err != nil {
			return err
		}
		if scratch[0] == OpCodeEOF {
			break
		}
		if scratch[0] != OpCodeShardData {
			return fmt.Errorf("snapshot stream corruption: unexpected opcode %x", scratch[0])
		}

		if _, err := io.ReadFull(tr, scratch[:1]); err != nil {
			return err
		}
		shard := s.shards[scratch[0]]

		if _, err := io.ReadFull(tr, scratch[:4]); err != nil {
			return err
		}
		count := binary.BigEndian.Uint32(scratch[:4])

		for i := uint32(0); i < count; i++ {
			if _, err := io.ReadFull(tr, scratch[:2]); err != nil {
				return err
			}
			keyBuf = grow(keyBuf, int(binary.BigEndian.Uint16(scratch[:2])))
			if _, err := io.ReadFull(tr, keyBuf); err != nil {
				return err
			}
			key := string(keyBuf)

			if _, err := io.ReadFull(tr, scratch[:4]); err != nil {
				return err
			}
			vLen := binary.BigEndian.Uint32(scratch[:4])
			if vLen > hyperloglog.MaxSerializedSize {
				return fmt.Errorf("snapshot stream corruption: value for %q claims %d bytes", key, vLen)
			}
			valBuf = grow(valBuf, int(vLen))
			if _, err := io.ReadFull(tr, valBuf); err != nil {
				return err
			}

			h, err := hyperloglog.Parse(valBuf, hyperloglog.WithLocking())
			if err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			shard.data[key] = h
		}
	}

	var stored [8]byte
	if _, err := io.ReadFull(r, stored[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint64(stored[:]) != hasher.Sum64() {
		return errBadChecksum
	}

	return nil
}

// grow returns buf resliced to n bytes, reallocating only when needed.
func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
