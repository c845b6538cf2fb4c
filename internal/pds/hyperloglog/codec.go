package hyperloglog

import (
	"bytes"
	"fmt"
	"io"
)

// MaxSerializedSize is the longest serialized form any estimator can have: a
// sparse estimator at MaxPrecision holding one hash less than the promotion
// threshold. Every dense form is shorter.
const MaxSerializedSize = headerSize + 4 + 8*(3<<(MaxPrecision-2)-1)

// SerializedSize returns the exact length of the serialized form.
func (h *HLL) SerializedSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serializedSize()
}

func (h *HLL) serializedSize() int {
	if h.mode == Dense {
		return headerSize + len(h.dense)
	}
	return headerSize + h.sparse.serializedSize()
}

// AppendBinary appends the serialized form of h to dst.
func (h *HLL) AppendBinary(dst []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appendBinary(dst), nil
}

func (h *HLL) appendBinary(dst []byte) []byte {
	//
	// DESIGN
	// ------
	//
	// 1. SPARSE
	//
	//    +----------------+-------------+--------+-----+--------+
	//    | Header (7 B)   | Count (4 B) | Hash_0 | ... | Hash_N |
	//    +----------------+-------------+--------+-----+--------+
	//
	//    Hashes are 8 bytes each, written in ascending order so that two
	//    estimators holding the same set serialize identically.
	//
	// 2. DENSE
	//
	//    +----------------+---------------------------+
	//    | Header (7 B)   | Buckets (m bytes)         |
	//    +----------------+---------------------------+
	//
	dst = hllHeader{precision: h.precision, mode: h.mode}.serialize(dst)
	if h.mode == Dense {
		return append(dst, h.dense...)
	}
	return h.sparse.appendBinary(dst)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h *HLL) MarshalBinary() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appendBinary(make([]byte, 0, h.serializedSize())), nil
}

// WriteTo implements io.WriterTo. The only possible error is the writer's.
func (h *HLL) WriteTo(w io.Writer) (int64, error) {
	h.mu.Lock()
	buf := h.appendBinary(make([]byte, 0, h.serializedSize()))
	h.mu.Unlock()

	n, err := w.Write(buf)
	return int64(n), err
}

// decoded is a fully validated state waiting to be installed.
type decoded struct {
	mode   Mode
	sparse *sparseSet
	dense  []byte
}

// ReadFrom implements io.ReaderFrom. It replaces the contents of h with one
// serialized estimator read from r.
//
// The precision in the data must equal h's. On any error h is unchanged.
// Reading stops at the end of the payload; trailing data is left in r.
func (h *HLL) ReadFrom(r io.Reader) (int64, error) {
	d, n, err := decode(r, h.precision)
	if err != nil {
		return n, err
	}

	h.mu.Lock()
	h.mode, h.sparse, h.dense = d.mode, d.sparse, d.dense
	h.mu.Unlock()

	return n, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Unlike ReadFrom it
// rejects data with bytes after the payload.
func (h *HLL) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	d, _, err := decode(r, h.precision)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrDeserialization, r.Len())
	}

	h.mu.Lock()
	h.mode, h.sparse, h.dense = d.mode, d.sparse, d.dense
	h.mu.Unlock()

	return nil
}

// Parse builds a new estimator from its serialized form, taking the precision
// from the data. opts configure the result as in New.
func Parse(data []byte, opts ...Option) (*HLL, error) {
	hdr, err := deserializeHeader(data)
	if err != nil {
		return nil, err
	}

	h, err := New(hdr.precision, opts...)
	if err != nil {
		return nil, err
	}

	if err := h.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return h, nil
}

// decode reads one serialized estimator of the given precision from r
// without touching any estimator.
func decode(r io.Reader, precision uint8) (decoded, int64, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return decoded{}, 0, err
	}
	read := int64(headerSize)

	// The precision must match before anything of the payload is read.
	if hdr.precision != precision {
		return decoded{}, read, fmt.Errorf("%w: data has precision %d, estimator has %d", ErrIncompatiblePrecision, hdr.precision, precision)
	}

	m := 1 << precision

	if hdr.mode == Sparse {
		// A sparse estimator is promoted as soon as it reaches 3/4 of m, so a
		// valid payload always holds fewer hashes than that.
		s, n, err := readSparseSet(r, m*3/4-1)
		read += n
		if err != nil {
			return decoded{}, read, err
		}
		return decoded{mode: Sparse, sparse: s}, read, nil
	}

	dense := make([]byte, m)
	n, err := io.ReadFull(r, dense)
	read += int64(n)
	if err != nil {
		return decoded{}, read, readError("dense payload", err)
	}

	limit := maxRank(precision)
	for i, v := range dense {
		if v > limit {
			return decoded{}, read, fmt.Errorf("%w: bucket %d holds rank %d, max is %d", ErrDeserialization, i, v, limit)
		}
	}

	return decoded{mode: Dense, dense: dense}, read, nil
}
