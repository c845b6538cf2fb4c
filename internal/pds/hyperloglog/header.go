package hyperloglog

import (
	"errors"
	"fmt"
	"io"
)

const (
	headerSize = 7

	// Magic identifies a serialized estimator.
	Magic = "HYLL"

	// Version is the only format revision this package reads or writes.
	Version = 1
)

type hllHeader struct {
	precision uint8
	mode      Mode
}

// serialize appends the fixed 7-byte header to dst.
func (h hllHeader) serialize(dst []byte) []byte {
	//
	// DESIGN
	// ------
	//
	// +------+-----------+-----+---------------------------------+
	// | Bytes| Field     | Size| Notes                           |
	// +------+-----------+-----+---------------------------------+
	// | 0-3  | Magic     | 4   | "HYLL"                          |
	// | 4    | Version   | 1   | currently 1                     |
	// | 5    | Precision | 1   | 4..18                           |
	// | 6    | Mode      | 1   | 1 for sparse, 0 for dense       |
	// +------+-----------+-----+---------------------------------+
	//
	// The payload that follows depends on the mode and is written by the
	// codec. There are no reserved bytes: a layout change bumps Version.
	//
	dst = append(dst, Magic...)
	dst = append(dst, Version, h.precision, byte(h.mode))
	return dst
}

// deserializeHeader validates and decodes the first headerSize bytes of data.
// It does not check the precision against any estimator.
func deserializeHeader(data []byte) (hllHeader, error) {
	if len(data) < headerSize {
		return hllHeader{}, fmt.Errorf("%w: %d bytes is too short for a header", ErrDeserialization, len(data))
	}

	if !HasValidMagic(data) {
		return hllHeader{}, fmt.Errorf("%w: magic string not found", ErrDeserialization)
	}

	if data[4] != Version {
		return hllHeader{}, fmt.Errorf("%w: unsupported version %d", ErrDeserialization, data[4])
	}

	h := hllHeader{precision: data[5], mode: Mode(data[6])}

	if h.precision < MinPrecision || h.precision > MaxPrecision {
		return hllHeader{}, fmt.Errorf("%w: precision %d out of range", ErrDeserialization, h.precision)
	}

	// The mode byte is a strict flag; anything but the two known values is
	// corruption.
	if h.mode != Sparse && h.mode != Dense {
		return hllHeader{}, fmt.Errorf("%w: unknown mode flag %d", ErrDeserialization, data[6])
	}

	return h, nil
}

// readHeader reads and validates a header from r.
func readHeader(r io.Reader) (hllHeader, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return hllHeader{}, readError("header", err)
	}
	return deserializeHeader(buf[:])
}

// HasValidMagic checks if data starts with the HLL magic bytes without allocation.
func HasValidMagic(data []byte) bool {
	return len(data) >= 4 &&
		data[0] == Magic[0] && data[1] == Magic[1] &&
		data[2] == Magic[2] && data[3] == Magic[3]
}

// readError classifies a failed read: running out of input means the data is
// truncated, anything else is the source's own failure.
func readError(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrDeserialization, what)
	}
	return fmt.Errorf("read %s: %w", what, err)
}
