package xxh64

import "hash"

var _ hash.Hash64 = (*Digest)(nil)

// Digest adapts State to hash.Hash64. Writes of any size are accepted; bytes
// that do not yet fill a block are buffered until the next Write or Sum64.
type Digest struct {
	state State
	seed  uint64
	buf   [BlockSize]byte
	n     int // valid bytes in buf
}

// NewDigest returns a Digest seeded with seed.
func NewDigest(seed uint64) *Digest {
	d := &Digest{seed: seed}
	d.Reset()
	return d
}

// Reset clears all written data, keeping the seed.
func (d *Digest) Reset() {
	d.state.Reset(d.seed)
	d.n = 0
}

// Size implements hash.Hash.
func (d *Digest) Size() int { return 8 }

// BlockSize implements hash.Hash.
func (d *Digest) BlockSize() int { return BlockSize }

// Write implements io.Writer. It never returns an error.
func (d *Digest) Write(p []byte) (int, error) {
	written := len(p)

	// Top up a partially filled buffer first.
	if d.n > 0 {
		c := copy(d.buf[d.n:], p)
		d.n += c
		p = p[c:]
		if d.n < BlockSize {
			return written, nil
		}
		_ = d.state.Update(d.buf[:])
		d.n = 0
	}

	if aligned := len(p) &^ (BlockSize - 1); aligned > 0 {
		_ = d.state.Update(p[:aligned])
		p = p[aligned:]
	}

	d.n = copy(d.buf[:], p)

	return written, nil
}

// WriteString is Write for strings.
func (d *Digest) WriteString(s string) (int, error) {
	return d.Write([]byte(s))
}

// Sum64 returns the hash of all bytes written so far.
func (d *Digest) Sum64() uint64 {
	return d.state.Final(d.buf[:d.n])
}

// Sum appends the big-endian hash to b.
func (d *Digest) Sum(b []byte) []byte {
	s := d.Sum64()
	return append(b,
		byte(s>>56), byte(s>>48), byte(s>>40), byte(s>>32),
		byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}
