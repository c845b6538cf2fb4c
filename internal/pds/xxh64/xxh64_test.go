package xxh64

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func TestHash64KnownVectors(t *testing.T) {
	tests := []struct {
		input string
		want  uint64
	}{
		{"", 0xef46db3751d8e999},
		{"a", 0xd24ec4f1a98c6e5b},
		{"abc", 0x44bc2cf5ad770999},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.input), func(t *testing.T) {
			if got := Hash64([]byte(tt.input)); got != tt.want {
				t.Errorf("Hash64(%q) = %#x, want %#x", tt.input, got, tt.want)
			}
		})
	}
}

// TestHash64MatchesReference walks every tail length across several block
// counts so each branch of the tail mixer is compared against the reference.
func TestHash64MatchesReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	data := make([]byte, 4*BlockSize+BlockSize-1)
	for i := range data {
		data[i] = byte(rng.UintN(256))
	}

	for n := 0; n <= len(data); n++ {
		input := data[:n]
		if got, want := Hash64(input), xxhash.Sum64(input); got != want {
			t.Fatalf("len %d: Hash64 = %#x, reference = %#x", n, got, want)
		}
	}
}

func TestHash64WithSeedMatchesReference(t *testing.T) {
	seeds := []uint64{0, 1, 42, prime1, ^uint64(0)}
	inputs := [][]byte{
		nil,
		[]byte("x"),
		[]byte("seven b"),
		[]byte("exactly thirty-two bytes long!!!"),
		bytes.Repeat([]byte("cardinality"), 17),
	}

	for _, seed := range seeds {
		for _, in := range inputs {
			ref := xxhash.NewWithSeed(seed)
			_, _ = ref.Write(in)

			if got, want := Hash64WithSeed(in, seed), ref.Sum64(); got != want {
				t.Errorf("seed %d len %d: got %#x, want %#x", seed, len(in), got, want)
			}
		}
	}
}

func TestHash64Deterministic(t *testing.T) {
	input := []byte("the same bytes every time")
	first := Hash64WithSeed(input, 7)
	for i := 0; i < 100; i++ {
		if got := Hash64WithSeed(input, 7); got != first {
			t.Fatalf("call %d returned %#x, want %#x", i, got, first)
		}
	}

	if Hash64WithSeed(input, 8) == first {
		t.Error("different seeds should produce different hashes")
	}
}

func TestStateStreaming(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 9) // 144 bytes
	aligned := len(data) &^ (BlockSize - 1)

	t.Run("blocks then tail equals one-shot", func(t *testing.T) {
		s := New(99)
		if err := s.Update(data[:BlockSize]); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if err := s.Update(data[BlockSize:aligned]); err != nil {
			t.Fatalf("Update: %v", err)
		}

		if got, want := s.Final(data[aligned:]), Hash64WithSeed(data, 99); got != want {
			t.Errorf("streamed = %#x, one-shot = %#x", got, want)
		}
	})

	t.Run("misaligned update is rejected", func(t *testing.T) {
		s := New(0)
		before := *s

		err := s.Update(data[:BlockSize+1])
		if !errors.Is(err, ErrUnaligned) {
			t.Fatalf("expected ErrUnaligned, got %v", err)
		}
		if *s != before {
			t.Error("state must not change on a rejected update")
		}
	})

	t.Run("final does not consume state", func(t *testing.T) {
		s := New(0)
		_ = s.Update(data[:aligned])
		a := s.Final([]byte("tail"))
		b := s.Final([]byte("tail"))
		if a != b {
			t.Errorf("Final changed the state: %#x != %#x", a, b)
		}
	})

	t.Run("reset discards input", func(t *testing.T) {
		s := New(5)
		_ = s.Update(data[:aligned])
		s.Reset(5)
		if got, want := s.Final(nil), Hash64WithSeed(nil, 5); got != want {
			t.Errorf("after Reset got %#x, want %#x", got, want)
		}
	})
}

func TestDigest(t *testing.T) {
	data := bytes.Repeat([]byte("streaming-digest-"), 11)

	// Feed the digest in awkward chunk sizes.
	for _, chunk := range []int{1, 3, 7, 31, 32, 33, 64, len(data)} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			d := NewDigest(3)
			for i := 0; i < len(data); i += chunk {
				end := min(i+chunk, len(data))
				n, err := d.Write(data[i:end])
				if err != nil || n != end-i {
					t.Fatalf("Write returned (%d, %v)", n, err)
				}
			}

			if got, want := d.Sum64(), Hash64WithSeed(data, 3); got != want {
				t.Errorf("Sum64 = %#x, want %#x", got, want)
			}
		})
	}

	t.Run("sum appends big-endian", func(t *testing.T) {
		d := NewDigest(0)
		_, _ = d.WriteString("abc")
		got := d.Sum([]byte{0xAA})
		want := []byte{0xAA, 0x44, 0xbc, 0x2c, 0xf5, 0xad, 0x77, 0x09, 0x99}
		if !bytes.Equal(got, want) {
			t.Errorf("Sum = %x, want %x", got, want)
		}
	})

	t.Run("reset keeps seed", func(t *testing.T) {
		d := NewDigest(11)
		_, _ = d.Write(data)
		d.Reset()
		_, _ = d.Write([]byte("fresh"))
		if got, want := d.Sum64(), Hash64WithSeed([]byte("fresh"), 11); got != want {
			t.Errorf("got %#x, want %#x", got, want)
		}
	})
}

func BenchmarkHash64(b *testing.B) {
	for _, size := range []int{8, 32, 256, 4096} {
		data := make([]byte, size)
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				_ = Hash64(data)
			}
		})
	}
}
