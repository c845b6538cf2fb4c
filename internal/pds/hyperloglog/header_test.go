package hyperloglog

import (
	"bytes"
	"errors"
	"testing"
)

// TestHeaderRoundTrip verifies that the header serialization and deserialization
// functions work correctly together.
func TestHeaderRoundTrip(t *testing.T) {
	testCases := []struct {
		name   string
		header hllHeader
	}{
		{"sparse at min precision", hllHeader{precision: MinPrecision, mode: Sparse}},
		{"dense at default precision", hllHeader{precision: DefaultPrecision, mode: Dense}},
		{"dense at max precision", hllHeader{precision: MaxPrecision, mode: Dense}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.header.serialize(nil)
			if len(data) != headerSize {
				t.Fatalf("serialized header has length %d, want %d", len(data), headerSize)
			}
			if !bytes.Equal(data[0:4], []byte(Magic)) {
				t.Fatalf("magic string is incorrect: got %q, want %q", data[0:4], Magic)
			}
			if data[4] != Version {
				t.Errorf("version byte = %d, want %d", data[4], Version)
			}

			got, err := deserializeHeader(data)
			if err != nil {
				t.Fatalf("deserializeHeader() returned an unexpected error: %v", err)
			}
			if got != tc.header {
				t.Errorf("header mismatch: got %+v, want %+v", got, tc.header)
			}
		})
	}
}

// TestDeserializeHeaderErrors tests the error cases of the deserializer.
func TestDeserializeHeaderErrors(t *testing.T) {
	good := hllHeader{precision: 12, mode: Sparse}.serialize(nil)

	testCases := []struct {
		name string
		data []byte
	}{
		{"slice too short", good[:6]},
		{"wrong magic", append([]byte("HYLX"), good[4:]...)},
		{"version zero", append(bytes.Clone(good[:4]), 0, 12, 1)},
		{"precision below range", append(bytes.Clone(good[:5]), 3, 1)},
		{"precision above range", append(bytes.Clone(good[:5]), 19, 1)},
		{"unknown mode", append(bytes.Clone(good[:6]), 7)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := deserializeHeader(tc.data); !errors.Is(err, ErrDeserialization) {
				t.Errorf("expected ErrDeserialization, got %v", err)
			}
		})
	}
}

func TestHasValidMagic(t *testing.T) {
	if !HasValidMagic([]byte("HYLL\x01")) {
		t.Error("valid magic not recognised")
	}
	for _, data := range [][]byte{nil, []byte("HYL"), []byte("hyll"), []byte("CRD1")} {
		if HasValidMagic(data) {
			t.Errorf("HasValidMagic(%q) = true", data)
		}
	}
}
