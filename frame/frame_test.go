package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeTimestamp_VarintVectors checks the wire bytes at each
// size-bucket boundary of the QUIC variable-length integer encoding.
func TestEncodeTimestamp_VarintVectors(t *testing.T) {
	cases := []struct {
		ts   uint64
		want []byte
	}{
		{63, []byte{0x3F}},
		{64, []byte{0x40, 0x40}},
		{16384, []byte{0x80, 0x00, 0x40, 0x00}},
		{1 << 30, []byte{0xC0, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00}},
	}
	for _, c := range cases {
		got := EncodeTimestamp(c.ts, Varint)
		assert.Equalf(t, c.want, got, "encode(%d, varint)", c.ts)
		assert.Lenf(t, got, len(c.want), "size bucket for %d", c.ts)
	}
}

// TestEncodeTimestamp_RawU64Vectors checks the fixed 8-byte big-endian
// encoding at zero and at the largest timestamp a double-precision
// clock can represent exactly.
func TestEncodeTimestamp_RawU64Vectors(t *testing.T) {
	cases := []struct {
		ts   uint64
		want []byte
	}{
		{0, []byte{0, 0, 0, 0, 0, 0, 0, 0}},
		{1<<53 - 1, []byte{0x00, 0x1F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, c := range cases {
		got := EncodeTimestamp(c.ts, RawU64)
		assert.Equalf(t, c.want, got, "encode(%d, raw-u64)", c.ts)
	}
}

// TestRoundTrip verifies decode(encode(t, m), m) = t for both
// header-carrying modes across a representative timestamp range, up to
// the largest value a QUIC varint can hold (2^62-1). Varint size buckets
// are checked in TestRoundTrip_VarintSizeBuckets.
func TestRoundTrip(t *testing.T) {
	timestamps := []uint64{0, 1, 62, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, 1<<53 - 1, 1<<62 - 1}

	for _, mode := range []ContainerMode{Varint, RawU64} {
		for _, ts := range timestamps {
			encoded := EncodeTimestamp(ts, mode)
			decoded, rest, err := DecodeTimestamp(encoded, mode)
			require.NoError(t, err)
			assert.Equal(t, ts, decoded)
			assert.Empty(t, rest)
		}
	}
}

func TestRoundTrip_VarintSizeBuckets(t *testing.T) {
	cases := []struct {
		ts       uint64
		wantSize int
	}{
		{0, 1},
		{63, 1},
		{64, 2},
		{16383, 2},
		{16384, 4},
		{1<<30 - 1, 4},
		{1 << 30, 8},
	}
	for _, c := range cases {
		got := EncodeTimestamp(c.ts, Varint)
		assert.Lenf(t, got, c.wantSize, "ts=%d", c.ts)
	}
}

func TestDecodeTimestamp_FragmentedContainerHasNoHeader(t *testing.T) {
	payload := []byte("ftypmoov-ish-opaque-container-bytes")
	ts, rest, err := DecodeTimestamp(payload, FragmentedContainer)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ts)
	assert.Equal(t, payload, rest)
}

func TestDecodeTimestamp_RawU64TooShort(t *testing.T) {
	_, _, err := DecodeTimestamp([]byte{1, 2, 3}, RawU64)
	assert.Error(t, err)
}

func TestParse_FirstFrameIsKeyframe(t *testing.T) {
	header := EncodeTimestamp(1234, Varint)
	raw := append(append([]byte{}, header...), []byte("payload")...)

	f, err := Parse(raw, Varint, 7, true)
	require.NoError(t, err)
	assert.True(t, f.Keyframe)
	assert.Equal(t, uint64(7), f.Group)
	assert.Equal(t, uint64(1234), f.Timestamp)
	assert.Equal(t, []byte("payload"), f.Data)

	f2, err := Parse(raw, Varint, 7, false)
	require.NoError(t, err)
	assert.False(t, f2.Keyframe)
}

func TestContainerMode_String(t *testing.T) {
	assert.Equal(t, "varint", Varint.String())
	assert.Equal(t, "raw-u64", RawU64.String())
	assert.Equal(t, "fragmented-container", FragmentedContainer.String())
}
