// Package frame implements the per-frame wire header: encoding and
// decoding of the timestamp that prefixes every raw frame body
// delivered by the transport, in each of the three container modes.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// ContainerMode selects the timestamp header encoding and, at the source
// level, which decode path a track uses.
type ContainerMode int

const (
	// Varint encodes the timestamp as a QUIC variable-length integer
	// (1, 2, 4, or 8 bytes — RFC 9000 §16).
	Varint ContainerMode = iota
	// RawU64 encodes the timestamp as a fixed 8-byte big-endian uint64.
	RawU64
	// FragmentedContainer carries no timestamp header; the payload is an
	// opaque container byte range (an init segment or a fragment).
	FragmentedContainer
)

func (m ContainerMode) String() string {
	switch m {
	case Varint:
		return "varint"
	case RawU64:
		return "raw-u64"
	case FragmentedContainer:
		return "fragmented-container"
	default:
		return fmt.Sprintf("ContainerMode(%d)", int(m))
	}
}

// Frame is one transport-delivered payload, tagged with the group it
// belongs to and whether it is the group's keyframe. Timestamp is
// microseconds; it is meaningless (always 0) in FragmentedContainer mode,
// where presentation timing comes from the container itself.
type Frame struct {
	Data      []byte
	Timestamp uint64
	Keyframe  bool
	Group     uint64
}

// EncodeTimestamp returns the wire header bytes for ts under mode. It
// panics if mode is FragmentedContainer, which has no header to encode —
// callers in that mode append the container bytes directly.
func EncodeTimestamp(ts uint64, mode ContainerMode) []byte {
	switch mode {
	case Varint:
		return quicvarint.Append(nil, ts)
	case RawU64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], ts)
		return buf[:]
	default:
		panic("frame: EncodeTimestamp called with FragmentedContainer mode")
	}
}

// DecodeTimestamp reads the timestamp header off the front of data and
// returns the timestamp plus the remaining payload bytes. In
// FragmentedContainer mode, ts is always 0 and rest is data unchanged.
func DecodeTimestamp(data []byte, mode ContainerMode) (ts uint64, rest []byte, err error) {
	switch mode {
	case Varint:
		r := bytes.NewReader(data)
		ts, err = quicvarint.Read(r)
		if err != nil {
			return 0, nil, fmt.Errorf("frame: decode varint timestamp: %w", err)
		}
		consumed := len(data) - r.Len()
		return ts, data[consumed:], nil
	case RawU64:
		if len(data) < 8 {
			return 0, nil, fmt.Errorf("frame: raw-u64 timestamp needs 8 bytes, got %d", len(data))
		}
		return binary.BigEndian.Uint64(data[:8]), data[8:], nil
	case FragmentedContainer:
		return 0, data, nil
	default:
		return 0, nil, fmt.Errorf("frame: unknown container mode %d", int(mode))
	}
}

// Parse decodes a raw frame body delivered for group seq, tagging it as
// a keyframe when first is true (the first frame delivered in a group is
// always self-decodable, per the transport's ordering contract — this is
// never encoded on the wire).
func Parse(raw []byte, mode ContainerMode, seq uint64, first bool) (Frame, error) {
	ts, rest, err := DecodeTimestamp(raw, mode)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Data:      rest,
		Timestamp: ts,
		Keyframe:  first,
		Group:     seq,
	}, nil
}
