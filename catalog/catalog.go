// Package catalog models the broadcast's self-describing manifest: the
// JSON document delivered on the well-known "catalog.json" track. It
// decodes the wire document into the rendition data model the rest of
// the pipeline operates on, including the hex/base64 codecs for
// description and init-segment bytes.
package catalog

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/okdaichi/qumo-watch/frame"
)

// Catalog is the root catalog document. Video and Audio are optional;
// Sidecar tracks (chat, location, user info) are parsed so the document
// round-trips, but are out of core scope — nothing in this module acts
// on them.
type Catalog struct {
	Video   *VideoSection  `json:"video,omitempty"`
	Audio   *AudioSection  `json:"audio,omitempty"`
	Sidecar []SidecarTrack `json:"sidecar,omitempty"`
}

// VideoSection describes the video renditions available on a broadcast.
type VideoSection struct {
	Width      int                       `json:"width,omitempty"`
	Height     int                       `json:"height,omitempty"`
	Flip       bool                      `json:"flip,omitempty"`
	Renditions map[string]VideoRendition `json:"renditions"`
}

// AudioSection describes the audio renditions available on a broadcast.
type AudioSection struct {
	Priority   int                       `json:"priority,omitempty"`
	Renditions map[string]AudioRendition `json:"renditions"`
}

// SidecarTrack is a named auxiliary track (chat, location, user info).
// The core never subscribes to these; they exist here only so a real
// catalog.json document parses without loss.
type SidecarTrack struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// VideoRendition is one named codec configuration for video.
type VideoRendition struct {
	Codec              string `json:"codec"`
	DescriptionHex     string `json:"description,omitempty"`
	CodedWidth         int    `json:"codedWidth,omitempty"`
	CodedHeight        int    `json:"codedHeight,omitempty"`
	InitSegmentBase64  string `json:"initSegment,omitempty"`
	OptimizeForLatency bool   `json:"optimizeForLatency,omitempty"`
	Priority           int    `json:"priority,omitempty"`
}

// Description returns the decoded codec description bytes, or nil if the
// rendition did not carry one.
func (r VideoRendition) Description() ([]byte, error) {
	if r.DescriptionHex == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(r.DescriptionHex)
	if err != nil {
		return nil, fmt.Errorf("catalog: video rendition description is not valid hex: %w", err)
	}
	return b, nil
}

// InitSegment returns the decoded base64 init-segment bytes, or nil if
// the rendition is not in fragmented-container mode.
func (r VideoRendition) InitSegment() ([]byte, error) {
	if r.InitSegmentBase64 == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(r.InitSegmentBase64)
	if err != nil {
		return nil, fmt.Errorf("catalog: video rendition initSegment is not valid base64: %w", err)
	}
	return b, nil
}

// PixelCount returns CodedWidth * CodedHeight, used by rendition
// selection's pixel-goal comparison. Zero if dimensions are unknown.
func (r VideoRendition) PixelCount() int {
	return r.CodedWidth * r.CodedHeight
}

// Mode is always FragmentedContainer when an init segment is present
// (video has no varint/raw-u64 distinction in the wire document — only
// audio's container field selects among all three).
func (r VideoRendition) Mode() frame.ContainerMode {
	if r.InitSegmentBase64 != "" {
		return frame.FragmentedContainer
	}
	return frame.Varint
}

// AudioRendition is one named codec configuration for audio.
type AudioRendition struct {
	Codec             string `json:"codec"`
	SampleRate        int    `json:"sampleRate"`
	NumberOfChannels  int    `json:"numberOfChannels"`
	Container         string `json:"container,omitempty"` // "varint" | "raw-u64" | "fragmented-container"
	DescriptionHex    string `json:"description,omitempty"`
	InitSegmentBase64 string `json:"initSegment,omitempty"`
	Priority          int    `json:"priority,omitempty"`
}

// Description returns the decoded codec description bytes, or nil.
func (r AudioRendition) Description() ([]byte, error) {
	if r.DescriptionHex == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(r.DescriptionHex)
	if err != nil {
		return nil, fmt.Errorf("catalog: audio rendition description is not valid hex: %w", err)
	}
	return b, nil
}

// InitSegment returns the decoded base64 init-segment bytes, or nil.
func (r AudioRendition) InitSegment() ([]byte, error) {
	if r.InitSegmentBase64 == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(r.InitSegmentBase64)
	if err != nil {
		return nil, fmt.Errorf("catalog: audio rendition initSegment is not valid base64: %w", err)
	}
	return b, nil
}

// Mode returns the rendition's container mode, defaulting to Varint per
// the wire document's default when the field is absent.
func (r AudioRendition) Mode() (frame.ContainerMode, error) {
	switch r.Container {
	case "", "varint":
		return frame.Varint, nil
	case "raw-u64":
		return frame.RawU64, nil
	case "fragmented-container":
		return frame.FragmentedContainer, nil
	default:
		return 0, fmt.Errorf("catalog: unknown audio container mode %q", r.Container)
	}
}

// Parse decodes a catalog.json document body.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("catalog: parse: %w", err)
	}
	return c, nil
}
