// Package platform declares the browser-side collaborators the rest of
// the pipeline depends on: WebCodecs-equivalent decoders (VideoDecoder,
// AudioDecoder) and MSE-equivalent container-assembly primitives
// (MediaPipeline, AppendBuffer, VideoElement). No browser exists
// server-side, so production code never implements these against a real
// engine — platform/fakeplatform provides a test/demo implementation
// that honors every ordering and lifecycle contract without decoding
// real media.
package platform

import "context"

// ChunkType mirrors WebCodecs' EncodedVideoChunk/EncodedAudioChunk type.
type ChunkType int

const (
	KeyChunk ChunkType = iota
	DeltaChunk
)

// EncodedChunk is one encoded frame handed to a decoder, already tagged
// with keyframe-ness by the jitter consumer.
type EncodedChunk struct {
	Type      ChunkType
	Data      []byte
	Timestamp uint64 // microseconds
}

// ImageRef is a reference to a decoded or captured picture. Callers must
// Close it once they stop using it; a source holding one as its current
// frame releases the previous reference when overwriting it.
type ImageRef interface {
	Width() int
	Height() int
	Close() error
}

// VideoDecoderConfig configures a VideoDecoder for one rendition.
type VideoDecoderConfig struct {
	Codec              string
	Description        []byte
	CodedWidth         int
	CodedHeight        int
	OptimizeForLatency bool
}

// DecodedVideoFrame is delivered to a VideoDecoder's output callback.
type DecodedVideoFrame struct {
	Image     ImageRef
	Timestamp uint64
}

// VideoDecoder decodes a stream of encoded chunks in timestamp order.
// Output and errors are delivered asynchronously to the callbacks
// supplied at construction (Platform.NewVideoDecoder).
type VideoDecoder interface {
	Configure(cfg VideoDecoderConfig) error
	Decode(chunk EncodedChunk) error
	Flush(ctx context.Context) error
	Close() error
}

// AudioDecoderConfig configures an AudioDecoder for one rendition.
type AudioDecoderConfig struct {
	Codec            string
	Description      []byte
	SampleRate       int
	NumberOfChannels int
}

// DecodedAudioFrame is delivered to an AudioDecoder's output callback.
type DecodedAudioFrame struct {
	PCM       []float32
	Timestamp uint64
}

// AudioDecoder decodes a stream of encoded chunks into PCM.
type AudioDecoder interface {
	Configure(cfg AudioDecoderConfig) error
	Decode(chunk EncodedChunk) error
	Flush(ctx context.Context) error
	Close() error
}

// ReadyState mirrors MediaSource.readyState.
type ReadyState int

const (
	StateClosed ReadyState = iota
	StateOpen
	StateEnded
)

func (s ReadyState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// AppendBuffer mirrors a SourceBuffer: it accepts an init segment,
// followed by fragments, with at most one append in flight at a time.
type AppendBuffer interface {
	// Append blocks until the append completes (the updateend event) or
	// ctx is cancelled. Callers must not call Append while Updating() is
	// true; doing so is a caller bug, not a recoverable error.
	Append(ctx context.Context, data []byte) error
	Updating() bool
	MimeType() string
	Close() error
}

// VideoFrameCapture is one picture captured from a VideoElement, via the
// platform's per-video-frame hook (or an animation-frame fallback).
type VideoFrameCapture struct {
	Image  ImageRef
	Width  int
	Height int
}

// VideoElement is the hidden <video> element a MediaPipeline renders
// into. OnFrame mirrors requestVideoFrameCallback.
type VideoElement interface {
	Play(ctx context.Context) error
	OnFrame(cb func(VideoFrameCapture)) (unsubscribe func())
	Width() int
	Height() int
	Close() error
}

// MediaPipeline mirrors a MediaSource bound to a hidden video element.
// It supports at most two append buffers, one video and one audio.
type MediaPipeline interface {
	SourceURL() string
	// WaitOpen blocks until the pipeline reaches StateOpen (the
	// sourceopen event) or ctx is cancelled.
	WaitOpen(ctx context.Context) error
	ReadyState() ReadyState
	// AddAppendBuffer creates a new append buffer for mimeType. It
	// returns an error if the pipeline already has two buffers or is
	// not open.
	AddAppendBuffer(mimeType string) (AppendBuffer, error)
	VideoElement() VideoElement
	Close() error
}

// Platform is the factory for all browser-side collaborators. Exactly
// one implementation exists in this module: platform/fakeplatform.
type Platform interface {
	NewVideoDecoder(output func(DecodedVideoFrame), onError func(error)) (VideoDecoder, error)
	NewAudioDecoder(output func(DecodedAudioFrame), onError func(error)) (AudioDecoder, error)
	NewMediaPipeline(sourceURL string) (MediaPipeline, error)
}
