// Package werrors defines the error kinds shared across the watch-side
// pipeline (jitter buffer, sources, container assembly, orchestrator).
//
// Recoverable conditions (LatencySkip, CodecUnsupported, DecoderError on a
// single rendition) are summarized via signals by the component that hits
// them rather than returned to the caller; the sentinels here exist so
// that callers that DO see them (e.g. in tests, or at a component boundary)
// can distinguish them with errors.Is.
package werrors

import "errors"

var (
	// ErrTransportClosed means the underlying connection or track ended.
	// Surfaced as end-of-stream, not treated as fatal.
	ErrTransportClosed = errors.New("transport closed")

	// ErrCodecUnsupported means a rendition could not be decoded by the
	// platform and must be removed from the eligible set.
	ErrCodecUnsupported = errors.New("codec unsupported")

	// ErrNoEligibleRenditions means no rendition in a catalog section is
	// left that is both eligible and decodable: the section was empty, or
	// every rendition was removed after a codec, decoder or pipeline
	// failure.
	ErrNoEligibleRenditions = errors.New("no eligible renditions")

	// ErrDecoderFailure means a decoder reported an error mid-stream.
	ErrDecoderFailure = errors.New("decoder failure")

	// ErrPipelineClosed means the media pipeline reached readyState
	// "closed", either deliberately or due to a timeout.
	ErrPipelineClosed = errors.New("media pipeline closed")

	// ErrAppendQuotaExceeded means an open media pipeline refused to add
	// the audio append buffer (it already holds its limit of two). A full
	// append queue does not produce it: the oldest queued fragment is
	// discarded with a warning instead.
	ErrAppendQuotaExceeded = errors.New("append quota exceeded")

	// ErrInvalidState means the caller misused an API, e.g. by calling
	// NextFrame concurrently from two goroutines.
	ErrInvalidState = errors.New("invalid state")
)
