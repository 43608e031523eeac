// Package source implements the video and audio sources: given a
// catalog and a broadcast, select a rendition, run one of the two
// decode paths (per-frame codec decoding or container assembly), and
// expose the observable state as reactive signals.
package source

import "github.com/okdaichi/qumo-watch/catalog"

// Target is the caller-supplied rendition goal. An explicit Rendition
// name overrides pixel-goal selection.
type Target struct {
	Pixels    *int
	Rendition *string
}

// selectVideoRendition intersects renditions with decodable, then picks
// the smallest rendition whose pixel count is >= the target pixel goal;
// if none qualifies, the largest below target; ties break by the stable
// iteration order of names. An explicit target rendition name overrides
// the pixel-goal search entirely.
func selectVideoRendition(renditions map[string]catalog.VideoRendition, names []string, decodable func(codec string) bool, eligible map[string]bool, target Target) (string, catalog.VideoRendition, bool) {
	if target.Rendition != nil {
		if r, ok := renditions[*target.Rendition]; ok && decodable(r.Codec) && eligible[*target.Rendition] {
			return *target.Rendition, r, true
		}
	}

	goal := 0
	if target.Pixels != nil {
		goal = *target.Pixels
	}

	var (
		bestAbove    string
		bestAboveR   catalog.VideoRendition
		haveAbove    bool
		bestBelow    string
		bestBelowR   catalog.VideoRendition
		haveBelow    bool
	)

	for _, name := range names {
		r, ok := renditions[name]
		if !ok || !eligible[name] || !decodable(r.Codec) {
			continue
		}
		pixels := r.PixelCount()
		if pixels >= goal {
			if !haveAbove || pixels < bestAboveR.PixelCount() {
				bestAbove, bestAboveR, haveAbove = name, r, true
			}
		} else {
			if !haveBelow || pixels > bestBelowR.PixelCount() {
				bestBelow, bestBelowR, haveBelow = name, r, true
			}
		}
	}

	if haveAbove {
		return bestAbove, bestAboveR, true
	}
	if haveBelow {
		return bestBelow, bestBelowR, true
	}
	return "", catalog.VideoRendition{}, false
}

// selectAudioRendition has no pixel-count dimension to optimize: an
// explicit target name overrides, otherwise the lowest-priority-value
// (highest priority) eligible rendition wins, ties broken by the stable
// iteration order of names.
func selectAudioRendition(renditions map[string]catalog.AudioRendition, names []string, decodable func(codec string) bool, eligible map[string]bool, target Target) (string, catalog.AudioRendition, bool) {
	if target.Rendition != nil {
		if r, ok := renditions[*target.Rendition]; ok && decodable(r.Codec) && eligible[*target.Rendition] {
			return *target.Rendition, r, true
		}
	}

	var (
		best     string
		bestR    catalog.AudioRendition
		have     bool
	)
	for _, name := range names {
		r, ok := renditions[name]
		if !ok || !eligible[name] || !decodable(r.Codec) {
			continue
		}
		if !have || r.Priority < bestR.Priority {
			best, bestR, have = name, r, true
		}
	}
	return best, bestR, have
}
