package source

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/okdaichi/qumo-watch/catalog"
)

func intPtr(v int) *int           { return &v }
func strPtr(v string) *string     { return &v }
func alwaysDecodable(string) bool { return true }

func TestSelectVideoRendition_SmallestAboveGoal(t *testing.T) {
	renditions := map[string]catalog.VideoRendition{
		"low":  {Codec: "avc1", CodedWidth: 640, CodedHeight: 360},
		"mid":  {Codec: "avc1", CodedWidth: 1280, CodedHeight: 720},
		"high": {Codec: "avc1", CodedWidth: 1920, CodedHeight: 1080},
	}
	names := []string{"high", "low", "mid"}
	eligible := map[string]bool{"low": true, "mid": true, "high": true}

	name, _, ok := selectVideoRendition(renditions, names, alwaysDecodable, eligible, Target{Pixels: intPtr(640 * 480)})
	assert.True(t, ok)
	assert.Equal(t, "mid", name, "smallest rendition whose pixel count is >= goal")
}

func TestSelectVideoRendition_LargestBelowGoalWhenNoneQualify(t *testing.T) {
	renditions := map[string]catalog.VideoRendition{
		"low": {Codec: "avc1", CodedWidth: 640, CodedHeight: 360},
		"mid": {Codec: "avc1", CodedWidth: 1280, CodedHeight: 720},
	}
	names := []string{"low", "mid"}
	eligible := map[string]bool{"low": true, "mid": true}

	name, _, ok := selectVideoRendition(renditions, names, alwaysDecodable, eligible, Target{Pixels: intPtr(1920 * 1080)})
	assert.True(t, ok)
	assert.Equal(t, "mid", name, "largest rendition below goal when nothing qualifies above it")
}

func TestSelectVideoRendition_ExplicitNameOverrides(t *testing.T) {
	renditions := map[string]catalog.VideoRendition{
		"low":  {Codec: "avc1", CodedWidth: 640, CodedHeight: 360},
		"high": {Codec: "avc1", CodedWidth: 1920, CodedHeight: 1080},
	}
	names := []string{"high", "low"}
	eligible := map[string]bool{"low": true, "high": true}

	name, _, ok := selectVideoRendition(renditions, names, alwaysDecodable, eligible, Target{Pixels: intPtr(1), Rendition: strPtr("high")})
	assert.True(t, ok)
	assert.Equal(t, "high", name)
}

func TestSelectVideoRendition_IneligibleIsSkipped(t *testing.T) {
	renditions := map[string]catalog.VideoRendition{
		"low":  {Codec: "avc1", CodedWidth: 640, CodedHeight: 360},
		"high": {Codec: "hev1", CodedWidth: 1920, CodedHeight: 1080},
	}
	names := []string{"high", "low"}
	eligible := map[string]bool{"low": true, "high": false}

	name, _, ok := selectVideoRendition(renditions, names, alwaysDecodable, eligible, Target{Pixels: intPtr(1920 * 1080)})
	assert.True(t, ok)
	assert.Equal(t, "low", name, "ineligible rendition must never be selected even if it best matches the goal")
}

func TestSelectVideoRendition_NoneEligible(t *testing.T) {
	_, _, ok := selectVideoRendition(nil, nil, alwaysDecodable, nil, Target{})
	assert.False(t, ok)
}

func TestSelectAudioRendition_LowestPriorityValueWins(t *testing.T) {
	renditions := map[string]catalog.AudioRendition{
		"main": {Codec: "opus", Priority: 1},
		"desc": {Codec: "opus", Priority: 5},
	}
	names := []string{"desc", "main"}
	eligible := map[string]bool{"main": true, "desc": true}

	name, _, ok := selectAudioRendition(renditions, names, alwaysDecodable, eligible, Target{})
	assert.True(t, ok)
	assert.Equal(t, "main", name)
}

func TestSelectAudioRendition_ExplicitNameOverrides(t *testing.T) {
	renditions := map[string]catalog.AudioRendition{
		"main": {Codec: "opus", Priority: 1},
		"desc": {Codec: "opus", Priority: 5},
	}
	names := []string{"desc", "main"}
	eligible := map[string]bool{"main": true, "desc": true}

	name, _, ok := selectAudioRendition(renditions, names, alwaysDecodable, eligible, Target{Rendition: strPtr("desc")})
	assert.True(t, ok)
	assert.Equal(t, "desc", name)
}
