package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okdaichi/qumo-watch/catalog"
	"github.com/okdaichi/qumo-watch/platform"
	"github.com/okdaichi/qumo-watch/platform/fakeplatform"
	"github.com/okdaichi/qumo-watch/reactive"
	"github.com/okdaichi/qumo-watch/werrors"
)

// failingAudioDecoder always fails to decode, so a rendition wired to it
// exercises the mid-stream DecoderError path.
type failingAudioDecoder struct{}

func (failingAudioDecoder) Configure(platform.AudioDecoderConfig) error { return nil }
func (failingAudioDecoder) Decode(platform.EncodedChunk) error {
	return fmt.Errorf("fakeplatform: forced decode failure")
}
func (failingAudioDecoder) Flush(context.Context) error { return nil }
func (failingAudioDecoder) Close() error                { return nil }

// failingAudioPlatform wraps the fake platform but hands back a decoder
// that always fails to decode, regardless of rendition.
type failingAudioPlatform struct {
	*fakeplatform.Platform
}

func (p *failingAudioPlatform) NewAudioDecoder(output func(platform.DecodedAudioFrame), onError func(error)) (platform.AudioDecoder, error) {
	return failingAudioDecoder{}, nil
}

func TestAudio_StartSubscribesEligibleRendition(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	renditions := map[string]catalog.AudioRendition{
		"main": {Codec: "opus", SampleRate: 48000, NumberOfChannels: 2},
	}

	fb := newFakeBroadcast()
	a := NewAudio(AudioConfig{
		Broadcast: fb,
		Platform:  fakeplatform.New(),
		Latency:   reactive.NewSignal(time.Duration(0)),
	}, renditions)
	defer a.Close()

	require.NoError(t, a.Start(ctx))

	track := waitForTrack(t, fb, "main")
	g := newFakeGroup(0)
	track.pushGroup(g)
	g.push(0, 0xCC)

	require.Eventually(t, func() bool {
		return a.Stats.Peek().BytesReceived > 0
	}, time.Second, time.Millisecond, "audio stats never reflected the pushed frame")
}

func TestAudio_SetEnabledFalseTearsDownSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	renditions := map[string]catalog.AudioRendition{
		"main": {Codec: "opus", SampleRate: 48000, NumberOfChannels: 2},
	}

	fb := newFakeBroadcast()
	a := NewAudio(AudioConfig{
		Broadcast: fb,
		Platform:  fakeplatform.New(),
		Latency:   reactive.NewSignal(time.Duration(0)),
	}, renditions)
	defer a.Close()

	require.NoError(t, a.Start(ctx))
	waitForTrack(t, fb, "main")

	require.NoError(t, a.SetEnabled(ctx, false))
	a.mu.Lock()
	active, pending := a.active, a.pending
	a.mu.Unlock()
	assert.Nil(t, active)
	assert.Nil(t, pending)
}

func TestAudio_SetTargetSwitchesRendition(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	renditions := map[string]catalog.AudioRendition{
		"main": {Codec: "opus", SampleRate: 48000, NumberOfChannels: 2, Priority: 0},
		"desc": {Codec: "opus", SampleRate: 48000, NumberOfChannels: 2, Priority: 5},
	}

	fb := newFakeBroadcast()
	a := NewAudio(AudioConfig{
		Broadcast: fb,
		Platform:  fakeplatform.New(),
		Latency:   reactive.NewSignal(time.Duration(0)),
	}, renditions)
	defer a.Close()

	require.NoError(t, a.Start(ctx))
	waitForTrack(t, fb, "main")

	desc := "desc"
	require.NoError(t, a.SetTarget(ctx, Target{Rendition: &desc}))
	waitForTrack(t, fb, "desc")

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.pending != nil && a.pending.name == "desc"
	}, time.Second, time.Millisecond, "desc rendition was never subscribed as pending")
}

func TestAudio_NoEligibleRenditionsSurfacesErr(t *testing.T) {
	ctx := context.Background()
	a := NewAudio(AudioConfig{
		Broadcast: newFakeBroadcast(),
		Platform:  fakeplatform.New(),
		Latency:   reactive.NewSignal(time.Duration(0)),
	}, map[string]catalog.AudioRendition{})
	defer a.Close()

	err := a.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, err, a.Err.Peek())
}

func TestAudio_CloseIsIdempotent(t *testing.T) {
	a := NewAudio(AudioConfig{
		Broadcast: newFakeBroadcast(),
		Platform:  fakeplatform.New(),
		Latency:   reactive.NewSignal(time.Duration(0)),
	}, map[string]catalog.AudioRendition{})
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

// A mid-stream decode failure must terminate the failed subscription
// and re-enter rendition selection rather than hanging the source
// forever.
func TestAudio_DecodeErrorReentersSelection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	renditions := map[string]catalog.AudioRendition{
		"bad":  {Codec: "opus", SampleRate: 48000, NumberOfChannels: 2, Priority: 0},
		"good": {Codec: "opus", SampleRate: 48000, NumberOfChannels: 2, Priority: 5},
	}

	fb := newFakeBroadcast()
	a := NewAudio(AudioConfig{
		Broadcast: fb,
		Platform:  &failingAudioPlatform{Platform: fakeplatform.New()},
		Latency:   reactive.NewSignal(time.Duration(0)),
	}, renditions)
	defer a.Close()

	require.NoError(t, a.Start(ctx))

	badTrack := waitForTrack(t, fb, "bad")
	g := newFakeGroup(0)
	badTrack.pushGroup(g)
	g.push(0, 0xCC)

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return !a.eligible["bad"]
	}, time.Second, time.Millisecond, "bad rendition was never dropped from the eligible set")

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.active != nil && a.active.name == "good"
	}, time.Second, time.Millisecond, "selection never re-entered and picked the remaining rendition")

	assert.True(t, errors.Is(a.Err.Peek(), werrors.ErrDecoderFailure))
}

// A fragmented-container rendition whose shared pipeline never appears
// must fall back rather than wait forever. No other rendition is
// eligible here, so the fallback surfaces ErrNoEligibleRenditions once
// the retry also finds nothing left.
func TestAudio_PipelineUnavailableFallsBackAndSurfacesErr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	renditions := map[string]catalog.AudioRendition{
		"fragmented": {Codec: "opus", SampleRate: 48000, NumberOfChannels: 2, Container: "fragmented-container"},
	}

	fb := newFakeBroadcast()
	a := NewAudio(AudioConfig{
		Broadcast: fb,
		Platform:  fakeplatform.New(),
		Latency:   reactive.NewSignal(time.Duration(0)),
		Video:     nil,
	}, renditions)
	defer a.Close()

	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		return errors.Is(a.Err.Peek(), werrors.ErrNoEligibleRenditions)
	}, 2*time.Second, 5*time.Millisecond, "pipeline-unavailable fallback never surfaced ErrNoEligibleRenditions")
}
