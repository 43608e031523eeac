package mse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okdaichi/qumo-watch/platform/fakeplatform"
	"github.com/okdaichi/qumo-watch/werrors"
)

func newOpenPipeline(t *testing.T) (context.Context, *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	p, err := New(fakeplatform.New(), "blob:test")
	require.NoError(t, err)
	require.NoError(t, p.Open(ctx))
	t.Cleanup(func() { _ = p.Close() })
	return ctx, p
}

func appendsOf(t *testing.T, buf any) [][]byte {
	t.Helper()
	ins, ok := buf.(fakeplatform.Inspectable)
	require.True(t, ok)
	return ins.Appends()
}

func TestPipeline_InitFirstInvariant(t *testing.T) {
	ctx, p := newOpenPipeline(t)

	videoInit := []byte("moov")
	require.NoError(t, p.AddVideo(ctx, "video/mp4", videoInit))

	require.Eventually(t, func() bool {
		return len(appendsOf(t, p.videoBuf)) >= 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, videoInit, appendsOf(t, p.videoBuf)[0])

	require.NoError(t, p.EnqueueVideoFragment([]byte("moof+mdat#1")))
	require.Eventually(t, func() bool {
		return len(appendsOf(t, p.videoBuf)) >= 2
	}, time.Second, time.Millisecond)

	got := appendsOf(t, p.videoBuf)
	assert.Equal(t, videoInit, got[0], "the init segment must be the first bytes appended")
	assert.Equal(t, []byte("moof+mdat#1"), got[1])
}

// Both buffers receive their init segment before any fragment, and
// appends on each buffer complete one at a time.
func TestPipeline_TwoBufferAppendOrdering(t *testing.T) {
	ctx, p := newOpenPipeline(t)

	videoInit := []byte("moov")
	audioInit := []byte("aoov")
	videoFragment := []byte("moof+mdat")
	audioFragment := []byte("aoof+amdat")

	require.NoError(t, p.AddVideo(ctx, "video/mp4", videoInit))
	require.NoError(t, p.InitializeAudio(ctx, "audio/mp4", audioInit))
	require.NoError(t, p.EnqueueVideoFragment(videoFragment))
	require.NoError(t, p.EnqueueAudioFragment(audioFragment))

	require.Eventually(t, func() bool {
		return len(appendsOf(t, p.videoBuf)) == 2 && len(appendsOf(t, p.audioBuf)) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, [][]byte{videoInit, videoFragment}, appendsOf(t, p.videoBuf))
	assert.Equal(t, [][]byte{audioInit, audioFragment}, appendsOf(t, p.audioBuf))
}

func TestPipeline_EnqueueBeforeInitErrors(t *testing.T) {
	_, p := newOpenPipeline(t)
	assert.Error(t, p.EnqueueVideoFragment([]byte("too early")))
	assert.Error(t, p.EnqueueAudioFragment([]byte("too early")))
}

func TestPipeline_AudioQuotaExceeded(t *testing.T) {
	ctx, p := newOpenPipeline(t)

	require.NoError(t, p.AddVideo(ctx, "video/mp4", []byte("moov")))
	_, err := p.pl.AddAppendBuffer("application/x-dummy")
	require.NoError(t, err)

	err = p.InitializeAudio(ctx, "audio/mp4", []byte("aoov"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, werrors.ErrAppendQuotaExceeded))
}

func TestPipeline_CloseReleasesCurrentFrame(t *testing.T) {
	ctx, p := newOpenPipeline(t)
	require.NoError(t, p.AddVideo(ctx, "video/mp4", []byte("moov")))

	require.Eventually(t, func() bool {
		return p.CurrentFrame.Peek() != nil
	}, time.Second, time.Millisecond, "fake video element never captured a frame")

	require.NoError(t, p.Close())
	assert.Nil(t, p.CurrentFrame.Peek())
}

func TestAppendQueue_DiscardsOldestWhenFull(t *testing.T) {
	q := newAppendQueue(3)
	for i := 0; i < 5; i++ {
		q.push([]byte{byte(i)})
	}
	var drained [][]byte
	for {
		item, ok := q.pop()
		if !ok {
			break
		}
		drained = append(drained, item)
	}
	assert.Equal(t, [][]byte{{2}, {3}, {4}}, drained, "oldest entries must be discarded once the queue is full")
}
