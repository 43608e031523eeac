package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okdaichi/qumo-watch/moqtransport"
	"github.com/okdaichi/qumo-watch/platform/fakeplatform"
	"github.com/okdaichi/qumo-watch/reactive"
	"github.com/okdaichi/qumo-watch/source"
)

type fakeGroup struct {
	seq uint64
	ch  chan []byte
}

func newFakeGroup(seq uint64) *fakeGroup { return &fakeGroup{seq: seq, ch: make(chan []byte, 8)} }
func (g *fakeGroup) Sequence() uint64    { return g.seq }
func (g *fakeGroup) Close() error        { return nil }
func (g *fakeGroup) push(b []byte)       { g.ch <- b }
func (g *fakeGroup) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-g.ch:
		if !ok {
			return nil, moqtransport.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeTrack struct {
	ch chan moqtransport.Group
}

func newFakeTrack() *fakeTrack              { return &fakeTrack{ch: make(chan moqtransport.Group, 4)} }
func (t *fakeTrack) pushGroup(g *fakeGroup) { t.ch <- g }
func (t *fakeTrack) NextGroup(ctx context.Context) (moqtransport.Group, error) {
	select {
	case g, ok := <-t.ch:
		if !ok {
			return nil, moqtransport.EOF
		}
		return g, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (t *fakeTrack) Close() error { return nil }

type fakeBroadcast struct {
	catalogTrack *fakeTrack
}

func (b *fakeBroadcast) Subscribe(ctx context.Context, trackName string, priority int) (moqtransport.Track, error) {
	if trackName == catalogTrackName {
		return b.catalogTrack, nil
	}
	return newFakeTrack(), nil
}

type fakeConnection struct {
	status    *reactive.Signal[moqtransport.ConnectionStatus]
	broadcast *fakeBroadcast
}

func (c *fakeConnection) Status() *reactive.Signal[moqtransport.ConnectionStatus] { return c.status }
func (c *fakeConnection) Consume(path string) (moqtransport.Broadcast, error)     { return c.broadcast, nil }
func (c *fakeConnection) Announced(ctx context.Context, path string) (moqtransport.AnnounceStream, error) {
	return nil, nil
}
func (c *fakeConnection) Close() error { return nil }

const videoCatalogDoc = `{"video":{"renditions":{"only":{"codec":"avc1","codedWidth":640,"codedHeight":360}}}}`

const avCatalogDoc = `{"video":{"renditions":{"only":{"codec":"avc1","codedWidth":640,"codedHeight":360}}},"audio":{"renditions":{"main":{"codec":"opus","sampleRate":48000,"numberOfChannels":2}}}}`

func newTestDeps() (*fakeConnection, *fakeBroadcast) {
	catalogTrack := newFakeTrack()
	bc := &fakeBroadcast{catalogTrack: catalogTrack}
	conn := &fakeConnection{
		status:    reactive.NewSignal(moqtransport.Connected),
		broadcast: bc,
	}
	return conn, bc
}

func TestBroadcast_BuildsVideoFromCatalog(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, bc := newTestDeps()
	b, err := Open(ctx, "live/test", Deps{
		Connection: conn,
		Platform:   fakeplatform.New(),
		SourceURL:  "",
	}, Config{Enabled: true, Latency: 0})
	require.NoError(t, err)
	defer b.Close()

	g := newFakeGroup(0)
	bc.catalogTrack.pushGroup(g)
	g.push([]byte(videoCatalogDoc))
	close(g.ch) // the catalog document is complete once its group ends

	require.Eventually(t, func() bool {
		return b.Video() != nil
	}, time.Second, time.Millisecond, "video source was never built from the catalog")
}

func TestBroadcast_BuildsAudioFromCatalog(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, bc := newTestDeps()
	b, err := Open(ctx, "live/test", Deps{
		Connection: conn,
		Platform:   fakeplatform.New(),
		SourceURL:  "",
	}, Config{Enabled: true, Latency: 0})
	require.NoError(t, err)
	defer b.Close()

	g := newFakeGroup(0)
	bc.catalogTrack.pushGroup(g)
	g.push([]byte(avCatalogDoc))
	close(g.ch) // the catalog document is complete once its group ends

	require.Eventually(t, func() bool {
		return b.Audio() != nil
	}, time.Second, time.Millisecond, "audio source was never built from the catalog")
}

func TestBroadcast_CloseIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := newTestDeps()
	b, err := Open(ctx, "live/test", Deps{
		Connection: conn,
		Platform:   fakeplatform.New(),
	}, Config{Enabled: true, Latency: 0})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Nil(t, b.Video())
}

func TestBroadcast_SetTargetBeforeCatalogIsRemembered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, bc := newTestDeps()
	b, err := Open(ctx, "live/test", Deps{
		Connection: conn,
		Platform:   fakeplatform.New(),
	}, Config{Enabled: true, Latency: 0})
	require.NoError(t, err)
	defer b.Close()

	only := "only"
	require.NoError(t, b.SetTarget(ctx, source.Target{Rendition: &only}))

	g := newFakeGroup(0)
	bc.catalogTrack.pushGroup(g)
	g.push([]byte(videoCatalogDoc))
	close(g.ch) // the catalog document is complete once its group ends

	require.Eventually(t, func() bool {
		return b.Video() != nil
	}, time.Second, time.Millisecond)
}
