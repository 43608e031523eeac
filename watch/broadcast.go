// Package watch implements the broadcast orchestrator: it tracks
// connection, catalog, and broadcast lifecycle, wires the video and
// audio sources to the shared container-assembly pipeline, and
// coordinates rebuilds when the catalog changes. It is the outermost
// scope a caller closes to tear down every goroutine the pipeline owns.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okdaichi/qumo-watch/catalog"
	"github.com/okdaichi/qumo-watch/moqtransport"
	"github.com/okdaichi/qumo-watch/platform"
	"github.com/okdaichi/qumo-watch/reactive"
	"github.com/okdaichi/qumo-watch/source"
)

// catalogTrackName is the well-known track the catalog document is
// delivered on, always subscribed at the highest priority.
const catalogTrackName = "catalog.json"

// Config is the single object passed to broadcast construction.
type Config struct {
	// Enabled starts/stops audio downloading. Video always downloads;
	// only audio has an enabled/disabled mode.
	Enabled bool
	// Latency is the jitter-buffer bound shared by every track's consumer.
	Latency time.Duration
	// Reload, if true, waits for announced.active=true before opening
	// the broadcast; otherwise the broadcast is assumed already active.
	Reload bool
	// Target is the initial video rendition goal.
	Target source.Target
}

// Deps are the external collaborators a Broadcast needs: the transport
// connection, the platform decode/render collaborators, which codecs
// the platform reports as decodable, and the source URL the
// container-assembly pipeline binds its hidden video element to.
type Deps struct {
	Connection      moqtransport.Connection
	Platform        platform.Platform
	DecodableCodecs map[string]bool
	SourceURL       string
}

// Broadcast is the orchestrator: one instance per consumed broadcast
// path. Construct with Open; tear the whole subtree down with Close.
type Broadcast struct {
	log  *slog.Logger
	path string
	deps Deps

	root   *reactive.Effect
	media  *reactive.Effect
	cancel context.CancelFunc

	Latency *reactive.Signal[time.Duration]
	Catalog *reactive.Signal[catalog.Catalog]
	Status  *reactive.Signal[moqtransport.ConnectionStatus]
	Err     *reactive.Signal[error]

	mu            sync.Mutex
	broadcast     moqtransport.Broadcast
	video         *source.Video
	audio         *source.Audio
	pendingTarget source.Target
	audioEnabled  bool
	closed        bool
}

// Open subscribes to path's catalog track and begins driving the video
// and audio sources. If cfg.Reload is set, it first waits for the
// broadcast to be announced as active; otherwise the broadcast is
// consumed immediately and assumed active.
func Open(ctx context.Context, path string, deps Deps, cfg Config) (*Broadcast, error) {
	runCtx, cancel := context.WithCancel(ctx)

	b := &Broadcast{
		log:           slog.With("component", "watch", "broadcast", path),
		path:          path,
		deps:          deps,
		cancel:        cancel,
		Latency:       reactive.NewSignal(cfg.Latency),
		Catalog:       reactive.NewSignal(catalog.Catalog{}),
		Status:        deps.Connection.Status(),
		Err:           reactive.NewSignal[error](nil),
		pendingTarget: cfg.Target,
		audioEnabled:  cfg.Enabled,
	}

	if cfg.Reload {
		if err := b.waitAnnouncedActive(runCtx); err != nil {
			cancel()
			return nil, err
		}
	}

	bc, err := deps.Connection.Consume(path)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch: consume broadcast %q: %w", path, err)
	}
	b.broadcast = bc

	b.root = reactive.NewRoot(runCtx)
	b.root.Spawn(func(taskCtx context.Context) error {
		b.catalogLoop(taskCtx)
		return nil
	})
	b.media = b.root.Child(b.rebuildMedia)

	return b, nil
}

func (b *Broadcast) waitAnnouncedActive(ctx context.Context) error {
	stream, err := b.deps.Connection.Announced(ctx, b.path)
	if err != nil {
		return fmt.Errorf("watch: announced %q: %w", b.path, err)
	}
	defer stream.Close()

	for {
		ann, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("watch: announced %q ended before becoming active: %w", b.path, err)
		}
		if ann.Path == b.path && ann.Active {
			return nil
		}
	}
}

// catalogLoop subscribes to catalog.json at priority 0 and republishes
// each update on Catalog; every update is a full replacement of the
// previous document. A subscription failure or track end is retried;
// the loop only stops when ctx is cancelled.
func (b *Broadcast) catalogLoop(ctx context.Context) {
	for ctx.Err() == nil {
		track, err := b.broadcast.Subscribe(ctx, catalogTrackName, 0)
		if err != nil {
			b.log.Warn("catalog subscribe failed, retrying", "error", err)
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		b.drainCatalogTrack(ctx, track)
		_ = track.Close()
	}
}

func (b *Broadcast) drainCatalogTrack(ctx context.Context, track moqtransport.Track) {
	for {
		group, err := track.NextGroup(ctx)
		if err != nil {
			return
		}
		data, err := readAllFrames(ctx, group)
		if err != nil {
			b.log.Warn("reading catalog group failed", "error", err)
			continue
		}
		cat, err := catalog.Parse(data)
		if err != nil {
			b.log.Warn("parsing catalog document failed", "error", err)
			continue
		}
		b.Catalog.Set(cat)
	}
}

func readAllFrames(ctx context.Context, group moqtransport.Group) ([]byte, error) {
	var out []byte
	for {
		data, err := group.ReadFrame(ctx)
		if err != nil {
			return out, nil
		}
		out = append(out, data...)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// rebuildMedia is the body of the media effect: it depends on Catalog
// and rebuilds Video/Audio whenever a new catalog version arrives. The
// reactive runtime runs the previous run's cleanups (closing the
// previous Video/Audio) before running this body again.
func (b *Broadcast) rebuildMedia(e *reactive.Effect) {
	cat := b.Catalog.Get(e)
	if cat.Video == nil && cat.Audio == nil {
		return
	}

	b.mu.Lock()
	target := b.pendingTarget
	enabled := b.audioEnabled
	b.mu.Unlock()

	var video *source.Video
	if cat.Video != nil {
		video = source.NewVideo(source.VideoConfig{
			Broadcast:       b.broadcast,
			Platform:        b.deps.Platform,
			Latency:         b.Latency,
			DecodableCodecs: b.deps.DecodableCodecs,
			SourceURL:       b.deps.SourceURL,
		}, cat.Video.Renditions)
		// SetTarget on a freshly built source (no active/pending
		// subscription yet) begins the first subscription immediately,
		// the same way Start would, but also honors a target set before
		// this catalog version arrived.
		if err := video.SetTarget(e.Context(), target); err != nil {
			b.log.Warn("video start failed", "error", err)
		}
	}

	var audio *source.Audio
	if cat.Audio != nil {
		audio = source.NewAudio(source.AudioConfig{
			Broadcast:       b.broadcast,
			Platform:        b.deps.Platform,
			Latency:         b.Latency,
			DecodableCodecs: b.deps.DecodableCodecs,
			Video:           video,
		}, cat.Audio.Renditions)
		// NewAudio starts with Enabled already true; Start begins the
		// first subscription when that default matches the caller's
		// wish, otherwise flip Enabled false without ever subscribing.
		if enabled {
			if err := audio.Start(e.Context()); err != nil {
				b.log.Warn("audio start failed", "error", err)
			}
		} else if err := audio.SetEnabled(e.Context(), false); err != nil {
			b.log.Warn("audio disable failed", "error", err)
		}
	}

	b.mu.Lock()
	b.video, b.audio = video, audio
	b.mu.Unlock()

	e.OnCleanup(func() {
		if audio != nil {
			_ = audio.Close()
		}
		if video != nil {
			_ = video.Close()
		}
		b.mu.Lock()
		if b.video == video {
			b.video = nil
		}
		if b.audio == audio {
			b.audio = nil
		}
		b.mu.Unlock()
	})
}

// Video returns the current video source, or nil if no catalog carrying
// a video section has arrived yet.
func (b *Broadcast) Video() *source.Video {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.video
}

// Audio returns the current audio source, or nil if no catalog carrying
// an audio section has arrived yet.
func (b *Broadcast) Audio() *source.Audio {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audio
}

// SetTarget updates the video rendition target. If a video source
// already exists it is applied immediately, via the source's own
// gapless pending/promote switch; otherwise it is remembered and
// applied the next time the media effect builds a video source.
func (b *Broadcast) SetTarget(ctx context.Context, t source.Target) error {
	b.mu.Lock()
	b.pendingTarget = t
	video := b.video
	b.mu.Unlock()
	if video == nil {
		return nil
	}
	return video.SetTarget(ctx, t)
}

// SetEnabled toggles audio downloading, mirroring SetTarget's
// remember-or-apply behavior.
func (b *Broadcast) SetEnabled(ctx context.Context, enabled bool) error {
	b.mu.Lock()
	b.audioEnabled = enabled
	audio := b.audio
	b.mu.Unlock()
	if audio == nil {
		return nil
	}
	return audio.SetEnabled(ctx, enabled)
}

// SetLatency updates the shared jitter-buffer bound used by every track
// consumer created by this broadcast (current and future).
func (b *Broadcast) SetLatency(d time.Duration) {
	b.Latency.Set(d)
}

// Close tears down the catalog loop and the media effect (and whatever
// Video/Audio it last built). It does not close the Connection passed in
// Deps. Safe to call more than once.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.root.Close()
	b.cancel()
	return nil
}
