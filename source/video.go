package source

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okdaichi/qumo-watch/catalog"
	"github.com/okdaichi/qumo-watch/frame"
	"github.com/okdaichi/qumo-watch/jitter"
	"github.com/okdaichi/qumo-watch/moqtransport"
	"github.com/okdaichi/qumo-watch/mse"
	"github.com/okdaichi/qumo-watch/platform"
	"github.com/okdaichi/qumo-watch/reactive"
	"github.com/okdaichi/qumo-watch/werrors"
)

const (
	maxBFrameQueueDepth = 10
	syncWaitThreshold   = 200 * time.Millisecond
)

// BufferStatus reports whether a source has produced any output yet.
type BufferStatus int

const (
	BufferEmpty BufferStatus = iota
	BufferFilled
)

func (s BufferStatus) String() string {
	if s == BufferFilled {
		return "filled"
	}
	return "empty"
}

// SyncStatus reports whether a source is emitting in real time or
// waiting out a presentation-time lead, and by how much.
type SyncStatus struct {
	Ready          bool
	BufferDuration time.Duration
}

// Display is the rendered picture size, from the catalog or the
// captured stream.
type Display struct {
	Width  int
	Height int
}

// Stats accumulates per-source video counters.
type Stats struct {
	FrameCount    uint64
	Timestamp     uint64
	BytesReceived uint64
}

// VideoConfig are the collaborators a Video source needs; all are
// required except DecodableCodecs (nil treats every codec as decodable)
// and SourceURL, which only matters for fragmented-container renditions.
type VideoConfig struct {
	Broadcast       moqtransport.Broadcast
	Platform        platform.Platform
	Latency         *reactive.Signal[time.Duration]
	DecodableCodecs map[string]bool
	SourceURL       string
}

type videoSub struct {
	name     string
	track    moqtransport.Track
	consumer *jitter.Consumer
	cancel   context.CancelFunc
	parent   context.Context
	failed   atomic.Bool
}

// Video is the video source: it selects a rendition, runs one of the
// two decode paths, and republishes decoded/captured pictures on
// CurrentFrame. In container-assembly mode, callers should read
// Pipeline().CurrentFrame / .Display instead — the pipeline already
// owns those signals and Video does not duplicate them.
type Video struct {
	log       *slog.Logger
	cfg       VideoConfig
	latency   *reactive.Signal[time.Duration]
	decodable map[string]bool

	CurrentFrame *reactive.Signal[platform.ImageRef]
	Display      *reactive.Signal[Display]
	BufferStatus *reactive.Signal[BufferStatus]
	SyncStatus   *reactive.Signal[SyncStatus]
	Stats        *reactive.Signal[Stats]
	Err          *reactive.Signal[error]

	mu         sync.Mutex
	renditions map[string]catalog.VideoRendition
	names      []string
	eligible   map[string]bool
	target     Target
	pipeline   *mse.Pipeline
	active     *videoSub
	pending    *videoSub
	closed     bool

	bytesReceived atomic.Uint64
}

// NewVideo builds a Video source over the catalog's video renditions.
func NewVideo(cfg VideoConfig, renditions map[string]catalog.VideoRendition) *Video {
	names := make([]string, 0, len(renditions))
	eligible := make(map[string]bool, len(renditions))
	for name := range renditions {
		names = append(names, name)
		eligible[name] = true
	}
	sort.Strings(names)

	return &Video{
		log:          slog.With("component", "source.video"),
		cfg:          cfg,
		latency:      cfg.Latency,
		decodable:    cfg.DecodableCodecs,
		CurrentFrame: reactive.NewSignal[platform.ImageRef](nil),
		Display:      reactive.NewSignal(Display{}),
		BufferStatus: reactive.NewSignal(BufferEmpty),
		SyncStatus:   reactive.NewSignal(SyncStatus{Ready: true}),
		Stats:        reactive.NewSignal(Stats{}),
		Err:          reactive.NewSignal[error](nil),
		renditions:   renditions,
		names:        names,
		eligible:     eligible,
	}
}

// Pipeline returns the shared container-assembly pipeline, which
// runAssembly creates when the first fragmented-container rendition
// starts; nil until then. Audio treats the return value as read-only
// state.
func (v *Video) Pipeline() *mse.Pipeline {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pipeline
}

func (v *Video) isDecodable(codec string) bool {
	if v.decodable == nil {
		return true
	}
	return v.decodable[codec]
}

func (v *Video) selectLocked() (string, catalog.VideoRendition, bool) {
	return selectVideoRendition(v.renditions, v.names, v.isDecodable, v.eligible, v.target)
}

// Start selects an initial rendition and begins the first subscription.
func (v *Video) Start(ctx context.Context) error {
	v.mu.Lock()
	name, r, ok := v.selectLocked()
	v.mu.Unlock()
	if !ok {
		v.Err.Set(werrors.ErrNoEligibleRenditions)
		return werrors.ErrNoEligibleRenditions
	}
	return v.beginSubscription(ctx, name, r, true)
}

// SetTarget updates the rendition target. If the effective rendition
// changes, a pending subscription is started alongside the active one
// and promoted once it catches up, so the switch never shows a gap.
func (v *Video) SetTarget(ctx context.Context, t Target) error {
	v.mu.Lock()
	v.target = t
	name, r, ok := v.selectLocked()
	current := ""
	if v.active != nil {
		current = v.active.name
	}
	v.mu.Unlock()

	if !ok {
		v.Err.Set(werrors.ErrNoEligibleRenditions)
		return werrors.ErrNoEligibleRenditions
	}
	if name == current {
		return nil
	}
	return v.beginSubscription(ctx, name, r, current == "")
}

func (v *Video) beginSubscription(ctx context.Context, name string, r catalog.VideoRendition, immediate bool) error {
	subCtx, cancel := context.WithCancel(ctx)

	track, err := v.cfg.Broadcast.Subscribe(subCtx, name, r.Priority)
	if err != nil {
		cancel()
		return fmt.Errorf("source: subscribe video rendition %q: %w", name, err)
	}

	mode := r.Mode()
	sub := &videoSub{
		name:     name,
		track:    track,
		consumer: jitter.New(subCtx, track, mode, v.latency),
		cancel:   cancel,
		parent:   ctx,
	}

	v.mu.Lock()
	if immediate {
		v.active = sub
	} else {
		if v.pending != nil {
			old := v.pending
			v.pending = sub
			v.mu.Unlock()
			v.teardownSub(old)
			v.mu.Lock()
		} else {
			v.pending = sub
		}
	}
	v.mu.Unlock()

	go v.run(subCtx, sub, r, mode, immediate)
	return nil
}

func (v *Video) teardownSub(sub *videoSub) {
	sub.cancel()
	_ = sub.consumer.Close()
}

// promote atomically makes sub the active subscription and tears down
// whatever was active before, yielding a gapless switch: the frame that
// triggered promotion is published in the same iteration (see runCodec).
func (v *Video) promote(sub *videoSub) {
	v.mu.Lock()
	old := v.active
	v.active = sub
	if v.pending == sub {
		v.pending = nil
	}
	v.mu.Unlock()
	if old != nil && old != sub {
		v.teardownSub(old)
	}
}

func (v *Video) run(ctx context.Context, sub *videoSub, r catalog.VideoRendition, mode frame.ContainerMode, immediate bool) {
	if mode == frame.FragmentedContainer {
		v.runAssembly(ctx, sub, r, immediate)
		return
	}
	v.runCodec(ctx, sub, r, immediate)
}

func (v *Video) runCodec(ctx context.Context, sub *videoSub, r catalog.VideoRendition, immediate bool) {
	decodedCh := make(chan platform.DecodedVideoFrame, maxBFrameQueueDepth)

	decoder, err := v.cfg.Platform.NewVideoDecoder(
		func(f platform.DecodedVideoFrame) { decodedCh <- f },
		func(err error) {
			v.log.Warn("decoder reported failure", "rendition", sub.name, "error", err)
			v.handleUnsupported(ctx, sub, fmt.Errorf("source: %w: %w", werrors.ErrDecoderFailure, err))
		},
	)
	if err != nil {
		v.handleUnsupported(ctx, sub, fmt.Errorf("source: create video decoder %q: %w: %w", r.Codec, werrors.ErrCodecUnsupported, err))
		return
	}
	desc, _ := r.Description()
	if err := decoder.Configure(platform.VideoDecoderConfig{
		Codec:              r.Codec,
		Description:        desc,
		CodedWidth:         r.CodedWidth,
		CodedHeight:        r.CodedHeight,
		OptimizeForLatency: r.OptimizeForLatency,
	}); err != nil {
		_ = decoder.Close()
		v.handleUnsupported(ctx, sub, fmt.Errorf("source: configure video decoder %q: %w: %w", r.Codec, werrors.ErrCodecUnsupported, err))
		return
	}
	defer decoder.Close()

	go func() {
		for {
			fr, err := sub.consumer.NextFrame(ctx)
			if err != nil {
				return
			}
			v.bytesReceived.Add(uint64(len(fr.Data)))
			chunkType := platform.DeltaChunk
			if fr.Keyframe {
				chunkType = platform.KeyChunk
			}
			if err := decoder.Decode(platform.EncodedChunk{Type: chunkType, Data: fr.Data, Timestamp: fr.Timestamp}); err != nil {
				v.log.Warn("decode failed", "rendition", sub.name, "error", err)
				v.handleUnsupported(ctx, sub, fmt.Errorf("source: decode video frame: %w: %w", werrors.ErrDecoderFailure, err))
				return
			}
		}
	}()

	var ref time.Time
	haveRef := false
	promoted := immediate

	for {
		select {
		case df, ok := <-decodedCh:
			if !ok {
				return
			}
			now := time.Now()
			if !haveRef {
				ref = now.Add(-time.Duration(df.Timestamp) * time.Microsecond)
				haveRef = true
			}
			L := v.latency.Peek()
			sleep := ref.Add(time.Duration(df.Timestamp)*time.Microsecond).Sub(now) + L

			if sleep > syncWaitThreshold {
				v.SyncStatus.Set(SyncStatus{Ready: false, BufferDuration: sleep})
			}
			if sleep > 0 {
				select {
				case <-time.After(sleep):
				case <-ctx.Done():
					_ = df.Image.Close()
					return
				}
			}

			if !promoted {
				if sleep <= syncWaitThreshold {
					v.promote(sub)
					promoted = true
				} else {
					_ = df.Image.Close()
					continue
				}
			}

			v.SyncStatus.Set(SyncStatus{Ready: true})
			prev := v.CurrentFrame.Peek()
			v.CurrentFrame.Set(df.Image)
			if prev != nil {
				_ = prev.Close()
			}
			v.Stats.Update(func(s Stats) Stats {
				s.FrameCount++
				s.Timestamp = df.Timestamp
				s.BytesReceived = v.bytesReceived.Load()
				return s
			})
			v.BufferStatus.Set(BufferFilled)
		case <-ctx.Done():
			return
		}
	}
}

func (v *Video) runAssembly(ctx context.Context, sub *videoSub, r catalog.VideoRendition, immediate bool) {
	v.mu.Lock()
	pipeline := v.pipeline
	v.mu.Unlock()

	if pipeline == nil {
		pl, err := mse.New(v.cfg.Platform, v.cfg.SourceURL)
		if err != nil {
			v.log.Warn("create media pipeline failed", "error", err)
			return
		}
		v.mu.Lock()
		if v.pipeline == nil {
			v.pipeline = pl
		}
		pipeline = v.pipeline
		v.mu.Unlock()
	}

	if err := pipeline.Open(ctx); err != nil {
		v.log.Warn("pipeline open failed", "error", err)
		return
	}

	initSeg, _ := r.InitSegment()
	if err := pipeline.AddVideo(ctx, "video/mp4", initSeg); err != nil {
		v.log.Warn("add video append buffer failed", "error", err)
		return
	}

	if immediate {
		v.mu.Lock()
		v.active = sub
		v.mu.Unlock()
	} else {
		v.promote(sub)
	}

	for {
		fr, err := sub.consumer.NextFrame(ctx)
		if err != nil {
			return
		}
		v.bytesReceived.Add(uint64(len(fr.Data)))
		if err := pipeline.EnqueueVideoFragment(fr.Data); err != nil {
			v.log.Warn("enqueue video fragment failed", "error", err)
		}
	}
}

// handleUnsupported removes a rendition from the eligible set and
// retries selection, surfacing ErrNoEligibleRenditions if none remain.
// It is the single terminal path for a subscription that cannot
// continue: an unsupported/unconfigurable codec, and a decoder failure
// reported mid-stream, whether from the feed goroutine's Decode call or
// the decoder's own async error callback. Only the failed subscription
// is torn down; the source stays alive to try another rendition.
// sub.failed guards against running this twice for the same
// subscription when both paths fire for the same underlying error.
func (v *Video) handleUnsupported(ctx context.Context, sub *videoSub, reason error) {
	if !sub.failed.CompareAndSwap(false, true) {
		return
	}

	v.mu.Lock()
	delete(v.eligible, sub.name)
	wasActive := v.active == sub
	if wasActive {
		v.active = nil
	}
	if v.pending == sub {
		v.pending = nil
	}
	v.mu.Unlock()
	v.teardownSub(sub)
	v.Err.Set(reason)

	v.mu.Lock()
	name, r, ok := v.selectLocked()
	v.mu.Unlock()
	if !ok {
		v.Err.Set(werrors.ErrNoEligibleRenditions)
		return
	}
	// ctx belongs to the failed subscription and was just cancelled by
	// teardownSub, so the retry runs under the context that sub began in.
	if err := v.beginSubscription(sub.parent, name, r, wasActive); err != nil {
		v.log.Warn("retry after rendition failure failed", "error", err)
	}
}

// Close tears down both subscriptions and the shared pipeline, if any.
func (v *Video) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	active, pending, pipeline := v.active, v.pending, v.pipeline
	v.active, v.pending = nil, nil
	v.mu.Unlock()

	if active != nil {
		v.teardownSub(active)
	}
	if pending != nil {
		v.teardownSub(pending)
	}
	if pipeline != nil {
		_ = pipeline.Close()
	}
	if img := v.CurrentFrame.Peek(); img != nil {
		_ = img.Close()
		v.CurrentFrame.Set(nil)
	}
	return nil
}
