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
	"github.com/okdaichi/qumo-watch/platform"
	"github.com/okdaichi/qumo-watch/reactive"
	"github.com/okdaichi/qumo-watch/werrors"
)

// AudioStats accumulates per-source audio counters.
type AudioStats struct {
	BytesReceived uint64
}

// AudioConfig are the collaborators an Audio source needs. Video gives
// the container-assembly path access to the shared pipeline; Audio only
// ever reads from it. The pipeline never holds a pointer back to audio.
type AudioConfig struct {
	Broadcast       moqtransport.Broadcast
	Platform        platform.Platform
	Latency         *reactive.Signal[time.Duration]
	DecodableCodecs map[string]bool
	Video           *Video
}

type audioSub struct {
	name     string
	track    moqtransport.Track
	consumer *jitter.Consumer
	cancel   context.CancelFunc
	parent   context.Context
	failed   atomic.Bool
}

// Audio is the audio source: the same contract as Video, except it
// emits PCM instead of images, has an enabled/disabled toggle, and its
// container-assembly path joins the video-owned pipeline instead of
// creating its own.
type Audio struct {
	log       *slog.Logger
	cfg       AudioConfig
	latency   *reactive.Signal[time.Duration]
	decodable map[string]bool

	Stats      *reactive.Signal[AudioStats]
	Enabled    *reactive.Signal[bool]
	SyncStatus *reactive.Signal[SyncStatus]
	Err        *reactive.Signal[error]

	mu         sync.Mutex
	renditions map[string]catalog.AudioRendition
	names      []string
	eligible   map[string]bool
	target     Target
	active     *audioSub
	pending    *audioSub
	closed     bool

	bytesReceived atomic.Uint64
}

// NewAudio builds an Audio source over the catalog's audio renditions.
// Audio starts enabled, but nothing is subscribed until Start is
// called; Start does nothing if the caller has disabled it first.
func NewAudio(cfg AudioConfig, renditions map[string]catalog.AudioRendition) *Audio {
	names := make([]string, 0, len(renditions))
	eligible := make(map[string]bool, len(renditions))
	for name := range renditions {
		names = append(names, name)
		eligible[name] = true
	}
	sort.Strings(names)

	return &Audio{
		log:        slog.With("component", "source.audio"),
		cfg:        cfg,
		latency:    cfg.Latency,
		decodable:  cfg.DecodableCodecs,
		Stats:      reactive.NewSignal(AudioStats{}),
		Enabled:    reactive.NewSignal(true),
		SyncStatus: reactive.NewSignal(SyncStatus{Ready: true}),
		Err:        reactive.NewSignal[error](nil),
		renditions: renditions,
		names:      names,
		eligible:   eligible,
	}
}

func (a *Audio) isDecodable(codec string) bool {
	if a.decodable == nil {
		return true
	}
	return a.decodable[codec]
}

func (a *Audio) selectLocked() (string, catalog.AudioRendition, bool) {
	return selectAudioRendition(a.renditions, a.names, a.isDecodable, a.eligible, a.target)
}

// Start begins the first subscription if the source is enabled.
func (a *Audio) Start(ctx context.Context) error {
	if !a.Enabled.Peek() {
		return nil
	}
	a.mu.Lock()
	name, r, ok := a.selectLocked()
	a.mu.Unlock()
	if !ok {
		a.Err.Set(werrors.ErrNoEligibleRenditions)
		return werrors.ErrNoEligibleRenditions
	}
	return a.beginSubscription(ctx, name, r, true)
}

// SetEnabled toggles downloading. Disabling tears down any subscription
// but never touches an append buffer already joined to the shared
// pipeline; the buffer may be initialized while disabled so the
// two-buffer pipeline is fully formed before video appends begin.
func (a *Audio) SetEnabled(ctx context.Context, enabled bool) error {
	wasEnabled := a.Enabled.Peek()
	a.Enabled.Set(enabled)
	if enabled == wasEnabled {
		return nil
	}
	if !enabled {
		a.mu.Lock()
		active, pending := a.active, a.pending
		a.active, a.pending = nil, nil
		a.mu.Unlock()
		if active != nil {
			a.teardownSub(active)
		}
		if pending != nil {
			a.teardownSub(pending)
		}
		return nil
	}
	return a.Start(ctx)
}

// SetTarget mirrors Video.SetTarget.
func (a *Audio) SetTarget(ctx context.Context, t Target) error {
	a.mu.Lock()
	a.target = t
	name, r, ok := a.selectLocked()
	current := ""
	if a.active != nil {
		current = a.active.name
	}
	a.mu.Unlock()

	if !ok {
		a.Err.Set(werrors.ErrNoEligibleRenditions)
		return werrors.ErrNoEligibleRenditions
	}
	if name == current || !a.Enabled.Peek() {
		return nil
	}
	return a.beginSubscription(ctx, name, r, current == "")
}

func (a *Audio) beginSubscription(ctx context.Context, name string, r catalog.AudioRendition, immediate bool) error {
	mode, err := r.Mode()
	if err != nil {
		return fmt.Errorf("source: audio rendition %q: %w", name, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	track, err := a.cfg.Broadcast.Subscribe(subCtx, name, r.Priority)
	if err != nil {
		cancel()
		return fmt.Errorf("source: subscribe audio rendition %q: %w", name, err)
	}

	sub := &audioSub{
		name:     name,
		track:    track,
		consumer: jitter.New(subCtx, track, mode, a.latency),
		cancel:   cancel,
		parent:   ctx,
	}

	a.mu.Lock()
	if immediate {
		a.active = sub
	} else {
		if a.pending != nil {
			old := a.pending
			a.pending = sub
			a.mu.Unlock()
			a.teardownSub(old)
			a.mu.Lock()
		} else {
			a.pending = sub
		}
	}
	a.mu.Unlock()

	go a.run(subCtx, sub, r, mode, immediate)
	return nil
}

func (a *Audio) teardownSub(sub *audioSub) {
	sub.cancel()
	_ = sub.consumer.Close()
}

func (a *Audio) promote(sub *audioSub) {
	a.mu.Lock()
	old := a.active
	a.active = sub
	if a.pending == sub {
		a.pending = nil
	}
	a.mu.Unlock()
	if old != nil && old != sub {
		a.teardownSub(old)
	}
}

func (a *Audio) run(ctx context.Context, sub *audioSub, r catalog.AudioRendition, mode frame.ContainerMode, immediate bool) {
	if mode == frame.FragmentedContainer {
		a.runAssembly(ctx, sub, r, immediate)
		return
	}
	a.runCodec(ctx, sub, r, immediate)
}

func (a *Audio) runCodec(ctx context.Context, sub *audioSub, r catalog.AudioRendition, immediate bool) {
	decodedCh := make(chan platform.DecodedAudioFrame, maxBFrameQueueDepth)

	decoder, err := a.cfg.Platform.NewAudioDecoder(
		func(f platform.DecodedAudioFrame) { decodedCh <- f },
		func(err error) {
			a.log.Warn("decoder reported failure", "rendition", sub.name, "error", err)
			a.handleUnsupported(ctx, sub, fmt.Errorf("source: %w: %w", werrors.ErrDecoderFailure, err))
		},
	)
	if err != nil {
		a.handleUnsupported(ctx, sub, fmt.Errorf("source: create audio decoder %q: %w: %w", r.Codec, werrors.ErrCodecUnsupported, err))
		return
	}
	desc, _ := r.Description()
	if err := decoder.Configure(platform.AudioDecoderConfig{
		Codec:            r.Codec,
		Description:      desc,
		SampleRate:       r.SampleRate,
		NumberOfChannels: r.NumberOfChannels,
	}); err != nil {
		_ = decoder.Close()
		a.handleUnsupported(ctx, sub, fmt.Errorf("source: configure audio decoder %q: %w: %w", r.Codec, werrors.ErrCodecUnsupported, err))
		return
	}
	defer decoder.Close()

	go func() {
		for {
			fr, err := sub.consumer.NextFrame(ctx)
			if err != nil {
				return
			}
			a.bytesReceived.Add(uint64(len(fr.Data)))
			chunkType := platform.DeltaChunk
			if fr.Keyframe {
				chunkType = platform.KeyChunk
			}
			if err := decoder.Decode(platform.EncodedChunk{Type: chunkType, Data: fr.Data, Timestamp: fr.Timestamp}); err != nil {
				a.log.Warn("decode failed", "rendition", sub.name, "error", err)
				a.handleUnsupported(ctx, sub, fmt.Errorf("source: decode audio frame: %w: %w", werrors.ErrDecoderFailure, err))
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
			L := a.latency.Peek()
			sleep := ref.Add(time.Duration(df.Timestamp)*time.Microsecond).Sub(now) + L

			if sleep > syncWaitThreshold {
				a.SyncStatus.Set(SyncStatus{Ready: false, BufferDuration: sleep})
			}
			if sleep > 0 {
				select {
				case <-time.After(sleep):
				case <-ctx.Done():
					return
				}
			}

			if !promoted {
				if sleep <= syncWaitThreshold {
					a.promote(sub)
					promoted = true
				} else {
					continue
				}
			}

			a.SyncStatus.Set(SyncStatus{Ready: true})
			a.Stats.Update(func(s AudioStats) AudioStats {
				s.BytesReceived = a.bytesReceived.Load()
				return s
			})
		case <-ctx.Done():
			return
		}
	}
}

// waitForPipeline polls for the video source to have created the shared
// pipeline, bounded by ctx.
func (a *Audio) waitForPipeline(ctx context.Context) (interface {
	Open(context.Context) error
	InitializeAudio(context.Context, string, []byte) error
	EnqueueAudioFragment([]byte) error
}, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.cfg.Video != nil {
			if pl := a.cfg.Video.Pipeline(); pl != nil {
				return pl, nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("source: %w: shared pipeline never appeared", werrors.ErrPipelineClosed)
		}
	}
}

// runAssembly drives the container-assembly path. A pipeline that never
// appears, never opens, or refuses the audio buffer means this
// fragmented-container rendition cannot be decoded any other way, so it
// gets the same failover handleUnsupported already gives codec and
// decoder failures: drop this rendition from the eligible set and let
// selection fall back to whatever non-fragmented rendition is left, if
// any.
func (a *Audio) runAssembly(ctx context.Context, sub *audioSub, r catalog.AudioRendition, immediate bool) {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pipeline, err := a.waitForPipeline(waitCtx)
	cancel()
	if err != nil {
		a.log.Warn("audio falling back: shared pipeline unavailable", "rendition", sub.name, "error", err)
		a.handleUnsupported(ctx, sub, err)
		return
	}

	if err := pipeline.Open(ctx); err != nil {
		a.log.Warn("audio falling back: pipeline open failed", "rendition", sub.name, "error", err)
		a.handleUnsupported(ctx, sub, err)
		return
	}

	initSeg, _ := r.InitSegment()
	if err := pipeline.InitializeAudio(ctx, "audio/mp4", initSeg); err != nil {
		a.log.Warn("audio falling back: initialize audio buffer failed", "rendition", sub.name, "error", err)
		a.handleUnsupported(ctx, sub, err)
		return
	}

	if immediate {
		a.mu.Lock()
		a.active = sub
		a.mu.Unlock()
	} else {
		a.promote(sub)
	}

	for {
		fr, err := sub.consumer.NextFrame(ctx)
		if err != nil {
			return
		}
		a.bytesReceived.Add(uint64(len(fr.Data)))
		if err := pipeline.EnqueueAudioFragment(fr.Data); err != nil {
			a.log.Warn("enqueue audio fragment failed", "error", err)
		}
	}
}

// handleUnsupported removes a rendition from the eligible set and
// retries selection, surfacing ErrNoEligibleRenditions if none remain.
// It is the single terminal path for a subscription that cannot
// continue: an unsupported/unconfigurable codec, a decoder failure
// reported mid-stream, and a shared pipeline that never became usable.
// sub.failed guards against running this twice for the same
// subscription when more than one of those paths fires for the same
// underlying error.
func (a *Audio) handleUnsupported(ctx context.Context, sub *audioSub, reason error) {
	if !sub.failed.CompareAndSwap(false, true) {
		return
	}

	a.mu.Lock()
	delete(a.eligible, sub.name)
	wasActive := a.active == sub
	if wasActive {
		a.active = nil
	}
	if a.pending == sub {
		a.pending = nil
	}
	a.mu.Unlock()
	a.teardownSub(sub)
	a.Err.Set(reason)

	a.mu.Lock()
	name, r, ok := a.selectLocked()
	a.mu.Unlock()
	if !ok {
		a.Err.Set(werrors.ErrNoEligibleRenditions)
		return
	}
	// ctx belongs to the failed subscription and was just cancelled by
	// teardownSub, so the retry runs under the context that sub began in.
	if err := a.beginSubscription(sub.parent, name, r, wasActive); err != nil {
		a.log.Warn("retry after rendition failure failed", "error", err)
	}
}

// Close tears down both subscriptions. It does not close the shared
// pipeline — Video owns that lifecycle.
func (a *Audio) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	active, pending := a.active, a.pending
	a.active, a.pending = nil, nil
	a.mu.Unlock()

	if active != nil {
		a.teardownSub(active)
	}
	if pending != nil {
		a.teardownSub(pending)
	}
	return nil
}
