// Package fakeplatform implements platform.Platform without a real
// browser engine: decoders wrap chunk bytes into zero-cost image
// references instead of decoding, and the media pipeline simulates the
// MSE lifecycle (sourceopen, per-buffer updating) on timers. It exists
// so the pipeline's ordering and lifecycle contracts can be exercised
// in tests and in the qumo-watch-demo command: a functional stand-in,
// not a player.
package fakeplatform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okdaichi/qumo-watch/platform"
)

// Inspectable is implemented by the append buffers this package returns,
// letting tests assert on what was appended without widening the
// platform.AppendBuffer contract itself.
type Inspectable interface {
	Appends() [][]byte
}

// DimensionSetter is implemented by the video elements this package
// returns, letting tests drive captured frame size.
type DimensionSetter interface {
	SetDimensions(w, h int)
}

// Platform is a platform.Platform backed entirely by in-memory fakes.
type Platform struct{}

// New returns a ready-to-use fake platform.
func New() *Platform { return &Platform{} }

var (
	_ platform.Platform      = (*Platform)(nil)
	_ platform.VideoDecoder  = (*videoDecoder)(nil)
	_ platform.AudioDecoder  = (*audioDecoder)(nil)
	_ platform.MediaPipeline = (*mediaPipeline)(nil)
	_ platform.AppendBuffer  = (*appendBuffer)(nil)
	_ platform.VideoElement  = (*videoElement)(nil)
	_ Inspectable            = (*appendBuffer)(nil)
	_ DimensionSetter        = (*videoElement)(nil)
)

func (p *Platform) NewVideoDecoder(output func(platform.DecodedVideoFrame), onError func(error)) (platform.VideoDecoder, error) {
	return &videoDecoder{output: output, onErr: onError}, nil
}

func (p *Platform) NewAudioDecoder(output func(platform.DecodedAudioFrame), onError func(error)) (platform.AudioDecoder, error) {
	return &audioDecoder{output: output, onErr: onError}, nil
}

func (p *Platform) NewMediaPipeline(sourceURL string) (platform.MediaPipeline, error) {
	pl := &mediaPipeline{
		url:     sourceURL,
		openCh:  make(chan struct{}),
		closeCh: make(chan struct{}),
		video:   newVideoElement(),
	}
	go func() {
		time.Sleep(time.Millisecond)
		pl.mu.Lock()
		if pl.closed {
			pl.mu.Unlock()
			return
		}
		pl.state = platform.StateOpen
		pl.mu.Unlock()
		close(pl.openCh)
	}()
	return pl, nil
}

type image struct {
	width, height int
}

func (i *image) Width() int   { return i.width }
func (i *image) Height() int  { return i.height }
func (i *image) Close() error { return nil }

// videoDecoder "decodes" by synchronously turning each chunk into an
// image sized per the configured coded dimensions.
type videoDecoder struct {
	mu     sync.Mutex
	cfg    platform.VideoDecoderConfig
	output func(platform.DecodedVideoFrame)
	onErr  func(error)
	closed bool
}

func (d *videoDecoder) Configure(cfg platform.VideoDecoderConfig) error {
	if cfg.Codec == "" {
		return fmt.Errorf("fakeplatform: video decoder config has no codec")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	return nil
}

func (d *videoDecoder) Decode(chunk platform.EncodedChunk) error {
	d.mu.Lock()
	cfg := d.cfg
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("fakeplatform: decode on closed video decoder")
	}
	d.output(platform.DecodedVideoFrame{
		Image:     &image{width: cfg.CodedWidth, height: cfg.CodedHeight},
		Timestamp: chunk.Timestamp,
	})
	return nil
}

func (d *videoDecoder) Flush(ctx context.Context) error { return nil }

func (d *videoDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type audioDecoder struct {
	mu     sync.Mutex
	cfg    platform.AudioDecoderConfig
	output func(platform.DecodedAudioFrame)
	onErr  func(error)
	closed bool
}

func (d *audioDecoder) Configure(cfg platform.AudioDecoderConfig) error {
	if cfg.Codec == "" {
		return fmt.Errorf("fakeplatform: audio decoder config has no codec")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	return nil
}

func (d *audioDecoder) Decode(chunk platform.EncodedChunk) error {
	d.mu.Lock()
	cfg := d.cfg
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("fakeplatform: decode on closed audio decoder")
	}
	samples := make([]float32, max(1, cfg.NumberOfChannels))
	d.output(platform.DecodedAudioFrame{PCM: samples, Timestamp: chunk.Timestamp})
	return nil
}

func (d *audioDecoder) Flush(ctx context.Context) error { return nil }

func (d *audioDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type mediaPipeline struct {
	url     string
	mu      sync.Mutex
	state   platform.ReadyState
	buffers []*appendBuffer
	video   *videoElement
	openCh  chan struct{}
	closeCh chan struct{}
	closed  bool
}

func (p *mediaPipeline) SourceURL() string { return p.url }

func (p *mediaPipeline) WaitOpen(ctx context.Context) error {
	select {
	case <-p.openCh:
		return nil
	case <-p.closeCh:
		return fmt.Errorf("fakeplatform: pipeline closed while waiting for sourceopen")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *mediaPipeline) ReadyState() platform.ReadyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *mediaPipeline) AddAppendBuffer(mimeType string) (platform.AppendBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != platform.StateOpen {
		return nil, fmt.Errorf("fakeplatform: AddAppendBuffer called while pipeline is %s", p.state)
	}
	if len(p.buffers) >= 2 {
		return nil, fmt.Errorf("fakeplatform: pipeline already has two append buffers")
	}

	b := &appendBuffer{mime: mimeType, pipeline: p}
	p.buffers = append(p.buffers, b)
	return b, nil
}

func (p *mediaPipeline) VideoElement() platform.VideoElement { return p.video }

func (p *mediaPipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = platform.StateClosed
	p.mu.Unlock()

	close(p.closeCh)
	return p.video.Close()
}

// appendBuffer simulates SourceBuffer's updating lifecycle with a short
// delay instead of real demux/decode work.
type appendBuffer struct {
	mime     string
	pipeline *mediaPipeline

	mu       sync.Mutex
	updating bool
	closed   bool
	appends  [][]byte
}

func (b *appendBuffer) MimeType() string { return b.mime }

func (b *appendBuffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updating
}

func (b *appendBuffer) Append(ctx context.Context, data []byte) error {
	if b.pipeline.ReadyState() != platform.StateOpen {
		return fmt.Errorf("fakeplatform: append on non-open pipeline")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("fakeplatform: append on closed buffer")
	}
	if b.updating {
		b.mu.Unlock()
		return fmt.Errorf("fakeplatform: append while buffer is updating")
	}
	b.updating = true
	b.mu.Unlock()

	select {
	case <-time.After(time.Millisecond):
	case <-ctx.Done():
		b.mu.Lock()
		b.updating = false
		b.mu.Unlock()
		return ctx.Err()
	}

	b.mu.Lock()
	b.appends = append(b.appends, data)
	b.updating = false
	b.mu.Unlock()
	return nil
}

// Appends returns the byte slices appended so far, in order. Test-only
// introspection hook; not part of platform.AppendBuffer.
func (b *appendBuffer) Appends() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.appends))
	copy(out, b.appends)
	return out
}

func (b *appendBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type videoElement struct {
	mu        sync.Mutex
	width     int
	height    int
	callbacks map[int]func(platform.VideoFrameCapture)
	nextID    int
	stop      chan struct{}
	stopped   bool
}

func newVideoElement() *videoElement {
	return &videoElement{callbacks: make(map[int]func(platform.VideoFrameCapture))}
}

func (v *videoElement) Play(ctx context.Context) error {
	v.mu.Lock()
	if v.stop == nil {
		v.stop = make(chan struct{})
		go v.tick(ctx)
	}
	v.mu.Unlock()
	return nil
}

func (v *videoElement) tick(ctx context.Context) {
	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v.mu.Lock()
			w, h := v.width, v.height
			cbs := make([]func(platform.VideoFrameCapture), 0, len(v.callbacks))
			for _, cb := range v.callbacks {
				cbs = append(cbs, cb)
			}
			v.mu.Unlock()
			for _, cb := range cbs {
				cb(platform.VideoFrameCapture{Image: &image{width: w, height: h}, Width: w, Height: h})
			}
		case <-v.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (v *videoElement) OnFrame(cb func(platform.VideoFrameCapture)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.callbacks[id] = cb
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.callbacks, id)
		v.mu.Unlock()
	}
}

// SetDimensions updates the fake captured picture size; test helper.
func (v *videoElement) SetDimensions(w, h int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.width, v.height = w, h
}

func (v *videoElement) Width() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.width
}

func (v *videoElement) Height() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.height
}

func (v *videoElement) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return nil
	}
	v.stopped = true
	if v.stop != nil {
		close(v.stop)
	}
	return nil
}
