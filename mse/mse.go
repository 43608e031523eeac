// Package mse implements the container-assembly source: a single media
// pipeline with two append buffers (video, audio), the
// init-before-fragment ordering invariant, bounded append queues with a
// discard-oldest overflow policy, and frame capture republished as a
// CurrentFrame signal.
package mse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okdaichi/qumo-watch/platform"
	"github.com/okdaichi/qumo-watch/reactive"
	"github.com/okdaichi/qumo-watch/werrors"
)

const (
	appendQueueCapacity = 10
	sourceOpenTimeout   = 5 * time.Second
	audioOpenTimeout    = 5 * time.Second
	playRetries         = 100
	playRetryInterval   = 100 * time.Millisecond
	drainPollInterval   = 5 * time.Millisecond
)

// Display is the observable {width, height} of the captured stream.
type Display struct {
	Width  int
	Height int
}

type appendQueue struct {
	mu    sync.Mutex
	items [][]byte
	max   int
}

func newAppendQueue(max int) *appendQueue {
	return &appendQueue{max: max}
}

// push enqueues item, discarding the oldest entry when full.
func (q *appendQueue) push(item []byte) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, item)
	return dropped
}

func (q *appendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Pipeline owns one platform.MediaPipeline shared between the video and
// audio sources. All mutation is serialized through the platform
// pipeline's readiness and each buffer's own append mutex, so video and
// audio never race to add a buffer or append concurrently to the same
// buffer.
type Pipeline struct {
	log *slog.Logger
	pl  platform.MediaPipeline

	videoAppendMu sync.Mutex
	audioAppendMu sync.Mutex

	mu         sync.Mutex
	videoBuf   platform.AppendBuffer
	audioBuf   platform.AppendBuffer
	videoInit  bool
	audioInit  bool
	closed     bool
	unsubFrame func()

	videoQueue *appendQueue
	audioQueue *appendQueue

	CurrentFrame *reactive.Signal[platform.ImageRef]
	Display      *reactive.Signal[Display]
}

// New creates a pipeline bound to sourceURL. Callers must call Open
// before adding buffers.
func New(plat platform.Platform, sourceURL string) (*Pipeline, error) {
	pl, err := plat.NewMediaPipeline(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("mse: create media pipeline: %w", err)
	}
	return &Pipeline{
		log:          slog.With("component", "mse", "source_url", sourceURL),
		pl:           pl,
		videoQueue:   newAppendQueue(appendQueueCapacity),
		audioQueue:   newAppendQueue(appendQueueCapacity),
		CurrentFrame: reactive.NewSignal[platform.ImageRef](nil),
		Display:      reactive.NewSignal(Display{}),
	}, nil
}

// Open waits for sourceopen, failing if it does not occur within 5s.
func (p *Pipeline) Open(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, sourceOpenTimeout)
	defer cancel()
	if err := p.pl.WaitOpen(waitCtx); err != nil {
		return fmt.Errorf("mse: %w: %w", werrors.ErrPipelineClosed, err)
	}
	return nil
}

// AddVideo adds the video append buffer, appends its init segment, and
// starts the video element so frame capture can begin.
func (p *Pipeline) AddVideo(ctx context.Context, mimeType string, initSegment []byte) error {
	buf, err := p.pl.AddAppendBuffer(mimeType)
	if err != nil {
		return fmt.Errorf("mse: add video append buffer: %w", err)
	}

	p.videoAppendMu.Lock()
	err = buf.Append(ctx, initSegment)
	p.videoAppendMu.Unlock()
	if err != nil {
		return fmt.Errorf("mse: append video init segment: %w", err)
	}

	p.mu.Lock()
	p.videoBuf = buf
	p.videoInit = true
	p.mu.Unlock()

	p.startVideoElement(ctx)
	go p.drainLoop(ctx, "video", &p.videoAppendMu, buf, p.videoQueue)
	return nil
}

func (p *Pipeline) startVideoElement(ctx context.Context) {
	video := p.pl.VideoElement()
	p.mu.Lock()
	p.unsubFrame = video.OnFrame(p.onFrame)
	p.mu.Unlock()

	go func() {
		for attempt := 0; attempt < playRetries; attempt++ {
			if ctx.Err() != nil {
				return
			}
			if err := video.Play(ctx); err == nil {
				return
			}
			select {
			case <-time.After(playRetryInterval):
			case <-ctx.Done():
				return
			}
		}
		p.log.Warn("video element play never succeeded", "attempts", playRetries)
	}()
}

func (p *Pipeline) onFrame(capture platform.VideoFrameCapture) {
	prev := p.CurrentFrame.Peek()
	p.CurrentFrame.Set(capture.Image)
	if prev != nil {
		_ = prev.Close()
	}

	next := Display{Width: capture.Width, Height: capture.Height}
	if p.Display.Peek() != next {
		p.Display.Set(next)
	}
}

// InitializeAudio joins audio onto the shared pipeline: it waits for
// the pipeline to be open, waits for any in-flight video append to
// finish, adds the audio buffer, and appends its init segment, all
// before returning. Safe to call while audio is disabled so the
// two-buffer pipeline is fully formed before video appends begin.
func (p *Pipeline) InitializeAudio(ctx context.Context, mimeType string, initSegment []byte) error {
	waitCtx, cancel := context.WithTimeout(ctx, audioOpenTimeout)
	defer cancel()
	if err := p.pl.WaitOpen(waitCtx); err != nil {
		return fmt.Errorf("mse: %w: %w", werrors.ErrPipelineClosed, err)
	}

	// Barrier on any in-flight video append without blocking future ones.
	p.videoAppendMu.Lock()
	p.videoAppendMu.Unlock()

	buf, err := p.pl.AddAppendBuffer(mimeType)
	if err != nil {
		if p.pl.ReadyState() != platform.StateOpen {
			return fmt.Errorf("mse: %w: %w", werrors.ErrPipelineClosed, err)
		}
		// The pipeline is open but refused a second buffer: the only
		// such condition in this contract is the two-buffer limit.
		return fmt.Errorf("mse: %w: %w", werrors.ErrAppendQuotaExceeded, err)
	}

	p.audioAppendMu.Lock()
	err = buf.Append(ctx, initSegment)
	p.audioAppendMu.Unlock()
	if err != nil {
		return fmt.Errorf("mse: append audio init segment: %w", err)
	}

	p.mu.Lock()
	p.audioBuf = buf
	p.audioInit = true
	p.mu.Unlock()

	go p.drainLoop(ctx, "audio", &p.audioAppendMu, buf, p.audioQueue)
	return nil
}

// EnqueueVideoFragment enqueues a fragment for the video buffer. Returns
// an error if the video buffer has not been initialized yet.
func (p *Pipeline) EnqueueVideoFragment(data []byte) error {
	p.mu.Lock()
	ready := p.videoInit
	p.mu.Unlock()
	if !ready {
		return fmt.Errorf("mse: video fragment enqueued before init segment")
	}
	if p.videoQueue.push(data) {
		p.log.Warn("video append queue full, discarding oldest fragment")
	}
	return nil
}

// EnqueueAudioFragment enqueues a fragment for the audio buffer.
func (p *Pipeline) EnqueueAudioFragment(data []byte) error {
	p.mu.Lock()
	ready := p.audioInit
	p.mu.Unlock()
	if !ready {
		return fmt.Errorf("mse: audio fragment enqueued before init segment")
	}
	if p.audioQueue.push(data) {
		p.log.Warn("audio append queue full, discarding oldest fragment")
	}
	return nil
}

// drainLoop feeds queued fragments to buf one at a time, only ever
// issuing an append when the buffer is not updating and the pipeline is
// open. It exits cleanly once the pipeline closes.
func (p *Pipeline) drainLoop(ctx context.Context, label string, appendMu *sync.Mutex, buf platform.AppendBuffer, q *appendQueue) {
	for {
		if ctx.Err() != nil {
			return
		}
		if p.pl.ReadyState() != platform.StateOpen {
			return
		}

		data, ok := q.pop()
		if !ok {
			select {
			case <-time.After(drainPollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		appendMu.Lock()
		err := buf.Append(ctx, data)
		appendMu.Unlock()
		if err != nil {
			p.log.Warn("append failed, producer exiting", "buffer", label, "error", err)
			return
		}
	}
}

// Close tears down the pipeline: unsubscribes frame capture, releases
// the current frame reference, and closes the platform pipeline. Safe
// to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	unsub := p.unsubFrame
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if img := p.CurrentFrame.Peek(); img != nil {
		_ = img.Close()
		p.CurrentFrame.Set(nil)
	}
	return p.pl.Close()
}
