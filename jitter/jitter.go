// Package jitter implements the frame consumer: a per-track jitter buffer
// that reorders groups delivered out of order, enforces a latency budget
// by skipping whole stale groups, and exposes a single ordered
// NextFrame() sequence.
package jitter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/okdaichi/qumo-watch/frame"
	"github.com/okdaichi/qumo-watch/moqtransport"
	"github.com/okdaichi/qumo-watch/reactive"
	"github.com/okdaichi/qumo-watch/werrors"
)

type groupEntry struct {
	handle moqtransport.Group
	frames []frame.Frame
	cursor int
	ended  bool
}

// Consumer reorders a track's groups into a single monotonic frame
// sequence and drops stale groups once the buffered span exceeds the
// latency budget. One Consumer owns one subscribed track.
type Consumer struct {
	log     *slog.Logger
	track   moqtransport.Track
	mode    frame.ContainerMode
	latency *reactive.Signal[time.Duration]

	// Skips counts groups dropped by the latency rule. Skipping is not
	// an error; callers that care observe this signal.
	Skips *reactive.Signal[int]

	cancel context.CancelFunc

	mu          sync.Mutex
	groups      map[uint64]*groupEntry
	haveActive  bool
	active      uint64
	maxTs       uint64
	trackEnded  bool
	closed      bool
	waiterInUse bool

	changed chan struct{}
	done    chan struct{}
}

// New starts consuming track in the background. The returned Consumer
// must be closed to release the track and any buffered groups.
func New(ctx context.Context, track moqtransport.Track, mode frame.ContainerMode, latency *reactive.Signal[time.Duration]) *Consumer {
	runCtx, cancel := context.WithCancel(ctx)
	c := &Consumer{
		log:     slog.With("component", "jitter"),
		track:   track,
		mode:    mode,
		latency: latency,
		Skips:   reactive.NewSignal(0),
		cancel:  cancel,
		groups:  make(map[uint64]*groupEntry),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.ingest(runCtx)
	return c
}

func (c *Consumer) signalChanged() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Consumer) ingest(ctx context.Context) {
	for {
		g, err := c.track.NextGroup(ctx)
		if err != nil {
			c.mu.Lock()
			c.trackEnded = true
			c.mu.Unlock()
			c.signalChanged()
			return
		}
		c.addGroup(ctx, g)
	}
}

// addGroup applies the first-group rule and begins draining g's frames.
func (c *Consumer) addGroup(ctx context.Context, g moqtransport.Group) {
	seq := g.Sequence()

	c.mu.Lock()
	if !c.haveActive {
		c.haveActive = true
		c.active = seq
	}
	if seq < c.active {
		c.mu.Unlock()
		_ = g.Close()
		return
	}
	entry := &groupEntry{handle: g}
	c.groups[seq] = entry
	c.mu.Unlock()

	go c.drainGroup(ctx, seq, entry)
}

func (c *Consumer) drainGroup(ctx context.Context, seq uint64, entry *groupEntry) {
	first := true
	for {
		data, err := entry.handle.ReadFrame(ctx)
		if err != nil {
			c.mu.Lock()
			entry.ended = true
			c.mu.Unlock()
			c.signalChanged()
			return
		}

		fr, err := frame.Parse(data, c.mode, seq, first)
		first = false
		if err != nil {
			c.log.Warn("dropping malformed frame", "group", seq, "error", err)
			continue
		}

		c.mu.Lock()
		entry.frames = append(entry.frames, fr)
		if fr.Timestamp > c.maxTs {
			c.maxTs = fr.Timestamp
		}
		dropped := c.evaluateSkipLocked()
		c.mu.Unlock()
		c.noteSkips(dropped)
		c.signalChanged()
	}
}

// noteSkips publishes dropped latency skips on the Skips signal. Must be
// called without mu held: the signal runs dependent effects synchronously
// and those may call back into the consumer.
func (c *Consumer) noteSkips(dropped int) {
	if dropped == 0 {
		return
	}
	c.Skips.Update(func(cur int) int { return cur + dropped })
}

// evaluateSkipLocked implements the skip rule and returns how many
// groups it dropped; the caller reports them via noteSkips once mu is
// released. An active group the transport never delivered (a gap in the
// sequence) counts as one stalled group, so the latency rule can advance
// past it. Caller holds mu.
func (c *Consumer) evaluateSkipLocked() (dropped int) {
	for {
		if !c.haveActive {
			return dropped
		}
		_, activeBuffered := c.groups[c.active]
		if activeBuffered && len(c.groups) < 2 {
			return dropped
		}
		if !activeBuffered && len(c.groups) == 0 {
			return dropped
		}
		L := c.latency.Peek()
		if L <= 0 {
			return dropped
		}
		earliest, ok := c.earliestPendingLocked()
		if !ok {
			return dropped
		}
		span := time.Duration(c.maxTs-earliest) * time.Microsecond
		if span <= L {
			return dropped
		}
		c.dropActiveLocked()
		dropped++
	}
}

func (c *Consumer) earliestPendingLocked() (uint64, bool) {
	var earliest uint64
	found := false
	for _, e := range c.groups {
		if e.cursor >= len(e.frames) {
			continue
		}
		ts := e.frames[e.cursor].Timestamp
		if !found || ts < earliest {
			earliest = ts
			found = true
		}
	}
	return earliest, found
}

// dropActiveLocked frees the active group's buffered frames, closes its
// transport handle, and advances the active index to the next known
// group (or active+1 if none is known yet). Caller holds mu.
func (c *Consumer) dropActiveLocked() {
	if e, ok := c.groups[c.active]; ok {
		delete(c.groups, c.active)
		go func() { _ = e.handle.Close() }()
	}
	if next, ok := c.nextKnownGroupLocked(c.active); ok {
		c.active = next
	} else {
		c.active++
	}
}

func (c *Consumer) nextKnownGroupLocked(after uint64) (uint64, bool) {
	var next uint64
	found := false
	for seq := range c.groups {
		if seq > after && (!found || seq < next) {
			next = seq
			found = true
		}
	}
	return next, found
}

// NextFrame returns the next frame in the active group's decode order,
// advancing across group boundaries per the advance and skip rules.
// It returns io.EOF (via moqtransport.EOF) once the track has ended and
// no more frames remain. Only one caller may be in NextFrame at a time;
// a concurrent call returns werrors.ErrInvalidState immediately.
func (c *Consumer) NextFrame(ctx context.Context) (frame.Frame, error) {
	c.mu.Lock()
	if c.waiterInUse {
		c.mu.Unlock()
		return frame.Frame{}, werrors.ErrInvalidState
	}
	c.waiterInUse = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiterInUse = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return frame.Frame{}, moqtransport.EOF
		}
		if dropped := c.evaluateSkipLocked(); dropped > 0 {
			c.mu.Unlock()
			c.noteSkips(dropped)
			continue
		}

		entry, ok := c.groups[c.active]
		if ok {
			if entry.cursor < len(entry.frames) {
				fr := entry.frames[entry.cursor]
				entry.cursor++
				c.mu.Unlock()
				return fr, nil
			}
			if entry.ended {
				delete(c.groups, c.active)
				c.active++
				c.mu.Unlock()
				continue
			}
		} else if c.trackEnded {
			c.mu.Unlock()
			return frame.Frame{}, moqtransport.EOF
		}
		c.mu.Unlock()

		select {
		case <-c.changed:
		case <-c.done:
			return frame.Frame{}, moqtransport.EOF
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
}

// Close frees all buffered frames, closes every per-group transport
// handle and the track itself, and wakes any waiter with end-of-stream.
// Safe to call more than once.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	groups := c.groups
	c.groups = make(map[uint64]*groupEntry)
	c.mu.Unlock()

	close(c.done)
	c.cancel()

	for _, e := range groups {
		_ = e.handle.Close()
	}
	return c.track.Close()
}
