package moqtransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/okdaichi/gomoqt/moqt"
	"github.com/okdaichi/gomoqt/quic"

	"github.com/okdaichi/qumo-watch/reactive"
	"github.com/okdaichi/qumo-watch/werrors"
)

// closer is satisfied by gomoqt reader types that expose a way to
// release their underlying stream. Not every reader necessarily does
// (some close implicitly when drained to EOF), so callers probe for it
// rather than assume it, falling back to a plain Close method.
type closer interface {
	CloseWithError(code quic.ApplicationErrorCode, msg string) error
}

func closeQuietly(v any) {
	if c, ok := v.(closer); ok {
		_ = c.CloseWithError(moqt.NoError, moqt.SessionErrorText(moqt.NoError))
		return
	}
	if c, ok := v.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// Client dials MoQ relays and opens broadcasts over real QUIC/WebTransport
// connections, implementing the Connection contract against
// github.com/okdaichi/gomoqt/moqt.
type Client struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config

	client *moqt.Client
}

// Dial opens a QUIC/WebTransport connection to a relay at addr and
// returns a Connection whose Status signal reflects its lifecycle.
func (c *Client) Dial(ctx context.Context, addr string) (Connection, error) {
	if c.client == nil {
		c.client = &moqt.Client{
			TLSConfig:  c.TLSConfig,
			QUICConfig: c.QUICConfig,
		}
	}

	conn := &clientConnection{
		client: c.client,
		addr:   addr,
		status: reactive.NewSignal(Connecting),
	}

	sess, err := c.client.Dial(ctx, addr, moqt.NewTrackMux())
	if err != nil {
		conn.status.Set(Disconnected)
		return nil, fmt.Errorf("moqtransport: dial %s: %w", addr, err)
	}

	conn.session = sess
	conn.status.Set(Connected)

	go func() {
		<-sess.Context().Done()
		conn.status.Set(Disconnected)
	}()

	return conn, nil
}

// Close releases the underlying QUIC client and any connections it holds.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

type clientConnection struct {
	client  *moqt.Client
	addr    string
	session *moqt.Session
	status  *reactive.Signal[ConnectionStatus]
}

func (c *clientConnection) Status() *reactive.Signal[ConnectionStatus] {
	return c.status
}

func (c *clientConnection) Consume(path string) (Broadcast, error) {
	if c.session == nil {
		return nil, fmt.Errorf("moqtransport: connection to %s is not established", c.addr)
	}
	return &clientBroadcast{session: c.session, path: moqt.BroadcastPath(path)}, nil
}

func (c *clientConnection) Announced(ctx context.Context, path string) (AnnounceStream, error) {
	if c.session == nil {
		return nil, fmt.Errorf("moqtransport: connection to %s is not established", c.addr)
	}
	peer, err := c.session.AcceptAnnounce(path)
	if err != nil {
		return nil, fmt.Errorf("moqtransport: accept announce %s: %w", path, err)
	}
	return &clientAnnounceStream{peer: peer, ch: peer.Announcements(ctx)}, nil
}

func (c *clientConnection) Close() error {
	if c.session == nil {
		return nil
	}
	c.session.CloseWithError(moqt.NoError, moqt.SessionErrorText(moqt.NoError))
	return nil
}

type clientBroadcast struct {
	session *moqt.Session
	path    moqt.BroadcastPath
}

func (b *clientBroadcast) Subscribe(ctx context.Context, trackName string, priority int) (Track, error) {
	tr, err := b.session.Subscribe(b.path, moqt.TrackName(trackName), &moqt.SubscribeConfig{
		TrackPriority: moqt.TrackPriority(priority),
	})
	if err != nil {
		return nil, fmt.Errorf("moqtransport: subscribe %s/%s: %w", b.path, trackName, err)
	}
	return &clientTrack{reader: tr}, nil
}

type clientTrack struct {
	reader *moqt.TrackReader
}

func (t *clientTrack) NextGroup(ctx context.Context) (Group, error) {
	gr, err := t.reader.AcceptGroup(ctx)
	if err != nil {
		return nil, translateEnd(err)
	}
	return &clientGroup{reader: gr}, nil
}

func (t *clientTrack) Close() error {
	closeQuietly(t.reader)
	return nil
}

type clientGroup struct {
	reader *moqt.GroupReader
}

func (g *clientGroup) Sequence() uint64 {
	return uint64(g.reader.GroupSequence)
}

func (g *clientGroup) ReadFrame(ctx context.Context) ([]byte, error) {
	data, err := g.reader.ReadFrame(ctx)
	if err != nil {
		return nil, translateEnd(err)
	}
	return data, nil
}

func (g *clientGroup) Close() error {
	closeQuietly(g.reader)
	return nil
}

type clientAnnounceStream struct {
	peer any
	ch   <-chan *moqt.Announcement
}

func (a *clientAnnounceStream) Next(ctx context.Context) (Announcement, error) {
	select {
	case ann, ok := <-a.ch:
		if !ok {
			return Announcement{}, fmt.Errorf("%w: %w: announce stream ended", EOF, werrors.ErrTransportClosed)
		}
		return Announcement{Path: string(ann.BroadcastPath()), Active: ann.IsActive()}, nil
	case <-ctx.Done():
		return Announcement{}, ctx.Err()
	}
}

func (a *clientAnnounceStream) Close() error {
	closeQuietly(a.peer)
	return nil
}

// translateEnd normalizes gomoqt's various "stream ended" error values to
// EOF so callers can use one idiom regardless of which layer closed. It
// also tags the result with werrors.ErrTransportClosed, so a caller that
// inspects the error rather than just treating it as end-of-stream can
// still recognize the condition.
func translateEnd(err error) error {
	if err == nil {
		return nil
	}
	slog.Debug("moqtransport: stream ended", "error", err)
	return fmt.Errorf("%w: %w: %w", EOF, werrors.ErrTransportClosed, err)
}
