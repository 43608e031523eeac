// Package moqtransport defines the watch-side transport contract —
// connect, consume a broadcast, subscribe to a track, read groups and
// frames, watch announcements — and a concrete implementation of that
// contract backed by the real MoQ client library
// (github.com/okdaichi/gomoqt/moqt). The consuming packages (jitter,
// source, mse, watch) depend only on the interfaces declared here, so
// they stay testable with fakes while production wiring goes through
// Client.
package moqtransport

import (
	"context"
	"io"

	"github.com/okdaichi/qumo-watch/reactive"
)

// ConnectionStatus is the lifecycle of a Connection, exposed as a
// reactive signal.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connection is a live (or connecting) session to a MoQ relay.
type Connection interface {
	// Status is a reactive signal reflecting the connection's lifecycle.
	Status() *reactive.Signal[ConnectionStatus]

	// Consume opens a lazily-subscribed broadcast at path.
	Consume(path string) (Broadcast, error)

	// Announced returns a stream of active/inactive transitions for path.
	Announced(ctx context.Context, path string) (AnnounceStream, error)

	// Close tears down the connection.
	Close() error
}

// Broadcast is a named live collection of tracks.
type Broadcast interface {
	// Subscribe opens a track by name at the given priority (lower value
	// = higher priority; the catalog track is always priority 0).
	Subscribe(ctx context.Context, trackName string, priority int) (Track, error)
}

// Track is an ordered stream of groups. NextGroup returns io.EOF once the
// track has ended (the broadcast closed or was cancelled upstream).
type Track interface {
	NextGroup(ctx context.Context) (Group, error)
	Close() error
}

// Group is a self-decodable ordered set of frames sharing a sequence
// number. ReadFrame returns io.EOF once the group has delivered all of
// its frames.
type Group interface {
	Sequence() uint64
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Announcement is one entry in an AnnounceStream.
type Announcement struct {
	Path   string
	Active bool
}

// AnnounceStream yields path active/inactive transitions.
type AnnounceStream interface {
	Next(ctx context.Context) (Announcement, error)
	Close() error
}

// EOF is returned by Track.NextGroup and Group.ReadFrame to signal a
// clean end of stream. It is an alias of io.EOF so callers can use the
// same idiom as any other Go reader.
var EOF = io.EOF
