// Package telephony drives FreeSWITCH over the event socket: call-control
// commands, and the long-running watcher that turns channel events into
// session hangups and playback notifications.
package telephony

import (
	"context"
	"errors"
)

// Event names the watcher subscribes to.
const (
	EventChannelHangup = "CHANNEL_HANGUP"
	EventPlaybackStop  = "PLAYBACK_STOP"
)

// ErrCommandFailed is returned when FreeSWITCH answers a command with
// anything other than success.
var ErrCommandFailed = errors.New("telephony command failed")

// Controller issues call-control commands keyed by call UUID.
type Controller interface {
	StopAudioStream(ctx context.Context, callID string) error
	Broadcast(ctx context.Context, callID, path string) error
	Transfer(ctx context.Context, callID, destination string) error
	Exists(ctx context.Context, callID string) (bool, error)
}

// Event is the part of a channel event the service cares about.
type Event struct {
	Name     string
	CallID   string // Caller-Unique-ID, else Unique-ID
	UniqueID string // Unique-ID of the leg the event is about
}

// Stream delivers events until closed or the connection drops.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Subscriber opens event streams.
type Subscriber interface {
	Subscribe(ctx context.Context, events ...string) (Stream, error)
}
