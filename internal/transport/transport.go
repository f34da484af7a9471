// Package transport is the resilient message-transport layer between the
// chat bridge and a Meshtastic radio. It owns the link to the device, splits
// oversized text into radio frames, queues outbound messages while the link is
// down and restores connectivity with a bounded, cancellable retry schedule.
package transport

import (
	"context"
	"fmt"
	"time"
)

// ConnectionState describes the current link status.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// PrimaryChannel is the name of channel index 0. It is always present and
// selected by default.
const PrimaryChannel = "Primary"

// Packet is an inbound packet delivered by the driver.
// Text is only meaningful when IsText is set.
type Packet struct {
	ID         uint32
	From       uint32
	To         uint32
	Channel    uint32
	Text       string
	IsText     bool
	ReceivedAt time.Time
}

// FromID renders the sender in Meshtastic "!hex" notation.
func (p Packet) FromID() string {
	return fmt.Sprintf("!%08x", p.From)
}

// Driver is the radio driver boundary. The controller never encodes frames or
// touches serial/TCP itself.
type Driver interface {
	// Open establishes a link to target (serial path or host).
	Open(ctx context.Context, target string) (Link, error)
	// Subscribe registers the single callback for inbound packets. Packets
	// may be delivered from the driver's own goroutines.
	Subscribe(fn func(Packet))
}

// Link is an open connection to a device.
// Implementations must be safe for concurrent use.
type Link interface {
	// WriteText transmits one frame on the given channel index.
	WriteText(ctx context.Context, channel int, text string) error
	// Channels returns the device channel names, index 0 first. It may be
	// empty when the device has not reported its configuration.
	Channels() []string
	// Close tears down the link.
	Close() error
}

// Monitored is implemented by links that can fail on their own, e.g. when
// the device is unplugged while nothing is being sent.
type Monitored interface {
	// Done is closed once the link is unusable.
	Done() <-chan struct{}
	// Err is the failure cause, nil after a deliberate Close.
	Err() error
}

// Status is reported to the status observer on every reconnection progress
// change and on every user-visible failure.
type Status struct {
	State        ConnectionState
	Reconnecting bool
	Message      string // empty when there is nothing to show
	Attempt      int
	Attempts     int
	Err          error
	Timestamp    time.Time
}

// StatusFunc observes status changes.
type StatusFunc func(Status)

// MessageFunc observes decoded inbound text.
type MessageFunc func(Packet)
