// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen

package robustserial

import "time"

// PhysicalTransport is the byte sink the Link Layer writes to. Send must not
// block: it returns the number of bytes it accepted, which may be zero, or
// an error for a failed transport. Inbound bytes are pushed into the stack
// by the embedder through Stack.QueueLinkData.
type PhysicalTransport interface {
	Send(p []byte) (int, error)
}

// Clock is the millisecond time source consumed by the Transport Layer. The
// value wraps at 2^32; only differences are taken, so wrap is harmless.
type Clock interface {
	NowMillis() uint32
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() uint32

// NowMillis implements Clock.
func (f ClockFunc) NowMillis() uint32 { return f() }

var epoch = time.Now()

// SystemClock returns a monotonic Clock based on the process start time.
func SystemClock() Clock {
	return ClockFunc(func() uint32 {
		return uint32(time.Since(epoch).Milliseconds())
	})
}

// Config carries the tunable parameters of a Stack.
type Config struct {
	// KeepaliveInterval is the interval between keep-alive probes while
	// connected. The connection is declared dead after three intervals
	// without a KEEPALIVE_ACK.
	KeepaliveInterval time.Duration

	// ConnectionTimeout is the retransmit-and-fail window for connection
	// setup and teardown packets.
	ConnectionTimeout time.Duration

	// MaxRetries bounds SYN/SYN-ACK retransmissions before the connection
	// attempt is reported failed.
	MaxRetries int

	// Clock overrides the time source; nil selects SystemClock.
	Clock Clock
}

// DefaultConfig returns the default stack configuration.
func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: DefaultKeepaliveIntervalMS * time.Millisecond,
		ConnectionTimeout: DefaultConnectionTimeoutMS * time.Millisecond,
		MaxRetries:        DefaultMaxRetries,
	}
}

// payloadReceiver accepts integrity-checked payloads pushed up by the layer
// below.
type payloadReceiver interface {
	onReceive(p []byte)
}

// linkEventSink receives Link Layer events.
type linkEventSink interface {
	onLinkEvent(ev linkEvent)
}

// transportEventSink receives Transport Layer events and verified user data.
type transportEventSink interface {
	onTransportEvent(ev transportEvent)
	onStreamData(p []byte)
	onDatagram(p []byte)
}