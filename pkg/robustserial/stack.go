// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen

package robustserial

import (
	"time"

	"github.com/golang/glog"
)

// EventFunc receives stack events.
type EventFunc func(Event)

// DataFunc receives stream or datagram payloads. The slice aliases an
// internal buffer and is only valid for the duration of the call; copy it to
// keep it.
type DataFunc func(payload []byte)

// Stack owns the Link and Transport layers, wires them together, and routes
// their events to the user callbacks.
//
// The stack is single-threaded and cooperative: the embedder drives progress
// through Tick, ProcessOutgoingData, ProcessIncomingData, and QueueLinkData,
// and every callback fires synchronously from inside one of those entry
// points. Callbacks must not reenter the stack; Connect, Listen, Disconnect,
// Send, SendDatagram, and Reset detect that and fail with ErrStackReentry.
// Tick and the data-pump methods do not check for reentry.
type Stack struct {
	phy   PhysicalTransport
	clock Clock

	link      LinkLayer
	transport TransportLayer

	state StackState
	stats Statistics
	cfg   Config

	eventCallback    EventFunc
	dataCallback     DataFunc
	datagramCallback DataFunc

	inCallback bool
}

// New creates a stack over the given physical transport. Initialize must be
// called before use.
func New(phy PhysicalTransport, cfg Config) *Stack {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}

	s := &Stack{
		phy:   phy,
		clock: clock,
		state: StackStateInit,
		stats: Statistics{StartTime: time.Now()},
	}

	s.link.down = phy
	s.link.up = &s.transport
	s.link.events = s
	s.link.stats = &s.stats

	s.transport.down = &s.link
	s.transport.up = s
	s.transport.clock = clock
	s.transport.stats = &s.stats

	s.cfg = cfg
	return s
}

// SetEventCallback registers the user event callback. Safe to call from a
// callback.
func (s *Stack) SetEventCallback(cb EventFunc) {
	s.eventCallback = cb
}

// SetDataCallback registers the stream-data callback. Safe to call from a
// callback.
func (s *Stack) SetDataCallback(cb DataFunc) {
	s.dataCallback = cb
}

// SetDatagramCallback registers the datagram callback. Safe to call from a
// callback.
func (s *Stack) SetDatagramCallback(cb DataFunc) {
	s.datagramCallback = cb
}

// Initialize brings up both layers and moves the stack to READY.
func (s *Stack) Initialize() {
	s.link.initialize()
	s.transport.initialize()
	s.applyConfig()

	s.state = StackStateReady
	s.emit(EventReady)
}

// Reset tears down and re-initializes all layers, returning to READY. Counters
// are preserved; use Stats().Reset() to clear them.
func (s *Stack) Reset() error {
	if s.inCallback {
		return ErrStackReentry
	}

	s.link.deinitialize()
	s.transport.deinitialize()

	s.link.initialize()
	s.transport.initialize()
	s.applyConfig()

	s.state = StackStateReady
	s.emit(EventReady)
	return nil
}

func (s *Stack) applyConfig() {
	cfg := s.cfg
	keepalive := uint32(DefaultKeepaliveIntervalMS)
	timeout := uint32(DefaultConnectionTimeoutMS)
	retries := DefaultMaxRetries
	if cfg.KeepaliveInterval > 0 {
		keepalive = uint32(cfg.KeepaliveInterval.Milliseconds())
	}
	if cfg.ConnectionTimeout > 0 {
		timeout = uint32(cfg.ConnectionTimeout.Milliseconds())
	}
	if cfg.MaxRetries > 0 {
		retries = cfg.MaxRetries
	}
	s.transport.SetTimeouts(keepalive, timeout)
	s.transport.maxRetries = retries
}

// SetTimeouts adjusts the keep-alive interval and connection timeout at
// runtime.
func (s *Stack) SetTimeouts(keepaliveMS, timeoutMS uint32) {
	s.transport.SetTimeouts(keepaliveMS, timeoutMS)
}

// State returns the coordinator state.
func (s *Stack) State() StackState {
	return s.state
}

// TransportState returns the underlying connection state.
func (s *Stack) TransportState() TransportState {
	return s.transport.State()
}

// LinkState returns the underlying link state.
func (s *Stack) LinkState() LinkState {
	return s.link.State()
}

// Stats returns the live statistics tracker.
func (s *Stack) Stats() *Statistics {
	return &s.stats
}

// Connect initiates a connection to the peer.
func (s *Stack) Connect() error {
	if s.inCallback {
		return ErrStackReentry
	}
	if s.state == StackStateConnected {
		return nil
	}
	if s.state != StackStateReady && s.state != StackStateConnecting {
		return ErrStackInvalidState
	}

	s.state = StackStateConnecting
	if err := s.transport.Connect(); err != nil {
		s.state = StackStateError
		s.emit(EventError)
		return err
	}
	return nil
}

// Listen enters acceptor mode. The stack stays READY until a peer connects.
func (s *Stack) Listen() error {
	if s.inCallback {
		return ErrStackReentry
	}
	if s.state == StackStateConnected || s.state == StackStateConnecting {
		return nil
	}
	if s.state != StackStateReady {
		return ErrStackInvalidState
	}

	if err := s.transport.Listen(); err != nil {
		s.state = StackStateError
		s.emit(EventError)
		return err
	}
	return nil
}

// Disconnect starts a graceful teardown of the current connection.
func (s *Stack) Disconnect() error {
	if s.inCallback {
		return ErrStackReentry
	}
	if s.state != StackStateConnected {
		return ErrStackNotConnected
	}

	if err := s.transport.Disconnect(); err != nil {
		s.state = StackStateError
		s.emit(EventError)
		return err
	}
	s.state = StackStateReady
	return nil
}

// Send transmits payload on the reliable stream channel.
func (s *Stack) Send(payload []byte) error {
	if s.inCallback {
		return ErrStackReentry
	}
	if len(payload) == 0 {
		return ErrStackInvalidParam
	}
	if s.state != StackStateConnected {
		return ErrStackInvalidState
	}

	if err := s.transport.Send(payload); err != nil {
		return err
	}
	s.emit(EventDataSent)
	return nil
}

// SendDatagram transmits payload on the connectionless channel. Usable
// before a connection exists.
func (s *Stack) SendDatagram(payload []byte) error {
	if s.inCallback {
		return ErrStackReentry
	}
	if len(payload) == 0 {
		return ErrStackInvalidParam
	}
	if s.state == StackStateInit || s.state == StackStateError {
		return ErrStackInvalidState
	}

	if err := s.transport.SendDatagram(payload); err != nil {
		return err
	}
	s.emit(EventDataSent)
	return nil
}

// Tick drives timeouts and keep-alives; call it periodically.
func (s *Stack) Tick() {
	s.transport.Tick()
}

// ProcessOutgoingData pushes queued egress bytes to the physical transport.
// Call it after EventOutgoingDataAvailable, and again later if the transport
// accepted only part of the queue.
func (s *Stack) ProcessOutgoingData() (int, error) {
	return s.link.ProcessOutgoing()
}

// ProcessIncomingData parses buffered ingress bytes into frames and delivers
// payloads. Call it after EventIncomingDataAvailable or in a polled loop.
func (s *Stack) ProcessIncomingData() {
	s.link.ProcessIncoming()
}

// QueueLinkData feeds raw bytes received from the physical transport into
// the link layer. Typically called from the embedder's receive path.
func (s *Stack) QueueLinkData(data []byte) error {
	return s.link.OnReceive(data)
}

func (s *Stack) emit(ev Event) {
	if s.eventCallback == nil {
		return
	}
	s.inCallback = true
	s.eventCallback(ev)
	s.inCallback = false
}

// onLinkEvent implements linkEventSink.
func (s *Stack) onLinkEvent(ev linkEvent) {
	switch ev {
	case linkEventOutgoingDataAvailable:
		s.emit(EventOutgoingDataAvailable)
	case linkEventIncomingDataAvailable:
		s.emit(EventIncomingDataAvailable)
	case linkEventCRCError:
		glog.Warning("stack: link CRC error")
	case linkEventError:
		glog.V(1).Info("stack: link error")
	}
}

// onTransportEvent implements transportEventSink.
func (s *Stack) onTransportEvent(ev transportEvent) {
	switch ev {
	case transportEventConnected:
		s.state = StackStateConnected
		s.emit(EventConnected)
	case transportEventDisconnected:
		s.state = StackStateReady
		s.emit(EventDisconnected)
	case transportEventError:
		s.state = StackStateError
		s.emit(EventError)
	case transportEventTimeout:
		s.state = StackStateError
		s.emit(EventTimeout)
	}
}

// onStreamData implements transportEventSink.
func (s *Stack) onStreamData(p []byte) {
	if s.dataCallback != nil {
		s.inCallback = true
		s.dataCallback(p)
		s.inCallback = false
	}
	s.emit(EventDataReceived)
}

// onDatagram implements transportEventSink.
func (s *Stack) onDatagram(p []byte) {
	if s.datagramCallback != nil {
		s.inCallback = true
		s.datagramCallback(p)
		s.inCallback = false
	}
	s.emit(EventDatagramReceived)
}