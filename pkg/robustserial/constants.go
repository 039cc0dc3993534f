// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen

// Package robustserial implements a layered, reliable byte-stream protocol
// stack for point-to-point links (UART, SPI, I2C) between microcontrollers
// or between an MCU and a host.
//
// The stack has three parts: a Link Layer that wraps payloads into
// CRC-16-protected, COBS-framed byte sequences and resynchronizes on noisy
// input; a Transport Layer that provides a connection-oriented, sequenced,
// acknowledged data channel with keep-alive detection plus a connectionless
// datagram channel; and a Stack coordinator that owns both layers, routes
// events, and exposes the user API.
//
// All buffers are fixed-size fields of the owning component. No allocation
// happens after a Stack is initialized, which keeps the package usable in
// TinyGo-style constrained environments.
package robustserial

// COBS framing limits. COBS code bytes count the distance to the next zero,
// so no block of unencoded data may exceed 254 bytes.
const (
	CobsMaxBlockSize   = 254 // maximum raw frame size before encoding
	CobsMaxEncodedSize = 257 // 254 + 1 overhead byte + delimiter + 1 spare byte
	CobsDelimiter      = 0x00
	cobsMaxCode        = 0xFF
)

// Link frame layout: TYPE(1) | LENGTH(1) | PAYLOAD(0..250) | CRC16(2).
const (
	LinkHeaderSize     = 2
	LinkCRCSize        = 2
	LinkMinFrameSize   = LinkHeaderSize + LinkCRCSize
	LinkMaxFrameSize   = CobsMaxBlockSize
	LinkMaxPayloadSize = CobsMaxBlockSize - LinkHeaderSize - LinkCRCSize

	linkOutgoingBufferSize = CobsMaxEncodedSize * 2
	linkIncomingBufferSize = CobsMaxEncodedSize * 2
)

// Link frame types. DATA is the only type currently defined; anything else
// is treated as noise by the receiver.
const (
	LinkFrameTypeData = 0x01
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Transport packet types
const (
	PacketTypeSyn          = 0x01
	PacketTypeSynAck       = 0x02
	PacketTypeAck          = 0x03
	PacketTypeFin          = 0x04
	PacketTypeFinAck       = 0x05
	PacketTypeData         = 0x06
	PacketTypeDataAck      = 0x07
	PacketTypeDataNack     = 0x08
	PacketTypeKeepalive    = 0x09
	PacketTypeKeepaliveAck = 0x0A
	PacketTypeDatagram     = 0x0B

	packetTypeMax = 0x0C
)

// Transport packet layout. Connection-oriented packets carry a four byte
// header TYPE | CONN_ID | SEQ | LENGTH; datagrams carry TYPE | LENGTH only.
const (
	TransportHeaderSize        = 4
	DatagramHeaderSize         = 2
	TransportMaxPacketSize     = LinkMaxPayloadSize
	TransportMaxPayloadSize    = TransportMaxPacketSize - TransportHeaderSize
	DatagramMaxPayloadSize     = TransportMaxPacketSize - DatagramHeaderSize
	ConnectionIDInvalid   byte = 0x00
	ConnectionIDStart     byte = 0x01
)

// Default timing parameters, overridable through Config or SetTimeouts.
const (
	DefaultKeepaliveIntervalMS = 1000
	DefaultConnectionTimeoutMS = 3000
	DefaultMaxRetries          = 3
)

// LinkState is the Link Layer state.
type LinkState int

// Link Layer states
const (
	LinkStateReady LinkState = iota
	LinkStateSending
	LinkStateError
)

func (s LinkState) String() string {
	switch s {
	case LinkStateReady:
		return "READY"
	case LinkStateSending:
		return "SENDING"
	case LinkStateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// TransportState is the Transport Layer connection state.
type TransportState int

// Transport Layer states
const (
	TransportStateDisconnected TransportState = iota
	TransportStateListening
	TransportStateConnecting
	TransportStateConnected
	TransportStateDisconnecting
	TransportStateError
)

func (s TransportState) String() string {
	switch s {
	case TransportStateDisconnected:
		return "DISCONNECTED"
	case TransportStateListening:
		return "LISTENING"
	case TransportStateConnecting:
		return "CONNECTING"
	case TransportStateConnected:
		return "CONNECTED"
	case TransportStateDisconnecting:
		return "DISCONNECTING"
	case TransportStateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// StackState summarizes the Transport state for the user.
type StackState int

// Stack states
const (
	StackStateInit StackState = iota
	StackStateReady
	StackStateConnecting
	StackStateConnected
	StackStateError
)

func (s StackState) String() string {
	switch s {
	case StackStateInit:
		return "INIT"
	case StackStateReady:
		return "READY"
	case StackStateConnecting:
		return "CONNECTING"
	case StackStateConnected:
		return "CONNECTED"
	case StackStateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Event is a user-visible stack event delivered through the event callback.
type Event int

// Stack events
const (
	EventReady Event = iota
	EventConnected
	EventDisconnected
	EventError
	EventTimeout
	EventDataSent
	EventDataReceived
	EventDatagramReceived
	EventOutgoingDataAvailable
	EventIncomingDataAvailable
)

func (e Event) String() string {
	switch e {
	case EventReady:
		return "READY"
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventError:
		return "ERROR"
	case EventTimeout:
		return "TIMEOUT"
	case EventDataSent:
		return "DATA_SENT"
	case EventDataReceived:
		return "DATA_RECEIVED"
	case EventDatagramReceived:
		return "DATAGRAM_RECEIVED"
	case EventOutgoingDataAvailable:
		return "OUTGOING_DATA_AVAILABLE"
	case EventIncomingDataAvailable:
		return "INCOMING_DATA_AVAILABLE"
	}
	return "UNKNOWN"
}

// linkEvent is reported by the Link Layer to the coordinator.
type linkEvent int

const (
	linkEventReady linkEvent = iota
	linkEventFrameReceived
	linkEventCRCError
	linkEventError
	linkEventOutgoingDataAvailable
	linkEventIncomingDataAvailable
)

// transportEvent is reported by the Transport Layer to the coordinator.
type transportEvent int

const (
	transportEventConnected transportEvent = iota
	transportEventDisconnected
	transportEventError
	transportEventTimeout
)