// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen

package robustserial

import (
	"encoding/binary"

	"github.com/golang/glog"
)

// LinkLayer turns payloads into delimited, CRC-protected frames and parses
// the inbound byte stream back into validated payloads. Corrupted input is
// recovered from by dropping one byte at a time until the next valid
// delimiter, so a receiver joining mid-stream converges on frame boundaries
// without any side channel.
//
// All buffers are fixed-size arrays. Payloads handed to the upper layer
// alias the internal decode buffer and are only valid for the duration of
// the call.
type LinkLayer struct {
	state LinkState

	frame   [LinkMaxFrameSize]byte   // frame under construction
	encoded [CobsMaxEncodedSize]byte // COBS scratch
	decode  [LinkMaxFrameSize]byte   // decoded frame scratch

	outgoing    [linkOutgoingBufferSize]byte
	outgoingLen int
	incoming    [linkIncomingBufferSize]byte
	incomingLen int

	down   PhysicalTransport
	up     payloadReceiver
	events linkEventSink
	stats  *Statistics
}

func (l *LinkLayer) initialize() {
	l.reset()
	l.report(linkEventReady)
}

func (l *LinkLayer) deinitialize() {
	l.reset()
}

func (l *LinkLayer) reset() {
	l.state = LinkStateReady
	l.outgoingLen = 0
	l.incomingLen = 0
}

// State returns the current link state.
func (l *LinkLayer) State() LinkState {
	return l.state
}

func (l *LinkLayer) report(ev linkEvent) {
	if l.events != nil {
		l.events.onLinkEvent(ev)
	}
}

// Send frames payload and queues the encoded bytes for transmission. A
// successful call clears a previous ERROR state.
func (l *LinkLayer) Send(payload []byte) error {
	if payload == nil || l.down == nil {
		l.report(linkEventError)
		return ErrLinkInvalidParam
	}
	if len(payload) > LinkMaxPayloadSize {
		l.report(linkEventError)
		return ErrLinkInvalidParam
	}

	if l.state == LinkStateError {
		l.state = LinkStateReady
	}

	// Frame: TYPE(1) | LENGTH(1) | PAYLOAD(n) | CRC16(2), CRC little-endian
	// over TYPE|LENGTH|PAYLOAD.
	l.frame[0] = LinkFrameTypeData
	l.frame[1] = byte(len(payload))
	copy(l.frame[LinkHeaderSize:], payload)

	frameLen := len(payload) + LinkMinFrameSize
	crc := CalculateCRC(l.frame[:len(payload)+LinkHeaderSize])
	binary.LittleEndian.PutUint16(l.frame[len(payload)+LinkHeaderSize:], crc)

	encodedLen, err := EncodeCOBS(l.encoded[:], l.frame[:frameLen])
	if err != nil {
		l.state = LinkStateError
		l.report(linkEventError)
		return ErrLinkGeneral
	}
	l.encoded[encodedLen] = CobsDelimiter
	encodedLen++

	if l.outgoingLen+encodedLen > linkOutgoingBufferSize {
		if l.stats != nil {
			l.stats.BufferOverflows++
		}
		l.report(linkEventError)
		return ErrLinkBufferFull
	}

	copy(l.outgoing[l.outgoingLen:], l.encoded[:encodedLen])
	l.outgoingLen += encodedLen

	if l.stats != nil {
		l.stats.FramesSent++
	}
	glog.V(2).Infof("link: queued frame, payload=%d encoded=%d pending=%d",
		len(payload), encodedLen, l.outgoingLen)

	l.report(linkEventOutgoingDataAvailable)
	return nil
}

// OnReceive appends raw bytes from the physical transport to the ingress
// buffer. On overflow the whole buffer is discarded so the parser can
// resynchronize from a clean slate.
func (l *LinkLayer) OnReceive(data []byte) error {
	if data == nil {
		return ErrLinkInvalidParam
	}

	if l.incomingLen+len(data) > linkIncomingBufferSize {
		l.incomingLen = 0
		if l.stats != nil {
			l.stats.BufferOverflows++
		}
		l.report(linkEventError)
		return ErrLinkBufferFull
	}

	copy(l.incoming[l.incomingLen:], data)
	l.incomingLen += len(data)

	l.report(linkEventIncomingDataAvailable)
	return nil
}

// ProcessOutgoing pushes queued egress bytes into the physical transport.
// Partial acceptance is expected; unsent bytes stay queued for the next
// call. Returns the number of bytes the transport accepted.
func (l *LinkLayer) ProcessOutgoing() (int, error) {
	if l.outgoingLen == 0 || l.state != LinkStateReady {
		return 0, nil
	}

	l.state = LinkStateSending
	n, err := l.down.Send(l.outgoing[:l.outgoingLen])
	if n > 0 {
		copy(l.outgoing[:], l.outgoing[n:l.outgoingLen])
		l.outgoingLen -= n
	}
	l.state = LinkStateReady

	if err != nil {
		glog.Warningf("link: physical send failed: %v", err)
		l.report(linkEventError)
		return n, ErrPhysicalIO
	}
	return n, nil
}

// ProcessIncoming parses the ingress buffer into frames, resynchronizing on
// corruption, and delivers validated DATA payloads upward. It runs until the
// buffer is empty or holds only a partial frame.
func (l *LinkLayer) ProcessIncoming() {
	for l.incomingLen > 0 {
		decodedLen, consumed, err := DecodeCOBS(l.decode[:], l.incoming[:l.incomingLen])

		if err == ErrCobsIncomplete {
			return // wait for more bytes
		}

		if err != nil || decodedLen < LinkMinFrameSize {
			// Noise: slide forward one byte and retry against the next
			// possible frame start.
			copy(l.incoming[:], l.incoming[1:l.incomingLen])
			l.incomingLen--
			if l.stats != nil {
				l.stats.ResyncByteDrops++
			}
			continue
		}

		payloadLen := int(l.decode[1])
		if payloadLen > LinkMaxPayloadSize || decodedLen != payloadLen+LinkMinFrameSize {
			if l.stats != nil {
				l.stats.MalformedFrames++
			}
			l.dropIncoming(consumed)
			continue
		}

		receivedCRC := binary.LittleEndian.Uint16(l.decode[decodedLen-LinkCRCSize:])
		computedCRC := CalculateCRC(l.decode[:decodedLen-LinkCRCSize])

		if computedCRC != receivedCRC {
			l.state = LinkStateError
			if l.stats != nil {
				l.stats.CRCErrors++
			}
			glog.V(1).Infof("link: CRC mismatch, computed=0x%04X received=0x%04X",
				computedCRC, receivedCRC)
			l.report(linkEventCRCError)
			l.dropIncoming(consumed)
			continue
		}

		if l.decode[0] == LinkFrameTypeData {
			if l.up != nil {
				l.up.onReceive(l.decode[LinkHeaderSize : LinkHeaderSize+payloadLen])
			}
			if l.stats != nil {
				l.stats.FramesReceived++
			}
			l.report(linkEventFrameReceived)
		} else {
			// Unknown frame type; counted but not reported.
			l.state = LinkStateError
			if l.stats != nil {
				l.stats.UnknownFrameTypes++
			}
		}

		l.dropIncoming(consumed)
	}
}

func (l *LinkLayer) dropIncoming(n int) {
	copy(l.incoming[:], l.incoming[n:l.incomingLen])
	l.incomingLen -= n
}