// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen

package robustserial

import "github.com/golang/glog"

// TransportLayer owns the connection lifecycle and the stop-and-wait
// reliable data channel on top of the Link Layer. One connection at a time;
// every connection-oriented packet carries the connection ID assigned by the
// acceptor during the handshake, and traffic with any other ID is dropped.
type TransportLayer struct {
	state TransportState

	connectionID byte
	nextConnID   byte // monotonic allocation counter, acceptor side
	initiator    bool

	sequenceNumber     byte
	peerSequenceNumber byte
	awaitingAck        bool
	waitingResponse    bool
	connectRetries     int

	lastTxTime       uint32
	lastKeepaliveAck uint32
	lastKeepaliveTx  uint32

	keepaliveInterval uint32 // ms
	connectionTimeout uint32 // ms
	maxRetries        int

	txBuffer     [TransportMaxPacketSize]byte
	lastTxBuffer [TransportMaxPacketSize]byte
	lastTxLength int

	down   *LinkLayer
	up     transportEventSink
	clock  Clock
	stats  *Statistics
}

func (t *TransportLayer) initialize() {
	t.reset()
	t.keepaliveInterval = DefaultKeepaliveIntervalMS
	t.connectionTimeout = DefaultConnectionTimeoutMS
	t.maxRetries = DefaultMaxRetries
}

func (t *TransportLayer) deinitialize() {
	t.reset()
}

func (t *TransportLayer) reset() {
	t.state = TransportStateDisconnected
	t.connectionID = ConnectionIDInvalid
	t.initiator = false
	t.sequenceNumber = 0
	t.peerSequenceNumber = 0
	t.awaitingAck = false
	t.waitingResponse = false
	t.connectRetries = 0
	t.lastTxTime = 0
	t.lastTxLength = 0
	t.lastKeepaliveAck = 0
	t.lastKeepaliveTx = 0
}

// State returns the current connection state.
func (t *TransportLayer) State() TransportState {
	return t.state
}

// SetTimeouts overrides the keep-alive interval and the connection
// setup/teardown timeout.
func (t *TransportLayer) SetTimeouts(keepaliveMS, timeoutMS uint32) {
	t.keepaliveInterval = keepaliveMS
	t.connectionTimeout = timeoutMS
}

func (t *TransportLayer) now() uint32 {
	return t.clock.NowMillis()
}

func (t *TransportLayer) report(ev transportEvent) {
	if t.up != nil {
		t.up.onTransportEvent(ev)
	}
}

// Connect starts the three-way handshake as the initiator. Calling it while
// already connected is a no-op; calling it while a handshake is in flight
// retransmits the SYN without duplicating state.
func (t *TransportLayer) Connect() error {
	switch t.state {
	case TransportStateConnected:
		return nil
	case TransportStateConnecting:
		if !t.initiator {
			return ErrTransportInvalidState
		}
		t.sendSyn()
		return nil
	case TransportStateDisconnected:
	default:
		return ErrTransportInvalidState
	}

	t.state = TransportStateConnecting
	t.initiator = true
	t.connectRetries = 0
	t.waitingResponse = true

	// Seed the sequence number from the clock so it is not predictable
	// across resets.
	t.sequenceNumber = byte(t.now())
	t.peerSequenceNumber = 0

	glog.Infof("transport: connecting, seq=%d", t.sequenceNumber)
	t.sendSyn()
	return nil
}

// Listen enters acceptor mode and waits for a SYN.
func (t *TransportLayer) Listen() error {
	switch t.state {
	case TransportStateListening, TransportStateConnected:
		return nil
	case TransportStateDisconnected:
	default:
		return ErrTransportInvalidState
	}

	t.state = TransportStateListening
	t.initiator = false
	t.sequenceNumber = 0
	t.peerSequenceNumber = 0

	glog.Info("transport: listening")
	return nil
}

// Disconnect starts a graceful teardown.
func (t *TransportLayer) Disconnect() error {
	if t.state != TransportStateConnected {
		return ErrTransportNotConnected
	}

	t.state = TransportStateDisconnecting
	t.waitingResponse = true
	t.sendFin()
	return nil
}

// Send transmits payload as a sequenced DATA packet. Stop-and-wait: only one
// DATA may be in flight, so a second Send before the DATA_ACK arrives fails
// with ErrTransportBusy.
func (t *TransportLayer) Send(payload []byte) error {
	if len(payload) == 0 || len(payload) > TransportMaxPayloadSize {
		return ErrTransportInvalidParam
	}
	if t.state != TransportStateConnected {
		return ErrTransportInvalidState
	}
	if t.awaitingAck {
		return ErrTransportBusy
	}
	if t.down == nil {
		return ErrTransportInvalidState
	}

	// Build the packet in the retransmission buffer so a DATA_NACK can
	// replay it bit-identically.
	t.lastTxBuffer[0] = PacketTypeData
	t.lastTxBuffer[1] = t.connectionID
	t.lastTxBuffer[2] = t.sequenceNumber
	t.lastTxBuffer[3] = byte(len(payload))
	copy(t.lastTxBuffer[TransportHeaderSize:], payload)
	t.lastTxLength = TransportHeaderSize + len(payload)

	glog.V(1).Infof("transport: DATA seq=%d len=%d", t.sequenceNumber, len(payload))

	if err := t.down.Send(t.lastTxBuffer[:t.lastTxLength]); err != nil {
		return err
	}

	t.awaitingAck = true
	t.lastTxTime = t.now()
	t.sequenceNumber++
	if t.stats != nil {
		t.stats.PacketsSent++
	}
	return nil
}

// SendDatagram transmits payload as a fire-and-forget DATAGRAM packet. It
// bypasses sequencing and is allowed in any state except ERROR.
func (t *TransportLayer) SendDatagram(payload []byte) error {
	if payload == nil || t.down == nil {
		return ErrTransportInvalidParam
	}
	if len(payload) > DatagramMaxPayloadSize {
		return ErrTransportInvalidParam
	}
	if t.state == TransportStateError {
		return ErrTransportInvalidState
	}

	t.txBuffer[0] = PacketTypeDatagram
	t.txBuffer[1] = byte(len(payload))
	copy(t.txBuffer[DatagramHeaderSize:], payload)

	if err := t.down.Send(t.txBuffer[:DatagramHeaderSize+len(payload)]); err != nil {
		return ErrTransportSendFailed
	}
	if t.stats != nil {
		t.stats.DatagramsSent++
	}
	return nil
}

// onReceive accepts a validated link payload and dispatches it by packet
// type. A type that is not expected in the current state is dropped, not
// treated as a protocol error, so retransmitted control packets cannot
// derail either peer.
func (t *TransportLayer) onReceive(data []byte) {
	if len(data) < DatagramHeaderSize {
		return
	}

	typ := data[0]
	if typ == 0 || typ >= packetTypeMax {
		return
	}

	if t.stats != nil {
		t.stats.PacketsReceived++
	}

	if typ == PacketTypeDatagram {
		if t.state != TransportStateError {
			t.handleDatagram(data)
		}
		return
	}

	header, ok := parsePacketHeader(data)
	if !ok {
		return
	}

	switch header.typ {
	case PacketTypeSyn:
		if t.state == TransportStateListening || t.state == TransportStateConnected {
			t.handleSyn(header)
		}
	case PacketTypeSynAck:
		if t.state == TransportStateConnecting && t.initiator {
			t.handleSynAck(header)
		}
	case PacketTypeAck:
		if t.state == TransportStateConnecting || t.state == TransportStateDisconnecting {
			t.handleAck(header)
		}
	case PacketTypeFin:
		if t.state == TransportStateConnected {
			t.handleFin(header)
		}
	case PacketTypeFinAck:
		if t.state == TransportStateDisconnecting {
			t.handleFinAck(header)
		}
	case PacketTypeData:
		if t.state == TransportStateConnected {
			t.handleData(header, data)
		}
	case PacketTypeDataAck:
		if t.state == TransportStateConnected {
			t.handleDataAck(header)
		}
	case PacketTypeDataNack:
		if t.state == TransportStateConnected {
			t.handleDataNack(header)
		}
	case PacketTypeKeepalive:
		if t.state == TransportStateConnected && header.connID == t.connectionID {
			t.sendControl(PacketTypeKeepaliveAck, t.connectionID, 0)
		}
	case PacketTypeKeepaliveAck:
		if t.state == TransportStateConnected && header.connID == t.connectionID {
			t.lastKeepaliveAck = t.now()
		}
	}
}

// Tick polls timeouts and emits keep-alives. The embedder calls it
// periodically with the granularity it needs.
func (t *TransportLayer) Tick() {
	now := t.now()

	switch t.state {
	case TransportStateConnected:
		if now-t.lastKeepaliveAck > t.keepaliveInterval*3 {
			glog.Info("transport: keep-alive timeout")
			t.state = TransportStateDisconnecting
			t.waitingResponse = true
			t.lastTxTime = now
			t.report(transportEventTimeout)
		} else if now-t.lastKeepaliveAck > t.keepaliveInterval &&
			now-t.lastKeepaliveTx >= t.keepaliveInterval {
			t.sendControl(PacketTypeKeepalive, t.connectionID, 0)
			t.lastKeepaliveTx = now
			if t.stats != nil {
				t.stats.KeepalivesSent++
			}
		}

	case TransportStateConnecting:
		if t.waitingResponse && now-t.lastTxTime > t.connectionTimeout {
			if t.connectRetries < t.maxRetries {
				t.connectRetries++
				glog.V(1).Infof("transport: handshake timeout, retry %d/%d",
					t.connectRetries, t.maxRetries)
				if t.initiator {
					t.sendSyn()
				} else {
					t.sendSynAck()
				}
			} else {
				glog.Infof("transport: connection failed after %d retries", t.connectRetries)
				t.state = TransportStateError
				t.report(transportEventTimeout)
			}
		}

	case TransportStateDisconnecting:
		if t.waitingResponse && now-t.lastTxTime > t.connectionTimeout {
			glog.V(1).Info("transport: teardown timeout, forcing disconnect")
			t.state = TransportStateDisconnected
			t.waitingResponse = false
			t.connectionID = ConnectionIDInvalid
			t.report(transportEventDisconnected)
		}
	}
}

func (t *TransportLayer) enterConnected() {
	now := t.now()
	t.state = TransportStateConnected
	t.waitingResponse = false
	t.connectRetries = 0
	t.awaitingAck = false
	t.lastKeepaliveAck = now
	t.lastKeepaliveTx = now
	glog.Infof("transport: connected, id=%d", t.connectionID)
	t.report(transportEventConnected)
}

func (t *TransportLayer) enterDisconnected() {
	t.state = TransportStateDisconnected
	t.waitingResponse = false
	t.connectionID = ConnectionIDInvalid
	glog.Info("transport: disconnected")
	t.report(transportEventDisconnected)
}

func (t *TransportLayer) handleSyn(h packetHeader) {
	// A SYN with an unassigned connection ID while connected means the peer
	// reset without closing; drop the connection and let the user decide.
	if t.state == TransportStateConnected {
		if h.connID == ConnectionIDInvalid {
			glog.Info("transport: peer reset detected")
			t.state = TransportStateDisconnected
			t.connectionID = ConnectionIDInvalid
			t.report(transportEventError)
		}
		return
	}

	if h.connID != ConnectionIDInvalid {
		return
	}

	// Accept: adopt the initiator's sequence and answer with our own.
	t.peerSequenceNumber = h.seq
	t.state = TransportStateConnecting
	t.initiator = false
	t.waitingResponse = true
	t.connectRetries = 0
	t.sequenceNumber = byte(t.now())
	t.connectionID = t.allocConnectionID()

	glog.Infof("transport: accepting connection, id=%d seq=%d", t.connectionID, t.sequenceNumber)
	t.sendSynAck()
}

// allocConnectionID returns the next identifier from a monotonic counter,
// skipping the reserved invalid value.
func (t *TransportLayer) allocConnectionID() byte {
	t.nextConnID++
	if t.nextConnID == ConnectionIDInvalid {
		t.nextConnID = ConnectionIDStart
	}
	return t.nextConnID
}

func (t *TransportLayer) handleSynAck(h packetHeader) {
	t.connectionID = h.connID
	t.peerSequenceNumber = h.seq
	t.sendControl(PacketTypeAck, h.connID, h.seq)
	t.enterConnected()
}

func (t *TransportLayer) handleAck(h packetHeader) {
	if h.connID != t.connectionID {
		return
	}

	switch t.state {
	case TransportStateConnecting:
		// Final leg of the handshake: the ACK must echo the sequence we
		// sent in the SYN-ACK.
		if h.seq == t.sequenceNumber {
			t.enterConnected()
		}
	case TransportStateDisconnecting:
		t.enterDisconnected()
	}
}

func (t *TransportLayer) handleFin(h packetHeader) {
	if h.connID != t.connectionID {
		return
	}

	t.sendControl(PacketTypeAck, t.connectionID, t.sequenceNumber)
	t.sendFin()
	t.state = TransportStateDisconnecting
	t.waitingResponse = true
}

func (t *TransportLayer) handleFinAck(h packetHeader) {
	if h.connID != t.connectionID {
		return
	}
	t.enterDisconnected()
}

func (t *TransportLayer) handleData(h packetHeader, data []byte) {
	if h.connID != t.connectionID {
		return
	}

	payload := data[TransportHeaderSize:]
	if int(h.length) != len(payload) {
		glog.V(1).Infof("transport: DATA length mismatch, header=%d actual=%d",
			h.length, len(payload))
		return
	}

	if h.seq != t.peerSequenceNumber {
		glog.V(1).Infof("transport: DATA out of sequence, got=%d want=%d",
			h.seq, t.peerSequenceNumber)
		if t.stats != nil {
			t.stats.SequenceNacks++
		}
		t.sendControl(PacketTypeDataNack, t.connectionID, h.seq)
		return
	}

	if t.up != nil {
		t.up.onStreamData(payload)
	}

	t.sendControl(PacketTypeDataAck, t.connectionID, h.seq)
	t.peerSequenceNumber++
}

func (t *TransportLayer) handleDataAck(h packetHeader) {
	if h.connID != t.connectionID {
		return
	}
	if !t.awaitingAck || h.seq != t.sequenceNumber-1 {
		return
	}
	t.awaitingAck = false
}

func (t *TransportLayer) handleDataNack(h packetHeader) {
	if h.connID != t.connectionID {
		return
	}
	if !t.awaitingAck || h.seq != t.sequenceNumber-1 {
		return
	}

	glog.V(1).Infof("transport: retransmitting seq=%d", h.seq)
	if t.stats != nil {
		t.stats.Retransmissions++
	}
	t.down.Send(t.lastTxBuffer[:t.lastTxLength])
}

func (t *TransportLayer) handleDatagram(data []byte) {
	payload := data[DatagramHeaderSize:]
	if int(data[1]) != len(payload) {
		return
	}
	if t.stats != nil {
		t.stats.DatagramsReceived++
	}
	if t.up != nil {
		t.up.onDatagram(payload)
	}
}

func (t *TransportLayer) sendSyn() {
	// The initiator does not have an ID yet; the acceptor assigns one in
	// the SYN-ACK.
	t.sendControl(PacketTypeSyn, ConnectionIDInvalid, t.sequenceNumber)
	t.lastTxTime = t.now()
}

func (t *TransportLayer) sendSynAck() {
	t.sendControl(PacketTypeSynAck, t.connectionID, t.sequenceNumber)
	t.lastTxTime = t.now()
}

func (t *TransportLayer) sendFin() {
	t.sendControl(PacketTypeFin, t.connectionID, t.sequenceNumber)
	t.lastTxTime = t.now()
}

func (t *TransportLayer) sendControl(typ, connID, seq byte) {
	if t.down == nil {
		return
	}
	t.txBuffer[0] = typ
	t.txBuffer[1] = connID
	t.txBuffer[2] = seq
	t.txBuffer[3] = 0
	t.down.Send(t.txBuffer[:TransportHeaderSize])
	if t.stats != nil {
		t.stats.PacketsSent++
	}
}