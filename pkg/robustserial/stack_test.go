// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen

package robustserial

import (
	"bytes"
	"testing"
	"time"
)

// testClock is a manually advanced millisecond clock.
type testClock struct {
	ms uint32
}

func (c *testClock) NowMillis() uint32 { return c.ms }

func (c *testClock) advance(ms uint32) { c.ms += ms }

// pair wires two stacks back to back over a loopback and records everything
// each side's callbacks see.
type pair struct {
	t *testing.T

	a, b   *Stack
	la, lb *Loopback
	ca, cb *testClock

	aEvents, bEvents       []Event
	aData, bData           [][]byte
	aDatagrams, bDatagrams [][]byte
}

func newPair(t *testing.T, cfg Config) *pair {
	t.Helper()

	p := &pair{t: t}
	p.la, p.lb = NewLoopbackPair()
	p.ca = &testClock{}
	p.cb = &testClock{}

	cfgA, cfgB := cfg, cfg
	cfgA.Clock = p.ca
	cfgB.Clock = p.cb

	p.a = New(p.la, cfgA)
	p.b = New(p.lb, cfgB)

	p.a.SetEventCallback(func(ev Event) { p.aEvents = append(p.aEvents, ev) })
	p.b.SetEventCallback(func(ev Event) { p.bEvents = append(p.bEvents, ev) })
	p.a.SetDataCallback(func(d []byte) { p.aData = append(p.aData, clone(d)) })
	p.b.SetDataCallback(func(d []byte) { p.bData = append(p.bData, clone(d)) })
	p.a.SetDatagramCallback(func(d []byte) { p.aDatagrams = append(p.aDatagrams, clone(d)) })
	p.b.SetDatagramCallback(func(d []byte) { p.bDatagrams = append(p.bDatagrams, clone(d)) })

	p.a.Initialize()
	p.b.Initialize()
	return p
}

func clone(p []byte) []byte {
	cp := make([]byte, len(p))
	copy(cp, p)
	return cp
}

// pump moves bytes between the two stacks until nothing is in flight.
func (p *pair) pump() {
	p.t.Helper()
	for i := 0; i < 64; i++ {
		moved := 0
		n, _ := p.a.ProcessOutgoingData()
		moved += n
		n, _ = p.b.ProcessOutgoingData()
		moved += n
		moved += p.lb.Drain(p.b)
		moved += p.la.Drain(p.a)
		p.a.ProcessIncomingData()
		p.b.ProcessIncomingData()
		if moved == 0 {
			return
		}
	}
	p.t.Fatal("pump did not quiesce")
}

func (p *pair) connect() {
	p.t.Helper()
	if err := p.b.Listen(); err != nil {
		p.t.Fatalf("Listen error: %v", err)
	}
	if err := p.a.Connect(); err != nil {
		p.t.Fatalf("Connect error: %v", err)
	}
	p.pump()
	if p.a.State() != StackStateConnected || p.b.State() != StackStateConnected {
		p.t.Fatalf("not connected: a=%v b=%v", p.a.State(), p.b.State())
	}
}

func hasEvent(events []Event, ev Event) bool {
	for _, e := range events {
		if e == ev {
			return true
		}
	}
	return false
}

func TestStack_Handshake(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.ca.ms = 0x42
	p.cb.ms = 0x17

	p.connect()

	if !hasEvent(p.aEvents, EventConnected) || !hasEvent(p.bEvents, EventConnected) {
		t.Error("both sides must emit CONNECTED")
	}

	// The acceptor allocated the first valid connection ID, both sides
	// adopted it, and each side holds the other's initial sequence.
	if p.a.transport.connectionID != ConnectionIDStart {
		t.Errorf("client conn id = %d, want %d", p.a.transport.connectionID, ConnectionIDStart)
	}
	if p.b.transport.connectionID != ConnectionIDStart {
		t.Errorf("server conn id = %d, want %d", p.b.transport.connectionID, ConnectionIDStart)
	}
	if p.a.transport.sequenceNumber != 0x42 {
		t.Errorf("client seq = 0x%02X, want 0x42", p.a.transport.sequenceNumber)
	}
	if p.b.transport.peerSequenceNumber != 0x42 {
		t.Errorf("server peer seq = 0x%02X, want 0x42", p.b.transport.peerSequenceNumber)
	}
	if p.a.transport.peerSequenceNumber != 0x17 {
		t.Errorf("client peer seq = 0x%02X, want 0x17", p.a.transport.peerSequenceNumber)
	}
}

func TestStack_SingleDataWireFormat(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.ca.ms = 0x42
	p.cb.ms = 0x17
	p.connect()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := p.a.Send(payload); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if _, err := p.a.ProcessOutgoingData(); err != nil {
		t.Fatalf("ProcessOutgoingData error: %v", err)
	}

	// Expected pre-COBS link frame:
	// TYPE LEN | transport packet [06 01 42 04 DE AD BE EF] | CRC16 LE
	inner := []byte{0x06, 0x01, 0x42, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}
	frame := append([]byte{0x01, 0x08}, inner...)
	crc := CalculateCRC(frame)
	frame = append(frame, byte(crc), byte(crc>>8))

	expected := make([]byte, CobsMaxEncodedSize)
	n, err := EncodeCOBS(expected, frame)
	if err != nil {
		t.Fatalf("EncodeCOBS error: %v", err)
	}
	expected[n] = CobsDelimiter

	if !bytes.Equal(p.lb.buf[:p.lb.n], expected[:n+1]) {
		t.Errorf("wire bytes mismatch:\n got  %x\n want %x", p.lb.buf[:p.lb.n], expected[:n+1])
	}

	p.pump()

	if len(p.bData) != 1 || !bytes.Equal(p.bData[0], payload) {
		t.Fatalf("server data = %x, want %x", p.bData, payload)
	}
	if p.a.transport.awaitingAck {
		t.Error("DATA_ACK did not clear awaitingAck")
	}
	if p.a.transport.sequenceNumber != 0x43 {
		t.Errorf("client seq after send = 0x%02X, want 0x43", p.a.transport.sequenceNumber)
	}
}

func TestStack_SequenceDiscipline(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.connect()

	// In-order stream: three sends arrive in order.
	for _, b := range []byte{1, 2, 3} {
		if err := p.a.Send([]byte{b}); err != nil {
			t.Fatalf("Send(%d) error: %v", b, err)
		}
		p.pump()
	}
	if len(p.bData) != 3 {
		t.Fatalf("delivered %d payloads, want 3", len(p.bData))
	}
	for i, b := range []byte{1, 2, 3} {
		if p.bData[i][0] != b {
			t.Errorf("payload %d = %d, want %d", i, p.bData[i][0], b)
		}
	}
}

func TestStack_SequenceGapNacked(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.connect()

	tr := &p.b.transport
	wantSeq := tr.peerSequenceNumber
	connID := tr.connectionID

	// Inject a DATA packet two ahead of the expected sequence.
	tr.onReceive([]byte{PacketTypeData, connID, wantSeq + 2, 1, 0x99})

	if len(p.bData) != 0 {
		t.Error("out-of-sequence DATA must not be delivered")
	}
	if tr.peerSequenceNumber != wantSeq {
		t.Error("peer sequence must not advance on a gap")
	}
	if p.b.stats.SequenceNacks != 1 {
		t.Errorf("SequenceNacks = %d, want 1", p.b.stats.SequenceNacks)
	}
}

func TestStack_StopAndWait(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.connect()

	if err := p.a.Send([]byte{0x01}); err != nil {
		t.Fatalf("first Send error: %v", err)
	}
	if err := p.a.Send([]byte{0x02}); err != ErrTransportBusy {
		t.Errorf("second Send while awaiting ack = %v, want ErrTransportBusy", err)
	}

	p.pump()

	if err := p.a.Send([]byte{0x02}); err != nil {
		t.Errorf("Send after ack error: %v", err)
	}
}

func TestStack_Retransmission(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.ca.ms = 0x42
	p.connect()

	if err := p.a.Send([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	p.a.ProcessOutgoingData()
	first := clone(p.lb.buf[:p.lb.n])
	p.lb.n = 0 // drop the frame instead of delivering it

	seqBefore := p.a.transport.sequenceNumber

	// Peer reports the gap; the saved frame is replayed bit-identically and
	// no new sequence number is consumed.
	p.a.transport.onReceive([]byte{PacketTypeDataNack, p.a.transport.connectionID, seqBefore - 1, 0})
	p.a.ProcessOutgoingData()

	if !bytes.Equal(p.lb.buf[:p.lb.n], first) {
		t.Errorf("retransmission differs from original:\n got  %x\n want %x",
			p.lb.buf[:p.lb.n], first)
	}
	if p.a.transport.sequenceNumber != seqBefore {
		t.Error("retransmission consumed a sequence number")
	}
	if p.a.stats.Retransmissions != 1 {
		t.Errorf("Retransmissions = %d, want 1", p.a.stats.Retransmissions)
	}
}

func TestStack_Keepalive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepaliveInterval = 100 * time.Millisecond
	p := newPair(t, cfg)
	p.connect()

	// Healthy link: ACKs keep flowing, no timeout for many intervals.
	for i := 0; i < 10; i++ {
		p.ca.advance(101)
		p.cb.advance(101)
		p.a.Tick()
		p.b.Tick()
		p.pump()
	}
	if p.a.State() != StackStateConnected || p.b.State() != StackStateConnected {
		t.Fatal("healthy keep-alive exchange must stay connected")
	}
	if hasEvent(p.aEvents, EventTimeout) || hasEvent(p.bEvents, EventTimeout) {
		t.Fatal("no TIMEOUT expected while ACKs are delivered")
	}
	if p.a.stats.KeepalivesSent == 0 {
		t.Error("no keep-alives were sent")
	}

	// Peer goes silent: probes at each interval, TIMEOUT after three.
	sentBefore := p.a.stats.KeepalivesSent
	for i := 0; i < 3; i++ {
		p.ca.advance(101)
		p.a.Tick()
	}
	if p.a.stats.KeepalivesSent-sentBefore != 2 {
		// The third tick crosses the 3x threshold instead of probing.
		t.Errorf("keep-alives during silence = %d, want 2", p.a.stats.KeepalivesSent-sentBefore)
	}
	if !hasEvent(p.aEvents, EventTimeout) {
		t.Fatal("keep-alive starvation must raise TIMEOUT")
	}
	if p.a.transport.State() != TransportStateDisconnecting {
		t.Errorf("transport state = %v, want DISCONNECTING", p.a.transport.State())
	}

	// The teardown itself times out into DISCONNECTED.
	p.ca.advance(DefaultConnectionTimeoutMS + 1)
	p.a.Tick()
	if p.a.transport.State() != TransportStateDisconnected {
		t.Errorf("transport state = %v, want DISCONNECTED", p.a.transport.State())
	}
	if !hasEvent(p.aEvents, EventDisconnected) {
		t.Error("teardown timeout must emit DISCONNECTED")
	}
}

func TestStack_DatagramBeforeConnect(t *testing.T) {
	p := newPair(t, DefaultConfig())

	if err := p.a.SendDatagram([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("SendDatagram in READY error: %v", err)
	}
	p.a.ProcessOutgoingData()

	// Expected pre-COBS link frame around transport packet [0B 02 01 02].
	frame := []byte{0x01, 0x04, PacketTypeDatagram, 0x02, 0x01, 0x02}
	crc := CalculateCRC(frame)
	frame = append(frame, byte(crc), byte(crc>>8))
	expected := make([]byte, CobsMaxEncodedSize)
	n, _ := EncodeCOBS(expected, frame)
	expected[n] = CobsDelimiter

	if !bytes.Equal(p.lb.buf[:p.lb.n], expected[:n+1]) {
		t.Errorf("datagram wire bytes mismatch:\n got  %x\n want %x",
			p.lb.buf[:p.lb.n], expected[:n+1])
	}

	p.pump()

	if len(p.bDatagrams) != 1 || !bytes.Equal(p.bDatagrams[0], []byte{0x01, 0x02}) {
		t.Fatalf("datagram not delivered: %x", p.bDatagrams)
	}
	if p.b.State() != StackStateReady {
		t.Errorf("datagram must not change state, got %v", p.b.State())
	}
}

func TestStack_ConnectIdempotent(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.b.Listen()

	if err := p.a.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	// Second call before completion retries the SYN without new state.
	if err := p.a.Connect(); err != nil {
		t.Fatalf("second Connect error: %v", err)
	}

	p.pump()
	if p.a.State() != StackStateConnected {
		t.Fatalf("state = %v, want CONNECTED", p.a.State())
	}

	// Connecting while connected is a successful no-op.
	if err := p.a.Connect(); err != nil {
		t.Errorf("Connect while connected = %v, want nil", err)
	}
	if p.a.State() != StackStateConnected {
		t.Error("Connect while connected changed state")
	}
}

func TestStack_ConnectRetriesThenError(t *testing.T) {
	p := newPair(t, DefaultConfig())
	// Nobody listens on the other side; b never drains, a never hears back.
	if err := p.a.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	for i := 0; i <= DefaultMaxRetries; i++ {
		p.ca.advance(DefaultConnectionTimeoutMS + 1)
		p.a.Tick()
	}

	if p.a.State() != StackStateError {
		t.Fatalf("state after retry exhaustion = %v, want ERROR", p.a.State())
	}
	if !hasEvent(p.aEvents, EventTimeout) {
		t.Error("retry exhaustion must emit TIMEOUT")
	}

	// Reset recovers to READY.
	if err := p.a.Reset(); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if p.a.State() != StackStateReady {
		t.Errorf("state after reset = %v, want READY", p.a.State())
	}
}

func TestStack_GracefulDisconnect(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.connect()

	if err := p.a.Disconnect(); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	p.pump()

	if p.a.transport.State() != TransportStateDisconnected {
		t.Errorf("initiator transport = %v, want DISCONNECTED", p.a.transport.State())
	}
	if !hasEvent(p.aEvents, EventDisconnected) {
		t.Error("initiator must emit DISCONNECTED")
	}
	if p.a.transport.connectionID != ConnectionIDInvalid {
		t.Error("connection id must be cleared after teardown")
	}
}

func TestStack_PeerResetDetected(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.connect()

	// A SYN with the unassigned ID while connected means the peer rebooted.
	p.b.transport.onReceive([]byte{PacketTypeSyn, ConnectionIDInvalid, 0x55, 0})

	if p.b.transport.State() != TransportStateDisconnected {
		t.Errorf("transport = %v, want DISCONNECTED", p.b.transport.State())
	}
	if !hasEvent(p.bEvents, EventError) {
		t.Error("peer reset must emit ERROR")
	}
}

func TestStack_ConnectionIDFiltering(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.connect()

	tr := &p.b.transport
	stale := tr.connectionID + 1

	tr.onReceive([]byte{PacketTypeData, stale, tr.peerSequenceNumber, 1, 0x77})

	if len(p.bData) != 0 {
		t.Error("DATA with a stale connection id must be dropped")
	}
	if p.b.stats.SequenceNacks != 0 {
		t.Error("stale connection id must not trigger a NACK")
	}
}

func TestStack_ReentryGuard(t *testing.T) {
	p := newPair(t, DefaultConfig())

	var reentryErr error
	p.b.SetDataCallback(func(d []byte) {
		reentryErr = p.b.Send([]byte{0x01})
	})

	p.connect()
	if err := p.a.Send([]byte{0x42}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	p.pump()

	if reentryErr != ErrStackReentry {
		t.Errorf("Send from data callback = %v, want ErrStackReentry", reentryErr)
	}
}

func TestStack_SendRequiresConnection(t *testing.T) {
	p := newPair(t, DefaultConfig())

	if err := p.a.Send([]byte{0x01}); err != ErrStackInvalidState {
		t.Errorf("Send while READY = %v, want ErrStackInvalidState", err)
	}
	if err := p.a.Send(nil); err != ErrStackInvalidParam {
		t.Errorf("Send(nil) = %v, want ErrStackInvalidParam", err)
	}
}

func TestStack_SecondConnectionGetsNewID(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.connect()

	p.a.Disconnect()
	p.pump()

	// The acceptor answered the FIN with its own FIN and is waiting for an
	// acknowledgment that never comes; it falls back to DISCONNECTED on the
	// teardown timeout. Then re-arm both sides for a second session.
	p.cb.advance(DefaultConnectionTimeoutMS + 1)
	p.b.Tick()
	if p.b.transport.State() != TransportStateDisconnected {
		t.Fatalf("acceptor transport = %v, want DISCONNECTED", p.b.transport.State())
	}

	if err := p.b.Listen(); err != nil {
		t.Fatalf("re-Listen error: %v", err)
	}
	if err := p.a.Connect(); err != nil {
		t.Fatalf("re-Connect error: %v", err)
	}
	p.pump()

	if p.a.State() != StackStateConnected {
		t.Fatalf("second session not connected: %v", p.a.State())
	}
	if got := p.b.transport.connectionID; got != ConnectionIDStart+1 {
		t.Errorf("second session conn id = %d, want %d", got, ConnectionIDStart+1)
	}
}