// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen

package robustserial

import (
	"fmt"
	"time"
)

// Statistics tracks frame, packet, and error counters for one stack.
type Statistics struct {
	StartTime time.Time

	// Link layer counters
	FramesSent        uint64
	FramesReceived    uint64
	CRCErrors         uint64
	ResyncByteDrops   uint64 // bytes discarded while hunting for a frame
	MalformedFrames   uint64 // decoded frames with a bad length field
	UnknownFrameTypes uint64
	BufferOverflows   uint64

	// Transport layer counters
	PacketsSent       uint64
	PacketsReceived   uint64
	Retransmissions   uint64
	SequenceNacks     uint64
	KeepalivesSent    uint64
	DatagramsSent     uint64
	DatagramsReceived uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec, both directions
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// CalculateRates refreshes the derived rate fields.
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.FramesSent+s.FramesReceived) / elapsed
		errorCount := s.CRCErrors + s.MalformedFrames + s.UnknownFrameTypes + s.BufferOverflows
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary.
func (s *Statistics) String() string {
	s.CalculateRates()

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Frames Sent:     %8d\n", s.FramesSent)
	result += fmt.Sprintf("Frames Received: %8d\n", s.FramesReceived)

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.ResyncByteDrops > 0 {
		result += fmt.Sprintf("Resync Drops:    %8d bytes\n", s.ResyncByteDrops)
	}
	if s.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed Frames:%8d\n", s.MalformedFrames)
	}
	if s.UnknownFrameTypes > 0 {
		result += fmt.Sprintf("Unknown Types:   %8d\n", s.UnknownFrameTypes)
	}
	if s.BufferOverflows > 0 {
		result += fmt.Sprintf("Buffer Overflows:%8d\n", s.BufferOverflows)
	}

	result += fmt.Sprintf("Packets Sent:    %8d\n", s.PacketsSent)
	result += fmt.Sprintf("Packets Received:%8d\n", s.PacketsReceived)
	if s.Retransmissions > 0 {
		result += fmt.Sprintf("Retransmissions: %8d\n", s.Retransmissions)
	}
	if s.SequenceNacks > 0 {
		result += fmt.Sprintf("Sequence NACKs:  %8d\n", s.SequenceNacks)
	}
	if s.KeepalivesSent > 0 {
		result += fmt.Sprintf("Keepalives Sent: %8d\n", s.KeepalivesSent)
	}
	if s.DatagramsSent+s.DatagramsReceived > 0 {
		result += fmt.Sprintf("Datagrams:       %8d sent / %d received\n",
			s.DatagramsSent, s.DatagramsReceived)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset clears all counters.
func (s *Statistics) Reset() {
	*s = Statistics{StartTime: time.Now()}
}