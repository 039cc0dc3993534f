// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen

package robustserial

import "testing"

func TestCalculateCRC_Empty(t *testing.T) {
	if crc := CalculateCRC(nil); crc != crcInitial {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x29B1, // standard CRC-16-CCITT check value
		},
		{
			name:     "single 0x00",
			data:     []byte{0x00},
			expected: 0xE1F0,
		},
		{
			name:     "single 0xFF",
			data:     []byte{0xFF},
			expected: 0xFF00,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crc := CalculateCRC(tt.data)
			if crc != tt.expected {
				t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", tt.expected, crc)
			}
		})
	}
}

func TestCalculateCRC_Deterministic(t *testing.T) {
	data := []byte{0x06, 0x01, 0x42, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}
	if CalculateCRC(data) != CalculateCRC(data) {
		t.Error("CRC should be deterministic")
	}
}

func TestCalculateCRC_SingleByteChange(t *testing.T) {
	data := []byte{0x01, 0x08, 0x06, 0x01, 0x42, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}
	base := CalculateCRC(data)

	for i := range data {
		mutated := make([]byte, len(data))
		copy(mutated, data)
		mutated[i] ^= 0x01
		if CalculateCRC(mutated) == base {
			t.Errorf("flipping bit in byte %d did not change CRC", i)
		}
	}
}