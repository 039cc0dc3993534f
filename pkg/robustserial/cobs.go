// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Shibo Chen

package robustserial

// Consistent Overhead Byte Stuffing. The encoder produces a byte stream with
// no zeros; the caller appends the 0x00 delimiter. The decoder consumes one
// delimited block from the front of its input.

// EncodeCOBS encodes src into dst and returns the number of bytes written.
// src must be at most CobsMaxBlockSize bytes; dst must have room for
// len(src)+1 bytes. The delimiter is NOT appended.
func EncodeCOBS(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	if len(src) > CobsMaxBlockSize {
		return 0, ErrCobsInvalidInput
	}
	// Each zero becomes a code byte and the input fits in one block, so the
	// output is at most one byte longer than the input.
	if len(dst) < len(src)+1 {
		return 0, ErrCobsOutputTooSmall
	}

	write := 1 // leave room for the first code byte
	codeIndex := 0
	code := byte(1) // run length counter

	for i, b := range src {
		if b == 0 {
			dst[codeIndex] = code
			code = 1
			codeIndex = write
			write++
		} else {
			dst[write] = b
			write++
			code++
			if code == cobsMaxCode && i < len(src)-1 {
				dst[codeIndex] = code
				code = 1
				codeIndex = write
				write++
			}
		}
	}
	dst[codeIndex] = code

	return write, nil
}

// DecodeCOBS decodes the first delimited block of src into dst. It returns
// the number of decoded bytes and the number of input bytes consumed
// (including the delimiter).
//
// If src contains no delimiter the result is ErrCobsIncomplete and nothing
// is consumed. A delimiter at position 0 consumes one byte and decodes to an
// empty payload. A zero code byte inside the block, or a code that overruns
// the block, is ErrCobsInvalidInput.
func DecodeCOBS(dst, src []byte) (n, consumed int, err error) {
	if len(src) == 0 {
		return 0, 0, ErrCobsIncomplete
	}

	frameEnd := -1
	for i, b := range src {
		if b == CobsDelimiter {
			frameEnd = i
			break
		}
	}
	if frameEnd < 0 {
		return 0, 0, ErrCobsIncomplete
	}
	if frameEnd == 0 {
		return 0, 1, nil
	}

	read := 0
	write := 0
	for read < frameEnd {
		code := src[read]
		if code == 0 {
			return 0, 0, ErrCobsInvalidInput
		}
		read++
		if read+int(code)-1 > frameEnd {
			return 0, 0, ErrCobsInvalidInput
		}
		if write+int(code)-1 > len(dst) {
			return 0, 0, ErrCobsOutputTooSmall
		}
		for i := byte(1); i < code; i++ {
			dst[write] = src[read]
			write++
			read++
		}
		if code < cobsMaxCode && read < frameEnd {
			if write >= len(dst) {
				return 0, 0, ErrCobsOutputTooSmall
			}
			dst[write] = 0
			write++
		}
	}

	return write, frameEnd + 1, nil
}