/*
 * Copyright (C) 2024-2026, lanwatch authors
 *
 * This file is part of lanwatch.
 *
 * lanwatch is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * lanwatch is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package wire

import (
	"errors"
	"strings"
)

// Structural errors returned by Reader. They are deliberately coarse: the
// caller drops the whole datagram either way, the distinct values exist for
// diagnostics.
var (
	ErrTruncated       = errors.New("unexpected end of buffer")
	ErrCompressionLoop = errors.New("name compression loop")
	ErrTooManyJumps    = errors.New("too many compression jumps")
	ErrLabelTooLong    = errors.New("label exceeds 63 bytes")
	ErrNameTooLong     = errors.New("name exceeds 255 bytes")
	ErrForwardPointer  = errors.New("compression pointer is not backward")
)

const (
	// maxNameJumps caps the number of compression pointers followed while
	// decoding a single name.
	maxNameJumps = 10

	maxLabelLen = 63
	maxNameLen  = 255
)

// Reader is a bounds-checked cursor over an immutable byte buffer.
// Every read either succeeds completely or fails with a structural error
// and leaves the cursor where it was. Reader is not safe for concurrent use,
// one Reader serves exactly one parse call.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the current cursor position.
func (r *Reader) Offset() int {
	return r.off
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// ReadU16 reads a big-endian uint16.
func (r *Reader) ReadU16() (uint16, error) {
	if r.Remaining() < 2 {
		return 0, ErrTruncated
	}
	v := uint16(r.buf[r.off])<<8 | uint16(r.buf[r.off+1])
	r.off += 2
	return v, nil
}

// ReadU32 reads a big-endian uint32.
func (r *Reader) ReadU32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := uint32(r.buf[r.off])<<24 | uint32(r.buf[r.off+1])<<16 |
		uint32(r.buf[r.off+2])<<8 | uint32(r.buf[r.off+3])
	r.off += 4
	return v, nil
}

// ReadBytes copies the next n bytes and advances. The returned slice does not
// alias the underlying buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b, nil
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	if n < 0 || r.Remaining() < n {
		return ErrTruncated
	}
	r.off += n
	return nil
}

// ReadName decodes a possibly-compressed domain name at the cursor and
// returns its textual form: UTF-8 labels joined with ".", no trailing dot.
// The root name decodes to "".
func (r *Reader) ReadName() (string, error) {
	var sb strings.Builder
	if err := r.walkName(&sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// SkipName walks a name with the exact same validation as ReadName but
// without materializing the text.
func (r *Reader) SkipName() error {
	return r.walkName(nil)
}

// walkName enforces the hardening limits of RFC 1035 §4.1.4 name
// compression: per-call visited-offset tracking, a jump budget, label and
// total length caps, and backward-only pointers. After following a pointer
// chain the cursor resumes right after the first pointer's two bytes.
func (r *Reader) walkName(sb *strings.Builder) error {
	var (
		pos      = r.off
		visited  = make(map[int]struct{})
		jumps    = 0
		firstPtr = -1
		nameLen  = 0
	)

	for {
		if pos >= len(r.buf) {
			return ErrTruncated
		}
		if _, seen := visited[pos]; seen {
			return ErrCompressionLoop
		}
		visited[pos] = struct{}{}

		b := r.buf[pos]
		switch {
		case b == 0:
			// End of name.
			if firstPtr >= 0 {
				r.off = firstPtr + 2
			} else {
				r.off = pos + 1
			}
			return nil

		case b&0xC0 == 0xC0:
			// 14-bit compression pointer.
			if pos+1 >= len(r.buf) {
				return ErrTruncated
			}
			jumps++
			if jumps > maxNameJumps {
				return ErrTooManyJumps
			}
			if firstPtr < 0 {
				firstPtr = pos
			}
			target := int(b&0x3F)<<8 | int(r.buf[pos+1])
			// Pointers may only reference data strictly before the
			// first pointer of this name. This bans self and
			// forward references outright.
			if target >= firstPtr {
				return ErrForwardPointer
			}
			pos = target

		case b > maxLabelLen:
			// Also rejects the reserved 0x40/0x80 label types.
			return ErrLabelTooLong

		default:
			end := pos + 1 + int(b)
			if end > len(r.buf) {
				return ErrTruncated
			}
			if nameLen > 0 {
				nameLen++
			}
			nameLen += int(b)
			if nameLen > maxNameLen {
				return ErrNameTooLong
			}
			if sb != nil {
				if sb.Len() > 0 {
					sb.WriteByte('.')
				}
				sb.Write(r.buf[pos+1 : end])
			}
			pos = end
		}
	}
}
