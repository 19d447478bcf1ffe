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
	"fmt"
)

const (
	headerLen = 12

	// maxDatagramLen is the largest UDP payload a DNS message can occupy.
	maxDatagramLen = 65535

	// maxRecordCount bounds the combined qd+an+ns+ar header counts.
	// Real mDNS traffic stays far below this, inflated counts are an
	// amplification attempt and reject the packet outright.
	maxRecordCount = 100

	// recordFixedLen is type(2) + class(2) + ttl(4) + rdlength(2).
	recordFixedLen = 10
)

var (
	ErrShortPacket     = errors.New("packet shorter than dns header")
	ErrOversizePacket  = errors.New("packet exceeds max udp payload")
	ErrTooManyRecords  = errors.New("combined record count exceeds limit")
	ErrRdataOverflow   = errors.New("rdlength exceeds remaining bytes")
)

// Parse decodes a raw datagram into a Message. Any structural or security
// violation fails the whole parse, the caller logs the cause and treats the
// datagram as if nothing had arrived. Parse never panics on any input.
func Parse(buf []byte) (*Message, error) {
	if len(buf) < headerLen {
		return nil, ErrShortPacket
	}
	if len(buf) > maxDatagramLen {
		return nil, ErrOversizePacket
	}

	r := NewReader(buf)
	var hdr [6]uint16
	for i := range hdr {
		v, err := r.ReadU16()
		if err != nil {
			return nil, err
		}
		hdr[i] = v
	}
	id, flags := hdr[0], hdr[1]
	qdCount, anCount, nsCount, arCount := hdr[2], hdr[3], hdr[4], hdr[5]

	if int(qdCount)+int(anCount)+int(nsCount)+int(arCount) > maxRecordCount {
		return nil, ErrTooManyRecords
	}

	// Questions carry no data but must be fully validated to keep the
	// cursor aligned with the record sections that follow.
	for i := 0; i < int(qdCount); i++ {
		if err := r.SkipName(); err != nil {
			return nil, fmt.Errorf("question #%d: %w", i, err)
		}
		if err := r.Skip(4); err != nil {
			return nil, fmt.Errorf("question #%d: %w", i, err)
		}
	}

	msg := &Message{ID: id, Flags: flags}

	var err error
	msg.Answers, err = readRecords(r, int(anCount), true)
	if err != nil {
		return nil, fmt.Errorf("answer section: %w", err)
	}
	if _, err := readRecords(r, int(nsCount), false); err != nil {
		return nil, fmt.Errorf("authority section: %w", err)
	}
	msg.Additionals, err = readRecords(r, int(arCount), true)
	if err != nil {
		return nil, fmt.Errorf("additional section: %w", err)
	}
	return msg, nil
}

// readRecords decodes n resource records. With keep=false the records are
// validated and discarded. A record whose decoded name is empty is dropped
// on its own, everything else that goes wrong fails the caller's parse.
func readRecords(r *Reader, n int, keep bool) ([]ResourceRecord, error) {
	var out []ResourceRecord
	for i := 0; i < n; i++ {
		name, err := r.ReadName()
		if err != nil {
			return nil, fmt.Errorf("record #%d name: %w", i, err)
		}
		if r.Remaining() < recordFixedLen {
			return nil, ErrTruncated
		}
		typ, _ := r.ReadU16()
		class, _ := r.ReadU16()
		ttl, _ := r.ReadU32()
		rdLen, _ := r.ReadU16()
		if int(rdLen) > r.Remaining() {
			return nil, ErrRdataOverflow
		}

		if !keep || len(name) == 0 {
			// Still consume the rdata to stay aligned.
			if err := r.Skip(int(rdLen)); err != nil {
				return nil, err
			}
			continue
		}

		data, err := r.ReadBytes(int(rdLen))
		if err != nil {
			return nil, err
		}
		out = append(out, ResourceRecord{
			Name:  name,
			Type:  typ,
			Class: class,
			TTL:   ttl,
			Data:  data,
		})
	}
	return out, nil
}
