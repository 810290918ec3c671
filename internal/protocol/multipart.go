// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// multipartMaxParts guards against a corrupt or hostile peer claiming
// an absurd part count and exhausting memory before validation fails.
const multipartMaxParts = 64

// WriteMultipart writes a multi-part message — the shape spec §6 uses
// for both "wire message to worker" and "wire message from worker" —
// as [part_count uint16] followed by [length uint32][bytes] per part.
// This stands in for the envelope a ZeroMQ ROUTER/DEALER pair gives for
// free; see DESIGN.md for why no ZeroMQ binding is in the corpus to
// ground that choice on.
func WriteMultipart(w io.Writer, parts [][]byte) error {
	if len(parts) > multipartMaxParts {
		return fmt.Errorf("%w: %d parts exceeds limit", ErrFrameFormat, len(parts))
	}
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(parts)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("protocol: writing part count: %w", err)
	}
	for i, p := range parts {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(p)))
		if _, err := w.Write(lenBuf); err != nil {
			return fmt.Errorf("protocol: writing part %d length: %w", i, err)
		}
		if len(p) == 0 {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("protocol: writing part %d: %w", i, err)
		}
	}
	return nil
}

// ReadMultipart reads one multi-part message written by WriteMultipart.
func ReadMultipart(r io.Reader) ([][]byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("protocol: reading part count: %w", err)
	}
	count := binary.BigEndian.Uint16(header)
	if count > multipartMaxParts {
		return nil, fmt.Errorf("%w: %d parts exceeds limit", ErrFrameFormat, count)
	}

	parts := make([][]byte, count)
	for i := range parts {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, fmt.Errorf("protocol: reading part %d length: %w", i, err)
		}
		length := binary.BigEndian.Uint32(lenBuf)
		if length == 0 {
			parts[i] = []byte{}
			continue
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("protocol: reading part %d: %w", i, err)
		}
		parts[i] = buf
	}
	return parts, nil
}
