// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// Decoder accumulates bytes read off a transport and yields complete
// frames as they arrive. Partial frames are retained across Feed
// calls, matching the incremental decode requirement of spec §4.A.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty incremental frame decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next extracts the next complete frame from the buffer, if any. It
// returns ok=false (no error) when more bytes are needed. A non-nil
// error is always fatal to the stream — the caller should detach the
// session.
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	if len(d.buf) < 4 {
		return Frame{}, false, nil
	}
	total := binary.BigEndian.Uint32(d.buf[0:4])
	if total < FrameHeaderSize {
		return Frame{}, false, fmt.Errorf("%w: length %d below header size", ErrFrameFormat, total)
	}
	if uint64(len(d.buf)) < uint64(total) {
		return Frame{}, false, nil
	}

	raw := d.buf[:total]
	channelID := binary.BigEndian.Uint64(raw[4:12])
	messageID := binary.BigEndian.Uint32(raw[12:16])
	body := raw[FrameHeaderSize:total]

	args, err := decodeArgs(body)
	if err != nil {
		d.buf = d.buf[total:]
		return Frame{}, false, err
	}

	d.buf = d.buf[total:]
	return Frame{ChannelID: channelID, MessageID: messageID, Args: args}, true, nil
}

// Pending reports the number of bytes currently buffered, waiting for
// a complete frame. Useful for diagnostics and tests.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func decodeArgs(body []byte) ([]interface{}, error) {
	var args []interface{}
	dec := codec.NewDecoderBytes(body, mpHandle)
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return args, nil
}

// Decode parses a single, already length-delimited args body into a
// typed tuple. Consumers that expect a specific shape use this to
// detect a data_type_mismatch distinctly from a frame_format_error.
func Decode(body []byte, out interface{}) error {
	dec := codec.NewDecoderBytes(body, mpHandle)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrDataTypeMismatch, err)
	}
	return nil
}
