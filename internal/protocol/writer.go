// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

var mpHandle = &codec.MsgpackHandle{}

// Encode renders one frame onto the wire: a fixed big-endian header
// (total length, channel id, message id) followed by the msgpack
// encoding of args. It fails only when an argument exceeds
// MaxPayloadSize, per the data model invariant on payload size.
func Encode(channelID uint64, messageID uint32, args []interface{}) ([]byte, error) {
	for _, a := range args {
		if b, ok := a.([]byte); ok && len(b) > MaxPayloadSize {
			return nil, ErrPayloadTooLarge
		}
	}

	var body []byte
	enc := codec.NewEncoderBytes(&body, mpHandle)
	if err := enc.Encode(args); err != nil {
		return nil, fmt.Errorf("protocol: encoding args: %w", err)
	}

	total := FrameHeaderSize + len(body)
	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	binary.BigEndian.PutUint64(out[4:12], channelID)
	binary.BigEndian.PutUint32(out[12:16], messageID)
	copy(out[FrameHeaderSize:], body)
	return out, nil
}

// WriteFrame encodes and writes one frame to w.
func WriteFrame(w io.Writer, channelID uint64, messageID uint32, args []interface{}) error {
	buf, err := Encode(channelID, messageID, args)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
