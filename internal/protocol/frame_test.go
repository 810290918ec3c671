// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		channelID uint64
		messageID uint32
		args      []interface{}
	}{
		{"empty args", 1, 1, []interface{}{}},
		{"scalars", 42, 5, []interface{}{"hello", int64(7), true}},
		{"nested map", 7, 6, []interface{}{map[string]interface{}{"a": int64(1), "b": "two"}}},
		{"binary payload", 3, 5, []interface{}{[]byte("olleh")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := Encode(tc.channelID, tc.messageID, tc.args)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			d := NewDecoder()
			d.Feed(buf)
			frame, ok, err := d.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !ok {
				t.Fatalf("Next: expected a complete frame")
			}
			if frame.ChannelID != tc.channelID || frame.MessageID != tc.messageID {
				t.Fatalf("got (%d,%d), want (%d,%d)", frame.ChannelID, frame.MessageID, tc.channelID, tc.messageID)
			}
			if len(frame.Args) != len(tc.args) {
				t.Fatalf("got %d args, want %d", len(frame.Args), len(tc.args))
			}
			if d.Pending() != 0 {
				t.Fatalf("expected no pending bytes, got %d", d.Pending())
			}
		})
	}
}

func TestDecoderPartialFrameRetained(t *testing.T) {
	buf, err := Encode(1, 1, []interface{}{"partial"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	d := NewDecoder()
	d.Feed(buf[:len(buf)-2])
	if _, ok, err := d.Next(); ok || err != nil {
		t.Fatalf("expected no frame yet, got ok=%v err=%v", ok, err)
	}

	d.Feed(buf[len(buf)-2:])
	frame, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected complete frame after feeding remainder, ok=%v err=%v", ok, err)
	}
	if frame.ChannelID != 1 {
		t.Fatalf("channel id = %d, want 1", frame.ChannelID)
	}
}

func TestDecoderMultipleFramesInOneFeed(t *testing.T) {
	f1, _ := Encode(1, 1, []interface{}{"a"})
	f2, _ := Encode(2, 5, []interface{}{[]byte("b")})

	d := NewDecoder()
	d.Feed(bytes.Join([][]byte{f1, f2}, nil))

	first, ok, err := d.Next()
	if err != nil || !ok || first.ChannelID != 1 {
		t.Fatalf("first frame: ok=%v err=%v frame=%+v", ok, err, first)
	}
	second, ok, err := d.Next()
	if err != nil || !ok || second.ChannelID != 2 {
		t.Fatalf("second frame: ok=%v err=%v frame=%+v", ok, err, second)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	big := make([]byte, MaxPayloadSize+1)
	_, err := Encode(1, 5, []interface{}{big})
	if err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecoderRejectsShortHeader(t *testing.T) {
	d := NewDecoder()
	// A declared length smaller than FrameHeaderSize is malformed.
	d.Feed([]byte{0, 0, 0, 1})
	d.Feed(make([]byte, FrameHeaderSize))
	_, _, err := d.Next()
	if err == nil {
		t.Fatalf("expected frame_format_error for undersized length")
	}
}
