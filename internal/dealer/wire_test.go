// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package dealer

import (
	"bytes"
	"testing"

	"github.com/cocaine/cocaine-core/internal/cache"
	"github.com/cocaine/cocaine-core/internal/protocol"
)

func TestSendRequestOmitsMetadataPartWhenAbsent(t *testing.T) {
	var buf bytes.Buffer
	msg := &cache.Message{UUID: "u1", Payload: []byte("hello")}
	if err := sendRequest(&buf, "instance/1", msg); err != nil {
		t.Fatalf("sendRequest: %v", err)
	}

	parts, err := protocol.ReadMultipart(&buf)
	if err != nil {
		t.Fatalf("ReadMultipart: %v", err)
	}
	if len(parts) != 5 {
		t.Fatalf("parts = %d, want 5 (no metadata part)", len(parts))
	}
}

func TestSendRequestAppendsMetadataPartWhenPresent(t *testing.T) {
	var buf bytes.Buffer
	msg := &cache.Message{
		UUID:     "u1",
		Payload:  []byte("hello"),
		Metadata: map[string]string{"trace_id": "abc123"},
	}
	if err := sendRequest(&buf, "instance/1", msg); err != nil {
		t.Fatalf("sendRequest: %v", err)
	}

	parts, err := protocol.ReadMultipart(&buf)
	if err != nil {
		t.Fatalf("ReadMultipart: %v", err)
	}
	if len(parts) != 6 {
		t.Fatalf("parts = %d, want 6 (with metadata part)", len(parts))
	}

	meta, err := protocol.UnpackMetadata(parts[5])
	if err != nil {
		t.Fatalf("UnpackMetadata: %v", err)
	}
	if meta["trace_id"] != "abc123" {
		t.Fatalf("metadata = %v, want trace_id=abc123", meta)
	}
}
