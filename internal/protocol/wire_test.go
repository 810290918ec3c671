// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"testing"
)

func TestPolicyPackUnpackRoundTrip(t *testing.T) {
	p := WirePolicy{
		SendToAllHosts:    false,
		Urgent:            true,
		Mailboxed:         false,
		TimeoutSeconds:    1.5,
		AbsoluteDeadline:  1700000000.25,
		MaxTimeoutRetries: 3,
	}

	buf, err := PackPolicy(p)
	if err != nil {
		t.Fatalf("PackPolicy: %v", err)
	}

	got, err := UnpackPolicy(buf)
	if err != nil {
		t.Fatalf("UnpackPolicy: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestPolicyZeroDeadlineNeverExpires(t *testing.T) {
	p := WirePolicy{MaxTimeoutRetries: 0, AbsoluteDeadline: 0}
	buf, err := PackPolicy(p)
	if err != nil {
		t.Fatalf("PackPolicy: %v", err)
	}
	got, err := UnpackPolicy(buf)
	if err != nil {
		t.Fatalf("UnpackPolicy: %v", err)
	}
	if got.AbsoluteDeadline != 0 {
		t.Fatalf("AbsoluteDeadline = %v, want 0", got.AbsoluteDeadline)
	}
}

func TestUnpackPolicyRejectsWrongArity(t *testing.T) {
	buf, err := PackString("not a tuple")
	if err != nil {
		t.Fatalf("PackString: %v", err)
	}
	if _, err := UnpackPolicy(buf); err == nil {
		t.Fatalf("expected data_type_mismatch for wrong shape")
	}
}

func TestStringAndIntRoundTrip(t *testing.T) {
	id := "123e4567-e89b-12d3-a456-426614174000"
	buf, err := PackString(id)
	if err != nil {
		t.Fatalf("PackString: %v", err)
	}
	got, err := UnpackString(buf)
	if err != nil {
		t.Fatalf("UnpackString: %v", err)
	}
	if got != id {
		t.Fatalf("got %q, want %q", got, id)
	}

	ibuf, err := PackInt(42)
	if err != nil {
		t.Fatalf("PackInt: %v", err)
	}
	iv, err := UnpackInt(ibuf)
	if err != nil {
		t.Fatalf("UnpackInt: %v", err)
	}
	if iv != 42 {
		t.Fatalf("got %d, want 42", iv)
	}
}

func TestMultipartRoundTrip(t *testing.T) {
	parts := [][]byte{
		[]byte("route-token"),
		{},
		[]byte("uuid-bytes"),
		[]byte("policy-bytes"),
		[]byte("payload"),
	}

	var buf bytes.Buffer
	if err := WriteMultipart(&buf, parts); err != nil {
		t.Fatalf("WriteMultipart: %v", err)
	}

	got, err := ReadMultipart(&buf)
	if err != nil {
		t.Fatalf("ReadMultipart: %v", err)
	}
	if len(got) != len(parts) {
		t.Fatalf("got %d parts, want %d", len(got), len(parts))
	}
	for i := range parts {
		if !bytes.Equal(got[i], parts[i]) {
			t.Fatalf("part %d = %q, want %q", i, got[i], parts[i])
		}
	}
}
