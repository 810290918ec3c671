// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// WirePolicy is the on-the-wire shape of a message policy, per spec §6:
// "policy is packed as an ordered tuple (send_to_all_hosts, urgent,
// mailboxed, timeout, absolute_deadline_epoch_seconds_float,
// max_timeout_retries)". This implementation resolves the Open
// Question in spec §9 by picking the positional encoding — see
// DESIGN.md.
type WirePolicy struct {
	SendToAllHosts    bool
	Urgent            bool
	Mailboxed         bool
	TimeoutSeconds    float64
	AbsoluteDeadline  float64 // epoch seconds; 0 means never
	MaxTimeoutRetries int
}

// PackPolicy encodes a WirePolicy as a positional msgpack array.
func PackPolicy(p WirePolicy) ([]byte, error) {
	tuple := []interface{}{
		p.SendToAllHosts,
		p.Urgent,
		p.Mailboxed,
		p.TimeoutSeconds,
		p.AbsoluteDeadline,
		p.MaxTimeoutRetries,
	}
	var out []byte
	enc := codec.NewEncoderBytes(&out, mpHandle)
	if err := enc.Encode(tuple); err != nil {
		return nil, fmt.Errorf("protocol: encoding policy: %w", err)
	}
	return out, nil
}

// UnpackPolicy decodes a positional msgpack array back into a
// WirePolicy. Returns ErrDataTypeMismatch if the tuple's arity or
// element kinds don't line up.
func UnpackPolicy(b []byte) (WirePolicy, error) {
	var tuple []interface{}
	dec := codec.NewDecoderBytes(b, mpHandle)
	if err := dec.Decode(&tuple); err != nil {
		return WirePolicy{}, fmt.Errorf("%w: %v", ErrDataTypeMismatch, err)
	}
	if len(tuple) != 6 {
		return WirePolicy{}, fmt.Errorf("%w: policy tuple has %d elements, want 6", ErrDataTypeMismatch, len(tuple))
	}

	sendToAll, ok0 := tuple[0].(bool)
	urgent, ok1 := tuple[1].(bool)
	mailboxed, ok2 := tuple[2].(bool)
	timeout, ok3 := toFloat64(tuple[3])
	deadline, ok4 := toFloat64(tuple[4])
	retries, ok5 := toInt(tuple[5])
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return WirePolicy{}, fmt.Errorf("%w: policy tuple field kind mismatch", ErrDataTypeMismatch)
	}

	return WirePolicy{
		SendToAllHosts:    sendToAll,
		Urgent:            urgent,
		Mailboxed:         mailboxed,
		TimeoutSeconds:    timeout,
		AbsoluteDeadline:  deadline,
		MaxTimeoutRetries: retries,
	}, nil
}

// PackString encodes a bare string as a msgpack scalar, used for the
// UUID element of the wire message tuples in spec §6.
func PackString(s string) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, mpHandle)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("protocol: encoding string: %w", err)
	}
	return out, nil
}

// UnpackString decodes a msgpack-encoded scalar string.
func UnpackString(b []byte) (string, error) {
	var s string
	dec := codec.NewDecoderBytes(b, mpHandle)
	if err := dec.Decode(&s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDataTypeMismatch, err)
	}
	return s, nil
}

// PackInt encodes a bare integer as a msgpack scalar, used for the
// error_code element of an ERROR tail (spec §6).
func PackInt(v int) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("protocol: encoding int: %w", err)
	}
	return out, nil
}

// UnpackInt decodes a msgpack-encoded scalar integer.
func UnpackInt(b []byte) (int, error) {
	var v int64
	dec := codec.NewDecoderBytes(b, mpHandle)
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDataTypeMismatch, err)
	}
	return int(v), nil
}

// PackMetadata encodes a message's optional routing hints as a msgpack
// map, appended as a trailing frame part after the payload (spec §11
// "Request metadata": additive only, does not disturb the
// [route_token, empty, uuid, policy, payload] ordering).
func PackMetadata(m map[string]string) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, mpHandle)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("protocol: encoding metadata: %w", err)
	}
	return out, nil
}

// UnpackMetadata decodes a msgpack-encoded metadata map.
func UnpackMetadata(b []byte) (map[string]string, error) {
	var m map[string]string
	dec := codec.NewDecoderBytes(b, mpHandle)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataTypeMismatch, err)
	}
	return m, nil
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
