// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package dealer

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/cocaine/cocaine-core/internal/pki"
)

// TLSDialer builds a Dialer that wraps every worker connection in
// mutual TLS using the Dealer's own client identity. Optional
// transport hardening per spec §9 "Ambient Stack" — off by default,
// selected by tls.enabled in the Dealer's JSON config.
func TLSDialer(caCertPath, clientCertPath, clientKeyPath string) (Dialer, error) {
	cfg, err := pki.NewClientTLSConfig(caCertPath, clientCertPath, clientKeyPath)
	if err != nil {
		return nil, err
	}
	return func(address string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: 2 * time.Second}
		return tls.DialWithDialer(dialer, "tcp", address, cfg)
	}, nil
}
