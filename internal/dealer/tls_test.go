// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package dealer

import "testing"

func TestTLSDialerRejectsMissingCertificates(t *testing.T) {
	if _, err := TLSDialer("/nonexistent/ca.pem", "/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatalf("expected error for missing certificate files")
	}
}
