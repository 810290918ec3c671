// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package stats

import (
	"encoding/json"
	"net/http"
)

// Handler exposes the collector's snapshot as JSON to a GET on any path,
// the Go stand-in for the original's remote statistics socket
// (statistics_collector::process_remote_connection).
func Handler(c *Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
