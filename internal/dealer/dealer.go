// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package dealer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/cocaine/cocaine-core/internal/cache"
	"github.com/cocaine/cocaine-core/internal/heartbeat"
	"github.com/cocaine/cocaine-core/internal/logging"
	"github.com/cocaine/cocaine-core/internal/protocol"
	"github.com/cocaine/cocaine-core/internal/stats"
)

// AutodiscoveryConfig names where a service's candidate endpoints come
// from (spec §6 "services.<alias>.autodiscovery").
type AutodiscoveryConfig struct {
	Source string // file path for FILE, URL for HTTP, ignored for MULTICAST
	Type   string // "FILE" | "HTTP" | "MULTICAST"
}

// ServiceConfig is one declared service entry (spec §6 "services.<alias>").
type ServiceConfig struct {
	Alias         string
	Description   string
	App           string
	Autodiscovery AutodiscoveryConfig

	// MaxRequestsPerSecond caps every handle under this service, 0 for
	// unlimited. A §11 supplement beyond the distilled spec's schema.
	MaxRequestsPerSecond float64
}

// Config is the subset of the Dealer's JSON configuration this package
// consumes (spec §6 "Configuration").
type Config struct {
	DefaultMessageDeadline time.Duration
	Services               []ServiceConfig

	// PersistentCacheDir, when non-empty, switches every service's
	// message cache from RAM-only to a distinct cache.BlobStore segment
	// per handle under this directory (spec §6 "message_cache.type" ==
	// "PERSISTENT", §4.D "Persistence").
	PersistentCacheDir string

	// PersistentCacheBlobSize caps each handle's active blob segment,
	// rotating to a fresh file once exceeded (spec §6
	// "persistent_storage.blob_size"). 0 disables rotation.
	PersistentCacheBlobSize int64

	// ServiceLogDir, when non-empty, gives every declared service its
	// own dedicated log file under this directory, fanned out alongside
	// the process-wide logger (§11 supplement).
	ServiceLogDir string

	// TLS, when Enabled, wraps every worker connection in mutual TLS
	// using TLSDialer instead of the plain-TCP default (spec §9 "Ambient
	// Stack").
	TLS TLSConfig
}

// TLSConfig selects the client identity used to dial workers over
// mutual TLS (spec §6 "tls").
type TLSConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
}

// Dealer is the user-facing object (spec §4.F): construction loads the
// config and starts the heartbeat coordinator, then every declared
// service lazily creates handle objects as the coordinator reveals
// them.
type Dealer struct {
	mu                     sync.Mutex
	services               map[string]*Service
	coordinator            *heartbeat.Coordinator
	defaultMessageDeadline time.Duration
	logger                 *slog.Logger
	stats                  *stats.Collector
	logClosers             []io.Closer
}

// Stats returns the Dealer's statistics collector, suitable for mounting
// on an HTTP listener via stats.Handler (spec §11 supplement).
func (d *Dealer) Stats() *stats.Collector {
	return d.stats
}

// New constructs a Dealer from cfg and starts resolving every
// configured service's endpoints.
func New(cfg Config, logger *slog.Logger) (*Dealer, error) {
	d := &Dealer{
		services:               make(map[string]*Service),
		defaultMessageDeadline: cfg.DefaultMessageDeadline,
		logger:                 logger,
		stats:                  stats.New(),
	}
	d.coordinator = heartbeat.NewCoordinator(logger, 0, d.onSnapshot)

	dialer := Dialer(defaultDialer)
	if cfg.TLS.Enabled {
		tlsDialer, err := TLSDialer(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, newError(CategoryDealer, CodeInternalError, "building tls dialer: %v", err)
		}
		dialer = tlsDialer
		logger.Info("dealer: worker connections secured with mutual tls")
	}

	for _, sc := range cfg.Services {
		if _, exists := d.services[sc.Alias]; exists {
			return nil, newError(CategoryDealer, CodeInternalError, "duplicate service alias %q", sc.Alias)
		}
		fetcher, err := buildFetcher(sc.Autodiscovery)
		if err != nil {
			return nil, err
		}
		svcLogger := logger
		if cfg.ServiceLogDir != "" {
			l, closer, err := logging.NewServiceLogger(logger, cfg.ServiceLogDir, sc.Alias)
			if err != nil {
				return nil, newError(CategoryDealer, CodeInternalError, "opening service log for %q: %v", sc.Alias, err)
			}
			svcLogger = l
			d.logClosers = append(d.logClosers, closer)
		}

		svc := NewService(sc.Alias, dialer, svcLogger)
		if sc.MaxRequestsPerSecond > 0 {
			svc.SetHandleRateLimit(sc.MaxRequestsPerSecond)
		}
		svc.SetStatsCollector(d.stats)
		if cfg.PersistentCacheDir != "" {
			svc.SetCacheFactory(blobCacheFactory(cfg.PersistentCacheDir, sc.Alias, cfg.PersistentCacheBlobSize, logger))
		}
		d.services[sc.Alias] = svc
		d.coordinator.Register(sc.Alias, sc.App, fetcher)
	}

	d.coordinator.Start()
	return d, nil
}

// blobCacheFactory returns a Service.newCache that opens one
// cache.BlobStore segment per handle under dir/alias, named after the
// handle so distinct handles never share a log. maxBlobSize, if
// positive, rotates a handle's segment once it would grow past that
// many bytes (spec §6 "persistent_storage.blob_size").
func blobCacheFactory(dir, alias string, maxBlobSize int64, logger *slog.Logger) func(handle string) *cache.Cache {
	return func(handle string) *cache.Cache {
		path := filepath.Join(dir, alias, fmt.Sprintf("%s.eblob", handle))
		if err := ensureParentDir(path); err != nil {
			logger.Error("dealer: creating persistent cache directory failed, falling back to RAM-only", "path", path, "error", err)
			return cache.New(nil)
		}
		store, err := cache.OpenBlobStoreWithLimit(path, maxBlobSize)
		if err != nil {
			logger.Error("dealer: opening persistent cache failed, falling back to RAM-only", "path", path, "error", err)
			return cache.New(nil)
		}
		return cache.New(store)
	}
}

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func buildFetcher(ac AutodiscoveryConfig) (heartbeat.Fetcher, error) {
	switch ac.Type {
	case "FILE":
		return &heartbeat.FileFetcher{Path: ac.Source}, nil
	case "HTTP":
		return &heartbeat.HTTPFetcher{URL: ac.Source}, nil
	case "MULTICAST":
		return &heartbeat.MulticastFetcher{}, nil
	default:
		return nil, newError(CategoryResolver, CodeInternalError, "unknown autodiscovery type %q", ac.Type)
	}
}

func (d *Dealer) onSnapshot(alias string, handles map[string][]heartbeat.HandleEndpoint) {
	d.mu.Lock()
	svc := d.services[alias]
	d.mu.Unlock()
	if svc != nil {
		svc.ApplySnapshot(handles)
	}
}

// CreateMessage builds a cache.Message for path, defaulting an unset
// policy deadline from the configured default_message_deadline and
// rejecting payloads past the 2 GiB wire limit (spec §4.F
// "create_message", §6 "message_data_too_big").
func (d *Dealer) CreateMessage(path cache.Path, policy cache.Policy, payload []byte) (*cache.Message, error) {
	if len(payload) > protocol.MaxPayloadSize {
		return nil, newError(CategoryDealer, CodeMessageDataTooBig, "payload of %d bytes exceeds the 2 GiB limit", len(payload))
	}
	if policy.Deadline == 0 && d.defaultMessageDeadline > 0 {
		policy.Deadline = d.defaultMessageDeadline
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, newError(CategoryDealer, CodeInternalError, "generating message uuid: %v", err)
	}

	return &cache.Message{
		UUID:       id.String(),
		Path:       path,
		Policy:     policy,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}, nil
}

// SendMessage registers sink against msg's UUID and enqueues msg into
// its handle's cache, or the service's orphan queue if the handle has
// not yet been revealed by the heartbeat (spec §4.F "send_message").
func (d *Dealer) SendMessage(msg *cache.Message, sink ResponseSink) (string, error) {
	d.mu.Lock()
	svc, ok := d.services[msg.Path.Service]
	d.mu.Unlock()
	if !ok {
		return "", newError(CategoryDealer, CodeLocationError, "no such service %q", msg.Path.Service)
	}
	svc.Enqueue(msg.Path.Handle, msg, sink)
	return msg.UUID, nil
}

// UnsetResponseCallback removes a registered sink ahead of its natural
// terminal frame (spec §4.F "unset_response_callback").
func (d *Dealer) UnsetResponseCallback(uuid string, path cache.Path) error {
	d.mu.Lock()
	svc, ok := d.services[path.Service]
	d.mu.Unlock()
	if !ok {
		return newError(CategoryDealer, CodeLocationError, "no such service %q", path.Service)
	}
	svc.UnsetCallback(uuid)
	return nil
}

// Shutdown sends kill to every handle, joins them, then drops the
// heartbeat coordinator (spec §5 "Cancellation & timeouts").
func (d *Dealer) Shutdown() {
	d.mu.Lock()
	services := make([]*Service, 0, len(d.services))
	for _, svc := range d.services {
		services = append(services, svc)
	}
	d.mu.Unlock()

	for _, svc := range services {
		svc.Shutdown()
	}
	d.coordinator.Stop()

	d.mu.Lock()
	closers := d.logClosers
	d.logClosers = nil
	d.mu.Unlock()
	for _, c := range closers {
		c.Close()
	}
}
