/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
)

// debounceDelay lets a burst of secret-volume events settle before reloading.
const debounceDelay = 250 * time.Millisecond

// Reloader serves the most recent certificate found in a watched directory. A reload that fails keeps the previous
// certificate.
type Reloader struct {
	cert atomic.Pointer[tls.Certificate]
}

// NewReloader watches path until ctx is done, starting from init.
func NewReloader(ctx context.Context, path string, init tls.Certificate, logger logr.Logger) (*Reloader, error) {
	r := &Reloader{}
	r.cert.Store(&init)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating certificate watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %q: %w", path, err)
	}

	logger = logger.WithName("cert-reloader").WithValues("path", path)
	go r.watch(ctx, w, path, logger)
	return r, nil
}

func (r *Reloader) watch(ctx context.Context, w *fsnotify.Watcher, path string, logger logr.Logger) {
	defer w.Close()
	traceLogger := logger.V(logutil.TRACE)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			traceLogger.Info("Certificate directory changed", "event", ev)
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				cert, err := tls.LoadX509KeyPair(filepath.Join(path, certFile), filepath.Join(path, keyFile))
				if err != nil {
					logger.Error(err, "Failed to reload TLS certificate")
					return
				}
				r.cert.Store(&cert)
				logger.V(logutil.DEFAULT).Info("Reloaded TLS certificate")
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Error(err, "Certificate watcher failed")
		case <-ctx.Done():
			return
		}
	}
}

// Get returns the current certificate.
func (r *Reloader) Get() *tls.Certificate {
	return r.cert.Load()
}

// GetCertificate plugs the reloader into tls.Config.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}
