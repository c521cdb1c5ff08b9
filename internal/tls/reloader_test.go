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
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
)

func pemPair(t *testing.T, cert tls.Certificate) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: key})
}

// writeSecretVolume lays out certPEM and keyPEM the way a mounted secret does: a timestamped data directory behind a
// ..data symlink, with tls.crt and tls.key linking through it. Calling it again swaps ..data atomically.
func writeSecretVolume(t *testing.T, dir string, certPEM, keyPEM []byte) {
	t.Helper()
	stamp := time.Now().Format("..2006_01_02_15_04_05.000000000")
	data := filepath.Join(dir, stamp)
	require.NoError(t, os.MkdirAll(data, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, certFile), certPEM, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, keyFile), keyPEM, 0o600))

	tmp := filepath.Join(dir, "..data_tmp")
	require.NoError(t, os.Symlink(stamp, tmp))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "..data")))

	for _, name := range []string{certFile, keyFile} {
		link := filepath.Join(dir, name)
		if _, err := os.Lstat(link); os.IsNotExist(err) {
			require.NoError(t, os.Symlink(filepath.Join("..data", name), link))
		}
	}
}

func newCert(t *testing.T) tls.Certificate {
	t.Helper()
	cert, err := CreateSelfSignedTLSCertificate(logutil.NewTestLogger())
	require.NoError(t, err)
	return cert
}

func TestReloader(t *testing.T) {
	t.Parallel()

	t.Run("should serve the initial certificate", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		first := newCert(t)
		certPEM, keyPEM := pemPair(t, first)
		writeSecretVolume(t, dir, certPEM, keyPEM)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r, err := NewReloader(ctx, dir, first, logutil.NewTestLogger())
		require.NoError(t, err)

		got, err := r.GetCertificate(nil)
		require.NoError(t, err)
		assert.Equal(t, first.Certificate[0], got.Certificate[0])
	})

	t.Run("should pick up each rotation", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		first := newCert(t)
		certPEM, keyPEM := pemPair(t, first)
		writeSecretVolume(t, dir, certPEM, keyPEM)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r, err := NewReloader(ctx, dir, first, logutil.NewTestLogger())
		require.NoError(t, err)

		for range 3 {
			next := newCert(t)
			certPEM, keyPEM := pemPair(t, next)
			writeSecretVolume(t, dir, certPEM, keyPEM)
			assert.Eventually(t, func() bool {
				return string(r.Get().Certificate[0]) == string(next.Certificate[0])
			}, 10*time.Second, 50*time.Millisecond)
		}
	})

	t.Run("should keep the old certificate when the new pair is invalid", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		first := newCert(t)
		certPEM, keyPEM := pemPair(t, first)
		writeSecretVolume(t, dir, certPEM, keyPEM)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r, err := NewReloader(ctx, dir, first, logutil.NewTestLogger())
		require.NoError(t, err)

		otherCert, _ := pemPair(t, newCert(t))
		_, otherKey := pemPair(t, newCert(t))
		writeSecretVolume(t, dir, otherCert, otherKey)

		time.Sleep(4 * debounceDelay)
		assert.Equal(t, first.Certificate[0], r.Get().Certificate[0])
	})

	t.Run("should fail for a missing directory", func(t *testing.T) {
		t.Parallel()
		_, err := NewReloader(context.Background(), filepath.Join(t.TempDir(), "missing"), newCert(t), logutil.NewTestLogger())
		assert.Error(t, err)
	})
}
