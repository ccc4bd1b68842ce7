package secure

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/hubagent/clock"
	"github.com/temoto/hubagent/hardware/ecc"
	"github.com/temoto/hubagent/helpers"
	"github.com/temoto/hubagent/identity"
	"github.com/temoto/hubagent/log2"
)

var serverNotBefore = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testPKI struct {
	caPEM  []byte
	pool   *x509.CertPool
	server tls.Certificate
}

func newTestPKI(t testing.TB) *testPKI {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             serverNotBefore,
		NotAfter:              serverNotBefore.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDer, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDer)
	require.NoError(t, err)

	srvKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srvTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "broker.test"},
		DNSNames:     []string{"broker.test"},
		NotBefore:    serverNotBefore,
		NotAfter:     serverNotBefore.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	srvDer, err := x509.CreateCertificate(rand.Reader, srvTemplate, ca, &srvKey.PublicKey, caKey)
	require.NoError(t, err)

	p := &testPKI{
		caPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDer}),
		pool:   x509.NewCertPool(),
		server: tls.Certificate{Certificate: [][]byte{srvDer}, PrivateKey: srvKey},
	}
	p.pool.AddCert(ca)
	return p
}

func TestHandshake(t *testing.T) {
	t.Parallel()
	pki := newTestPKI(t)
	el, err := ecc.NewSoft(helpers.MustHex("0123456789abcdef01"))
	require.NoError(t, err)
	id, err := identity.Initialize(el, identity.Options{Generate: true, Clock: clock.NewManual(serverNotBefore)})
	require.NoError(t, err)

	cases := []struct {
		name  string
		wall  time.Time
		valid bool
	}{
		{"valid", serverNotBefore.Add(24 * time.Hour), true},
		{"clock-before-not-before", serverNotBefore.Add(-time.Hour), false},
		{"clock-after-not-after", serverNotBefore.AddDate(2, 0, 0), false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()
			peerCN := make(chan string, 1)
			go func() {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
				srv := tls.Server(conn, &tls.Config{
					Certificates: []tls.Certificate{pki.server},
					ClientAuth:   tls.RequireAnyClientCert,
				})
				if err := srv.Handshake(); err != nil {
					close(peerCN)
					return
				}
				peerCN <- srv.ConnectionState().PeerCertificates[0].Subject.CommonName
			}()

			tr, err := NewTransport(Options{
				Address:        ln.Addr().String(),
				ServerName:     "broker.test",
				Certificate:    id.TLSCertificate(),
				RootCAs:        pki.pool,
				Clock:          clock.NewManual(c.wall),
				NetworkTimeout: 5 * time.Second,
				Log:            log2.NewTest(t, log2.LDebug),
			})
			require.NoError(t, err)
			conn, err := tr.Dial(context.Background())
			if !c.valid {
				require.Error(t, err)
				assert.Equal(t, ErrHandshake, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			defer conn.Close()
			assert.Equal(t, id.CommonName(), <-peerCN)
		})
	}
}

func TestLoadRootCAs(t *testing.T) {
	t.Parallel()
	pki := newTestPKI(t)
	dir := t.TempDir()

	pool, err := LoadRootCAs("")
	require.NoError(t, err)
	assert.Nil(t, pool)

	good := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(good, pki.caPEM, 0o600))
	pool, err = LoadRootCAs(good)
	require.NoError(t, err)
	assert.True(t, pool.Equal(pki.pool))

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))
	_, err = LoadRootCAs(bad)
	assert.True(t, errors.IsNotValid(err))

	_, err = LoadRootCAs(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}
