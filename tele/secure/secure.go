// Package secure is TLS client transport to broker with client certificate
// from device identity. Private key operations happen in secure element.
package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/clock"
	"github.com/temoto/hubagent/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

var ErrHandshake = fmt.Errorf("TLS handshake failed")

type Options struct {
	// host:port
	Address     string
	ServerName  string
	Certificate tls.Certificate
	// nil means system pool
	RootCAs        *x509.CertPool
	Clock          clock.Clock
	NetworkTimeout time.Duration
	Log            *log2.Log
}

type Transport struct {
	opt    Options
	tlsc   *tls.Config
	dialer net.Dialer
}

func NewTransport(opt Options) (*Transport, error) {
	if opt.Address == "" {
		return nil, errors.NotValidf("secure transport address empty")
	}
	if opt.ServerName == "" {
		host, _, err := net.SplitHostPort(opt.Address)
		if err != nil {
			return nil, errors.Annotatef(err, "secure transport address=%s", opt.Address)
		}
		opt.ServerName = host
	}
	if opt.Clock == nil {
		opt.Clock = clock.NewSystem()
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	t := &Transport{opt: opt}
	t.dialer.Timeout = opt.NetworkTimeout
	t.tlsc = &tls.Config{
		Certificates: []tls.Certificate{opt.Certificate},
		RootCAs:      opt.RootCAs,
		ServerName:   opt.ServerName,
		MinVersion:   tls.VersionTLS12,
		// chain validity checked against this, read on each handshake
		Time: opt.Clock.Wall,
	}
	return t, nil
}

func (t *Transport) Address() string { return t.opt.Address }

// Dial opens TCP connection and performs handshake.
func (t *Transport) Dial(ctx context.Context) (net.Conn, error) {
	raw, err := t.dialer.DialContext(ctx, "tcp", t.opt.Address)
	if err != nil {
		return nil, errors.Annotatef(err, "dial address=%s", t.opt.Address)
	}
	conn, err := t.Handshake(ctx, raw)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handshake on top of established stream. On error raw is closed.
func (t *Transport) Handshake(ctx context.Context, raw net.Conn) (*tls.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, t.opt.NetworkTimeout)
	defer cancel()
	conn := tls.Client(raw, t.tlsc)
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, errors.Annotatef(ErrHandshake, "server=%s: %v", t.opt.ServerName, err)
	}
	st := conn.ConnectionState()
	t.opt.Log.Debugf("tls established server=%s version=%s cipher=%s",
		t.opt.ServerName, tls.VersionName(st.Version), tls.CipherSuiteName(st.CipherSuite))
	return conn, nil
}

// LoadRootCAs reads PEM bundle. Empty path means system pool.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "ca_file=%s", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errors.NotValidf("ca_file=%s no certificates", path)
	}
	return pool, nil
}
