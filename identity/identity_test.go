package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/hubagent/clock"
	"github.com/temoto/hubagent/hardware/ecc"
	"github.com/temoto/hubagent/helpers"
	"github.com/temoto/hubagent/log2"
)

var testIssued = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestElement(t testing.TB) *ecc.Soft {
	el, err := ecc.NewSoft(helpers.MustHex("aabbccddeeff001122"))
	require.NoError(t, err)
	return el
}

func TestInitializeDeterministic(t *testing.T) {
	t.Parallel()
	el := newTestElement(t)
	clk := clock.NewManual(testIssued)
	opt := Options{Generate: true, Clock: clk, Log: log2.NewTest(t, log2.LDebug)}

	id1, err := Initialize(el, opt)
	require.NoError(t, err)
	cert := id1.Certificate()
	assert.Equal(t, "AABBCCDDEEFF001122", cert.Subject.CommonName)
	assert.Equal(t, cert.Subject.CommonName, cert.Issuer.CommonName)
	assert.True(t, testIssued.Equal(cert.NotBefore))
	assert.True(t, testIssued.AddDate(DefaultValidityYears, 0, 0).Equal(cert.NotAfter))
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.Equal(t, x509.ECDSAWithSHA256, cert.SignatureAlgorithm)
	assert.True(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageCertSign, cert.KeyUsage)
	require.NoError(t, cert.CheckSignatureFrom(cert))
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       pool,
		CurrentTime: testIssued.Add(time.Hour),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	require.NoError(t, err)
	assert.True(t, cert.PublicKey.(*ecdsa.PublicKey).Equal(id1.Signer().Public()))

	// later start, different clock, generation not allowed
	clk.Advance(48 * time.Hour)
	opt.Generate = false
	id2, err := Initialize(el, opt)
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, id2.Certificate().Raw)
	assert.Equal(t, id1.Thumbprint(), id2.Thumbprint())
	assert.Len(t, id2.Thumbprint().SHA1, 40)
	assert.Len(t, id2.Thumbprint().SHA256, 64)
}

func TestInitializeErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		el     func(t testing.TB) ecc.Element
		expect error
	}{
		{"nil-element", func(testing.TB) ecc.Element { return nil }, ErrHardwareUnavailable},
		{"serial-fail", func(t testing.TB) ecc.Element {
			return &brokenElement{Element: newTestElement(t), serialErr: fmt.Errorf("i2c: NACK")}
		}, ErrHardwareUnavailable},
		{"not-provisioned", func(t testing.TB) ecc.Element { return newTestElement(t) }, ErrNotProvisioned},
		{"stale-record", func(t testing.TB) ecc.Element {
			// record signed by another key
			other := newTestElement(t)
			_, err := Initialize(other, Options{Generate: true})
			require.NoError(t, err)
			rec, err := other.ReadSlot(DefaultCertSlot, recordBlocks)
			require.NoError(t, err)
			el := newTestElement(t)
			require.NoError(t, el.WriteSlot(DefaultCertSlot, rec))
			return el
		}, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			_, err := Initialize(c.el(t), Options{Log: log2.NewTest(t, log2.LDebug)})
			require.Error(t, err)
			if c.expect != nil {
				assert.Equal(t, c.expect, errors.Cause(err), err.Error())
			}
		})
	}
}

func TestTLSCertificateSigner(t *testing.T) {
	t.Parallel()
	id, err := Initialize(newTestElement(t), Options{Generate: true})
	require.NoError(t, err)
	tc := id.TLSCertificate()
	require.Len(t, tc.Certificate, 1)
	signer := tc.PrivateKey.(crypto.Signer)
	digest := sha256.Sum256([]byte("tls transcript"))
	sig, err := signer.Sign(nil, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(tc.Leaf.PublicKey.(*ecdsa.PublicKey), digest[:], sig))
}

func TestRecord(t *testing.T) {
	t.Parallel()
	rec := record{issued: testIssued, years: 7, signature: make([]byte, ecc.SignatureLen)}
	b := rec.encode()
	assert.Len(t, b, 76)
	assert.Equal(t, "HAC1", string(b[:4]))
	got, ok := decodeRecord(append(b, make([]byte, 20)...))
	require.True(t, ok)
	assert.True(t, rec.issued.Equal(got.issued))
	assert.Equal(t, rec.years, got.years)
	assert.Equal(t, rec.signature, got.signature)

	_, ok = decodeRecord(make([]byte, 96))
	assert.False(t, ok)
}

type brokenElement struct {
	ecc.Element
	serialErr error
}

func (b *brokenElement) SerialNumber() ([]byte, error) { return nil, b.serialErr }
