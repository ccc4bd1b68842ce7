// Package identity binds secure element key slot to self-signed client
// certificate. Certificate is reconstructed from element contents on every
// start and is byte-identical each time: only the signature is stored
// (certificate record in data slot), everything else is derived.
package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/clock"
	"github.com/temoto/hubagent/hardware/ecc"
	"github.com/temoto/hubagent/log2"
)

const (
	DefaultKeySlot       = 0
	DefaultCertSlot      = 8
	DefaultValidityYears = 20
)

const (
	recordMagic  = "HAC1"
	recordLen    = 4 + 4 + 1 + 3 + ecc.SignatureLen
	recordBlocks = (recordLen + ecc.BlockLen - 1) / ecc.BlockLen
)

var (
	ErrHardwareUnavailable = fmt.Errorf("security element unavailable")
	ErrNotProvisioned      = fmt.Errorf("identity certificate not provisioned")
)

type Options struct {
	KeySlot  int
	CertSlot int
	// Sign and store certificate record when slot is empty.
	Generate      bool
	ValidityYears int
	Clock         clock.Clock
	Log           *log2.Log
}

type Identity struct {
	keySlot int
	serial  []byte
	cert    *x509.Certificate
	signer  *ecc.Signer
}

type Thumbprint struct {
	SHA1   string
	SHA256 string
}

// certificate record, see encode()
type record struct {
	issued    time.Time
	years     uint8
	signature []byte
}

func Initialize(el ecc.Element, opt Options) (*Identity, error) {
	if el == nil {
		return nil, errors.Annotate(ErrHardwareUnavailable, "no element")
	}
	if opt.CertSlot == 0 {
		opt.CertSlot = DefaultCertSlot
	}
	if opt.ValidityYears == 0 {
		opt.ValidityYears = DefaultValidityYears
	}
	if opt.ValidityYears < 0 || opt.ValidityYears > 255 {
		return nil, errors.NotValidf("identity validity_years=%d", opt.ValidityYears)
	}
	if opt.Clock == nil {
		opt.Clock = clock.NewSystem()
	}

	serial, err := el.SerialNumber()
	if err != nil {
		return nil, errors.Annotatef(ErrHardwareUnavailable, "serial number: %v", err)
	}
	signer, err := ecc.NewSigner(el, opt.KeySlot)
	if err != nil {
		return nil, errors.Annotatef(ErrHardwareUnavailable, "key slot=%d: %v", opt.KeySlot, err)
	}
	raw, err := el.ReadSlot(opt.CertSlot, recordBlocks)
	if err != nil {
		return nil, errors.Annotatef(ErrHardwareUnavailable, "certificate slot=%d: %v", opt.CertSlot, err)
	}

	id := &Identity{keySlot: opt.KeySlot, serial: serial, signer: signer}
	rec, ok := decodeRecord(raw)
	if !ok {
		if !opt.Generate {
			return nil, errors.Annotatef(ErrNotProvisioned, "slot=%d serial=%X", opt.CertSlot, serial)
		}
		rec = record{
			issued: opt.Clock.Wall().UTC().Truncate(time.Second),
			years:  uint8(opt.ValidityYears),
		}
		rs := &recordingSigner{Signer: signer}
		if _, err = id.build(rec, rs); err != nil {
			return nil, errors.Annotate(err, "sign certificate")
		}
		rec.signature = rs.raw
		if err = el.WriteSlot(opt.CertSlot, rec.encode()); err != nil {
			return nil, errors.Annotatef(ErrHardwareUnavailable, "write certificate record: %v", err)
		}
		opt.Log.Infof("identity certificate generated serial=%X issued=%s", serial, rec.issued.Format(time.RFC3339))
	}

	replay, err := newReplaySigner(signer.Public(), rec.signature)
	if err != nil {
		return nil, errors.Annotate(err, "certificate record")
	}
	if id.cert, err = id.build(rec, replay); err != nil {
		return nil, errors.Annotate(err, "reconstruct certificate")
	}
	opt.Log.Debugf("identity cn=%s not_after=%s", id.cert.Subject.CommonName, id.cert.NotAfter.Format(time.RFC3339))
	return id, nil
}

func (id *Identity) build(rec record, signer crypto.Signer) (*x509.Certificate, error) {
	pub := id.signer.Public().(*ecdsa.PublicKey)
	name := pkix.Name{CommonName: strings.ToUpper(hex.EncodeToString(id.serial))}
	template := &x509.Certificate{
		SerialNumber: certSerial(pub),
		Subject:      name,
		Issuer:       name,
		NotBefore:    rec.issued,
		NotAfter:     rec.issued.AddDate(int(rec.years), 0, 0),
		// self-signed, must verify as its own issuer
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, signer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return x509.ParseCertificate(der)
}

func (id *Identity) KeySlot() int                   { return id.keySlot }
func (id *Identity) SerialNumber() []byte           { return append([]byte(nil), id.serial...) }
func (id *Identity) Certificate() *x509.Certificate { return id.cert }
func (id *Identity) Signer() crypto.Signer          { return id.signer }
func (id *Identity) CommonName() string             { return id.cert.Subject.CommonName }

// TLSCertificate for client authentication, private key operations go to element.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate:                  [][]byte{id.cert.Raw},
		PrivateKey:                   id.signer,
		Leaf:                         id.cert,
		SupportedSignatureAlgorithms: []tls.SignatureScheme{tls.ECDSAWithP256AndSHA256},
	}
}

// Thumbprint is what hub device registration asks for (X.509 self-signed auth).
func (id *Identity) Thumbprint() Thumbprint {
	s1 := sha1.Sum(id.cert.Raw) //nolint:gosec
	s256 := sha256.Sum256(id.cert.Raw)
	return Thumbprint{
		SHA1:   strings.ToUpper(hex.EncodeToString(s1[:])),
		SHA256: strings.ToUpper(hex.EncodeToString(s256[:])),
	}
}

// positive 128 bit number from public key hash
func certSerial(pub *ecdsa.PublicKey) *big.Int {
	var h [sha256.Size]byte
	if k, err := pub.ECDH(); err == nil {
		h = sha256.Sum256(k.Bytes())
	}
	h[0] &= 0x7f
	return new(big.Int).SetBytes(h[:16])
}

func (r record) encode() []byte {
	b := make([]byte, recordLen)
	copy(b, recordMagic)
	binary.BigEndian.PutUint32(b[4:], uint32(r.issued.Unix()))
	b[8] = r.years
	copy(b[12:], r.signature)
	return b
}

func decodeRecord(b []byte) (record, bool) {
	if len(b) < recordLen || string(b[:4]) != recordMagic {
		return record{}, false
	}
	r := record{
		issued:    time.Unix(int64(binary.BigEndian.Uint32(b[4:])), 0).UTC(),
		years:     b[8],
		signature: append([]byte(nil), b[12:recordLen]...),
	}
	return r, r.years != 0
}

// recordingSigner keeps raw signature produced by element.
type recordingSigner struct {
	*ecc.Signer
	raw []byte
}

func (s *recordingSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	der, err := s.Signer.Sign(rand, digest, opts)
	if err != nil {
		return nil, err
	}
	s.raw, err = ecc.SignatureRaw(der)
	return der, err
}

// replaySigner returns stored signature. x509.CreateCertificate verifies
// it against public key, so stale record fails here instead of in TLS.
type replaySigner struct {
	pub crypto.PublicKey
	der []byte
}

func newReplaySigner(pub crypto.PublicKey, raw []byte) (*replaySigner, error) {
	der, err := ecc.SignatureDER(raw)
	if err != nil {
		return nil, err
	}
	return &replaySigner{pub: pub, der: der}, nil
}

func (s *replaySigner) Public() crypto.PublicKey { return s.pub }
func (s *replaySigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return s.der, nil
}
