// Package ecc talks to secure elements which keep private keys inside:
// ATECC508A/608A over I2C and a software stand-in for development boards.
// Private keys never leave the element, callers refer to them by slot.
package ecc

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"io"
	"math/big"

	"github.com/juju/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	SerialLen    = 9
	PublicKeyLen = 64 // X||Y
	SignatureLen = 64 // R||S
	DigestLen    = 32
	BlockLen     = 32
)

var (
	ErrNoDevice    = fmt.Errorf("secure element not present")
	ErrInvalidSlot = fmt.Errorf("invalid slot")
)

type Element interface {
	io.Closer
	// 9 bytes unique per chip
	SerialNumber() ([]byte, error)
	PublicKey(slot int) (*ecdsa.PublicKey, error)
	// Sign SHA-256 digest with private key in slot, returns raw R||S.
	Sign(slot int, digest []byte) ([]byte, error)
	// Read/Write whole 32 byte blocks of data slot, starting at block 0.
	ReadSlot(slot int, blocks int) ([]byte, error)
	WriteSlot(slot int, data []byte) error
}

// Signer is crypto.Signer with private key in element slot.
// Suitable for tls.Certificate.PrivateKey.
type Signer struct {
	el   Element
	slot int
	pub  *ecdsa.PublicKey
}

var _ crypto.Signer = &Signer{}

func NewSigner(el Element, slot int) (*Signer, error) {
	pub, err := el.PublicKey(slot)
	if err != nil {
		return nil, errors.Annotatef(err, "signer slot=%d", slot)
	}
	return &Signer{el: el, slot: slot, pub: pub}, nil
}

func (s *Signer) Public() crypto.PublicKey { return s.pub }
func (s *Signer) Slot() int                { return s.slot }

// Sign returns ASN.1 DER signature, as expected from ECDSA crypto.Signer.
// rand is ignored, element has own RNG.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts != nil && opts.HashFunc() != crypto.SHA256 {
		return nil, errors.NotSupportedf("element sign hash=%v", opts.HashFunc())
	}
	if len(digest) != DigestLen {
		return nil, errors.NotValidf("digest length=%d", len(digest))
	}
	raw, err := s.el.Sign(s.slot, digest)
	if err != nil {
		return nil, errors.Annotatef(err, "element sign slot=%d", s.slot)
	}
	return SignatureDER(raw)
}

func SignatureDER(raw []byte) ([]byte, error) {
	if len(raw) != SignatureLen {
		return nil, errors.NotValidf("raw signature length=%d", len(raw))
	}
	r := new(big.Int).SetBytes(raw[:32])
	s := new(big.Int).SetBytes(raw[32:])
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

func SignatureRaw(der []byte) ([]byte, error) {
	var inner cryptobyte.String
	r, s := new(big.Int), new(big.Int)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, errors.NotValidf("DER signature")
	}
	raw := make([]byte, SignatureLen)
	r.FillBytes(raw[:32])
	s.FillBytes(raw[32:])
	return raw, nil
}

func publicKeyFromRaw(b []byte) (*ecdsa.PublicKey, error) {
	if len(b) != PublicKeyLen {
		return nil, errors.NotValidf("public key length=%d", len(b))
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(b[:32]),
		Y:     new(big.Int).SetBytes(b[32:]),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.NotValidf("public key not on P-256")
	}
	return pub, nil
}

func publicKeyRaw(pub *ecdsa.PublicKey) []byte {
	b := make([]byte, PublicKeyLen)
	pub.X.FillBytes(b[:32])
	pub.Y.FillBytes(b[32:])
	return b
}
