package ecc

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/hubagent/log2"
)

const softDataSlotBlocks = 13 // ATECC slot 8 is 416 bytes

const (
	pemKey    = "EC PRIVATE KEY"
	pemSerial = "ELEMENT SERIAL"
	pemSlot   = "ELEMENT SLOT"
)

type fileStore interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
}

// Soft element keeps P-256 key in process memory, optionally persisted
// to directory with extremofile. For development boards without ATECC and tests.
// Only key slot 0 and data slots 8..15 exist.
type Soft struct {
	mu     sync.Mutex
	key    *ecdsa.PrivateKey
	serial []byte
	slots  map[int][]byte
	store  fileStore
}

var _ Element = &Soft{}

// NewSoft creates in-memory element with given serial and fresh key.
func NewSoft(serial []byte) (*Soft, error) {
	if len(serial) != SerialLen {
		return nil, errors.NotValidf("soft element serial length=%d", len(serial))
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Annotate(err, "soft element genkey")
	}
	return &Soft{
		key:    key,
		serial: append([]byte(nil), serial...),
		slots:  make(map[int][]byte),
	}, nil
}

// OpenSoft loads element state from dir or creates and saves new one.
func OpenSoft(log *log2.Log, dir string) (*Soft, error) {
	store := extremofile.New(extremofile.Config{Dir: dir, FilePrefix: "element."})
	data, err := store.Read()
	if extremofile.IsCritical(err) {
		return nil, errors.Annotatef(ErrNoDevice, "soft element dir=%s: %v", dir, err)
	}
	if err != nil {
		log.Debugf("soft element dir=%s read: %v", dir, err)
	}

	var s *Soft
	if len(data) != 0 {
		if s, err = decodeSoft(data); err != nil {
			return nil, errors.Annotatef(ErrNoDevice, "soft element dir=%s corrupt: %v", dir, err)
		}
	} else {
		serial := make([]byte, SerialLen)
		// 0x01 0x23 prefix like real chips
		serial[0], serial[1] = 0x01, 0x23
		if _, err = rand.Read(serial[2:]); err != nil {
			return nil, errors.Annotate(err, "soft element serial")
		}
		if s, err = NewSoft(serial); err != nil {
			return nil, err
		}
		log.Infof("soft element created dir=%s serial=%X", dir, serial)
	}
	s.store = store
	if err = s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Soft) Close() error { return nil }

func (s *Soft) SerialNumber() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.serial...), nil
}

func (s *Soft) PublicKey(slot int) (*ecdsa.PublicKey, error) {
	if slot != 0 {
		return nil, errors.Annotatef(ErrInvalidSlot, "soft key slot=%d", slot)
	}
	return &s.key.PublicKey, nil
}

func (s *Soft) Sign(slot int, digest []byte) ([]byte, error) {
	if slot != 0 {
		return nil, errors.Annotatef(ErrInvalidSlot, "soft key slot=%d", slot)
	}
	if len(digest) != DigestLen {
		return nil, errors.NotValidf("digest length=%d", len(digest))
	}
	der, err := ecdsa.SignASN1(rand.Reader, s.key, digest)
	if err != nil {
		return nil, errors.Annotate(err, "soft sign")
	}
	return SignatureRaw(der)
}

func (s *Soft) ReadSlot(slot int, blocks int) ([]byte, error) {
	if slot < 8 || slot > 15 || blocks > softDataSlotBlocks {
		return nil, errors.Annotatef(ErrInvalidSlot, "data slot=%d blocks=%d", slot, blocks)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, blocks*BlockLen)
	copy(out, s.slots[slot])
	return out, nil
}

func (s *Soft) WriteSlot(slot int, data []byte) error {
	if slot < 8 || slot > 15 || len(data) > softDataSlotBlocks*BlockLen {
		return errors.Annotatef(ErrInvalidSlot, "data slot=%d length=%d", slot, len(data))
	}
	s.mu.Lock()
	cur := make([]byte, softDataSlotBlocks*BlockLen)
	copy(cur, s.slots[slot])
	copy(cur, data)
	s.slots[slot] = cur
	s.mu.Unlock()
	return s.save()
}

func (s *Soft) save() error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	b, err := s.encode()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = s.store.Write(b)
	return errors.Annotate(err, "soft element save")
}

func (s *Soft) encode() ([]byte, error) {
	keyDer, err := x509.MarshalECPrivateKey(s.key)
	if err != nil {
		return nil, errors.Annotate(err, "soft element marshal key")
	}
	var buf bytes.Buffer
	_ = pem.Encode(&buf, &pem.Block{Type: pemKey, Bytes: keyDer})
	_ = pem.Encode(&buf, &pem.Block{Type: pemSerial, Bytes: s.serial})
	for slot := 8; slot <= 15; slot++ {
		if data, ok := s.slots[slot]; ok {
			_ = pem.Encode(&buf, &pem.Block{Type: pemSlot, Headers: map[string]string{"Slot": string(rune('0' + slot - 8))}, Bytes: data})
		}
	}
	return buf.Bytes(), nil
}

func decodeSoft(data []byte) (*Soft, error) {
	s := &Soft{slots: make(map[int][]byte)}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case pemKey:
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, errors.Annotate(err, "key")
			}
			s.key = key
		case pemSerial:
			s.serial = block.Bytes
		case pemSlot:
			h := block.Headers["Slot"]
			if len(h) != 1 || h[0] < '0' || h[0] > '7' {
				return nil, errors.NotValidf("slot header=%q", h)
			}
			s.slots[8+int(h[0]-'0')] = block.Bytes
		}
	}
	if s.key == nil || len(s.serial) != SerialLen {
		return nil, errors.NotFoundf("key or serial")
	}
	return s, nil
}
