package ecc

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/log2"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

const DefaultAddr uint16 = 0x60

// word address byte, first byte of every write
const (
	wordReset   byte = 0x00
	wordSleep   byte = 0x01
	wordIdle    byte = 0x02
	wordCommand byte = 0x03
)

const (
	opRead   byte = 0x02
	opWrite  byte = 0x12
	opNonce  byte = 0x16
	opInfo   byte = 0x30
	opGenKey byte = 0x40
	opSign   byte = 0x41
)

const (
	zoneConfig byte = 0x00
	zoneData   byte = 0x02
	zone32     byte = 0x80 // 32 byte read/write flag
)

// status codes in 4 byte response
const (
	statusSuccess    byte = 0x00
	statusMiscompare byte = 0x01
	statusParse      byte = 0x03
	statusECCFault   byte = 0x05
	statusExecution  byte = 0x0f
	statusWake       byte = 0x11
	statusWatchdog   byte = 0xee
	statusComm       byte = 0xff
)

// max execution times, ATECC508A datasheet table 9-4 rounded up
const (
	execRead   = 2 * time.Millisecond
	execWrite  = 26 * time.Millisecond
	execNonce  = 7 * time.Millisecond
	execInfo   = 2 * time.Millisecond
	execGenKey = 115 * time.Millisecond
	execSign   = 70 * time.Millisecond
)

const (
	wakeDelay    = 1500 * time.Microsecond
	pollInterval = 1 * time.Millisecond
	pollGrace    = 50 * time.Millisecond
)

var wakeResponse = []byte{0x04, 0x11, 0x33, 0x43}

// Bus is the part of periph i2c.Bus used here. Tests supply emulator.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

type StatusError byte

func (e StatusError) Error() string {
	switch byte(e) {
	case statusMiscompare:
		return "atecc status=miscompare"
	case statusParse:
		return "atecc status=parse error"
	case statusECCFault:
		return "atecc status=ECC fault"
	case statusExecution:
		return "atecc status=execution error"
	case statusWake:
		return "atecc status=after wake"
	case statusWatchdog:
		return "atecc status=watchdog about to expire"
	case statusComm:
		return "atecc status=CRC or communication error"
	}
	return fmt.Sprintf("atecc status=%02x", byte(e))
}

// ATECC508A/608A on I2C. Methods are safe for concurrent use,
// each command is wake-execute-idle under lock.
type ATECC struct {
	mu     sync.Mutex
	addr   uint16
	bus    Bus
	closer interface{ Close() error }
	log    *log2.Log
	serial []byte
}

var _ Element = &ATECC{}

// OpenATECC opens I2C bus by periph name ("" = first available, "1" = /dev/i2c-1)
// and checks the chip answers.
func OpenATECC(log *log2.Log, busName string, addr uint16) (*ATECC, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Annotatef(ErrNoDevice, "i2c open bus=%s: %v", busName, err)
	}
	a, err := NewATECC(log, bus, addr)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	a.closer = bus
	return a, nil
}

func NewATECC(log *log2.Log, bus Bus, addr uint16) (*ATECC, error) {
	if addr == 0 {
		addr = DefaultAddr
	}
	a := &ATECC{addr: addr, bus: bus, log: log}
	rev, err := a.command(opInfo, 0x00, 0x0000, nil, 4, execInfo)
	if err != nil {
		return nil, errors.Annotatef(ErrNoDevice, "addr=%02x info: %v", addr, err)
	}
	a.log.Debugf("atecc addr=%02x revision=%x", addr, rev)
	return a, nil
}

// compile-time check periph bus fits
var _ Bus = i2c.Bus(nil)

func (a *ATECC) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}

func (a *ATECC) SerialNumber() ([]byte, error) {
	a.mu.Lock()
	cached := a.serial
	a.mu.Unlock()
	if cached != nil {
		return append([]byte(nil), cached...), nil
	}

	config, err := a.command(opRead, zoneConfig|zone32, 0x0000, nil, BlockLen, execRead)
	if err != nil {
		return nil, errors.Annotate(err, "read config zone")
	}
	serial := make([]byte, 0, SerialLen)
	serial = append(serial, config[0:4]...)
	serial = append(serial, config[8:13]...)
	a.mu.Lock()
	a.serial = serial
	a.mu.Unlock()
	return append([]byte(nil), serial...), nil
}

func (a *ATECC) PublicKey(slot int) (*ecdsa.PublicKey, error) {
	if slot < 0 || slot > 7 {
		return nil, errors.Annotatef(ErrInvalidSlot, "key slot=%d", slot)
	}
	// GenKey mode=0x00 computes public key from existing private key
	raw, err := a.command(opGenKey, 0x00, uint16(slot), nil, PublicKeyLen, execGenKey)
	if err != nil {
		return nil, errors.Annotatef(err, "genkey public slot=%d", slot)
	}
	return publicKeyFromRaw(raw)
}

func (a *ATECC) Sign(slot int, digest []byte) ([]byte, error) {
	if slot < 0 || slot > 7 {
		return nil, errors.Annotatef(ErrInvalidSlot, "key slot=%d", slot)
	}
	if len(digest) != DigestLen {
		return nil, errors.NotValidf("digest length=%d", len(digest))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// Nonce pass-through loads TempKey, Sign external signs TempKey.
	// Both must run within one wake period.
	if err := a.wake(); err != nil {
		return nil, err
	}
	defer a.idle()
	if _, err := a.execute(opNonce, 0x03, 0x0000, digest, 0, execNonce); err != nil {
		return nil, errors.Annotate(err, "nonce")
	}
	sig, err := a.execute(opSign, 0x80, uint16(slot), nil, SignatureLen, execSign)
	return sig, errors.Annotatef(err, "sign slot=%d", slot)
}

func (a *ATECC) ReadSlot(slot int, blocks int) ([]byte, error) {
	if slot < 8 || slot > 15 {
		return nil, errors.Annotatef(ErrInvalidSlot, "data slot=%d", slot)
	}
	out := make([]byte, 0, blocks*BlockLen)
	for block := 0; block < blocks; block++ {
		b, err := a.command(opRead, zoneData|zone32, dataAddr(slot, block), nil, BlockLen, execRead)
		if err != nil {
			return nil, errors.Annotatef(err, "read slot=%d block=%d", slot, block)
		}
		out = append(out, b...)
	}
	return out, nil
}

func (a *ATECC) WriteSlot(slot int, data []byte) error {
	if slot < 8 || slot > 15 {
		return errors.Annotatef(ErrInvalidSlot, "data slot=%d", slot)
	}
	for block := 0; block*BlockLen < len(data); block++ {
		chunk := make([]byte, BlockLen)
		copy(chunk, data[block*BlockLen:])
		if _, err := a.command(opWrite, zoneData|zone32, dataAddr(slot, block), chunk, 0, execWrite); err != nil {
			return errors.Annotatef(err, "write slot=%d block=%d", slot, block)
		}
	}
	return nil
}

func dataAddr(slot, block int) uint16 {
	return uint16(block)<<8 | uint16(slot)<<3
}

// command is single wake-execute-idle cycle
func (a *ATECC) command(op, p1 byte, p2 uint16, data []byte, respLen int, exec time.Duration) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.wake(); err != nil {
		return nil, err
	}
	defer a.idle()
	return a.execute(op, p1, p2, data, respLen, exec)
}

func (a *ATECC) wake() error {
	// writing to general call address holds SDA low long enough
	_ = a.bus.Tx(0x00, []byte{0x00}, nil)
	time.Sleep(wakeDelay)
	r := make([]byte, 4)
	if err := a.bus.Tx(a.addr, nil, r); err != nil {
		return errors.Annotate(err, "atecc wake")
	}
	if string(r) != string(wakeResponse) {
		return errors.Errorf("atecc wake unexpected response=%x", r)
	}
	return nil
}

func (a *ATECC) idle() {
	if err := a.bus.Tx(a.addr, []byte{wordIdle}, nil); err != nil {
		a.log.Debugf("atecc idle err=%v", err)
	}
}

// execute sends command packet and polls response.
// respLen=0 means status-only response is expected.
func (a *ATECC) execute(op, p1 byte, p2 uint16, data []byte, respLen int, exec time.Duration) ([]byte, error) {
	pkt := make([]byte, 0, 8+len(data))
	pkt = append(pkt, wordCommand, byte(7+len(data)), op, p1, byte(p2), byte(p2>>8))
	pkt = append(pkt, data...)
	pkt = append(pkt[:1], appendCRC(pkt[1:])...)
	if err := a.bus.Tx(a.addr, pkt, nil); err != nil {
		return nil, errors.Annotatef(err, "atecc send op=%02x", op)
	}

	expect := respLen + 3
	if respLen == 0 {
		expect = 4
	}
	resp := make([]byte, expect)
	deadline := time.Now().Add(exec + pollGrace)
	var err error
	// chip NACKs reads while busy
	for {
		if err = a.bus.Tx(a.addr, nil, resp); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, errors.Annotatef(err, "atecc op=%02x response timeout", op)
		}
		time.Sleep(pollInterval)
	}
	return parseResponse(resp, respLen)
}

func parseResponse(resp []byte, respLen int) ([]byte, error) {
	count := int(resp[0])
	if count == 4 {
		if !checkCRC(resp[:4]) {
			return nil, StatusError(statusComm)
		}
		if status := resp[1]; status != statusSuccess || respLen != 0 {
			return nil, StatusError(status)
		}
		return nil, nil
	}
	if count != len(resp) {
		return nil, errors.Errorf("atecc response count=%d expected=%d", count, len(resp))
	}
	if !checkCRC(resp) {
		return nil, StatusError(statusComm)
	}
	return append([]byte(nil), resp[1:count-2]...), nil
}
