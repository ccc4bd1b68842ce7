// Package status shows agent phase on RGB LED.
package status

import (
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/gpio-cdev-go"
	"github.com/temoto/hubagent/log2"
)

type Phase uint8

const (
	Off Phase = iota
	LinkConnecting
	SessionConnecting
	Active
)

func (p Phase) String() string {
	switch p {
	case Off:
		return "off"
	case LinkConnecting:
		return "link-connecting"
	case SessionConnecting:
		return "session-connecting"
	case Active:
		return "active"
	}
	return "invalid"
}

// red, green, blue
var phaseColor = [...][3]byte{
	Off:               {0, 0, 0},
	LinkConnecting:    {1, 0, 0},
	SessionConnecting: {0, 0, 1},
	Active:            {0, 1, 0},
}

type Indicator interface {
	Set(Phase)
}

type Noop struct{}

func (Noop) Set(Phase) {}

type PinMap struct {
	Red   uint32
	Green uint32
	Blue  uint32
}

type GPIO struct {
	mu    sync.Mutex
	log   *log2.Log
	chip  gpio.Chiper
	lines gpio.Lineser
	set   [3]gpio.LineSetFunc
	phase Phase
}

var _ Indicator = &GPIO{}

// OpenGPIO opens gpio character device like /dev/gpiochip0.
func OpenGPIO(log *log2.Log, chipPath string, pins PinMap) (*GPIO, error) {
	chip, err := gpio.Open(chipPath, "hubagent")
	if err != nil {
		return nil, errors.Annotatef(err, "status gpio chip=%s", chipPath)
	}
	g, err := NewGPIO(log, chip, pins)
	if err != nil {
		_ = chip.Close()
		return nil, err
	}
	return g, nil
}

func NewGPIO(log *log2.Log, chip gpio.Chiper, pins PinMap) (*GPIO, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "hubagent-status", pins.Red, pins.Green, pins.Blue)
	if err != nil {
		return nil, errors.Annotatef(err, "status gpio lines=%v", pins)
	}
	g := &GPIO{
		log:   log,
		chip:  chip,
		lines: lines,
		set:   [3]gpio.LineSetFunc{lines.SetFunc(pins.Red), lines.SetFunc(pins.Green), lines.SetFunc(pins.Blue)},
		phase: Off,
	}
	return g, nil
}

// Set never fails, errors are logged.
func (g *GPIO) Set(p Phase) {
	if int(p) >= len(phaseColor) {
		g.log.Errorf("status invalid phase=%d", p)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.phase = p
	for i, v := range phaseColor[p] {
		g.set[i](v)
	}
	if err := g.lines.Flush(); err != nil {
		g.log.Errorf("status phase=%s err=%v", p, err)
	}
}

func (g *GPIO) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

func (g *GPIO) Close() error {
	g.Set(Off)
	err := g.lines.Close()
	if cerr := g.chip.Close(); err == nil {
		err = cerr
	}
	return err
}
