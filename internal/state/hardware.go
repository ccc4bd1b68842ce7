package state

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/hardware/ecc"
	"github.com/temoto/hubagent/hardware/status"
	"github.com/temoto/hubagent/identity"
)

type hardware struct {
	Element struct {
		once
		el ecc.Element
	}
	Identity struct {
		once
		id *identity.Identity
	}
	Indicator struct {
		once
		ind status.Indicator
	}
}

func (g *Global) Element() (ecc.Element, error) {
	x := &g.Hardware.Element
	_ = x.do(func() error {
		cfg := &g.Config.Identity
		switch cfg.Element {
		case "soft":
			g.Log.Debugf("identity element=soft dir=%s", cfg.SoftDir)
			x.el, x.err = ecc.OpenSoft(g.Log, cfg.SoftDir)
		default:
			g.Log.Debugf("identity element=atecc bus=%s addr=%02x", cfg.I2CBus, cfg.I2CAddr)
			x.el, x.err = ecc.OpenATECC(g.Log, cfg.I2CBus, uint16(cfg.I2CAddr))
		}
		if x.err != nil {
			x.err = errors.Wrapf(x.err, identity.ErrHardwareUnavailable, "%s", x.err.Error())
		}
		return x.err
	})
	return x.el, x.err
}

func (g *Global) Identity() (*identity.Identity, error) {
	x := &g.Hardware.Identity
	_ = x.do(func() error {
		el, err := g.Element()
		if err != nil {
			x.err = err
			return err
		}
		cfg := &g.Config.Identity
		x.id, x.err = identity.Initialize(el, identity.Options{
			KeySlot:       cfg.KeySlot,
			CertSlot:      cfg.CertSlot,
			Generate:      cfg.Generate,
			ValidityYears: cfg.ValidityYears,
			Clock:         g.Clock,
			Log:           g.Log,
		})
		if x.err == nil {
			g.Log.Infof("identity cn=%s", x.id.CommonName())
		}
		return x.err
	})
	return x.id, x.err
}

// Indicator never fails: GPIO problems are logged and replaced with Noop.
func (g *Global) Indicator() status.Indicator {
	x := &g.Hardware.Indicator
	_ = x.do(func() error {
		cfg := &g.Config.Status
		if !cfg.Enable {
			x.ind = status.Noop{}
			return nil
		}
		pins := status.PinMap{Red: uint32(cfg.Red), Green: uint32(cfg.Green), Blue: uint32(cfg.Blue)}
		ind, err := status.OpenGPIO(g.Log, cfg.PinChip, pins)
		if err != nil {
			g.Log.Errorf("status indicator chip=%s: %v", cfg.PinChip, err)
			x.ind = status.Noop{}
			return nil
		}
		x.ind = ind
		return nil
	})
	return x.ind
}

func (g *Global) closeHardware() {
	if x := &g.Hardware.Indicator; x.done() {
		if c, ok := x.ind.(*status.GPIO); ok {
			if err := c.Close(); err != nil {
				g.Log.Errorf("status indicator close: %v", err)
			}
		}
	}
	if x := &g.Hardware.Element; x.done() && x.err == nil {
		if err := x.el.Close(); err != nil {
			g.Log.Errorf("identity element close: %v", err)
		}
	}
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
