package link

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/helpers"
	"github.com/temoto/hubagent/log2"
)

// Iface is wired or externally managed interface, only waits for it.
type Iface struct {
	Name  string
	Retry *helpers.Backoff
	Log   *log2.Log
	// InterfaceUp by default
	up func(string) (bool, error)
}

var _ Linker = &Iface{}

func NewIface(log *log2.Log, name string, retry *helpers.Backoff) *Iface {
	if retry == nil {
		retry = helpers.FixedBackoff(DefaultRetryDelay, 0)
	}
	return &Iface{Name: name, Retry: retry, Log: log, up: InterfaceUp}
}

func (i *Iface) Status() Status {
	up, err := i.up(i.Name)
	if err != nil {
		i.Log.Debugf("link interface=%s err=%v", i.Name, err)
		return NotConnected
	}
	if up {
		return Connected
	}
	return NotConnected
}

func (i *Iface) Connect(ctx context.Context) error {
	return i.Retry.Retry(ctx, func(attempt int) error {
		if i.Status() == Connected {
			return nil
		}
		err := errors.Annotatef(ErrLinkFailure, "interface=%s not running", i.Name)
		i.Log.Errorf("link attempt=%d err=%v", attempt, err)
		return err
	})
}

const DefaultRetryDelay = 5 * time.Second
