package tele

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/clock"
	"github.com/temoto/hubagent/hardware/status"
	"github.com/temoto/hubagent/link"
	"github.com/temoto/hubagent/log2"
)

type State int32

const (
	Disconnected State = iota
	LinkUp
	SessionActive
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case LinkUp:
		return "link-up"
	case SessionActive:
		return "session-active"
	}
	return "invalid"
}

// Notifier receives systemd style state strings: READY=1, WATCHDOG=1.
type Notifier func(state string)

type ManagerOptions struct {
	Link      link.Linker
	Session   Sessioner
	Publisher *Publisher
	Indicator status.Indicator
	Clock     clock.Clock
	Notify    Notifier
	// zero disables WATCHDOG=1
	WatchdogInterval time.Duration
	Log              *log2.Log
}

// ConnectionManager owns link and session and drives them from one loop.
type ConnectionManager struct {
	opt          ManagerOptions
	state        int32 // State, atomic for observers
	ready        bool
	lastWatchdog time.Duration
}

func NewConnectionManager(opt ManagerOptions) (*ConnectionManager, error) {
	if opt.Link == nil || opt.Session == nil || opt.Publisher == nil {
		return nil, errors.NotValidf("code error ConnectionManager requires Link, Session, Publisher")
	}
	if opt.Indicator == nil {
		opt.Indicator = status.Noop{}
	}
	if opt.Clock == nil {
		opt.Clock = clock.NewSystem()
	}
	if opt.Notify == nil {
		opt.Notify = func(string) {}
	}
	return &ConnectionManager{opt: opt}, nil
}

func (m *ConnectionManager) State() State { return State(atomic.LoadInt32(&m.state)) }

func (m *ConnectionManager) setState(s State) {
	if prev := State(atomic.SwapInt32(&m.state, int32(s))); prev != s {
		m.opt.Log.Debugf("connection state %s -> %s", prev, s)
	}
}

// Run returns ctx.Err() on cancellation or error of exhausted retry policy.
// Session is closed on return.
func (m *ConnectionManager) Run(ctx context.Context) error {
	defer func() {
		if err := m.opt.Session.Close(); err != nil {
			m.opt.Log.Debugf("session close err=%v", err)
		}
		m.opt.Indicator.Set(status.Off)
		m.setState(Disconnected)
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Step(ctx); err != nil {
			return err
		}
	}
}

// Step is one main loop iteration.
func (m *ConnectionManager) Step(ctx context.Context) error {
	if m.opt.Link.Status() != link.Connected {
		m.setState(Disconnected)
		m.opt.Indicator.Set(status.LinkConnecting)
		if err := m.opt.Link.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Annotate(err, "link")
		}
	}

	if !m.opt.Session.IsActive() {
		m.setState(LinkUp)
		m.opt.Indicator.Set(status.SessionConnecting)
		if err := m.opt.Session.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Annotate(err, "session")
		}
		if !m.ready {
			m.ready = true
			m.opt.Notify("READY=1")
		}
		m.opt.Indicator.Set(status.Active)
	}
	m.setState(SessionActive)

	if err := m.opt.Session.Poll(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// dropped session is rebuilt on next iteration
		m.opt.Log.Errorf("session poll: %v", err)
		m.setState(LinkUp)
	}
	now := m.opt.Clock.Elapsed()
	m.opt.Publisher.Tick(now, m.opt.Session)

	if m.opt.WatchdogInterval > 0 && now-m.lastWatchdog >= m.opt.WatchdogInterval {
		m.lastWatchdog = now
		m.opt.Notify("WATCHDOG=1")
	}
	return nil
}
