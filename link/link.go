// Package link brings up device network link before anything else can talk.
package link

import (
	"context"
	"fmt"
	"sync"
)

type Status int

const (
	NotConnected Status = iota
	Connected
)

func (s Status) String() string {
	if s == Connected {
		return "connected"
	}
	return "not-connected"
}

var ErrLinkFailure = fmt.Errorf("link failure")

type Linker interface {
	// Connect blocks until link is up, ctx is done or retry policy gives up.
	Connect(ctx context.Context) error
	Status() Status
}

// None is link managed outside of agent, always reported connected.
type None struct{}

var _ Linker = None{}

func (None) Connect(ctx context.Context) error { return ctx.Err() }
func (None) Status() Status                    { return Connected }

// Mock link for tests. Connect fails FailConnects times, then link is up
// until SetStatus(NotConnected).
type Mock struct {
	mu           sync.Mutex
	status       Status
	FailConnects int
	Connects     int
}

var _ Linker = &Mock{}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.FailConnects > 0 {
		m.FailConnects--
		m.Connects++
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	m.Connects++
	m.status = Connected
	return nil
}

func (m *Mock) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Mock) SetStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}
