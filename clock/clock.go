// Package clock supplies time to the agent.
// Elapsed is monotonic since start, used for scheduling.
// Wall is calendar time, used only to validate certificates.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Elapsed() time.Duration
	Wall() time.Time
}

type system struct{ start time.Time }

func NewSystem() Clock { return &system{start: time.Now()} }

// time.Since uses monotonic reading of start
func (s *system) Elapsed() time.Duration { return time.Since(s.start) }
func (s *system) Wall() time.Time        { return time.Now() }

// Manual clock for tests, both readings only change via Advance/SetWall.
type Manual struct {
	mu      sync.Mutex
	elapsed time.Duration
	wall    time.Time
}

func NewManual(wall time.Time) *Manual { return &Manual{wall: wall} }

func (m *Manual) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed
}

func (m *Manual) Wall() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wall
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.elapsed += d
	m.wall = m.wall.Add(d)
	m.mu.Unlock()
}

func (m *Manual) SetWall(t time.Time) {
	m.mu.Lock()
	m.wall = t
	m.mu.Unlock()
}

// Milliseconds is the elapsed counter in reference telemetry form.
func Milliseconds(c Clock) int64 { return int64(c.Elapsed() / time.Millisecond) }
