package tele

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/log2"
)

const DefaultInterval = 5000 * time.Millisecond

var ErrPublishFailure = errors.New("publish failure")

type PublisherStats struct {
	Published uint32
	Failures  uint32
}

// Publisher sends "<tag> <elapsed ms>" every interval while session is active.
// Lines from Enqueue go out one per interval instead of the scheduled payload.
type Publisher struct {
	Interval time.Duration
	Tag      string
	Topic    string
	Log      *log2.Log

	last      time.Duration
	published uint32
	failures  uint32

	mu    sync.Mutex
	extra [][]byte
}

func NewPublisher(log *log2.Log, topic, tag string, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Publisher{Interval: interval, Tag: tag, Topic: topic, Log: log}
}

// Enqueue is safe to call from other goroutines.
func (p *Publisher) Enqueue(payload []byte) {
	p.mu.Lock()
	p.extra = append(p.extra, append([]byte(nil), payload...))
	p.mu.Unlock()
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: atomic.LoadUint32(&p.published),
		Failures:  atomic.LoadUint32(&p.failures),
	}
}

// Tick publishes one payload when at least Interval passed since last attempt.
// Oldest queued line takes the place of scheduled "<tag> <ms>" payload and
// stays queued until sent. now is monotonic elapsed time.
// Returns true if publish was attempted.
func (p *Publisher) Tick(now time.Duration, s Sessioner) bool {
	if now-p.last < p.Interval || !s.IsActive() {
		return false
	}
	p.last = now

	p.mu.Lock()
	queued := len(p.extra) != 0
	var payload []byte
	if queued {
		payload = p.extra[0]
	}
	p.mu.Unlock()
	if !queued {
		payload = strconv.AppendInt([]byte(p.Tag+" "), int64(now/time.Millisecond), 10)
	}

	if p.publish(s, payload) && queued {
		p.mu.Lock()
		p.extra = p.extra[1:]
		p.mu.Unlock()
	}
	return true
}

func (p *Publisher) publish(s Sessioner, payload []byte) bool {
	if err := s.Publish(p.Topic, payload); err != nil {
		atomic.AddUint32(&p.failures, 1)
		p.Log.Errorf("%v topic=%s err=%v", ErrPublishFailure, p.Topic, err)
		return false
	}
	atomic.AddUint32(&p.published, 1)
	p.Log.Debugf("published topic=%s payload=%q", p.Topic, payload)
	return true
}
