package tele

import (
	"context"
	"io"
	"strings"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/log2"
)

// CommandFunc gets command name (topic suffix after devicebound/) and full payload.
type CommandFunc func(ctx context.Context, name string, payload []byte) error

// CommandReceiver handles downlink messages synchronously from session poll.
type CommandReceiver struct {
	log      *log2.Log
	prefix   string
	handler  CommandFunc
	received uint32
}

func NewCommandReceiver(log *log2.Log, topics Topics, handler CommandFunc) *CommandReceiver {
	return &CommandReceiver{log: log, prefix: topics.CommandPrefix, handler: handler}
}

func (r *CommandReceiver) Received() uint32 { return atomic.LoadUint32(&r.received) }

// OnMessage reads exactly length bytes of payload.
func (r *CommandReceiver) OnMessage(ctx context.Context, topic string, length int, payload io.Reader) error {
	atomic.AddUint32(&r.received, 1)
	b := make([]byte, length)
	if _, err := io.ReadFull(payload, b); err != nil {
		return errors.Annotatef(err, "command topic=%s length=%d", topic, length)
	}
	r.log.Infof("command topic=%s length=%d payload=%q", topic, length, b)

	if !strings.HasPrefix(topic, r.prefix) {
		r.log.Errorf("command unexpected topic=%s", topic)
		return nil
	}
	if r.handler == nil {
		return nil
	}
	name := strings.TrimPrefix(topic, r.prefix)
	if err := r.handler(ctx, name, b); err != nil {
		// command failure is not session failure
		r.log.Errorf("command name=%s err=%v", name, err)
	}
	return nil
}
