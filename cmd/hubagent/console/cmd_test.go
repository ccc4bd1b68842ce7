package console

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/hubagent/internal/state"
	"github.com/temoto/hubagent/internal/tele"
	"github.com/temoto/hubagent/log2"
)

type recordSession struct {
	tele.Sessioner
	published []string
}

func (s *recordSession) IsActive() bool { return true }
func (s *recordSession) Publish(topic string, payload []byte) error {
	s.published = append(s.published, string(payload))
	return nil
}

func TestExecutor(t *testing.T) {
	t.Parallel()

	g := state.NewGlobal(log2.NewTest(t, log2.LDebug), "test")
	var out bytes.Buffer
	exec := newExecutor(g, &out)

	exec("status")
	assert.Equal(t, "not initialized\n", out.String())
	out.Reset()

	exec("send early")
	assert.Equal(t, "error: not initialized\n", out.String())
	out.Reset()

	g.Publisher = tele.NewPublisher(g.Log, "devices/sensor42/messages/events/", "hello", time.Second)
	exec("send")
	assert.Equal(t, "error: send requires text\n", out.String())
	out.Reset()
	exec("send  temp=21.5 ")
	assert.Equal(t, "queued 9 bytes\n", out.String())
	out.Reset()
	s := &recordSession{}
	assert.True(t, g.Publisher.Tick(2*time.Second, s))
	assert.False(t, g.Publisher.Tick(2500*time.Millisecond, s))
	assert.True(t, g.Publisher.Tick(3*time.Second, s))
	assert.Equal(t, []string{"temp=21.5", "hello 3000"}, s.published)

	exec("bogus")
	assert.Contains(t, out.String(), "error: unknown command=bogus")
	out.Reset()

	exec("help")
	assert.Equal(t, usage, out.String())
	out.Reset()

	exec("quit")
	assert.Equal(t, "agent stopped\n", out.String())
	assert.False(t, g.Alive.IsRunning())
}
