package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/hubagent/clock"
	"github.com/temoto/hubagent/helpers"
	"github.com/temoto/hubagent/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultPollWait       = 100 * time.Millisecond
	DefaultKeepaliveSec   = 60
	inboxSize             = 16
)

var (
	ErrNotActive      = fmt.Errorf("MQTT session is not active")
	ErrSessionDropped = fmt.Errorf("MQTT session dropped")
)

type SubscribeAck int

const (
	// SUBACK is checked later by Poll, failure drops session.
	SubscribeAckIgnore SubscribeAck = iota
	// SUBACK is awaited inside connect attempt.
	SubscribeAckRequire
)

func ParseSubscribeAck(s string) (SubscribeAck, error) {
	switch s {
	case "", "ignore":
		return SubscribeAckIgnore, nil
	case "require":
		return SubscribeAckRequire, nil
	}
	return SubscribeAckIgnore, errors.NotValidf("subscribe_ack=%s", s)
}

// Dialer returns established secure stream to broker.
type Dialer func(ctx context.Context) (net.Conn, error)

// Inbound PUBLISH. Payload is readable exactly Length bytes, then io.EOF.
// Valid only during handler call.
type Message struct {
	Topic  string
	Length int
	QOS    packet.QOS
	r      *bytes.Reader
}

func (m *Message) Read(b []byte) (int, error) { return m.r.Read(b) }

type MessageHandler func(ctx context.Context, m *Message) error

type SessionOptions struct {
	Dial     Dialer
	ClientID string
	Username string
	Password string
	// zero means DefaultKeepaliveSec
	KeepaliveSec uint16
	// no PINGREQ, CONNECT keepalive=0
	DisableKeepalive bool
	NetworkTimeout   time.Duration
	PollWait         time.Duration
	Subscriptions    []packet.Subscription
	SubscribeAck     SubscribeAck
	OnMessage        MessageHandler
	Retry            *helpers.Backoff
	Clock            clock.Clock
	Log              *log2.Log
}

type SessionStats struct {
	Connects  uint32
	Drops     uint32
	Published uint32
	Received  uint32
}

// Session is MQTT 3.1.1 client session for single owner loop.
// - Connect blocks with retry until CONNACK accepted
// - clean session, subscribe once per connection, before any delivery
// - Poll services keepalive and delivers at most one packet
// - Publish QOS 0 only
// - inbound QOS 1 acknowledged after handler, QOS 2 drops session
// Methods must not be called concurrently.
type Session struct {
	opt    SessionOptions
	cur    *sessionConn
	lastID packet.ID
	stats  SessionStats
}

// Single connection. Reader goroutine only moves packets into inbox,
// all other fields belong to Session owner.
type sessionConn struct {
	alive   *alive.Alive
	conn    transport.Conn
	inbox   chan packet.Generic
	readErr error // set before inbox is closed
	// queued while awaiting SUBACK
	early []packet.Generic

	subID       packet.ID
	subAcked    bool
	lastSend    time.Duration
	pingPending bool
	pingSentAt  time.Duration
}

func NewSession(opt SessionOptions) (*Session, error) {
	if opt.Dial == nil {
		return nil, errors.NotValidf("code error mqtt.SessionOptions.Dial=nil")
	}
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.SessionOptions.OnMessage=nil")
	}
	if opt.ClientID == "" {
		return nil, errors.NotValidf("mqtt client id empty")
	}
	if opt.DisableKeepalive {
		opt.KeepaliveSec = 0
	} else if opt.KeepaliveSec == 0 {
		opt.KeepaliveSec = DefaultKeepaliveSec
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.PollWait == 0 {
		opt.PollWait = DefaultPollWait
	}
	if opt.Retry == nil {
		opt.Retry = helpers.FixedBackoff(DefaultReconnectDelay, 0)
	}
	if opt.Clock == nil {
		opt.Clock = clock.NewSystem()
	}
	return &Session{opt: opt, lastID: packet.ID(time.Now().UnixNano())}, nil
}

func (s *Session) IsActive() bool      { return s.cur != nil }
func (s *Session) Stats() SessionStats { return s.stats }

// Connect drops current connection if any and blocks until broker accepts
// new one. Returns ctx error or helpers.ErrRetryExhausted.
func (s *Session) Connect(ctx context.Context) error {
	if s.cur != nil {
		s.teardown(s.cur)
	}
	return s.opt.Retry.Retry(ctx, func(attempt int) error {
		err := s.connectOnce(ctx)
		if err != nil {
			s.opt.Log.Errorf("mqtt connect attempt=%d err=%v", attempt, err)
		}
		return err
	})
}

func (s *Session) connectOnce(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.opt.NetworkTimeout)
	defer cancel()
	raw, err := s.opt.Dial(dctx)
	if err != nil {
		return errors.Annotate(err, "dial")
	}
	cc := &sessionConn{
		alive: alive.NewAlive(),
		conn:  transport.NewNetConn(raw),
		inbox: make(chan packet.Generic, inboxSize),
	}
	if err = s.handshake(cc); err != nil {
		_ = cc.conn.Close()
		return err
	}
	cc.conn.SetReadTimeout(0)
	cc.alive.Add(1)
	go cc.reader(s.opt.Log)
	s.cur = cc
	s.stats.Connects++
	s.opt.Log.Debugf("mqtt session active client=%s", s.opt.ClientID)
	return nil
}

// CONNECT, CONNACK, SUBSCRIBE and optionally SUBACK, before reader starts.
func (s *Session) handshake(cc *sessionConn) error {
	cc.conn.SetReadTimeout(s.opt.NetworkTimeout)

	conpkt := packet.NewConnect()
	conpkt.ClientID = s.opt.ClientID
	conpkt.KeepAlive = s.opt.KeepaliveSec
	conpkt.CleanSession = true
	conpkt.Username = s.opt.Username
	conpkt.Password = s.opt.Password
	if err := s.send(cc, conpkt); err != nil {
		return err
	}
	pkt, err := cc.conn.Receive()
	if err != nil {
		return errors.Annotate(err, "expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		return errors.Annotatef(client.ErrClientExpectedConnack, "server error pkt=%s", PacketString(pkt))
	}
	s.opt.Log.Debugf("CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		return errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
	}

	if len(s.opt.Subscriptions) == 0 {
		cc.subAcked = true
		return nil
	}
	subpkt := &packet.Subscribe{ID: s.nextID(), Subscriptions: s.opt.Subscriptions}
	cc.subID = subpkt.ID
	if err = s.send(cc, subpkt); err != nil {
		return err
	}
	if s.opt.SubscribeAck != SubscribeAckRequire {
		return nil
	}
	for !cc.subAcked {
		pkt, err = cc.conn.Receive()
		if err != nil {
			return errors.Annotate(err, "expect SUBACK")
		}
		if suback, ok := pkt.(*packet.Suback); ok {
			if err = cc.onSuback(suback); err != nil {
				return err
			}
			continue
		}
		cc.early = append(cc.early, pkt)
	}
	return nil
}

// Poll services keepalive and handles at most one inbound packet,
// waiting up to PollWait for it. Error means session is no longer active,
// except ctx error.
func (s *Session) Poll(ctx context.Context) error {
	cc := s.cur
	if cc == nil {
		return ErrNotActive
	}
	if err := s.keepalive(cc); err != nil {
		return s.drop(cc, err)
	}

	if len(cc.early) != 0 {
		pkt := cc.early[0]
		cc.early = cc.early[1:]
		return s.handle(ctx, cc, pkt)
	}
	timer := time.NewTimer(s.opt.PollWait)
	defer timer.Stop()
	select {
	case pkt, ok := <-cc.inbox:
		if !ok {
			return s.drop(cc, cc.readErr)
		}
		return s.handle(ctx, cc, pkt)

	case <-timer.C:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// PINGREQ after KeepaliveSec without outgoing packets,
// drop when PINGRESP is not received within NetworkTimeout.
func (s *Session) keepalive(cc *sessionConn) error {
	if s.opt.KeepaliveSec == 0 {
		return nil
	}
	now := s.opt.Clock.Elapsed()
	if cc.pingPending {
		if now-cc.pingSentAt > s.opt.NetworkTimeout {
			return client.ErrClientMissingPong
		}
		return nil
	}
	if now-cc.lastSend >= time.Duration(s.opt.KeepaliveSec)*time.Second {
		if err := s.send(cc, packet.NewPingreq()); err != nil {
			return err
		}
		cc.pingPending = true
		cc.pingSentAt = now
	}
	return nil
}

func (s *Session) handle(ctx context.Context, cc *sessionConn, pkt packet.Generic) error {
	s.opt.Log.Debugf("received=%s", PacketString(pkt))
	switch pt := pkt.(type) {
	case *packet.Pingresp:
		cc.pingPending = false
		return nil

	case *packet.Suback:
		if err := cc.onSuback(pt); err != nil {
			return s.drop(cc, err)
		}
		return nil

	case *packet.Publish:
		return s.onPublish(ctx, cc, pt)

	case *packet.Connack:
		return s.drop(cc, errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))

	default:
		s.opt.Log.Debugf("unexpected packet %s", PacketString(pkt))
		return nil
	}
}

func (cc *sessionConn) onSuback(suback *packet.Suback) error {
	if suback.ID != cc.subID {
		return errors.Annotatef(client.ErrFailedSubscription, "SUBACK.id=%d != SUBSCRIBE.id=%d", suback.ID, cc.subID)
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			return client.ErrFailedSubscription
		}
	}
	cc.subAcked = true
	return nil
}

func (s *Session) onPublish(ctx context.Context, cc *sessionConn, publish *packet.Publish) error {
	m := &publish.Message
	if m.QOS >= packet.QOSExactlyOnce {
		return s.drop(cc, errors.NotSupportedf("inbound QOS=%d topic=%s", m.QOS, m.Topic))
	}
	s.stats.Received++
	msg := &Message{Topic: m.Topic, Length: len(m.Payload), QOS: m.QOS, r: bytes.NewReader(m.Payload)}
	err := s.opt.OnMessage(ctx, msg)
	if rest := msg.r.Len(); rest != 0 {
		s.opt.Log.Errorf("handler left unread topic=%s length=%d unread=%d", m.Topic, msg.Length, rest)
		_, _ = io.Copy(io.Discard, msg.r)
	}
	if err != nil {
		// no PUBACK, broker will redeliver into next session
		s.opt.Log.Errorf("onMessage topic=%s err=%v", m.Topic, err)
		return s.drop(cc, errors.Annotate(err, "onMessage"))
	}

	if m.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		if err = s.send(cc, puback); err != nil {
			return s.drop(cc, err)
		}
	}
	return nil
}

// Publish QOS 0. Send failure drops session.
func (s *Session) Publish(topic string, payload []byte) error {
	cc := s.cur
	if cc == nil {
		return errors.Annotatef(ErrNotActive, "publish topic=%s", topic)
	}
	publish := packet.NewPublish()
	publish.Message = packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtMostOnce}
	if err := s.send(cc, publish); err != nil {
		return s.drop(cc, err)
	}
	s.stats.Published++
	return nil
}

// Close sends DISCONNECT if active.
func (s *Session) Close() error {
	cc := s.cur
	if cc == nil {
		return nil
	}
	err := s.send(cc, packet.NewDisconnect())
	s.teardown(cc)
	return err
}

func (s *Session) drop(cc *sessionConn, cause error) error {
	if cause == nil {
		cause = io.EOF
	}
	s.teardown(cc)
	s.stats.Drops++
	s.opt.Log.Errorf("mqtt session dropped: %v", cause)
	return errors.Annotatef(ErrSessionDropped, "%v", cause)
}

func (s *Session) teardown(cc *sessionConn) {
	cc.alive.Stop()
	_ = cc.conn.Close()
	cc.alive.Wait()
	if s.cur == cc {
		s.cur = nil
	}
}

func (s *Session) send(cc *sessionConn, p packet.Generic) error {
	if err := cc.conn.Send(p, false); err != nil {
		return errors.Annotatef(err, "send %s", p.Type().String())
	}
	cc.lastSend = s.opt.Clock.Elapsed()
	s.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

func (s *Session) nextID() packet.ID {
	s.lastID++
	if s.lastID == 0 {
		s.lastID = 1
	}
	return s.lastID
}

func (cc *sessionConn) reader(log *log2.Log) {
	defer cc.alive.Done()
	defer close(cc.inbox)
	stopch := cc.alive.StopChan()
	for {
		pkt, err := cc.conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		if err != nil {
			if err == io.EOF {
				log.Errorf("server closed connection")
			}
			cc.readErr = errors.Annotate(err, "receive")
			return
		}
		select {
		case cc.inbox <- pkt:
		case <-stopch:
			return
		}
	}
}
