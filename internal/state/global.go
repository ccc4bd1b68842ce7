package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/hubagent/clock"
	"github.com/temoto/hubagent/helpers"
	"github.com/temoto/hubagent/internal/tele"
	"github.com/temoto/hubagent/link"
	"github.com/temoto/hubagent/log2"
	"github.com/temoto/hubagent/tele/mqtt"
	"github.com/temoto/hubagent/tele/secure"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Clock        clock.Clock
	Hardware     hardware // hardware.go
	Log          *log2.Log
	// systemd notify, optional
	Notify           tele.Notifier
	WatchdogInterval time.Duration

	Link      link.Linker
	Transport *secure.Transport
	Session   *mqtt.Session
	Publisher *tele.Publisher
	Receiver  *tele.CommandReceiver
	Manager   *tele.ConnectionManager
}

const ContextKey = "run/state-global"

func NewGlobal(log *log2.Log, buildVersion string) *Global {
	return &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: buildVersion,
		Clock:        clock.NewSystem(),
		Log:          log,
	}
}

func (g *Global) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, ContextKey, g) //nolint:staticcheck
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
// Identity errors are returned with identity.Err* cause.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if g.Clock == nil {
		g.Clock = clock.NewSystem()
	}
	g.Log.Infof("build version=%s device=%s broker=%s", g.BuildVersion, cfg.DeviceID, cfg.BrokerAddress())

	id, err := g.Identity()
	if err != nil {
		return errors.Annotate(err, "identity")
	}

	if err = g.initLink(); err != nil {
		return errors.Annotate(err, "link")
	}

	roots, err := secure.LoadRootCAs(cfg.TLS.CaFile)
	if err != nil {
		return errors.Annotate(err, "tls")
	}
	netTimeout := helpers.IntSecondDefault(cfg.Session.NetworkTimeoutSec, mqtt.DefaultNetworkTimeout)
	g.Transport, err = secure.NewTransport(secure.Options{
		Address:        cfg.BrokerAddress(),
		ServerName:     cfg.TLS.ServerName,
		Certificate:    id.TLSCertificate(),
		RootCAs:        roots,
		Clock:          g.Clock,
		NetworkTimeout: netTimeout,
		Log:            g.Log,
	})
	if err != nil {
		return errors.Annotate(err, "tls")
	}

	topics := tele.NewTopics(cfg.DeviceID)
	creds := tele.NewCredentials(cfg.Broker, cfg.DeviceID, cfg.Session.APIVersion)
	g.Receiver = tele.NewCommandReceiver(g.Log, topics, nil)
	subAck, err := mqtt.ParseSubscribeAck(cfg.Session.SubscribeAck)
	if err != nil {
		return errors.Annotate(err, "session")
	}
	sessionLog := g.Log.Clone(log2.LInfo)
	if cfg.LogDebug || cfg.Session.LogDebug {
		sessionLog.SetLevel(log2.LDebug)
	}
	g.Session, err = mqtt.NewSession(mqtt.SessionOptions{
		Dial:             g.Transport.Dial,
		ClientID:         creds.ClientID,
		Username:         creds.Username,
		Password:         creds.Password,
		KeepaliveSec:     uint16(cfg.Session.KeepaliveSec),
		DisableKeepalive: cfg.Session.DisableKeepalive,
		NetworkTimeout:   netTimeout,
		PollWait:         helpers.IntMillisecondDefault(cfg.Session.PollWaitMs, mqtt.DefaultPollWait),
		Subscriptions:    []packet.Subscription{{Topic: topics.Subscribe, QOS: packet.QOSAtLeastOnce}},
		SubscribeAck:     subAck,
		OnMessage: func(ctx context.Context, m *mqtt.Message) error {
			return g.Receiver.OnMessage(ctx, m.Topic, m.Length, m)
		},
		Retry: helpers.FixedBackoff(
			helpers.IntSecondDefault(cfg.Session.RetryDelaySec, mqtt.DefaultReconnectDelay),
			cfg.Session.MaxAttempts),
		Clock: g.Clock,
		Log:   sessionLog,
	})
	if err != nil {
		return errors.Annotate(err, "session")
	}

	g.Publisher = tele.NewPublisher(g.Log, topics.Publish, cfg.Telemetry.Tag,
		helpers.IntMillisecondDefault(cfg.Telemetry.IntervalMs, tele.DefaultInterval))

	g.Manager, err = tele.NewConnectionManager(tele.ManagerOptions{
		Link:             g.Link,
		Session:          g.Session,
		Publisher:        g.Publisher,
		Indicator:        g.Indicator(),
		Clock:            g.Clock,
		Notify:           g.Notify,
		WatchdogInterval: g.WatchdogInterval,
		Log:              g.Log,
	})
	return errors.Annotate(err, "manager")
}

func (g *Global) initLink() error {
	cfg := &g.Config.Link
	retry := helpers.FixedBackoff(
		helpers.IntSecondDefault(cfg.RetryDelaySec, link.DefaultRetryDelay),
		cfg.MaxAttempts)
	switch cfg.Driver {
	case "iface":
		g.Link = link.NewIface(g.Log, cfg.Interface, retry)
	case "none":
		g.Link = link.None{}
	default:
		w, err := link.NewWpa(link.WpaOptions{
			Interface:    cfg.Interface,
			CtrlDir:      cfg.CtrlDir,
			SSID:         cfg.SSID,
			Passphrase:   cfg.Passphrase,
			AssocTimeout: helpers.IntSecondDefault(cfg.AssocTimeoutSec, link.DefaultAssocTimeout),
			Retry:        retry,
			Log:          g.Log,
		})
		if err != nil {
			return err
		}
		g.Link = w
	}
	g.Log.Debugf("link driver=%s interface=%s", cfg.Driver, cfg.Interface)
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

// Run drives connection manager until ctx is done or Alive is stopped.
func (g *Global) Run(ctx context.Context) error {
	if g.Manager == nil {
		return errors.Errorf("code error Run() before Init()")
	}
	if !g.Alive.Add(1) {
		return context.Canceled
	}
	defer g.Alive.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := g.Manager.Run(ctx)
	ss := g.Session.Stats()
	g.Log.Infof("session connects=%d drops=%d published=%d received=%d", ss.Connects, ss.Drops, ss.Published, ss.Received)
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

// Summary is one line state, safe to call while Run is active.
// Session stats belong to Run goroutine and are logged on exit instead.
func (g *Global) Summary() string {
	if g.Manager == nil {
		return "not initialized"
	}
	ps := g.Publisher.Stats()
	return fmt.Sprintf("state=%s link=%s published=%d publish_failures=%d received=%d",
		g.Manager.State(), g.Link.Status(), ps.Published, ps.Failures, g.Receiver.Received())
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(err)
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

// StopWait stops Run and releases hardware.
func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	ok := true
	select {
	case <-g.Alive.WaitChan():
	case <-time.After(timeout):
		ok = false
	}
	if w, isWpa := g.Link.(*link.Wpa); isWpa {
		if err := w.Close(); err != nil {
			g.Log.Errorf("link close: %v", err)
		}
	}
	g.closeHardware()
	return ok
}
