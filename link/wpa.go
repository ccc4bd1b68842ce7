package link

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/helpers"
	"github.com/temoto/hubagent/log2"
)

const (
	DefaultCtrlDir      = "/var/run/wpa_supplicant"
	DefaultAssocTimeout = 30 * time.Second
	wpaRequestTimeout   = 3 * time.Second
	wpaStatusInterval   = 500 * time.Millisecond
	wpaStateCompleted   = "COMPLETED"
)

type WpaOptions struct {
	Interface    string
	CtrlDir      string
	SSID         string
	Passphrase   string
	AssocTimeout time.Duration
	Retry        *helpers.Backoff
	Log          *log2.Log
}

// Wpa drives wpa_supplicant over its control socket.
type Wpa struct {
	mu    sync.Mutex
	opt   WpaOptions
	ctrl  *wpaCtrl
	netID int
	up    func(string) (bool, error)
	// STATUS poll period
	statusInterval time.Duration
}

var _ Linker = &Wpa{}

func NewWpa(opt WpaOptions) (*Wpa, error) {
	if opt.Interface == "" {
		return nil, errors.NotValidf("wpa interface empty")
	}
	if opt.SSID == "" {
		return nil, errors.NotValidf("wpa ssid empty")
	}
	if opt.CtrlDir == "" {
		opt.CtrlDir = DefaultCtrlDir
	}
	if opt.AssocTimeout == 0 {
		opt.AssocTimeout = DefaultAssocTimeout
	}
	if opt.Retry == nil {
		opt.Retry = helpers.FixedBackoff(DefaultRetryDelay, 0)
	}
	return &Wpa{opt: opt, netID: -1, up: InterfaceUp, statusInterval: wpaStatusInterval}, nil
}

func (w *Wpa) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctrl != nil {
		err := w.ctrl.Close()
		w.ctrl = nil
		return err
	}
	return nil
}

func (w *Wpa) Connect(ctx context.Context) error {
	return w.opt.Retry.Retry(ctx, func(attempt int) error {
		err := w.associate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = errors.Annotatef(ErrLinkFailure, "wpa ssid=%s: %v", w.opt.SSID, err)
			w.opt.Log.Errorf("link attempt=%d err=%v", attempt, err)
		}
		return err
	})
}

func (w *Wpa) Status() Status {
	w.mu.Lock()
	state, err := w.state()
	w.mu.Unlock()
	if err != nil {
		w.opt.Log.Debugf("wpa status err=%v", err)
		return NotConnected
	}
	if state != wpaStateCompleted {
		return NotConnected
	}
	if up, err := w.up(w.opt.Interface); err != nil || !up {
		w.opt.Log.Debugf("wpa completed but interface=%s up=%t err=%v", w.opt.Interface, up, err)
		return NotConnected
	}
	return Connected
}

func (w *Wpa) associate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.netID < 0 {
		reply, err := w.request("ADD_NETWORK")
		if err != nil {
			return err
		}
		id, err := strconv.Atoi(reply)
		if err != nil {
			return errors.Errorf("ADD_NETWORK reply=%q", reply)
		}
		w.netID = id
	}
	cmds := []string{fmt.Sprintf("SET_NETWORK %d ssid %s", w.netID, wpaQuote(w.opt.SSID))}
	if w.opt.Passphrase == "" {
		cmds = append(cmds, fmt.Sprintf("SET_NETWORK %d key_mgmt NONE", w.netID))
	} else {
		cmds = append(cmds, fmt.Sprintf("SET_NETWORK %d psk %s", w.netID, wpaQuote(w.opt.Passphrase)))
	}
	cmds = append(cmds, fmt.Sprintf("SELECT_NETWORK %d", w.netID))
	for _, cmd := range cmds {
		if err := w.requestOK(cmd); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(w.opt.AssocTimeout)
	for {
		state, err := w.state()
		if err != nil {
			return err
		}
		if state == wpaStateCompleted {
			w.opt.Log.Infof("link associated ssid=%s", w.opt.SSID)
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Timeoutf("association state=%s", state)
		}
		if err = helpers.Sleep(ctx, w.statusInterval); err != nil {
			return err
		}
	}
}

func (w *Wpa) state() (string, error) {
	reply, err := w.request("STATUS")
	if err != nil {
		return "", err
	}
	s := bufio.NewScanner(strings.NewReader(reply))
	for s.Scan() {
		if v := strings.TrimPrefix(s.Text(), "wpa_state="); v != s.Text() {
			return v, nil
		}
	}
	return "", errors.Errorf("STATUS without wpa_state")
}

func (w *Wpa) requestOK(cmd string) error {
	reply, err := w.request(cmd)
	if err != nil {
		return err
	}
	if reply != "OK" {
		// do not leak passphrase into logs
		verb := strings.Join(strings.Fields(cmd)[:1], "")
		return errors.Errorf("%s reply=%q", verb, reply)
	}
	return nil
}

// request opens control socket on demand, drops it on error.
func (w *Wpa) request(cmd string) (string, error) {
	if w.ctrl == nil {
		c, err := dialWpaCtrl(filepath.Join(w.opt.CtrlDir, w.opt.Interface))
		if err != nil {
			return "", err
		}
		w.ctrl = c
	}
	reply, err := w.ctrl.request(cmd)
	if err != nil {
		_ = w.ctrl.Close()
		w.ctrl = nil
	}
	return reply, err
}

// printable ASCII goes quoted, anything else hex encoded without quotes
func wpaQuote(s string) string {
	for _, c := range []byte(s) {
		if c < 0x20 || c > 0x7e || c == '"' || c == '\\' {
			return hex.EncodeToString([]byte(s))
		}
	}
	return `"` + s + `"`
}

var wpaLocalSeq uint32

type wpaCtrl struct {
	conn  *net.UnixConn
	local string
}

func dialWpaCtrl(path string) (*wpaCtrl, error) {
	local := filepath.Join(os.TempDir(), fmt.Sprintf("hubagent-wpa-%d-%d", os.Getpid(), atomic.AddUint32(&wpaLocalSeq, 1)))
	_ = os.Remove(local)
	laddr := &net.UnixAddr{Name: local, Net: "unixgram"}
	raddr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		return nil, errors.Annotatef(err, "wpa control socket=%s", path)
	}
	return &wpaCtrl{conn: conn, local: local}, nil
}

func (c *wpaCtrl) Close() error {
	err := c.conn.Close()
	_ = os.Remove(c.local)
	return err
}

func (c *wpaCtrl) request(cmd string) (string, error) {
	if err := c.conn.SetDeadline(time.Now().Add(wpaRequestTimeout)); err != nil {
		return "", errors.Trace(err)
	}
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return "", errors.Annotate(err, "wpa write")
	}
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return "", errors.Annotate(err, "wpa read")
		}
		// unsolicited event like "<3>CTRL-EVENT-SCAN-RESULTS"
		if n > 0 && buf[0] == '<' {
			continue
		}
		return strings.TrimRight(string(buf[:n]), "\n"), nil
	}
}
