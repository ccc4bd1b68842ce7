package state

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/hcl"
	"github.com/joeshaw/envdecode"
	"github.com/juju/errors"
	"github.com/temoto/hubagent/helpers"
	"github.com/temoto/hubagent/log2"
	tele_config "github.com/temoto/hubagent/tele/config"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	DeviceID   string `hcl:"device_id"`
	Broker     string `hcl:"broker"`
	BrokerPort int    `hcl:"broker_port"`
	LogDebug   bool   `hcl:"log_debug"`
	LogFile    string `hcl:"log_file"`
	LogFileMB  int    `hcl:"log_file_max_mb"`

	Link struct {
		Driver          string `hcl:"driver"` // wpa|iface|none
		Interface       string `hcl:"interface"`
		CtrlDir         string `hcl:"ctrl_dir"`
		SSID            string `hcl:"ssid"`
		Passphrase      string `hcl:"passphrase"` // secret
		RetryDelaySec   int    `hcl:"retry_delay_sec"`
		MaxAttempts     int    `hcl:"max_attempts"`
		AssocTimeoutSec int    `hcl:"assoc_timeout_sec"`
	}

	Identity struct {
		Element       string `hcl:"element"` // atecc|soft
		I2CBus        string `hcl:"i2c_bus"`
		I2CAddr       int    `hcl:"i2c_addr"`
		SoftDir       string `hcl:"soft_dir"`
		KeySlot       int    `hcl:"key_slot"`
		CertSlot      int    `hcl:"cert_slot"`
		Generate      bool   `hcl:"generate"`
		ValidityYears int    `hcl:"validity_years"`
	}

	TLS       tele_config.TLS       `hcl:"tls"`
	Session   tele_config.Session   `hcl:"session"`
	Telemetry tele_config.Telemetry `hcl:"telemetry"`

	Status struct {
		Enable  bool   `hcl:"enable"`
		PinChip string `hcl:"pin_chip"`
		Red     int    `hcl:"red"`
		Green   int    `hcl:"green"`
		Blue    int    `hcl:"blue"`
	}
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Secrets provisioned on device, override file values when set.
type EnvOverrides struct {
	SSID       string `env:"HUBAGENT_SSID"`
	Passphrase string `env:"HUBAGENT_PASSPHRASE"`
	Broker     string `env:"HUBAGENT_BROKER"`
	DeviceID   string `env:"HUBAGENT_DEVICE_ID"`
}

func (c *Config) BrokerAddress() string {
	return net.JoinHostPort(c.Broker, strconv.Itoa(c.BrokerPort))
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		// content may hold secrets, do not log it
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ApplyEnv decodes HUBAGENT_* environment.
func (c *Config) ApplyEnv() error {
	var env EnvOverrides
	if err := envdecode.Decode(&env); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return errors.Annotate(err, "config environment")
	}
	c.ApplyOverrides(env)
	return nil
}

func (c *Config) ApplyOverrides(env EnvOverrides) {
	c.Link.SSID = helpers.StringDefault(env.SSID, c.Link.SSID)
	c.Link.Passphrase = helpers.StringDefault(env.Passphrase, c.Link.Passphrase)
	c.Broker = helpers.StringDefault(env.Broker, c.Broker)
	c.DeviceID = helpers.StringDefault(env.DeviceID, c.DeviceID)
}

// Validate fills defaults and reports all problems at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	if c.DeviceID == "" {
		errs = append(errs, errors.NotValidf("config: device_id empty"))
	}
	if c.Broker == "" {
		errs = append(errs, errors.NotValidf("config: broker empty"))
	}
	if c.BrokerPort == 0 {
		c.BrokerPort = tele_config.DefaultBrokerPort
	} else if c.BrokerPort < 0 || c.BrokerPort > 65535 {
		errs = append(errs, errors.NotValidf("config: broker_port=%d", c.BrokerPort))
	}

	switch c.Link.Driver {
	case "", "wpa":
		c.Link.Driver = "wpa"
		if c.Link.SSID == "" {
			errs = append(errs, errors.NotValidf("config: link.ssid empty (set HUBAGENT_SSID)"))
		}
	case "iface", "none":
	default:
		errs = append(errs, errors.NotValidf("config: link.driver=%s", c.Link.Driver))
	}
	c.Link.Interface = helpers.StringDefault(c.Link.Interface, "wlan0")

	switch c.Identity.Element {
	case "", "atecc":
		c.Identity.Element = "atecc"
	case "soft":
		if c.Identity.SoftDir == "" {
			errs = append(errs, errors.NotValidf("config: identity.soft_dir empty"))
		}
	default:
		errs = append(errs, errors.NotValidf("config: identity.element=%s", c.Identity.Element))
	}
	if c.Identity.ValidityYears < 0 || c.Identity.ValidityYears > 255 {
		errs = append(errs, errors.NotValidf("config: identity.validity_years=%d", c.Identity.ValidityYears))
	}

	switch c.Session.SubscribeAck {
	case "", "ignore", "require":
	default:
		errs = append(errs, errors.NotValidf("config: session.subscribe_ack=%s", c.Session.SubscribeAck))
	}
	c.Session.APIVersion = helpers.StringDefault(c.Session.APIVersion, tele_config.DefaultAPIVersion)
	c.Telemetry.Tag = helpers.StringDefault(c.Telemetry.Tag, tele_config.DefaultTelemetryTag)
	if c.Session.KeepaliveSec < 0 || c.Session.KeepaliveSec > 0xffff {
		errs = append(errs, errors.NotValidf("config: session.keepalive_sec=%d", c.Session.KeepaliveSec))
	}
	if c.Status.Enable && c.Status.PinChip == "" {
		errs = append(errs, fmt.Errorf("config: status.pin_chip required with status.enable"))
	}
	return helpers.FoldErrors(errs)
}

// ReadConfig reads names in order, later values override earlier.
// Then environment overrides and validation apply.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	return c, c.Validate()
}
