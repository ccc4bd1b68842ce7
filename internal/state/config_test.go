package state

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/hubagent/log2"
)

const testMinimal = `
device_id = "sensor42"
broker = "myhub.example"
link { ssid = "lab" }
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		sources   map[string]string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"defaults", map[string]string{"main": testMinimal}, func(t testing.TB, c *Config) {
			assert.Equal(t, "sensor42", c.DeviceID)
			assert.Equal(t, 8883, c.BrokerPort)
			assert.Equal(t, "myhub.example:8883", c.BrokerAddress())
			assert.Equal(t, "wpa", c.Link.Driver)
			assert.Equal(t, "wlan0", c.Link.Interface)
			assert.Equal(t, "atecc", c.Identity.Element)
			assert.Equal(t, "2021-04-12", c.Session.APIVersion)
			assert.Equal(t, "hello", c.Telemetry.Tag)
			assert.Equal(t, "", c.Session.SubscribeAck)
		}, ""},

		{"sections", map[string]string{"main": testMinimal + `
broker_port = 9883
identity { element = "soft" soft_dir = "/var/lib/hubagent" generate = true }
tls { ca_file = "/etc/hubagent/ca.pem" }
session {
	keepalive_sec = 240
	subscribe_ack = "require"
}
telemetry { interval_ms = 1000 tag = "temp" }
status { enable = true pin_chip = "/dev/gpiochip0" red = 5 green = 6 blue = 13 }
`}, func(t testing.TB, c *Config) {
			assert.Equal(t, "myhub.example:9883", c.BrokerAddress())
			assert.Equal(t, "soft", c.Identity.Element)
			assert.True(t, c.Identity.Generate)
			assert.Equal(t, "/etc/hubagent/ca.pem", c.TLS.CaFile)
			assert.Equal(t, 240, c.Session.KeepaliveSec)
			assert.Equal(t, "require", c.Session.SubscribeAck)
			assert.Equal(t, 1000, c.Telemetry.IntervalMs)
			assert.Equal(t, "temp", c.Telemetry.Tag)
			assert.Equal(t, 13, c.Status.Blue)
		}, ""},

		{"include", map[string]string{
			"main":   testMinimal + `include "secret" {} include "local" { optional = true }`,
			"secret": `link { passphrase = "hunter2" }`,
		}, func(t testing.TB, c *Config) {
			assert.Equal(t, "hunter2", c.Link.Passphrase)
			assert.Equal(t, "lab", c.Link.SSID)
		}, ""},

		{"include-required-missing", map[string]string{
			"main": testMinimal + `include "secret" {}`,
		}, nil, "config required name=secret"},

		{"include-loop", map[string]string{
			"main":  testMinimal + `include "other" {}`,
			"other": `include "main" {}`,
		}, nil, "config include loop"},

		{"validate-folded", map[string]string{"main": `
link { driver = "carrier-pigeon" }
session { subscribe_ack = "maybe" }
`}, nil, "device_id empty"},

		{"syntax-unclosed-block", map[string]string{"main": testMinimal + "status {\n"}, nil, "config unmarshal source=main"},
		{"syntax-unterminated-string", map[string]string{"main": `device_id = "sensor42`}, nil, "config unmarshal source=main"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			cfg, err := readConfigNoEnv(log, NewMockFullReader(c.sources), "main")
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err, errors.ErrorStack(err))
			c.check(t, cfg)
		})
	}
}

func TestValidateFoldsAllErrors(t *testing.T) {
	t.Parallel()
	c := &Config{}
	c.Link.Driver = "carrier-pigeon"
	c.Session.SubscribeAck = "maybe"
	err := c.Validate()
	require.Error(t, err)
	for _, s := range []string{"device_id", "broker", "link.driver", "subscribe_ack"} {
		assert.Contains(t, err.Error(), s)
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()
	c := &Config{DeviceID: "file-id", Broker: "file.example"}
	c.Link.SSID = "file-ssid"
	c.ApplyOverrides(EnvOverrides{DeviceID: "sensor42", Passphrase: "secret"})
	assert.Equal(t, "sensor42", c.DeviceID)
	assert.Equal(t, "file.example", c.Broker)
	assert.Equal(t, "file-ssid", c.Link.SSID)
	assert.Equal(t, "secret", c.Link.Passphrase)
}

func TestApplyEnv(t *testing.T) { // no Parallel with Setenv
	t.Setenv("HUBAGENT_SSID", "env-ssid")
	t.Setenv("HUBAGENT_BROKER", "env.example")
	fs := NewMockFullReader(map[string]string{"main": testMinimal})
	c, err := ReadConfig(log2.NewTest(t, log2.LDebug), fs, "main")
	require.NoError(t, err)
	assert.Equal(t, "env-ssid", c.Link.SSID)
	assert.Equal(t, "env.example", c.Broker)
	assert.Equal(t, "sensor42", c.DeviceID)
}

// parallel tests must not see HUBAGENT_* from TestApplyEnv
func readConfigNoEnv(log *log2.Log, fs FullReader, name string) (*Config, error) {
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0)
	c.read(log, fs, ConfigSource{Name: name}, &errs)
	if len(errs) != 0 {
		return nil, errs[0]
	}
	return c, c.Validate()
}
