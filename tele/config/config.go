// Separate package is workaround to import cycles.
package tele_config

const (
	DefaultBrokerPort   = 8883
	DefaultAPIVersion   = "2021-04-12"
	DefaultTelemetryTag = "hello"
)

type TLS struct {
	CaFile     string `hcl:"ca_file"`
	ServerName string `hcl:"server_name"`
}

type Session struct {
	KeepaliveSec      int    `hcl:"keepalive_sec"` // 0 = 60
	DisableKeepalive  bool   `hcl:"disable_keepalive"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	PollWaitMs        int    `hcl:"poll_wait_ms"`
	RetryDelaySec     int    `hcl:"retry_delay_sec"`
	MaxAttempts       int    `hcl:"max_attempts"`
	SubscribeAck      string `hcl:"subscribe_ack"` // ignore|require
	APIVersion        string `hcl:"api_version"`
	LogDebug          bool   `hcl:"log_debug"`
}

type Telemetry struct {
	IntervalMs int    `hcl:"interval_ms"`
	Tag        string `hcl:"tag"`
}
