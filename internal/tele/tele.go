// Package tele is agent side of hub telemetry: session identity, scheduled
// publishing, downlink commands and the main connection loop.
package tele

import (
	"context"
	"fmt"

	tele_config "github.com/temoto/hubagent/tele/config"
)

// Sessioner is the part of mqtt.Session used by main loop.
type Sessioner interface {
	Connect(ctx context.Context) error
	Poll(ctx context.Context) error
	IsActive() bool
	Publish(topic string, payload []byte) error
	Close() error
}

// Credentials for broker CONNECT. Password is empty, device authenticates
// with TLS client certificate.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

type Topics struct {
	Publish   string
	Subscribe string
	// Subscribe without wildcard, prefix of every downlink topic
	CommandPrefix string
}

func NewCredentials(broker, deviceID, apiVersion string) Credentials {
	if apiVersion == "" {
		apiVersion = tele_config.DefaultAPIVersion
	}
	return Credentials{
		ClientID: deviceID,
		Username: fmt.Sprintf("%s/%s/api-version=%s", broker, deviceID, apiVersion),
	}
}

func TopicTelemetry(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/events/", deviceID)
}
func TopicCommand(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/devicebound/", deviceID)
}

func NewTopics(deviceID string) Topics {
	return Topics{
		Publish:       TopicTelemetry(deviceID),
		Subscribe:     TopicCommand(deviceID) + "#",
		CommandPrefix: TopicCommand(deviceID),
	}
}
