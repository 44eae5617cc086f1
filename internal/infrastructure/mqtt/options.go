package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/device-monitor/internal/infrastructure/config"
)

const (
	connectTimeout      = 10 * time.Second
	operationTimeout    = 5 * time.Second
	disconnectQuiesceMS = 1000
	keepAlive           = 60 * time.Second
	maxQoS              = 2

	// Fallbacks when the reconnect section is left at zero.
	defaultRetryInterval  = time.Second
	defaultMaxReconnectIn = 60 * time.Second
)

func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// buildClientOptions maps the broker section onto paho options. Sessions
// are clean because the monitor re-subscribes itself after every connect.
// Delivery stays ordered: a controller announce must reach the aggregator
// before its device announces, so handlers hand slow work off instead.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	retry := time.Duration(cfg.Reconnect.InitialDelay) * time.Second
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	maxDelay := time.Duration(cfg.Reconnect.MaxDelay) * time.Second
	switch {
	case maxDelay <= 0:
		maxDelay = max(retry, defaultMaxReconnectIn)
	case maxDelay < retry:
		maxDelay = retry
	}
	opts.SetConnectRetryInterval(retry)
	opts.SetMaxReconnectInterval(maxDelay)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}
