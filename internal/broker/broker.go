// Package broker adapts the broker pub/sub client the agent ingests
// from (spec.md §2 "Out of scope ... the broker client that delivers
// inbound topic/payload pairs (a callback surface)") behind a small
// interface the supervisor drives directly, rather than relying on the
// concrete client's own auto-reconnect machinery. The paho adapter is
// grounded on the teacher's internal/mqtt/mqtt-client.go.
package broker

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler is invoked for every inbound message once subscribed,
// matching spec.md §4.4 "on_message(topic, payload, length)".
type MessageHandler func(topic string, payload []byte)

// Client is the surface the supervisor's broker worker needs: connect,
// check liveness, subscribe, and disconnect. spec.md's Non-goals
// exclude the broker implementation itself — only this contract is in
// scope, so tests exercise the supervisor against a fake
// implementation rather than a real broker.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// Config carries the broker endpoint table of spec.md §6
// ("broker_host, broker_port, broker_user, broker_pass, client_id").
type Config struct {
	Host     string
	Port     int
	User     string
	Pass     string
	ClientID string

	KeepAlive   time.Duration
	PingTimeout time.Duration
}

func (c Config) url() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// PahoClient adapts github.com/eclipse/paho.mqtt.golang to Client.
// Auto-reconnect is intentionally disabled: spec.md §4.4's reconnection
// policy (rate-limited, counted in mqtt_reconnects) is owned by the
// supervisor's broker worker, not by the client library.
type PahoClient struct {
	cfg    Config
	client mqtt.Client
}

// NewPahoClient builds a disconnected client; call Connect to dial.
func NewPahoClient(cfg Config) *PahoClient {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.url()).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(cfg.PingTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if cfg.User != "" {
		opts.SetUsername(cfg.User)
	}
	if cfg.Pass != "" {
		opts.SetPassword(cfg.Pass)
	}

	return &PahoClient{cfg: cfg, client: mqtt.NewClient(opts)}
}

// Connect dials the broker once; the caller (the supervisor's broker
// worker) is responsible for rate-limited retries on failure.
func (p *PahoClient) Connect(ctx context.Context) error {
	token := p.client.Connect()
	if !token.WaitTimeout(connectDeadline(ctx)) {
		return fmt.Errorf("broker: connect timed out")
	}
	return token.Error()
}

func connectDeadline(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 30 * time.Second
}

// Disconnect closes the connection, waiting up to 250ms for in-flight
// work to quiesce.
func (p *PahoClient) Disconnect() {
	p.client.Disconnect(250)
}

// IsConnected reports live transport state.
func (p *PahoClient) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Subscribe registers handler for topic at the given QoS (0-2),
// matching spec.md §4.4 "Subscribe/unsubscribe accept topic plus QoS
// 0–2".
func (p *PahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	cb := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
	token := p.client.Subscribe(topic, qos, cb)
	token.Wait()
	return token.Error()
}
