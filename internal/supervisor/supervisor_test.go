package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yayoboy/edge-telemetry-agent/internal/broker"
	"github.com/yayoboy/edge-telemetry-agent/internal/clock"
	"github.com/yayoboy/edge-telemetry-agent/internal/config"
	"github.com/yayoboy/edge-telemetry-agent/internal/model"
)

var errBrokerDown = errors.New("broker down")

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.StorageBasePath = t.TempDir()
	cfg.BufferCapacity = 4
	cfg.SchemaValidationEnabled = false
	cfg.ReconnectDelayMs = 0
	return cfg
}

// TestHandleMessage_HappyPath is spec.md §8 scenario S1: three messages
// on a matching topic are received, buffered, and counted.
func TestHandleMessage_HappyPath(t *testing.T) {
	cfg := testConfig(t)
	fake := broker.NewFake()
	clk := clock.NewFake(1000)
	c := New(cfg, clk, fake, nil)
	require.NoError(t, c.Begin(context.Background()))
	defer c.End()

	payloads := []string{`{"value":21.5}`, `{"value":22.0}`, `{"value":22.3}`}
	for i, p := range payloads {
		clk.Set(uint64(1000 + i*100))
		c.HandleMessage("sensors/a/temperature", []byte(p))
	}

	stats := c.Stats()
	require.Equal(t, uint64(3), stats.MessagesReceived)
	require.Equal(t, uint64(0), stats.MessagesDropped)
	require.Equal(t, 3, c.buffer.Size())
}

// TestHandleMessage_ValidationRejection is spec.md §8 scenario S2: a
// schema-enforced out-of-range payload is dropped before buffering.
func TestHandleMessage_ValidationRejection(t *testing.T) {
	cfg := testConfig(t)
	cfg.SchemaValidationEnabled = true
	fake := broker.NewFake()
	clk := clock.NewFake(0)
	c := New(cfg, clk, fake, nil)
	require.NoError(t, c.validator.LoadSchemaFromBlob(`{
		"name":"t","topic_pattern":"sensors/+/temperature",
		"fields":[{"name":"value","type":"float","required":true,"validation":{"min":0,"max":100}}]
	}`))
	require.NoError(t, c.Begin(context.Background()))
	defer c.End()

	c.HandleMessage("sensors/a/temperature", []byte(`{"value":150}`))

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.ValidationErrors)
	require.Equal(t, 0, c.buffer.Size())
}

// TestHandleMessage_OverflowDropsOldest is spec.md §8 scenario S3:
// capacity 4, six pushes without draining -> last four survive.
func TestHandleMessage_OverflowDropsOldest(t *testing.T) {
	cfg := testConfig(t)
	fake := broker.NewFake()
	clk := clock.NewFake(0)
	c := New(cfg, clk, fake, nil)
	require.NoError(t, c.Begin(context.Background()))
	defer c.End()

	for i := 1; i <= 6; i++ {
		c.HandleMessage("t", []byte(`{"n":`+string(rune('0'+i))+`}`))
	}

	stats := c.Stats()
	require.Equal(t, uint64(2), stats.MessagesDropped)
	require.Equal(t, 4, c.buffer.Size())
}

// TestHandleMessage_TopicMismatch is spec.md §8 scenario S4: a payload
// on a non-matching topic is rejected and never buffered.
func TestHandleMessage_TopicMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.SchemaValidationEnabled = true
	fake := broker.NewFake()
	clk := clock.NewFake(0)
	c := New(cfg, clk, fake, nil)
	require.NoError(t, c.validator.LoadSchemaFromBlob(`{
		"name":"t","topic_pattern":"sensors/+/temperature",
		"fields":[{"name":"value","type":"float","required":true}]
	}`))
	require.NoError(t, c.Begin(context.Background()))
	defer c.End()

	c.HandleMessage("sensors/a/humidity", []byte(`{"value":1}`))

	require.Equal(t, uint64(1), c.Stats().ValidationErrors)
	require.Equal(t, 0, c.buffer.Size())
}

// TestDrainOnce_PersistsAndCountsStored exercises the drain worker's
// single-iteration body directly, avoiding a sleep-bound goroutine race.
func TestDrainOnce_PersistsAndCountsStored(t *testing.T) {
	cfg := testConfig(t)
	fake := broker.NewFake()
	clk := clock.NewFake(0)
	c := New(cfg, clk, fake, nil)
	require.NoError(t, c.Begin(context.Background()))
	defer c.End()

	c.HandleMessage("sensors/a/temperature", []byte(`{"value":1}`))
	require.Equal(t, 1, c.buffer.Size())

	c.drainOnce()

	require.Equal(t, 0, c.buffer.Size())
	require.Equal(t, uint64(1), c.Stats().MessagesStored)
}

// TestReconnect_RateLimitedAndCountsSuccess is spec.md §8 scenario S6:
// after a broker drop, a reconnect attempt within the rate limit is
// skipped, and once allowed a successful reconnect increments
// mqtt_reconnects and restores Running.
func TestReconnect_RateLimitedAndCountsSuccess(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReconnectDelayMs = 1000
	fake := broker.NewFake()
	clk := clock.NewFake(0)
	c := New(cfg, clk, fake, nil)
	require.NoError(t, c.Begin(context.Background()))
	defer c.End()

	require.Equal(t, model.StatusRunning, c.Status())
	firstAttempts := fake.ConnectAttempts()

	fake.Drop()
	c.reconnect(context.Background()) // rate-limited, no new attempt yet
	require.Equal(t, firstAttempts, fake.ConnectAttempts())

	clk.Advance(2 * time.Second)
	c.reconnect(context.Background())
	require.Equal(t, firstAttempts+1, fake.ConnectAttempts())
	require.Equal(t, model.StatusRunning, c.Status())
	require.Equal(t, uint64(2), c.Stats().MQTTReconnects) // initial connect + this reconnect
}

// TestReconnect_LinkDownDefersAttempt verifies the link-down branch of
// spec.md §4.4's reconnection policy never touches the broker client.
func TestReconnect_LinkDownDefersAttempt(t *testing.T) {
	cfg := testConfig(t)
	fake := broker.NewFake()
	clk := clock.NewFake(0)
	link := &fakeLink{up: false}
	c := New(cfg, clk, fake, link)

	before := fake.ConnectAttempts()
	c.reconnect(context.Background())
	require.Equal(t, before, fake.ConnectAttempts())
}

// TestReconnect_ConnectFailureSetsErrorStatus verifies a failed broker
// connect transitions the supervisor to Error and does not count a
// successful reconnect.
func TestReconnect_ConnectFailureSetsErrorStatus(t *testing.T) {
	cfg := testConfig(t)
	fake := broker.NewFake()
	fake.ConnectErr = errBrokerDown
	clk := clock.NewFake(0)
	c := New(cfg, clk, fake, nil)

	c.reconnect(context.Background())

	require.Equal(t, model.StatusError, c.Status())
	require.Equal(t, uint64(0), c.Stats().MQTTReconnects)
}

// TestBufferFullStatus_ClearsOnNextSuccessfulEnqueue matches spec.md
// §4.4's state machine note that BufferFull is transient.
func TestBufferFullStatus_ClearsOnNextSuccessfulEnqueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.BufferCapacity = 1
	fake := broker.NewFake()
	clk := clock.NewFake(0)
	c := New(cfg, clk, fake, nil)
	require.NoError(t, c.Begin(context.Background()))
	defer c.End()

	c.HandleMessage("t", []byte(`{}`))
	c.HandleMessage("t", []byte(`{}`)) // overflow -> BufferFull
	require.Equal(t, model.StatusBufferFull, c.Status())

	c.drainOnce()
	c.HandleMessage("t", []byte(`{}`)) // room again -> back to Running
	require.Equal(t, model.StatusRunning, c.Status())
}

type fakeLink struct{ up bool }

func (f *fakeLink) IsUp() bool { return f.up }
