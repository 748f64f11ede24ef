// Package supervisor implements the pipeline supervisor and worker
// scheduler, a Go port of
// original_source/microcontroller/src/MqttTelemetry.cpp: it owns the
// ring buffer, routes inbound broker callbacks through the validator
// into the buffer, and runs the three cooperating workers (broker
// pump, drain-to-storage, health watchdog) against two named mutexes.
package supervisor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/yayoboy/edge-telemetry-agent/internal/broker"
	"github.com/yayoboy/edge-telemetry-agent/internal/clock"
	"github.com/yayoboy/edge-telemetry-agent/internal/config"
	"github.com/yayoboy/edge-telemetry-agent/internal/model"
	"github.com/yayoboy/edge-telemetry-agent/internal/ringbuffer"
	"github.com/yayoboy/edge-telemetry-agent/internal/storage"
	"github.com/yayoboy/edge-telemetry-agent/internal/validate"
)

const (
	bufferMutexTimeout = 100 * time.Millisecond
	statsMutexTimeout  = 10 * time.Millisecond
	workerSleep        = 100 * time.Millisecond
)

// ErrorCallback receives a short description plus a negative error
// code, mirroring the firmware's ErrorCallback(msg, code) surface
// (original_source/microcontroller/include/MqttTelemetry.h).
type ErrorCallback func(message string, code int)

// MessageCallback is invoked for every inbound message before
// validation, matching MqttTelemetry::setMessageCallback.
type MessageCallback func(topic string, payload []byte)

// Error codes for ErrorCallback, restoring the firmware's negative
// integer codes but remapped onto runtime failure kinds rather than
// the firmware's malloc-failure codes -1..-4, since Go allocation
// does not fail the way embedded C++ new does.
const (
	ErrCodeLinkFailure          = -1
	ErrCodeStorageMountFailure  = -2
	ErrCodeSchemaParseFailure   = -3
	ErrCodeBrokerConnectFailure = -4
)

// Coordinator is the single owning value passed to workers; it holds
// no ambient globals, unlike the firmware's global singleton instance.
// Workers hold a pointer to the Coordinator and synchronize through
// its two named mutexes.
type Coordinator struct {
	cfg    *config.Config
	clock  clock.Source
	client broker.Client
	link   LinkChecker

	buffer    *ringbuffer.RingBuffer
	validator *validate.Validator
	sink      *storage.Sink

	bufferMu *timeoutMutex
	statsMu  *timeoutMutex

	// stateMu guards status and lastReconnectAttemptMs — small,
	// frequently-read fields that don't need the timeout semantics of
	// bufferMu/statsMu, so a plain mutex covers them.
	stateMu                sync.Mutex
	status                 model.Status
	stats                  model.Stats
	reconnectAttempted     bool
	lastReconnectAttemptMs uint64
	startTimeMs            uint64

	errorCallback   ErrorCallback
	messageCallback MessageCallback
}

// New constructs a Coordinator. Call Begin before starting workers.
func New(cfg *config.Config, clk clock.Source, client broker.Client, link LinkChecker) *Coordinator {
	if link == nil {
		link = AlwaysUpLink{}
	}
	return &Coordinator{
		cfg:       cfg,
		clock:     clk,
		client:    client,
		link:      link,
		buffer:    ringbuffer.New(cfg.BufferCapacity, clk),
		validator: validate.New(),
		sink: storage.New(storage.Config{
			BasePath:      cfg.StorageBasePath,
			Prefix:        cfg.StoragePrefix,
			Extension:     cfg.StorageExtension,
			MaxFileSize:   cfg.StorageMaxFileSize(),
			FlushInterval: cfg.StorageFlushInterval(),
		}, clk),
		bufferMu: newTimeoutMutex(),
		statsMu:  newTimeoutMutex(),
		status:   model.StatusInitializing,
	}
}

// SetMessageCallback registers an observer invoked for every inbound
// message ahead of validation.
func (c *Coordinator) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetErrorCallback registers an observer for non-fatal init/runtime failures.
func (c *Coordinator) SetErrorCallback(cb ErrorCallback) { c.errorCallback = cb }

func (c *Coordinator) reportError(msg string, code int) {
	c.cfg.Logger.Printf("supervisor: %s (code %d)", msg, code)
	if c.errorCallback != nil {
		c.errorCallback(msg, code)
	}
}

// Begin walks the lifecycle Initializing → LinkConnecting →
// BrokerConnecting and makes the first broker connect, ending in
// Running, or in Error if that connect fails. A link association
// failure or a storage mount failure is non-fatal: the supervisor
// proceeds, and the broker worker retries the broker connect. A failed
// storage mount is not retried; later writes to the sink fail.
func (c *Coordinator) Begin(ctx context.Context) error {
	c.setStatus(model.StatusLinkConnecting)
	if !c.link.IsUp() {
		c.reportError("link association timeout", ErrCodeLinkFailure)
	}

	if c.cfg.SchemaPath != "" {
		if err := c.validator.LoadSchema(c.cfg.SchemaPath); err != nil {
			c.reportError(fmt.Sprintf("schema load failed: %v", err), ErrCodeSchemaParseFailure)
		}
	}
	c.validator.SetEnabled(c.cfg.SchemaValidationEnabled)

	if err := c.sink.Begin(); err != nil {
		c.reportError(fmt.Sprintf("storage mount failed: %v", err), ErrCodeStorageMountFailure)
		c.setStatus(model.StatusStorageError)
	}

	c.setStatus(model.StatusBrokerConnecting)
	c.startTimeMs = c.clock.NowMillis()

	c.reconnect(ctx)

	return nil
}

// subscribe registers the inbound handler for the configured topic.
// Called after every successful connect (spec.md §6: "Subscribe...
// accept topic plus QoS 0-2"), since a manually-managed reconnect — as
// opposed to the broker library's own auto-reconnect — does not retain
// subscriptions across a dropped session.
func (c *Coordinator) subscribe() {
	if err := c.client.Subscribe(c.cfg.Topic, c.cfg.QoS, c.HandleMessage); err != nil {
		c.cfg.Logger.Printf("supervisor: subscribe failed: %v", err)
	}
}

// End flushes and releases owned resources in reverse acquisition
// order: broker, then storage; the in-memory structures need no
// explicit release in Go.
func (c *Coordinator) End() {
	c.client.Disconnect()
	if err := c.sink.Flush(); err != nil {
		c.cfg.Logger.Printf("supervisor: flush on shutdown failed: %v", err)
	}
	if err := c.sink.End(); err != nil {
		c.cfg.Logger.Printf("supervisor: close storage on shutdown failed: %v", err)
	}
}

// HandleMessage is the inbound broker callback surface: increment
// messages_received, run the optional user callback, validate, then
// enqueue with drop-oldest-on-full semantics.
func (c *Coordinator) HandleMessage(topic string, payload []byte) {
	c.incStat(func(s *model.Stats) { s.MessagesReceived++ })

	if c.messageCallback != nil {
		c.messageCallback(topic, payload)
	}

	if c.validator.Enabled() {
		if err := c.validator.Validate(topic, payload); err != nil {
			c.incStat(func(s *model.Stats) { s.ValidationErrors++ })
			return
		}
	}

	if !c.bufferMu.TryLock(bufferMutexTimeout) {
		// Accepted loss under extreme lock contention.
		return
	}
	if c.buffer.IsFull() {
		c.buffer.RemoveOldest()
		c.incStat(func(s *model.Stats) { s.MessagesDropped++ })
		c.setStatus(model.StatusBufferFull)
	} else if c.Status() == model.StatusBufferFull {
		c.setStatus(model.StatusRunning)
	}
	c.buffer.Push(topic, payload)
	c.bufferMu.Unlock()
}

// reconnect implements the rate-limited broker reconnection policy.
func (c *Coordinator) reconnect(ctx context.Context) {
	if !c.link.IsUp() {
		c.reportError("link down, deferring broker reconnect", ErrCodeLinkFailure)
		return
	}

	now := c.clock.NowMillis()
	c.stateMu.Lock()
	rateLimited := c.reconnectAttempted && now-c.lastReconnectAttemptMs < uint64(c.cfg.ReconnectDelay().Milliseconds())
	if !rateLimited {
		c.reconnectAttempted = true
		c.lastReconnectAttemptMs = now
	}
	c.stateMu.Unlock()
	if rateLimited {
		return
	}

	c.setStatus(model.StatusBrokerConnecting)
	if err := c.client.Connect(ctx); err != nil {
		c.reportError(fmt.Sprintf("broker connect failed: %v", err), ErrCodeBrokerConnectFailure)
		c.setStatus(model.StatusError)
		return
	}
	c.subscribe()
	c.setStatus(model.StatusRunning)
	c.incStat(func(s *model.Stats) { s.MQTTReconnects++ })
}

// checkHealth logs a warning for low memory, low storage, or a
// near-full buffer; it is invoked by the watchdog worker.
func (c *Coordinator) checkHealth() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	freeHeap := mem.HeapIdle

	if freeHeap < uint64(c.cfg.MemoryWarningKB)*1024 {
		c.cfg.Logger.Printf("WARNING: low memory: %d bytes idle", freeHeap)
	}

	if free, err := c.sink.FreeBytes(); err == nil {
		if free/(1024*1024) < uint64(c.cfg.StorageWarningMB) {
			c.cfg.Logger.Printf("WARNING: low storage: %d MB free", free/(1024*1024))
		}
	}

	if usage := c.buffer.UsagePercent(); usage > 80 {
		c.cfg.Logger.Printf("WARNING: buffer usage high: %.1f%%", usage)
	}
}

// Update refreshes the sampled gauges (uptime, free heap, buffer
// usage); it is meant to be called from the host's own loop, not a worker.
func (c *Coordinator) Update() {
	c.incStat(func(s *model.Stats) {
		s.UptimeSeconds = (c.clock.NowMillis() - c.startTimeMs) / 1000
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		s.FreeHeapBytes = mem.HeapIdle
		s.BufferUsagePct = c.buffer.UsagePercent()
	})
}

func (c *Coordinator) incStat(mutate func(*model.Stats)) {
	if !c.statsMu.TryLock(statsMutexTimeout) {
		return // counter drift tolerated in favor of progress
	}
	mutate(&c.stats)
	c.statsMu.Unlock()
}

// Stats returns a snapshot of the statistics block.
func (c *Coordinator) Stats() model.Stats {
	if !c.statsMu.TryLock(100 * time.Millisecond) {
		return model.Stats{}
	}
	defer c.statsMu.Unlock()
	return c.stats
}

// ResetStats zeroes the monotonic counters on explicit operator command.
func (c *Coordinator) ResetStats() {
	c.incStat(func(s *model.Stats) { s.Reset() })
}

func (c *Coordinator) setStatus(s model.Status) {
	c.stateMu.Lock()
	c.status = s
	c.stateMu.Unlock()
}

// Status returns the current lifecycle state.
func (c *Coordinator) Status() model.Status {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.status
}

// RunBrokerWorker is the broker worker. It runs as an ordinary
// goroutine with no scheduling priority over the other two workers. If
// disconnected, it attempts a rate-limited reconnect; otherwise there is nothing to pump
// since the underlying client library already runs its own network
// goroutines, so this only re-checks liveness.
func (c *Coordinator) RunBrokerWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.client.IsConnected() {
			c.reconnect(ctx)
		}
		if !sleep(ctx, workerSleep) {
			return
		}
	}
}

// RunDrainWorker pops one buffered message per iteration and persists
// it, releasing the buffer mutex before storage I/O begins — the
// critical section around the buffer never holds the storage lock.
func (c *Coordinator) RunDrainWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.drainOnce()
		if !sleep(ctx, workerSleep) {
			return
		}
	}
}

func (c *Coordinator) drainOnce() {
	if !c.bufferMu.TryLock(bufferMutexTimeout) {
		return
	}
	var msg ringbuffer.Message
	popped := c.buffer.Pop(&msg)
	c.bufferMu.Unlock()

	if !popped {
		return
	}

	if err := c.sink.WriteMessage(msg.TopicString(), msg.PayloadBytes(), msg.TimestampMs); err != nil {
		c.incStat(func(s *model.Stats) { s.StorageErrors++ })
		c.setStatus(model.StatusStorageError)
		return
	}
	c.incStat(func(s *model.Stats) { s.MessagesStored++ })
	if c.Status() == model.StatusStorageError {
		c.setStatus(model.StatusRunning)
	}
}

// RunWatchdogWorker invokes the health check on the configured interval.
func (c *Coordinator) RunWatchdogWorker(ctx context.Context) {
	interval := c.cfg.HealthCheckInterval()
	for {
		if ctx.Err() != nil {
			return
		}
		c.checkHealth()
		if !sleep(ctx, interval) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
