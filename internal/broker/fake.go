package broker

import (
	"context"
	"sync"
)

// Fake is an in-memory Client double for supervisor tests: Deliver
// lets a test inject an inbound message as if the broker had delivered
// it, and ConnectErr/ConnectAttempts let a test script flaky
// connectivity (spec.md §8 scenario S6, reconnect).
type Fake struct {
	mu          sync.Mutex
	connected   bool
	handlers    map[string]MessageHandler
	ConnectErr  error
	connectHits int
	disconnects int
}

// NewFake returns a disconnected Fake.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]MessageHandler)}
}

func (f *Fake) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectHits++
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Subscribe(topic string, _ byte, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

// ConnectAttempts returns how many times Connect was called.
func (f *Fake) ConnectAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectHits
}

// Deliver invokes the handler registered for topic, simulating an
// inbound broker message. It is a no-op if nothing is subscribed.
func (f *Fake) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if ok {
		h(topic, payload)
	}
}

// Drop simulates an unexpected disconnect, as if the transport died
// without Disconnect being called.
func (f *Fake) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}
