// Package ringbuffer implements the bounded FIFO message queue described
// in spec.md §3/§4.1, a direct port of
// original_source/microcontroller/src/CircularBuffer.cpp to Go: a fixed
// capacity circular array of records, O(1) push/pop/peek, overflow by
// caller-driven eviction of the oldest entry (never auto-evicted by
// push itself).
//
// RingBuffer is not internally synchronized — callers serialize access
// with their own mutex (spec.md §5, "buffer mutex"), exactly as the
// firmware's CircularBuffer is only ever touched while holding
// bufferMutex.
package ringbuffer

import "github.com/yayoboy/edge-telemetry-agent/internal/clock"

const (
	// TopicCapacity bounds a record's topic, matching BufferedMessage::topic[128].
	TopicCapacity = 128
	// PayloadCapacity bounds a record's payload, matching BufferedMessage::payload[1024].
	PayloadCapacity = 1024
)

// Message is the buffered unit (spec.md §3 "Message Record"). Topic and
// Payload are fixed-size arrays so Push never allocates, mirroring the
// firmware's preallocated BufferedMessage slots. PayloadLen records the
// number of valid bytes; the byte immediately after them is always
// zero, preserving the firmware's NUL-terminated zero-copy contract.
type Message struct {
	Topic        [TopicCapacity]byte
	TopicLen     int
	Payload      [PayloadCapacity]byte
	PayloadLen   int
	TimestampMs  uint64
}

// TopicString returns the topic as a string view over the valid prefix.
func (m *Message) TopicString() string {
	return string(m.Topic[:m.TopicLen])
}

// PayloadBytes returns the payload as a byte slice view over the valid prefix.
func (m *Message) PayloadBytes() []byte {
	return m.Payload[:m.PayloadLen]
}

// RingBuffer is the fixed-capacity circular array of Messages.
type RingBuffer struct {
	buf      []Message
	head     int
	tail     int
	count    int
	capacity int
	clock    clock.Source
}

// New allocates a RingBuffer of the given capacity. Capacity is fixed
// for the buffer's lifetime — it is never resized, matching spec.md §3
// ("allocated at init with a single fixed capacity; never resized").
func New(capacity int, clk clock.Source) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]Message, capacity),
		capacity: capacity,
		clock:    clk,
	}
}

// Push copies topic (truncated to TopicCapacity) and up to
// PayloadCapacity-1 bytes of payload into the next free slot, stamping
// the current monotonic timestamp. It returns false without mutating
// state if the buffer is full — it does NOT auto-evict (spec.md §4.1).
func (r *RingBuffer) Push(topic string, payload []byte) bool {
	if r.IsFull() {
		return false
	}

	msg := &r.buf[r.head]

	topicLen := copy(msg.Topic[:], topic)
	msg.TopicLen = topicLen

	copyLen := len(payload)
	if copyLen > PayloadCapacity-1 {
		copyLen = PayloadCapacity - 1
	}
	n := copy(msg.Payload[:copyLen], payload)
	msg.Payload[n] = 0
	msg.PayloadLen = n

	msg.TimestampMs = r.clock.NowMillis()

	r.head = (r.head + 1) % r.capacity
	r.count++

	return true
}

// Pop copies the oldest record into out and advances tail; it returns
// false without touching out if the buffer is empty.
func (r *RingBuffer) Pop(out *Message) bool {
	if r.IsEmpty() {
		return false
	}
	*out = r.buf[r.tail]
	r.tail = (r.tail + 1) % r.capacity
	r.count--
	return true
}

// Peek copies the oldest record into out without advancing tail.
func (r *RingBuffer) Peek(out *Message) bool {
	if r.IsEmpty() {
		return false
	}
	*out = r.buf[r.tail]
	return true
}

func (r *RingBuffer) Size() int     { return r.count }
func (r *RingBuffer) Capacity() int { return r.capacity }
func (r *RingBuffer) IsEmpty() bool { return r.count == 0 }
func (r *RingBuffer) IsFull() bool  { return r.count >= r.capacity }

// UsagePercent returns 100*count/capacity as a float, matching
// CircularBuffer::usagePercent.
func (r *RingBuffer) UsagePercent() float64 {
	return (float64(r.count) * 100.0) / float64(r.capacity)
}

// Clear resets indices and occupancy in O(1); buffered contents are not
// zeroed, matching the firmware's clear() (it only resets head/tail/count).
func (r *RingBuffer) Clear() {
	r.head = 0
	r.tail = 0
	r.count = 0
}

// RemoveOldest advances tail if the buffer is non-empty; it is a no-op
// (not an error) on an empty buffer, matching CircularBuffer::removeOldest.
func (r *RingBuffer) RemoveOldest() {
	if r.IsEmpty() {
		return
	}
	r.tail = (r.tail + 1) % r.capacity
	r.count--
}
