package supervisor

import "time"

// timeoutMutex is a mutual-exclusion lock with a bounded acquire wait,
// restoring the FreeRTOS xSemaphoreTake(..., pdMS_TO_TICKS(N)) pattern
// of original_source/microcontroller/src/MqttTelemetry.cpp: callers
// that cannot acquire within the deadline give up rather than block
// indefinitely. sync.Mutex has no timed acquire, so this uses the
// standard buffered-channel semaphore idiom instead.
type timeoutMutex struct {
	ch chan struct{}
}

func newTimeoutMutex() *timeoutMutex {
	return &timeoutMutex{ch: make(chan struct{}, 1)}
}

// TryLock attempts to acquire the lock, giving up after timeout.
func (m *timeoutMutex) TryLock(timeout time.Duration) bool {
	select {
	case m.ch <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *timeoutMutex) Unlock() {
	<-m.ch
}
