package storage

import (
	"sync"
	"time"

	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// DefaultThrottleInterval is how long saves for a key are coalesced before
// hitting the backing store.
const DefaultThrottleInterval = 100 * time.Millisecond

// Throttled wraps a Storage and coalesces repeated saves per key into at
// most one write per interval, always writing the latest value. When a newer
// value arrives while a write is underway it is written right after the
// current write completes. Loads bypass coalescing.
type Throttled struct {
	inner    Storage
	interval time.Duration
	logger   logging.Logger

	// OnError is invoked outside the lock for every failed background
	// write. Defaults to logging; the daemon replaces it to treat
	// persistence loss as fatal.
	OnError func(key string, err error)

	mu      sync.Mutex
	pending map[string]*pendingWrite
	writers sync.WaitGroup
	lastErr error
}

type pendingWrite struct {
	value   interface{}
	dirty   bool
	writing bool
	timer   *time.Timer
}

// NewThrottled wraps inner with write coalescing. A non-positive interval
// selects DefaultThrottleInterval.
func NewThrottled(inner Storage, interval time.Duration, logger logging.Logger) *Throttled {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	t := &Throttled{
		inner:    inner,
		interval: interval,
		logger:   logger,
		pending:  make(map[string]*pendingWrite),
	}
	t.OnError = func(key string, err error) {
		if logger != nil {
			logger.WithError(err).WithField("key", key).Error("Storage write failed")
		}
	}
	return t
}

// Save records the latest value for key and schedules a coalesced write.
// The write itself happens in the background; failures are reported through
// OnError and LastError.
func (t *Throttled) Save(key string, value interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[key]
	if !ok {
		e = &pendingWrite{}
		t.pending[key] = e
	}
	e.value = value
	e.dirty = true
	if !e.writing && e.timer == nil {
		e.timer = time.AfterFunc(t.interval, func() { t.write(key) })
	}
	return nil
}

// Load reads through to the backing store
func (t *Throttled) Load(key string, into interface{}) (bool, error) {
	return t.inner.Load(key, into)
}

// Flush writes every coalesced value immediately and waits for in-progress
// writes to finish. Called on shutdown.
func (t *Throttled) Flush() error {
	t.mu.Lock()
	keys := make([]string, 0, len(t.pending))
	for key := range t.pending {
		keys = append(keys, key)
	}
	t.mu.Unlock()

	for _, key := range keys {
		t.write(key)
	}
	t.writers.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// LastError returns the most recent background write failure, if any.
// Satisfies monitoring.Persister.
func (t *Throttled) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// write drains the pending value for key, looping while newer values arrive
// mid-write. At most one writer runs per key.
func (t *Throttled) write(key string) {
	t.mu.Lock()
	e, ok := t.pending[key]
	if !ok || e.writing {
		t.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.writing = true
	t.writers.Add(1)

	var firstErr error
	for {
		value := e.value
		e.dirty = false
		t.mu.Unlock()

		err := t.inner.Save(key, value)

		t.mu.Lock()
		if err != nil {
			t.lastErr = err
			if firstErr == nil {
				firstErr = err
			}
		}
		if !e.dirty {
			break
		}
	}
	e.writing = false
	delete(t.pending, key)
	t.writers.Done()
	t.mu.Unlock()

	if firstErr != nil && t.OnError != nil {
		t.OnError(key, firstErr)
	}
}
