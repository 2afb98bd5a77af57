package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClockRegression is returned when a reading is earlier than a previously observed one.
var ErrClockRegression = errors.New("clock: moved backwards")

// Clock provides the current time. It can be mocked for testing.
type Clock interface {
	Now() time.Time
}

// System implements Clock using the system time.
type System struct{}

// Now returns the current system time.
func (System) Now() time.Time {
	return time.Now()
}

// Mock is a Clock whose time only moves when told to.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock creates a Mock starting at start. A zero start uses the current time.
func NewMock(start time.Time) *Mock {
	if start.IsZero() {
		start = time.Now()
	}
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock clock by d. A negative d moves it backwards.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

const defaultPollInterval = 100 * time.Microsecond

// Millis reads a Clock as whole milliseconds since a custom epoch.
type Millis struct {
	clock   Clock
	epochMs int64
	poll    time.Duration
}

// NewMillis creates a millisecond source relative to epoch. A nil clock uses System.
func NewMillis(c Clock, epoch time.Time) *Millis {
	if c == nil {
		c = System{}
	}
	return &Millis{
		clock:   c,
		epochMs: epoch.UnixMilli(),
		poll:    defaultPollInterval,
	}
}

// WithPollInterval sets how long WaitAfter sleeps between readings.
func (m *Millis) WithPollInterval(d time.Duration) *Millis {
	if d > 0 {
		m.poll = d
	}
	return m
}

func (m *Millis) Epoch() time.Time {
	return time.UnixMilli(m.epochMs)
}

// Now returns milliseconds elapsed since the epoch.
func (m *Millis) Now() int64 {
	return m.clock.Now().UnixMilli() - m.epochMs
}

// Since reads the clock and checks it against last, a previously returned reading.
// A reading earlier than last yields ErrClockRegression together with the reading.
func (m *Millis) Since(last int64) (int64, error) {
	now := m.Now()
	if now < last {
		return now, fmt.Errorf("%w: by %v", ErrClockRegression, time.Duration(last-now)*time.Millisecond)
	}
	return now, nil
}

// WaitAfter polls until the clock reads strictly later than last.
func (m *Millis) WaitAfter(last int64) int64 {
	for {
		now := m.Now()
		if now > last {
			return now
		}
		time.Sleep(m.poll)
	}
}

// ToTime converts a reading back to wall time.
func (m *Millis) ToTime(ms int64) time.Time {
	return time.UnixMilli(ms + m.epochMs)
}
