// Package debounce schedules one-shot flushes a fixed window after the first request.
package debounce

import (
	"sync"
	"time"
)

const (
	DefaultWindow = 300 * time.Millisecond
)

// Timer fires fn once after d, on any goroutine.
type Timer interface {
	AfterFunc(d time.Duration, fn func())
}

// Clock is the real Timer.
type Clock struct{}

func (Clock) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// Scheduler arms a one-shot Timer for a fixed window.
// It does not track arm-state itself: the caller decides when a new window starts.
type Scheduler struct {
	window time.Duration
	timer  Timer
}

// New builds a Scheduler. Zero or negative windows use DefaultWindow, and a nil timer uses Clock.
func New(window time.Duration, timer Timer) (s *Scheduler) {
	if window <= 0 {
		window = DefaultWindow
	}
	if timer == nil {
		timer = Clock{}
	}
	return &Scheduler{window: window, timer: timer}
}

// Window returns the configured delay.
func (s *Scheduler) Window() (d time.Duration) {
	return s.window
}

// Schedule runs fn once, a window from now.
func (s *Scheduler) Schedule(fn func()) {
	s.timer.AfterFunc(s.window, fn)
}

// Manual is a Timer which only fires when told to.
type Manual struct {
	lock      sync.Mutex
	scheduled []func()
	delays    []time.Duration
	notifyCh  chan struct{}
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.scheduled = append(m.scheduled, fn)
	m.delays = append(m.delays, d)

	if m.notifyCh != nil {
		close(m.notifyCh)
		m.notifyCh = nil
	}
}

// Pending returns the number of callbacks waiting to fire.
func (m *Manual) Pending() (count int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.scheduled)
}

// Delays returns every delay ever requested, in order.
func (m *Manual) Delays() (out []time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

// Scheduled returns a channel closed on the next AfterFunc call, or immediately if any callback is pending.
func (m *Manual) Scheduled() (ch <-chan struct{}) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if len(m.scheduled) > 0 {
		out := make(chan struct{})
		close(out)
		return out
	}
	if m.notifyCh == nil {
		m.notifyCh = make(chan struct{})
	}
	return m.notifyCh
}

// Fire runs every pending callback on the calling goroutine.
// Callbacks scheduled while firing wait for the next call.
func (m *Manual) Fire() (count int) {
	m.lock.Lock()
	run := m.scheduled
	m.scheduled = nil
	m.lock.Unlock()

	for _, fn := range run {
		fn()
	}
	return len(run)
}
