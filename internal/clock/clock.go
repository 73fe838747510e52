// Package clock abstracts time so background sweeps and delivery ticks can be
// driven by virtual time in tests instead of racing real timers.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time and tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// New returns a Clock backed by the system clock.
func New() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// Manual is a Clock whose time only moves when Advance is called. Tickers
// fire synchronously during Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManual creates a Manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NewTicker creates a virtual ticker firing every d of advanced time.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		ch:       make(chan time.Time, 16),
		interval: d,
		next:     m.now.Add(d),
		parent:   m,
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves virtual time forward, firing due tickers in order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		var earliest *manualTicker
		for _, t := range m.tickers {
			if t.stopped {
				continue
			}
			if !t.next.After(target) && (earliest == nil || t.next.Before(earliest.next)) {
				earliest = t
			}
		}
		if earliest == nil {
			break
		}
		m.now = earliest.next
		earliest.next = earliest.next.Add(earliest.interval)
		select {
		case earliest.ch <- m.now:
		default:
		}
	}
	m.now = target
	m.mu.Unlock()
}

type manualTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
	parent   *Manual
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.parent.mu.Lock()
	t.stopped = true
	t.parent.mu.Unlock()
}
