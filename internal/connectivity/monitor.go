package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is the cached connectivity snapshot.
type Status struct {
	Reachable    bool            `json:"reachable"`
	LastChecked  time.Time       `json:"lastChecked"`
	PerInterface map[string]bool `json:"perInterface,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
}

// Monitor samples a NetworkProbe in the background and serves the last sample without
// doing any I/O on the caller's goroutine.
type Monitor struct {
	probe    NetworkProbe
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time

	current atomic.Pointer[Status]

	cbMu      sync.Mutex
	callbacks []func(online bool)
}

// NewMonitor creates a monitor. The initial state is offline until the first sample.
func NewMonitor(probe NetworkProbe, interval time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	m := &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  interval * 4,
		log:      log,
		now:      time.Now,
	}
	m.current.Store(&Status{})
	return m
}

// OnTransition registers fn to be called after every online/offline change.
func (m *Monitor) OnTransition(fn func(online bool)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// IsOnline returns the cached reachability flag.
func (m *Monitor) IsOnline() bool {
	return m.current.Load().Reachable
}

// Status returns a copy of the cached snapshot.
func (m *Monitor) Status() Status {
	s := *m.current.Load()
	if s.PerInterface != nil {
		ifaces := make(map[string]bool, len(s.PerInterface))
		for k, v := range s.PerInterface {
			ifaces[k] = v
		}
		s.PerInterface = ifaces
	}
	return s
}

// Run samples immediately and then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("connectivity monitor started", zap.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.SampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("connectivity monitor stopped")
			return
		case <-ticker.C:
			m.SampleOnce(ctx)
		}
	}
}

// SampleOnce runs one probe pass, publishes the snapshot and fires transition callbacks.
// A probe error counts as offline. No lock is held while the probe runs.
func (m *Monitor) SampleOnce(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	sample, err := m.probe.Probe(probeCtx)
	cancel()

	next := &Status{
		Reachable:    sample.Reachable && err == nil,
		LastChecked:  m.now(),
		PerInterface: sample.PerInterface,
	}
	if err != nil {
		next.LastError = err.Error()
		m.log.Debug("connectivity probe failed", zap.Error(err))
	}

	prev := m.current.Swap(next)
	if prev.Reachable != next.Reachable && !(prev.LastChecked.IsZero() && !next.Reachable) {
		m.log.Info("connectivity changed", zap.Bool("online", next.Reachable))
		m.notify(next.Reachable)
	}
	return *next
}

func (m *Monitor) notify(online bool) {
	m.cbMu.Lock()
	callbacks := append([]func(bool){}, m.callbacks...)
	m.cbMu.Unlock()

	for _, fn := range callbacks {
		fn(online)
	}
}
