// Package connectivity tracks whether the remote store is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"dukafiti/offline/internal/events"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultDebounce = time.Second
)

type Prober interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Debounce time.Duration
}

// Monitor probes the remote on an interval. Edge events are published as soon
// as the state flips; OnOnline callbacks only fire once the connection has
// stayed up for the debounce window.
type Monitor struct {
	prober    Prober
	publisher events.Publisher
	cfg       Config
	log       zerolog.Logger

	mu       sync.Mutex
	online   bool
	known    bool
	changed  time.Time
	pending  *time.Timer
	onOnline []func()
}

func New(prober Prober, publisher events.Publisher, logger zerolog.Logger, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Monitor{
		prober:    prober,
		publisher: publisher,
		cfg:       cfg,
		log:       logger.With().Str("component", "connectivity").Logger(),
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Since reports when the current state began.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// OnOnline registers fn to run after each debounced offline-to-online edge.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if m.pending != nil {
				m.pending.Stop()
			}
			m.mu.Unlock()
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe pings the remote once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	err := m.prober.Ping(probeCtx)
	if err != nil && ctx.Err() == nil {
		m.log.Debug().Err(err).Msg("remote unreachable")
	}
	online := err == nil
	m.SetOnline(online)
	return online
}

// SetOnline records the state. Used by Probe and for manual overrides.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	m.known = true
	m.online = online
	m.changed = time.Now().UTC()

	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	if online {
		callbacks := append([]func(){}, m.onOnline...)
		var timer *time.Timer
		timer = time.AfterFunc(m.cfg.Debounce, func() {
			m.mu.Lock()
			stale := m.pending != timer || !m.online
			m.pending = nil
			m.mu.Unlock()
			if stale {
				return
			}
			for _, fn := range callbacks {
				fn()
			}
		})
		m.pending = timer
	}
	m.mu.Unlock()

	name := events.ConnectivityOffline
	if online {
		name = events.ConnectivityOnline
	}
	m.log.Info().Bool("online", online).Msg("connectivity changed")
	if m.publisher != nil {
		m.publisher.Publish(events.Event{Name: name})
	}
}
