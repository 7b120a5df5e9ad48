package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dukafiti/offline/internal/events"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchProber struct {
	mu sync.Mutex
	up bool
}

func (p *switchProber) set(up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up = up
}

func (p *switchProber) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.up {
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func TestProbePublishesEdges(t *testing.T) {
	prober := &switchProber{}
	var rec events.Recorder
	m := New(prober, &rec, zerolog.Nop(), Config{Debounce: 10 * time.Millisecond})
	ctx := context.Background()

	assert.False(t, m.Probe(ctx))
	assert.False(t, m.Probe(ctx))
	prober.set(true)
	assert.True(t, m.Probe(ctx))
	assert.True(t, m.Online())

	assert.Equal(t, 1, rec.Count(events.ConnectivityOffline))
	assert.Equal(t, 1, rec.Count(events.ConnectivityOnline))
}

func TestOnOnlineIsDebounced(t *testing.T) {
	m := New(&switchProber{}, nil, zerolog.Nop(), Config{Debounce: 50 * time.Millisecond})
	var fired atomic.Int32
	m.OnOnline(func() { fired.Add(1) })

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestFlappingOfflineCancelsCallback(t *testing.T) {
	m := New(&switchProber{}, nil, zerolog.Nop(), Config{Debounce: 30 * time.Millisecond})
	var fired atomic.Int32
	m.OnOnline(func() { fired.Add(1) })

	m.SetOnline(true)
	m.SetOnline(false)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestRunStopsWithContext(t *testing.T) {
	prober := &switchProber{up: true}
	m := New(prober, nil, zerolog.Nop(), Config{Interval: 10 * time.Millisecond, Debounce: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	prober.set(false)
	require.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
