package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dukafiti/offline/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	online   atomic.Bool
	mu       sync.Mutex
	onOnline []func()
}

func (c *fakeConn) Online() bool { return c.online.Load() }

func (c *fakeConn) OnOnline(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOnline = append(c.onOnline, fn)
}

func (c *fakeConn) goOnline() {
	c.online.Store(true)
	c.mu.Lock()
	fns := append([]func(){}, c.onOnline...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func startRunner(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestRunnerSyncsWhenConnectionReturns(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, domain.EntityCustomer, domain.OpCreate, domain.Customer{ID: "temp_c", Name: "Mary", Phone: "0722000000"})
	conn := &fakeConn{}
	r := NewRunner(f.orch, conn, func() int { return f.queue.PendingCount() }, time.Hour, zerolog.Nop())
	startRunner(t, r)

	r.Trigger()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.queue.PendingCount(), "offline trigger must not sync")

	conn.goOnline()
	assert.Eventually(t, func() bool { return f.queue.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunnerPeriodicPassOnlyWithPendingWork(t *testing.T) {
	f := newFixture(t, nil)
	conn := &fakeConn{}
	conn.online.Store(true)
	var asked atomic.Int32
	r := NewRunner(f.orch, conn, func() int {
		asked.Add(1)
		return f.queue.PendingCount()
	}, 10*time.Millisecond, zerolog.Nop())
	startRunner(t, r)

	assert.Eventually(t, func() bool { return asked.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.orch.LastSync().IsZero(), "no pass without pending work")

	f.enqueue(t, domain.EntityProduct, domain.OpCreate, domain.Product{ID: "temp_p", Name: "Sugar"})
	assert.Eventually(t, func() bool { return f.queue.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
}
