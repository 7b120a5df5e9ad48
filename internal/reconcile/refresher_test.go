package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dukafiti/offline/internal/cache"
	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/events"
	"dukafiti/offline/internal/kv"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshWritesAndPublishesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	c := cache.New(kv.NewMemory(), zerolog.Nop())
	var rec events.Recorder
	server := []domain.Product{{ID: "p-1", Name: "Sugar", CreatedAt: t0, UpdatedAt: t0}}
	fetch := func(context.Context, string) ([]domain.Product, error) { return server, nil }
	r := NewRefresher(c, &rec, zerolog.Nop(), Bind(domain.EntityProduct, fetch, ProductClock))

	outcome, err := r.Refresh(ctx, domain.EntityProduct, "u-1")
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, 1, outcome.Count)

	outcome, err = r.Refresh(ctx, domain.EntityProduct, "u-1")
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, 1, rec.Count(events.DataSynced))

	cached, ok := cache.Load[domain.Product](ctx, c, cache.UserKey("u-1", domain.EntityProduct))
	require.True(t, ok)
	assert.Equal(t, "p-1", cached[0].ID)
}

func TestRefreshFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	c := cache.New(kv.NewMemory(), zerolog.Nop())
	key := cache.UserKey("u-1", domain.EntityCustomer)
	cache.Store(ctx, c, key, []domain.Customer{{ID: "temp_1", Name: "Mary"}})

	fetch := func(context.Context, string) ([]domain.Customer, error) { return nil, errors.New("connection refused") }
	r := NewRefresher(c, nil, zerolog.Nop(), Bind(domain.EntityCustomer, fetch, CustomerClock))

	_, err := r.Refresh(ctx, domain.EntityCustomer, "u-1")
	require.Error(t, err)

	cached, ok := cache.Load[domain.Customer](ctx, c, key)
	require.True(t, ok)
	assert.Equal(t, "temp_1", cached[0].ID)
}

func TestRefreshUnknownType(t *testing.T) {
	r := NewRefresher(cache.New(kv.NewMemory(), zerolog.Nop()), nil, zerolog.Nop())
	_, err := r.Refresh(context.Background(), domain.EntitySale, "u-1")
	assert.Error(t, err)
}

func TestConcurrentRefreshesShareOneFetch(t *testing.T) {
	ctx := context.Background()
	c := cache.New(kv.NewMemory(), zerolog.Nop())
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context, string) ([]domain.Transaction, error) {
		calls.Add(1)
		<-release
		return []domain.Transaction{{ID: "t-1", OccurredAt: t0}}, nil
	}
	r := NewRefresher(c, nil, zerolog.Nop(), Bind(domain.EntityTransaction, fetch, CreatedClock[domain.Transaction]))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Refresh(ctx, domain.EntityTransaction, "u-1")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshAll(t *testing.T) {
	ctx := context.Background()
	c := cache.New(kv.NewMemory(), zerolog.Nop())
	products := func(context.Context, string) ([]domain.Product, error) {
		return []domain.Product{{ID: "p-1"}}, nil
	}
	customers := func(context.Context, string) ([]domain.Customer, error) {
		return []domain.Customer{{ID: "c-1"}}, nil
	}
	r := NewRefresher(c, nil, zerolog.Nop(),
		Bind(domain.EntityProduct, products, ProductClock),
		Bind(domain.EntityCustomer, customers, CustomerClock),
	)

	require.NoError(t, r.RefreshAll(ctx, "u-1"))
	_, ok := cache.Load[domain.Customer](ctx, c, cache.UserKey("u-1", domain.EntityCustomer))
	assert.True(t, ok)
}

// pausingStorage runs onRead once, after reading key and before returning
// the value, to hold a reader between its read and its write.
type pausingStorage struct {
	*kv.Memory
	key    string
	once   sync.Once
	onRead func()
}

func (s *pausingStorage) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := s.Memory.Get(ctx, key)
	if key == s.key && s.onRead != nil {
		s.once.Do(s.onRead)
	}
	return value, ok, err
}

func TestLocalWriteDuringRefreshSurvives(t *testing.T) {
	ctx := context.Background()
	key := cache.UserKey("u-1", domain.EntityCustomer)
	storage := &pausingStorage{Memory: kv.NewMemory(), key: key}
	c := cache.New(storage, zerolog.Nop())

	mary := domain.Customer{ID: "c-1", Name: "Mary", Phone: "0722000000", LastPurchaseAt: t0}
	cache.Store(ctx, c, key, []domain.Customer{mary})

	serverMary := mary
	serverMary.OutstandingDebtCents = 36000
	serverMary.LastPurchaseAt = t0.Add(time.Hour)
	fetch := func(context.Context, string) ([]domain.Customer, error) {
		return []domain.Customer{serverMary}, nil
	}
	r := NewRefresher(c, nil, zerolog.Nop(), Bind(domain.EntityCustomer, fetch, CustomerClock))

	peter := domain.Customer{ID: "temp_peter", Name: "Peter", Phone: "0733000000", CreatedAt: t0.Add(2 * time.Hour)}
	written := make(chan struct{})
	storage.onRead = func() {
		go func() {
			defer close(written)
			cache.Upsert(ctx, c, key, peter)
		}()
		// give the concurrent write every chance to land mid-refresh
		select {
		case <-written:
		case <-time.After(50 * time.Millisecond):
		}
	}

	outcome, err := r.Refresh(ctx, domain.EntityCustomer, "u-1")
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	<-written

	cached, ok := cache.Load[domain.Customer](ctx, c, key)
	require.True(t, ok)
	ids := make([]string, 0, len(cached))
	for _, customer := range cached {
		ids = append(ids, customer.ID)
	}
	assert.ElementsMatch(t, []string{"temp_peter", "c-1"}, ids)
	for _, customer := range cached {
		if customer.ID == "c-1" {
			assert.EqualValues(t, 36000, customer.OutstandingDebtCents)
		}
	}
}
