package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"dukafiti/offline/internal/cache"
	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/events"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Source fetches the server snapshot of one entity type for a user.
type Source[T domain.Entity] func(ctx context.Context, userID string) ([]T, error)

// Binding ties an entity type to its source and clock.
type Binding interface {
	EntityType() domain.EntityType
	refresh(ctx context.Context, c *cache.Cache, userID string) (Outcome, error)
}

type Outcome struct {
	Changed bool
	Count   int
}

type binding[T domain.Entity] struct {
	entity domain.EntityType
	fetch  Source[T]
	clock  Clock[T]
}

func Bind[T domain.Entity](entity domain.EntityType, fetch Source[T], clock Clock[T]) Binding {
	return binding[T]{entity: entity, fetch: fetch, clock: clock}
}

func (b binding[T]) EntityType() domain.EntityType { return b.entity }

// refresh fetches without holding the cache, then merges against the list as
// it is at write time so local writes made during the fetch survive.
func (b binding[T]) refresh(ctx context.Context, c *cache.Cache, userID string) (Outcome, error) {
	server, err := b.fetch(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	var outcome Outcome
	cache.Update(ctx, c, cache.UserKey(userID, b.entity), func(local []T, cached bool) ([]T, bool) {
		next := Merge(local, server, b.clock)
		outcome.Count = len(next)
		if cached {
			before, errBefore := json.Marshal(local)
			after, errAfter := json.Marshal(next)
			if errBefore == nil && errAfter == nil && bytes.Equal(before, after) {
				return local, false
			}
		}
		outcome.Changed = true
		return next, true
	})
	return outcome, nil
}

// Refresher runs background refreshes. Concurrent refreshes of the same type
// for the same user share one fetch.
type Refresher struct {
	cache     *cache.Cache
	publisher events.Publisher
	bindings  map[domain.EntityType]Binding
	group     singleflight.Group
	log       zerolog.Logger
}

func NewRefresher(c *cache.Cache, publisher events.Publisher, logger zerolog.Logger, bindings ...Binding) *Refresher {
	r := &Refresher{
		cache:     c,
		publisher: publisher,
		bindings:  make(map[domain.EntityType]Binding, len(bindings)),
		log:       logger.With().Str("component", "reconcile").Logger(),
	}
	for _, b := range bindings {
		r.bindings[b.EntityType()] = b
	}
	return r
}

// Refresh fetches, merges and, when the list changed, writes the cache and
// publishes data-synced. A failed fetch leaves the cache as it was.
func (r *Refresher) Refresh(ctx context.Context, entity domain.EntityType, userID string) (Outcome, error) {
	b, ok := r.bindings[entity]
	if !ok {
		return Outcome{}, fmt.Errorf("reconcile: no source for %q", entity)
	}

	v, err, _ := r.group.Do(string(entity)+"|"+userID, func() (any, error) {
		outcome, err := b.refresh(ctx, r.cache, userID)
		if err == nil && outcome.Changed && r.publisher != nil {
			r.publisher.Publish(events.Event{Name: events.DataSynced, EntityType: entity, Count: outcome.Count})
		}
		return outcome, err
	})
	if err != nil {
		r.log.Warn().Err(err).Str("entity_type", string(entity)).Msg("refresh failed, keeping cached data")
		return Outcome{}, fmt.Errorf("refresh %s: %w", entity, err)
	}
	outcome := v.(Outcome)
	r.log.Debug().Str("entity_type", string(entity)).Bool("changed", outcome.Changed).Int("count", outcome.Count).Msg("refresh")
	return outcome, nil
}

// RefreshAll refreshes every bound type concurrently and returns the first error.
func (r *Refresher) RefreshAll(ctx context.Context, userID string) error {
	g, ctx := errgroup.WithContext(ctx)
	for entity := range r.bindings {
		entity := entity
		g.Go(func() error {
			_, err := r.Refresh(ctx, entity, userID)
			return err
		})
	}
	return g.Wait()
}
