// Package service is the offline-first facade the UI calls. Mutations update
// the entity cache at once and reach the server either directly, when online
// and nothing older is waiting, or through the durable queue.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dukafiti/offline/internal/cache"
	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/events"
	"dukafiti/offline/internal/executor"
	"dukafiti/offline/internal/queue"
	"dukafiti/offline/internal/reconcile"
	"dukafiti/offline/internal/syncer"
	"dukafiti/offline/internal/xid"

	"github.com/rs/zerolog"
)

var (
	ErrValidation = errors.New("service: validation failed")
	ErrNotFound   = errors.New("service: not found")
	ErrOffline    = errors.New("service: offline")
)

const (
	templatesKey   = "product_templates"
	refreshTimeout = 30 * time.Second
)

// Remote is the server-facing side. *executor.Set satisfies it.
type Remote interface {
	Execute(ctx context.Context, userID string, op domain.PendingOperation) (executor.Outcome, error)
	ProductTemplates(ctx context.Context) ([]domain.ProductTemplate, error)
}

type Connectivity interface {
	Online() bool
}

// Subscriber is the part of events.Bus the service listens on.
type Subscriber interface {
	SubscribeFunc(fn func(events.Event), names ...string) func()
}

type Deps struct {
	Queue        *queue.Store
	Cache        *cache.Cache
	Remote       Remote
	Refresher    *reconcile.Refresher
	Orchestrator *syncer.Orchestrator
	Connectivity Connectivity
	Events       Subscriber
}

type Service struct {
	queue     *queue.Store
	cache     *cache.Cache
	remote    Remote
	refresher *reconcile.Refresher
	orch      *syncer.Orchestrator
	conn      Connectivity
	userID    string
	log       zerolog.Logger
	now       func() time.Time

	base        context.Context
	stop        context.CancelFunc
	unsubscribe []func()
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(deps Deps, userID string, logger zerolog.Logger, opts ...Option) *Service {
	base, stop := context.WithCancel(context.Background())
	s := &Service{
		queue:     deps.Queue,
		cache:     deps.Cache,
		remote:    deps.Remote,
		refresher: deps.Refresher,
		orch:      deps.Orchestrator,
		conn:      deps.Connectivity,
		userID:    userID,
		log:       logger.With().Str("component", "service").Logger(),
		now:       time.Now,
		base:      base,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.orch != nil {
		s.orch.OnCreated(func(ctx context.Context, entityType domain.EntityType, tempID string, entity domain.Entity) {
			s.replaceLocal(ctx, entityType, tempID, entity)
		})
	}
	if deps.Events != nil && s.refresher != nil {
		names := make([]string, 0, len(domain.EntityTypes))
		for _, entityType := range domain.EntityTypes {
			names = append(names, entityType.SyncedEvent())
		}
		s.unsubscribe = append(s.unsubscribe, deps.Events.SubscribeFunc(s.onSynced, names...))
	}
	return s
}

// RefreshBindings wires every entity list to its remote reader and merge clock.
func RefreshBindings(set *executor.Set) []reconcile.Binding {
	return []reconcile.Binding{
		reconcile.Bind(domain.EntityProduct, set.Products, reconcile.ProductClock),
		reconcile.Bind(domain.EntityCustomer, set.Customers, reconcile.CustomerClock),
		reconcile.Bind(domain.EntitySale, set.Sales, reconcile.CreatedClock[domain.Sale]),
		reconcile.Bind(domain.EntityDebtPayment, set.DebtPayments, reconcile.CreatedClock[domain.DebtPayment]),
		reconcile.Bind(domain.EntityTransaction, set.Transactions, reconcile.CreatedClock[domain.Transaction]),
	}
}

// Close stops background refreshes.
func (s *Service) Close() {
	for _, cancel := range s.unsubscribe {
		cancel()
	}
	s.stop()
}

func (s *Service) onSynced(event events.Event) {
	ctx, cancel := context.WithTimeout(s.base, refreshTimeout)
	defer cancel()
	if _, err := s.refresher.Refresh(ctx, event.EntityType, s.userID); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Str("entity_type", string(event.EntityType)).Msg("refresh after sync failed")
	}
}

func (s *Service) online() bool {
	return s.conn != nil && s.conn.Online()
}

func (s *Service) key(entityType domain.EntityType) string {
	return cache.UserKey(s.userID, entityType)
}

// submit sends one mutation to the server, or queues it. The returned outcome
// is zero when the mutation was queued.
func (s *Service) submit(ctx context.Context, entityType domain.EntityType, kind domain.OperationKind, payload json.RawMessage, localID string) (executor.Outcome, error) {
	if s.direct(entityType, localID) {
		op := domain.PendingOperation{
			ID:         xid.Operation(string(entityType), string(kind), s.now()),
			EntityType: entityType,
			Kind:       kind,
			Payload:    payload,
			CreatedAt:  s.now().UTC(),
		}
		outcome, err := s.remote.Execute(ctx, s.userID, op)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, executor.ErrLocalReference) {
			s.log.Warn().Err(err).Str("entity_type", string(entityType)).Str("kind", string(kind)).Msg("remote write failed, queueing")
		}
	}

	op, action, err := s.queue.Enqueue(ctx, queue.NewOperation{EntityType: entityType, Kind: kind, Payload: payload})
	if err != nil {
		return executor.Outcome{}, fmt.Errorf("queue %s %s: %w", entityType, kind, err)
	}
	s.log.Debug().Str("op_id", op.ID).Str("action", string(action)).Msg("mutation queued")
	return executor.Outcome{}, nil
}

// direct reports whether a mutation can skip the queue. Queued work of the
// same type runs first, and local ids only resolve through the queue.
func (s *Service) direct(entityType domain.EntityType, localID string) bool {
	if !s.online() || s.remote == nil {
		return false
	}
	if localID != "" && domain.IsTempID(localID) {
		return false
	}
	return len(s.queue.Eligible(entityType)) == 0
}

// created folds a server-confirmed create into the cache and the queue.
func (s *Service) created(ctx context.Context, entityType domain.EntityType, outcome executor.Outcome) {
	if outcome.Entity == nil || outcome.TempID == "" {
		return
	}
	s.replaceLocal(ctx, entityType, outcome.TempID, outcome.Entity)
	s.queue.RewriteEntityID(ctx, outcome.TempID, outcome.Entity.EntityID())
}

func (s *Service) replaceLocal(ctx context.Context, entityType domain.EntityType, tempID string, entity domain.Entity) {
	key := s.key(entityType)
	switch v := entity.(type) {
	case domain.Product:
		cache.ReplaceLocal(ctx, s.cache, key, tempID, v)
	case domain.Customer:
		cache.ReplaceLocal(ctx, s.cache, key, tempID, v)
	case domain.Sale:
		cache.ReplaceLocal(ctx, s.cache, key, tempID, v)
	case domain.DebtPayment:
		cache.ReplaceLocal(ctx, s.cache, key, tempID, v)
	case domain.Transaction:
		cache.ReplaceLocal(ctx, s.cache, key, tempID, v)
	default:
		s.log.Warn().Str("entity_type", string(entityType)).Str("type", fmt.Sprintf("%T", entity)).Msg("created entity of unknown type")
	}
}

// list returns the cached list of one type. A miss while online fetches it.
func list[T domain.Entity](ctx context.Context, s *Service, entityType domain.EntityType) ([]T, error) {
	key := s.key(entityType)
	if items, ok := cache.Load[T](ctx, s.cache, key); ok {
		return items, nil
	}
	if !s.online() || s.refresher == nil {
		return []T{}, nil
	}
	if _, err := s.refresher.Refresh(ctx, entityType, s.userID); err != nil {
		return nil, err
	}
	items, _ := cache.Load[T](ctx, s.cache, key)
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func (s *Service) Products(ctx context.Context) ([]domain.Product, error) {
	return list[domain.Product](ctx, s, domain.EntityProduct)
}

func (s *Service) Customers(ctx context.Context) ([]domain.Customer, error) {
	return list[domain.Customer](ctx, s, domain.EntityCustomer)
}

func (s *Service) Sales(ctx context.Context) ([]domain.Sale, error) {
	return list[domain.Sale](ctx, s, domain.EntitySale)
}

func (s *Service) DebtPayments(ctx context.Context) ([]domain.DebtPayment, error) {
	return list[domain.DebtPayment](ctx, s, domain.EntityDebtPayment)
}

func (s *Service) Transactions(ctx context.Context) ([]domain.Transaction, error) {
	return list[domain.Transaction](ctx, s, domain.EntityTransaction)
}

// ProductTemplates serves the shared catalog from the public cache.
func (s *Service) ProductTemplates(ctx context.Context) ([]domain.ProductTemplate, error) {
	key := cache.PublicKey(templatesKey)
	if items, ok := cache.Load[domain.ProductTemplate](ctx, s.cache, key); ok {
		return items, nil
	}
	if !s.online() || s.remote == nil {
		return []domain.ProductTemplate{}, nil
	}
	items, err := s.remote.ProductTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch product templates: %w", err)
	}
	cache.Store(ctx, s.cache, key, items)
	return items, nil
}

// Refresh reconciles one cached list with the server.
func (s *Service) Refresh(ctx context.Context, entityType domain.EntityType) (reconcile.Outcome, error) {
	if !entityType.Valid() {
		return reconcile.Outcome{}, fmt.Errorf("%w: unknown entity type %q", ErrValidation, entityType)
	}
	if !s.online() {
		return reconcile.Outcome{}, ErrOffline
	}
	return s.refresher.Refresh(ctx, entityType, s.userID)
}

// Status is the indicator the UI keeps on screen.
type Status struct {
	Online   bool                `json:"online"`
	Pending  int                 `json:"pending"`
	Syncing  bool                `json:"syncing"`
	Errors   int                 `json:"errors"`
	LastSync *time.Time          `json:"lastSync,omitempty"`
	Counts   map[string]int      `json:"counts"`
	Types    []syncer.TypeStatus `json:"types"`
}

func (s *Service) Status() Status {
	st := Status{
		Online:  s.online(),
		Pending: s.queue.PendingCount(),
		Errors:  s.queue.ErrorCount(),
		Counts:  make(map[string]int),
	}
	for entityType, n := range s.queue.Counts() {
		st.Counts[string(entityType)] = n
	}
	if s.orch != nil {
		st.Syncing = s.orch.Syncing()
		st.Types = s.orch.Status()
		if last := s.orch.LastSync(); !last.IsZero() {
			st.LastSync = &last
		}
	}
	return st
}

func (s *Service) PendingCount(types ...domain.EntityType) int {
	return s.queue.PendingCount(types...)
}

func (s *Service) Operations(types ...domain.EntityType) []domain.PendingOperation {
	return s.queue.List(types...)
}

// ForceSyncNow runs one pass over every type.
func (s *Service) ForceSyncNow(ctx context.Context) (syncer.Report, error) {
	if !s.online() {
		return syncer.Report{}, ErrOffline
	}
	return s.orch.SyncAll(ctx)
}

// ClearErrors drops operations that ran out of attempts.
func (s *Service) ClearErrors(ctx context.Context) int {
	n := s.queue.ClearErrors(ctx)
	if n > 0 {
		s.log.Info().Int("cleared", n).Msg("cleared failed operations")
	}
	return n
}

// RetryErrors gives exhausted operations a fresh set of attempts.
func (s *Service) RetryErrors(ctx context.Context) int {
	n := s.queue.RetryErrors(ctx)
	if n > 0 {
		s.log.Info().Int("reset", n).Msg("failed operations queued for retry")
	}
	return n
}
