// Package syncer drains the operation queue against the remote store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/events"
	"dukafiti/offline/internal/executor"
	"dukafiti/offline/internal/lock"
	"dukafiti/offline/internal/queue"

	"github.com/rs/zerolog"
)

var (
	ErrSyncInProgress = errors.New("syncer: sync already in progress")
	ErrThrottled      = errors.New("syncer: last sync finished too recently")
)

const (
	DefaultThrottle  = 2 * time.Second
	DefaultOpTimeout = 30 * time.Second
)

type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Executor runs one operation remotely. *executor.Set satisfies it.
type Executor interface {
	Execute(ctx context.Context, userID string, op domain.PendingOperation) (executor.Outcome, error)
}

// CreatedHook is called after a create synced, with the temp id it replaced.
type CreatedHook func(ctx context.Context, entityType domain.EntityType, tempID string, entity domain.Entity)

type Result struct {
	EntityType domain.EntityType `json:"entityType"`
	Attempted  int               `json:"attempted"`
	Synced     int               `json:"synced"`
	Failed     int               `json:"failed"`
	Deferred   int               `json:"deferred"`
	Superseded int               `json:"superseded"`
	OK         bool              `json:"ok"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
}

type Report struct {
	Results []Result            `json:"results"`
	Skipped []domain.EntityType `json:"skipped,omitempty"`
	Synced  int                 `json:"synced"`
	Failed  int                 `json:"failed"`
	OK      bool                `json:"ok"`
}

type TypeStatus struct {
	EntityType domain.EntityType `json:"entityType"`
	State      State             `json:"state"`
	LastRun    time.Time         `json:"lastRun,omitempty"`
	LastResult *Result           `json:"lastResult,omitempty"`
}

type Config struct {
	UserID    string
	Throttle  time.Duration
	OpTimeout time.Duration
}

type Orchestrator struct {
	queue     *queue.Store
	exec      Executor
	publisher events.Publisher
	locker    lock.Locker
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[domain.EntityType]bool
	lastDone map[domain.EntityType]time.Time
	status   map[domain.EntityType]TypeStatus
	hooks    []CreatedHook
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

func New(q *queue.Store, exec Executor, publisher events.Publisher, logger zerolog.Logger, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	o := &Orchestrator{
		queue:     q,
		exec:      exec,
		publisher: publisher,
		locker:    lock.Noop{},
		cfg:       cfg,
		log:       logger.With().Str("component", "syncer").Logger(),
		now:       time.Now,
		inFlight:  make(map[domain.EntityType]bool),
		lastDone:  make(map[domain.EntityType]time.Time),
		status:    make(map[domain.EntityType]TypeStatus),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnCreated registers a hook run after every successful create.
func (o *Orchestrator) OnCreated(hook CreatedHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, hook)
}

// SyncType drains one entity type.
func (o *Orchestrator) SyncType(ctx context.Context, entityType domain.EntityType) (Result, error) {
	if !entityType.Valid() {
		return Result{}, fmt.Errorf("syncer: unknown entity type %q", entityType)
	}
	release, err := o.locker.TryLock(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if err := o.begin(entityType); err != nil {
		return Result{}, err
	}
	result := o.drain(ctx, entityType)
	o.finish(result)
	if result.Synced > 0 {
		o.publish(events.Event{Name: events.SyncCompleted, Count: result.Synced})
	}
	return result, nil
}

// SyncAll drains every type in fixed order under one lock. Types already
// syncing or throttled are skipped and listed in the report.
func (o *Orchestrator) SyncAll(ctx context.Context) (Report, error) {
	release, err := o.locker.TryLock(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()

	report := Report{OK: true}
	for _, entityType := range domain.EntityTypes {
		if ctx.Err() != nil {
			break
		}
		if err := o.begin(entityType); err != nil {
			report.Skipped = append(report.Skipped, entityType)
			continue
		}
		result := o.drain(ctx, entityType)
		o.finish(result)
		report.Results = append(report.Results, result)
		report.Synced += result.Synced
		report.Failed += result.Failed
		report.OK = report.OK && result.OK
	}

	if report.Synced > 0 {
		o.publish(events.Event{Name: events.SyncCompleted, Count: report.Synced})
	}
	o.log.Info().
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Int("skipped", len(report.Skipped)).
		Bool("ok", report.OK).
		Msg("sync pass finished")
	return report, ctx.Err()
}

func (o *Orchestrator) begin(entityType domain.EntityType) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[entityType] {
		return ErrSyncInProgress
	}
	if last, ok := o.lastDone[entityType]; ok && o.now().Sub(last) < o.cfg.Throttle {
		return ErrThrottled
	}
	o.inFlight[entityType] = true
	st := o.status[entityType]
	st.EntityType = entityType
	st.State = StateSyncing
	o.status[entityType] = st
	return nil
}

func (o *Orchestrator) finish(result Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, result.EntityType)
	o.lastDone[result.EntityType] = o.now()
	state := StateCompleted
	if !result.OK {
		state = StateFailed
	}
	r := result
	o.status[result.EntityType] = TypeStatus{
		EntityType: result.EntityType,
		State:      state,
		LastRun:    result.FinishedAt,
		LastResult: &r,
	}
}

// drain runs one pass over the eligible operations of a type, oldest first.
// A failing operation never stops the pass.
func (o *Orchestrator) drain(ctx context.Context, entityType domain.EntityType) Result {
	result := Result{EntityType: entityType, StartedAt: o.now().UTC()}
	log := o.log.With().Str("entity_type", string(entityType)).Logger()

	keep, superseded := queue.Collapse(o.queue.Eligible(entityType))
	if len(superseded) > 0 {
		ids := make([]string, 0, len(superseded))
		for _, op := range superseded {
			ids = append(ids, op.ID)
		}
		result.Superseded = o.queue.DequeueSucceeded(ctx, ids...)
		log.Debug().Int("superseded", result.Superseded).Msg("dropped superseded operations")
	}

	for _, queued := range keep {
		if ctx.Err() != nil {
			break
		}
		// re-read: an earlier create in this pass may have rewritten the payload
		op, err := o.queue.Get(queued.ID)
		if err != nil || op.Exhausted() {
			continue
		}
		result.Attempted++

		opCtx, cancel := context.WithTimeout(ctx, o.cfg.OpTimeout)
		outcome, err := o.exec.Execute(opCtx, o.cfg.UserID, op)
		timedOut := errors.Is(opCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			o.queue.DequeueSucceeded(ctx, op.ID)
			result.Synced++
			if op.Kind == domain.OpCreate && outcome.Entity != nil && outcome.TempID != "" {
				o.created(ctx, entityType, outcome)
			}
			continue
		}

		var ref *executor.LocalReferenceError
		if errors.As(err, &ref) && o.queue.HasPendingCreate(ref.ID) {
			result.Deferred++
			log.Debug().Str("op_id", op.ID).Str("waiting_on", ref.ID).Msg("operation deferred")
			continue
		}
		if ctx.Err() != nil {
			// shutting down; the attempt does not count
			result.Attempted--
			break
		}
		if timedOut {
			err = fmt.Errorf("timed out after %s: %w", o.cfg.OpTimeout, err)
		}
		updated, incErr := o.queue.IncrementAttempts(ctx, op.ID, err)
		if incErr != nil {
			log.Warn().Err(incErr).Str("op_id", op.ID).Msg("record failed attempt")
		}
		result.Failed++
		log.Warn().
			Err(err).
			Str("op_id", op.ID).
			Str("kind", string(op.Kind)).
			Int("attempt", updated.AttemptCount).
			Int("max_attempts", updated.MaxAttempts).
			Msg("operation failed")
	}

	result.OK = result.Failed == 0
	result.FinishedAt = o.now().UTC()
	if result.Synced > 0 {
		o.publish(events.Event{Name: entityType.SyncedEvent(), EntityType: entityType, Count: result.Synced})
	}
	return result
}

func (o *Orchestrator) created(ctx context.Context, entityType domain.EntityType, outcome executor.Outcome) {
	realID := outcome.Entity.EntityID()
	o.queue.RewriteEntityID(ctx, outcome.TempID, realID)

	o.mu.Lock()
	hooks := append([]CreatedHook(nil), o.hooks...)
	o.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, entityType, outcome.TempID, outcome.Entity)
	}
}

func (o *Orchestrator) publish(event events.Event) {
	if o.publisher != nil {
		o.publisher.Publish(event)
	}
}

// Status reports the last known state of every type.
func (o *Orchestrator) Status() []TypeStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]TypeStatus, 0, len(domain.EntityTypes))
	for _, entityType := range domain.EntityTypes {
		st, ok := o.status[entityType]
		if !ok {
			st = TypeStatus{EntityType: entityType, State: StateIdle}
		}
		out = append(out, st)
	}
	return out
}

// Syncing reports whether any type is being drained.
func (o *Orchestrator) Syncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight) > 0
}

// LastSync is the most recent finish time across types.
func (o *Orchestrator) LastSync() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	var last time.Time
	for _, st := range o.status {
		if st.LastRun.After(last) {
			last = st.LastRun
		}
	}
	return last
}
