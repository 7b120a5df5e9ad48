// Package queue holds the durable list of mutations the server has not
// confirmed yet. The whole list is persisted under a single storage key after
// every change.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/kv"
	"dukafiti/offline/internal/xid"

	"github.com/rs/zerolog"
)

const StorageKey = "dukafiti:sync_queue"

var (
	ErrNotFound = errors.New("queue: operation not found")
	ErrInvalid  = errors.New("queue: invalid operation")
)

type NewOperation struct {
	EntityType  domain.EntityType
	Kind        domain.OperationKind
	Payload     json.RawMessage
	MaxAttempts int
}

type Store struct {
	mu          sync.Mutex
	storage     kv.Storage
	key         string
	log         zerolog.Logger
	now         func() time.Time
	maxAttempts int
	ops         []domain.PendingOperation
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithMaxAttempts sets the attempt budget given to operations that do not
// carry their own.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Open loads the persisted queue. Unreadable data is logged and the queue
// starts empty.
func Open(ctx context.Context, storage kv.Storage, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		storage:     storage,
		key:         StorageKey,
		log:         logger.With().Str("component", "queue").Logger(),
		now:         time.Now,
		maxAttempts: domain.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mu.Lock()
	s.loadLocked(ctx)
	s.mu.Unlock()
	return s
}

// Reload replaces the in-memory list with what is persisted. Used by processes
// that share storage with a running agent.
func (s *Store) Reload(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) {
	s.ops = nil
	raw, ok, err := s.storage.Get(ctx, s.key)
	if err != nil {
		s.log.Warn().Err(err).Msg("load queue failed, starting empty")
		return
	}
	if !ok || raw == "" {
		return
	}
	var ops []domain.PendingOperation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		s.log.Warn().Err(err).Msg("queue data unreadable, starting empty")
		return
	}
	s.ops = ops
}

// persistLocked writes the whole list. Failures are not returned: the
// in-memory queue stays authoritative for this process.
func (s *Store) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(s.ops)
	if err != nil {
		s.log.Warn().Err(err).Msg("encode queue failed")
		return
	}
	if err := s.storage.Set(ctx, s.key, string(raw)); err != nil {
		s.log.Warn().Err(err).Int("operations", len(s.ops)).Msg("persist queue failed")
	}
}

func (s *Store) Enqueue(ctx context.Context, in NewOperation) (domain.PendingOperation, Action, error) {
	if !in.EntityType.Valid() {
		return domain.PendingOperation{}, "", fmt.Errorf("%w: entity type %q", ErrInvalid, in.EntityType)
	}
	if !in.Kind.Valid() {
		return domain.PendingOperation{}, "", fmt.Errorf("%w: operation kind %q", ErrInvalid, in.Kind)
	}
	if len(in.Payload) == 0 || !json.Valid(in.Payload) {
		return domain.PendingOperation{}, "", fmt.Errorf("%w: payload is not json", ErrInvalid)
	}

	now := s.now().UTC()
	maxAttempts := in.MaxAttempts
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	op := domain.PendingOperation{
		ID:          xid.Operation(string(in.EntityType), string(in.Kind), now),
		EntityType:  in.EntityType,
		Kind:        in.Kind,
		Payload:     append(json.RawMessage(nil), in.Payload...),
		CreatedAt:   now,
		MaxAttempts: maxAttempts,
	}

	next, result, action := dedupe(s.ops, op)
	if action == ActionDuplicate {
		return result, action, nil
	}
	s.ops = next
	s.persistLocked(ctx)
	s.log.Debug().
		Str("op_id", result.ID).
		Str("entity_type", string(result.EntityType)).
		Str("kind", string(result.Kind)).
		Str("action", string(action)).
		Int("queued", len(s.ops)).
		Msg("enqueue")
	return result, action, nil
}

// DequeueSucceeded removes the given operations and reports how many were found.
func (s *Store) DequeueSucceeded(ctx context.Context, ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.ops[:0:0]
	for _, op := range s.ops {
		if _, ok := drop[op.ID]; ok {
			continue
		}
		kept = append(kept, op)
	}
	removed := len(s.ops) - len(kept)
	if removed == 0 {
		return 0
	}
	s.ops = kept
	s.persistLocked(ctx)
	return removed
}

// IncrementAttempts records a failed attempt. The count never exceeds the
// operation's budget.
func (s *Store) IncrementAttempts(ctx context.Context, id string, cause error) (domain.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ops {
		if s.ops[i].ID != id {
			continue
		}
		op := &s.ops[i]
		if op.AttemptCount < op.MaxAttempts {
			op.AttemptCount++
		}
		at := s.now().UTC()
		op.LastAttemptAt = &at
		if cause != nil {
			op.LastError = cause.Error()
		}
		s.persistLocked(ctx)
		if op.Exhausted() {
			s.log.Warn().Str("op_id", op.ID).Str("last_error", op.LastError).Msg("operation exhausted its attempts")
		}
		return *op, nil
	}
	return domain.PendingOperation{}, ErrNotFound
}

func (s *Store) Get(id string) (domain.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op.ID == id {
			return op, nil
		}
	}
	return domain.PendingOperation{}, ErrNotFound
}

// List returns queued operations, optionally limited to some types, in queue order.
func (s *Store) List(types ...domain.EntityType) []domain.PendingOperation {
	return s.filter(func(op domain.PendingOperation) bool { return matches(op, types) })
}

// Eligible returns the operations of one type that still have attempts left,
// oldest first.
func (s *Store) Eligible(entityType domain.EntityType) []domain.PendingOperation {
	ops := s.filter(func(op domain.PendingOperation) bool {
		return op.EntityType == entityType && !op.Exhausted()
	})
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
	return ops
}

// HasPendingCreate reports whether a create for id is still waiting to sync.
func (s *Store) HasPendingCreate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op.Kind == domain.OpCreate && !op.Exhausted() && op.TargetID() == id {
			return true
		}
	}
	return false
}

// Stuck returns exhausted operations; they wait for a manual retry or clear.
func (s *Store) Stuck(types ...domain.EntityType) []domain.PendingOperation {
	return s.filter(func(op domain.PendingOperation) bool { return op.Exhausted() && matches(op, types) })
}

func (s *Store) PendingCount(types ...domain.EntityType) int {
	return len(s.List(types...))
}

func (s *Store) ErrorCount(types ...domain.EntityType) int {
	return len(s.Stuck(types...))
}

func (s *Store) Counts() map[domain.EntityType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.EntityType]int, len(domain.EntityTypes))
	for _, op := range s.ops {
		counts[op.EntityType]++
	}
	return counts
}

// ClearErrors drops every exhausted operation.
func (s *Store) ClearErrors(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.ops[:0:0]
	for _, op := range s.ops {
		if !op.Exhausted() {
			kept = append(kept, op)
		}
	}
	cleared := len(s.ops) - len(kept)
	if cleared > 0 {
		s.ops = kept
		s.persistLocked(ctx)
		s.log.Info().Int("cleared", cleared).Msg("cleared stuck operations")
	}
	return cleared
}

// RetryErrors gives exhausted operations a fresh attempt budget.
func (s *Store) RetryErrors(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for i := range s.ops {
		if s.ops[i].Exhausted() {
			s.ops[i].AttemptCount = 0
			s.ops[i].LastError = ""
			reset++
		}
	}
	if reset > 0 {
		s.persistLocked(ctx)
		s.log.Info().Int("reset", reset).Msg("reset stuck operations")
	}
	return reset
}

// RewriteEntityID replaces every occurrence of tempID in queued payloads with
// realID, so updates, deletes and cross-entity references queued against a
// local entity follow it to its server id.
func (s *Store) RewriteEntityID(ctx context.Context, tempID string, realID string) int {
	if tempID == "" || realID == "" || tempID == realID {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rewritten := 0
	for i := range s.ops {
		payload, changed, err := rewriteStrings(s.ops[i].Payload, tempID, realID)
		if err != nil || !changed {
			continue
		}
		s.ops[i].Payload = payload
		rewritten++
	}
	if rewritten > 0 {
		s.persistLocked(ctx)
		s.log.Debug().Str("temp_id", tempID).Str("id", realID).Int("operations", rewritten).Msg("rewrote queued references")
	}
	return rewritten
}

func (s *Store) filter(keep func(domain.PendingOperation) bool) []domain.PendingOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PendingOperation, 0, len(s.ops))
	for _, op := range s.ops {
		if keep(op) {
			out = append(out, op)
		}
	}
	return out
}

func matches(op domain.PendingOperation, types []domain.EntityType) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if op.EntityType == t {
			return true
		}
	}
	return false
}

func rewriteStrings(raw json.RawMessage, from string, to string) (json.RawMessage, bool, error) {
	var v any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&v); err != nil {
		return nil, false, err
	}
	changed := false
	var walk func(any) any
	walk = func(node any) any {
		switch typed := node.(type) {
		case string:
			if typed == from {
				changed = true
				return to
			}
			return typed
		case map[string]any:
			for k, child := range typed {
				typed[k] = walk(child)
			}
			return typed
		case []any:
			for i, child := range typed {
				typed[i] = walk(child)
			}
			return typed
		default:
			return typed
		}
	}
	v = walk(v)
	if !changed {
		return raw, false, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
