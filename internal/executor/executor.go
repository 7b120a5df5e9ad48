// Package executor turns one queued operation into remote writes. Each entity
// type has its own executor owning the local/remote field mapping; every call
// is scoped by the user id.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/store"

	"github.com/rs/zerolog"
)

var ErrLocalReference = errors.New("executor: references an entity the server has not confirmed")

// LocalReferenceError names the temp id an operation is waiting on.
type LocalReferenceError struct {
	ID string
}

func (e *LocalReferenceError) Error() string {
	return fmt.Sprintf("%v: %s", ErrLocalReference, e.ID)
}

func (e *LocalReferenceError) Is(target error) bool {
	return target == ErrLocalReference
}

func localReference(id string) error {
	return &LocalReferenceError{ID: id}
}

type Outcome struct {
	// Entity is the server copy after a create or update.
	Entity domain.Entity
	// TempID is the local id a create replaced.
	TempID string
	// Existing is set when a create found its natural key already on the server.
	Existing bool
	// Noop is set when the remote state already satisfied the operation.
	Noop bool
}

type Executor interface {
	EntityType() domain.EntityType
	Execute(ctx context.Context, userID string, op domain.PendingOperation) (Outcome, error)
}

type entityExecutor[T domain.Entity] struct {
	entity  domain.EntityType
	table   store.Table
	fields  mapping
	repo    store.Repository
	now     func() time.Time
	log     zerolog.Logger
	stamp   string
	match   func(T) store.Row
	prepare func(T, store.Row)
	deps    func(T) []string
	insert  func(ctx context.Context, userID string, item T, row store.Row) (store.Row, error)
}

func (e *entityExecutor[T]) EntityType() domain.EntityType { return e.entity }

func (e *entityExecutor[T]) Execute(ctx context.Context, userID string, op domain.PendingOperation) (Outcome, error) {
	if op.EntityType != e.entity {
		return Outcome{}, fmt.Errorf("%w: %s executor got %s operation", store.ErrInvalid, e.entity, op.EntityType)
	}
	switch op.Kind {
	case domain.OpCreate:
		return e.create(ctx, userID, op.Payload)
	case domain.OpUpdate:
		return e.update(ctx, userID, op.Payload)
	case domain.OpDelete:
		return e.remove(ctx, userID, op.Payload)
	default:
		return Outcome{}, fmt.Errorf("%w: operation kind %q", store.ErrInvalid, op.Kind)
	}
}

func (e *entityExecutor[T]) create(ctx context.Context, userID string, payload json.RawMessage) (Outcome, error) {
	var item T
	if err := json.Unmarshal(payload, &item); err != nil {
		return Outcome{}, fmt.Errorf("%w: decode %s: %v", store.ErrInvalid, e.entity, err)
	}
	values, err := fields(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: decode %s: %v", store.ErrInvalid, e.entity, err)
	}
	tempID := item.EntityID()
	if e.deps != nil {
		for _, ref := range e.deps(item) {
			if domain.IsTempID(ref) {
				return Outcome{}, localReference(ref)
			}
		}
	}

	existing, found, err := e.lookup(ctx, userID, item)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup %s: %w", e.entity, err)
	}
	if found {
		e.log.Debug().Str("temp_id", tempID).Str("id", existing.EntityID()).Msg("create already applied")
		return Outcome{Entity: existing, TempID: tempID, Existing: true}, nil
	}

	row, err := e.fields.toRow(values, "id")
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	if e.prepare != nil {
		e.prepare(item, row)
	}
	if e.stamp != "" {
		row[e.stamp] = e.now().UTC()
	}

	var saved store.Row
	if e.insert != nil {
		saved, err = e.insert(ctx, userID, item, row)
	} else {
		saved, err = e.repo.Insert(ctx, e.table, userID, row)
	}
	if errors.Is(err, store.ErrConflict) {
		// a concurrent writer got there first
		if existing, found, lookupErr := e.lookup(ctx, userID, item); lookupErr == nil && found {
			return Outcome{Entity: existing, TempID: tempID, Existing: true}, nil
		}
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("insert %s: %w", e.entity, err)
	}

	created, err := decode[T](e.fields, saved)
	if err != nil {
		return Outcome{}, fmt.Errorf("decode created %s: %w", e.entity, err)
	}
	return Outcome{Entity: created, TempID: tempID}, nil
}

func (e *entityExecutor[T]) lookup(ctx context.Context, userID string, item T) (T, bool, error) {
	var zero T
	if e.match == nil {
		return zero, false, nil
	}
	rows, err := e.repo.SelectWhere(ctx, e.table, userID, e.match(item))
	if err != nil {
		return zero, false, err
	}
	want := item.NaturalKey()
	for _, row := range rows {
		candidate, err := decode[T](e.fields, row)
		if err != nil {
			return zero, false, err
		}
		if candidate.NaturalKey() == want {
			return candidate, true, nil
		}
	}
	return zero, false, nil
}

func (e *entityExecutor[T]) update(ctx context.Context, userID string, payload json.RawMessage) (Outcome, error) {
	patch, err := domain.DecodeUpdate(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	if patch.ID == "" {
		return Outcome{}, fmt.Errorf("%w: update without id", store.ErrInvalid)
	}
	if domain.IsTempID(patch.ID) {
		return Outcome{}, localReference(patch.ID)
	}

	exists, err := e.repo.Exists(ctx, e.table, userID, patch.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("check %s %s: %w", e.entity, patch.ID, err)
	}
	if !exists {
		e.log.Info().Str("id", patch.ID).Msg("update target no longer exists, dropping")
		return Outcome{Noop: true}, nil
	}

	// round-trip through JSON so numbers keep their exact form
	values, err := fields(domain.MustJSON(patch.Updates))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	changes, err := e.fields.toRow(values, "id", "createdAt", "updatedAt")
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	if len(changes) == 0 {
		return Outcome{Noop: true}, nil
	}
	if e.stamp != "" {
		changes[e.stamp] = e.now().UTC()
	}

	saved, err := e.repo.Update(ctx, e.table, userID, patch.ID, changes)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Noop: true}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("update %s %s: %w", e.entity, patch.ID, err)
	}
	updated, err := decode[T](e.fields, saved)
	if err != nil {
		return Outcome{}, fmt.Errorf("decode updated %s: %w", e.entity, err)
	}
	return Outcome{Entity: updated}, nil
}

func (e *entityExecutor[T]) remove(ctx context.Context, userID string, payload json.RawMessage) (Outcome, error) {
	var target domain.DeletePayload
	if err := json.Unmarshal(payload, &target); err != nil || target.ID == "" {
		return Outcome{}, fmt.Errorf("%w: delete without id", store.ErrInvalid)
	}
	if domain.IsTempID(target.ID) {
		return Outcome{}, localReference(target.ID)
	}
	err := e.repo.Delete(ctx, e.table, userID, target.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Noop: true}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("delete %s %s: %w", e.entity, target.ID, err)
	}
	return Outcome{}, nil
}

func (e *entityExecutor[T]) list(ctx context.Context, userID string) ([]T, error) {
	rows, err := e.repo.SelectAll(ctx, e.table, userID)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", e.table, err)
	}
	return decodeAll[T](e.fields, rows)
}
