package queue

import (
	"encoding/json"

	"dukafiti/offline/internal/domain"
)

// Action describes what Enqueue did with an incoming operation.
type Action string

const (
	ActionAppended  Action = "appended"
	ActionReplaced  Action = "replaced"
	ActionFolded    Action = "folded"
	ActionDuplicate Action = "duplicate"
	ActionCancelled Action = "cancelled"
)

// dedupe applies the enqueue-time rules for one incoming operation and returns
// the next queue, the operation that now represents the mutation, and what happened.
func dedupe(queue []domain.PendingOperation, op domain.PendingOperation) ([]domain.PendingOperation, domain.PendingOperation, Action) {
	for _, existing := range queue {
		if existing.EntityType == op.EntityType && existing.Kind == op.Kind && existing.SamePayload(op) {
			return queue, existing, ActionDuplicate
		}
	}

	target := op.TargetID()
	if target == "" {
		return append(queue, op), op, ActionAppended
	}

	switch op.Kind {
	case domain.OpUpdate:
		if domain.IsTempID(target) {
			if idx := indexOf(queue, op.EntityType, domain.OpCreate, target); idx >= 0 {
				folded, err := foldIntoCreate(queue[idx], op)
				if err == nil {
					next := cloneOps(queue)
					next[idx] = folded
					return next, folded, ActionFolded
				}
			}
		}
		if idx := indexOf(queue, op.EntityType, domain.OpUpdate, target); idx >= 0 {
			merged, err := mergeUpdates(queue[idx], op)
			if err != nil {
				merged = op
			}
			next := removeAt(queue, idx)
			return append(next, merged), merged, ActionReplaced
		}
	case domain.OpCreate:
		if idx := indexOf(queue, op.EntityType, domain.OpCreate, target); idx >= 0 {
			next := removeAt(queue, idx)
			return append(next, op), op, ActionReplaced
		}
	case domain.OpDelete:
		next := make([]domain.PendingOperation, 0, len(queue)+1)
		for _, existing := range queue {
			if existing.EntityType == op.EntityType && existing.Kind == domain.OpUpdate && existing.TargetID() == target {
				continue
			}
			next = append(next, existing)
		}
		if domain.IsTempID(target) {
			if idx := indexOf(next, op.EntityType, domain.OpCreate, target); idx >= 0 {
				return removeAt(next, idx), op, ActionCancelled
			}
		}
		return append(next, op), op, ActionAppended
	}

	return append(queue, op), op, ActionAppended
}

// Collapse is the sync-time pass: operations are grouped by
// "{kind}_{id or name}" and only the most recently created one per key is
// kept. Later queue position wins ties.
func Collapse(ops []domain.PendingOperation) (keep []domain.PendingOperation, superseded []domain.PendingOperation) {
	winner := make(map[string]int, len(ops))
	for i, op := range ops {
		key := collapseKey(op)
		if prev, ok := winner[key]; ok && ops[prev].CreatedAt.After(op.CreatedAt) {
			continue
		}
		winner[key] = i
	}

	for i, op := range ops {
		if winner[collapseKey(op)] == i {
			keep = append(keep, op)
		} else {
			superseded = append(superseded, op)
		}
	}
	return keep, superseded
}

func collapseKey(op domain.PendingOperation) string {
	id, name := op.Target()
	subject := id
	if subject == "" {
		subject = name
	}
	if subject == "" {
		// nothing to group on; never collapse
		subject = "#" + op.ID
	}
	return string(op.Kind) + "_" + subject
}

func indexOf(queue []domain.PendingOperation, entityType domain.EntityType, kind domain.OperationKind, target string) int {
	for i, op := range queue {
		if op.EntityType == entityType && op.Kind == kind && op.TargetID() == target {
			return i
		}
	}
	return -1
}

func mergeUpdates(older domain.PendingOperation, newer domain.PendingOperation) (domain.PendingOperation, error) {
	prev, err := domain.DecodeUpdate(older.Payload)
	if err != nil {
		return domain.PendingOperation{}, err
	}
	next, err := domain.DecodeUpdate(newer.Payload)
	if err != nil {
		return domain.PendingOperation{}, err
	}
	for field, value := range next.Updates {
		prev.Updates[field] = value
	}
	merged := newer
	merged.Payload = domain.MustJSON(domain.UpdatePayload{ID: next.ID, Updates: prev.Updates})
	return merged, nil
}

// foldIntoCreate merges an edit of an unsynced entity into its create. The
// result counts as a new mutation, so earlier failed attempts are forgotten, as
// they are when a create replaces a queued one.
func foldIntoCreate(create domain.PendingOperation, update domain.PendingOperation) (domain.PendingOperation, error) {
	var fields map[string]any
	if err := json.Unmarshal(create.Payload, &fields); err != nil {
		return domain.PendingOperation{}, err
	}
	patch, err := domain.DecodeUpdate(update.Payload)
	if err != nil {
		return domain.PendingOperation{}, err
	}
	for field, value := range patch.Updates {
		if field == "id" {
			continue
		}
		fields[field] = value
	}
	folded := create
	folded.Payload = domain.MustJSON(fields)
	folded.AttemptCount = 0
	folded.LastError = ""
	folded.LastAttemptAt = nil
	return folded, nil
}

func removeAt(queue []domain.PendingOperation, idx int) []domain.PendingOperation {
	next := make([]domain.PendingOperation, 0, len(queue))
	next = append(next, queue[:idx]...)
	return append(next, queue[idx+1:]...)
}

func cloneOps(queue []domain.PendingOperation) []domain.PendingOperation {
	return append([]domain.PendingOperation(nil), queue...)
}
