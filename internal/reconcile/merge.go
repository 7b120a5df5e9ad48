// Package reconcile merges freshly fetched server snapshots into the cached
// entity lists with a last-write-wins rule.
package reconcile

import (
	"sort"
	"time"

	"dukafiti/offline/internal/domain"
)

// Clock returns the timestamp compared when both sides hold the same entity.
type Clock[T domain.Entity] func(T) time.Time

// ProductClock uses the modification time.
func ProductClock(p domain.Product) time.Time { return p.UpdatedAt }

// CustomerClock uses the last purchase date. Edits that do not touch it, such
// as a credit limit change, are not seen as newer than the server copy.
func CustomerClock(c domain.Customer) time.Time { return c.LastPurchaseAt }

// CreatedClock serves the immutable types: sales, payments, transactions.
func CreatedClock[T domain.Entity](item T) time.Time { return item.CreatedTime() }

// Merge combines the cached list with the server snapshot:
// local entities not yet on the server are kept, entities present on both
// sides keep the copy with the greater clock (local on ties), server-only
// entities are taken as-is. The result is deduplicated by id and sorted by
// creation time, newest first.
func Merge[T domain.Entity](local []T, server []T, clock Clock[T]) []T {
	serverKeys := make(map[string]struct{}, len(server))
	for _, item := range server {
		if key := item.NaturalKey(); key != "" {
			serverKeys[key] = struct{}{}
		}
	}

	localByID := make(map[string]T, len(local))
	merged := make([]T, 0, len(local)+len(server))
	for _, item := range local {
		ref := item.Ref()
		if !ref.IsLocal() {
			localByID[ref.ID] = item
			continue
		}
		if _, onServer := serverKeys[ref.NaturalKey]; onServer {
			continue
		}
		merged = append(merged, item)
	}

	for _, remote := range server {
		if cached, ok := localByID[remote.EntityID()]; ok && !clock(cached).Before(clock(remote)) {
			merged = append(merged, cached)
			continue
		}
		merged = append(merged, remote)
	}

	seen := make(map[string]struct{}, len(merged))
	result := merged[:0]
	for _, item := range merged {
		if _, dup := seen[item.EntityID()]; dup {
			continue
		}
		seen[item.EntityID()] = struct{}{}
		result = append(result, item)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedTime().After(result[j].CreatedTime())
	})
	return result
}
