package domain

import "strings"

// TempIDPrefix marks ids generated on the client for entities the server has
// not confirmed yet. It is only the persisted encoding; code should branch on
// EntityRef rather than on the prefix.
const TempIDPrefix = "temp_"

type RefKind uint8

const (
	RefLocal RefKind = iota + 1
	RefSynced
)

// EntityRef identifies an entity either by its client-local temp id (with the
// natural key needed to find its server twin) or by its server id.
type EntityRef struct {
	Kind       RefKind
	ID         string
	NaturalKey string
}

func LocalRef(tempID string, naturalKey string) EntityRef {
	return EntityRef{Kind: RefLocal, ID: tempID, NaturalKey: naturalKey}
}

func SyncedRef(id string) EntityRef {
	return EntityRef{Kind: RefSynced, ID: id}
}

// RefFor classifies a stored id.
func RefFor(id string, naturalKey string) EntityRef {
	if IsTempID(id) {
		return LocalRef(id, naturalKey)
	}
	ref := SyncedRef(id)
	ref.NaturalKey = naturalKey
	return ref
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

func (r EntityRef) IsLocal() bool  { return r.Kind == RefLocal }
func (r EntityRef) IsSynced() bool { return r.Kind == RefSynced }

func (r EntityRef) String() string {
	if r.IsLocal() {
		return "local(" + r.ID + ")"
	}
	return "synced(" + r.ID + ")"
}
