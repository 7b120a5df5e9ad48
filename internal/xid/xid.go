package xid

import (
	"fmt"
	"strings"
	"time"

	"dukafiti/offline/internal/domain"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Operation builds a pending operation id: {entityType}_{kind}_{unixMillis}_{random}.
func Operation(entityType string, kind string, at time.Time) string {
	random := strings.ToLower(ulid.Make().String()[10:])
	return fmt.Sprintf("%s_%s_%d_%s", entityType, kind, at.UnixMilli(), random)
}

// Temp returns a client-local placeholder id.
func Temp() string {
	return domain.TempIDPrefix + uuid.NewString()
}

// Server returns an id in the shape the remote store assigns.
func Server() string {
	return uuid.NewString()
}
