// Package ids provides ID primitives used across duet: server ULIDs and client correlation ids.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempPrefix marks message ids that were generated client-side and are not yet confirmed.
const TempPrefix = "temp-"

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable which keeps conversation and message ids ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewClientMsgID returns a random correlation id for an outgoing message.
func NewClientMsgID() string {
	return uuid.NewString()
}

// TempMessageID returns the placeholder message id for a correlation id.
func TempMessageID(clientMsgID string) string {
	return TempPrefix + clientMsgID
}

// IsTemp reports whether id is a client-side placeholder.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}
