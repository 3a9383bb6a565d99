package domain

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.
)

// NewOccurrenceID returns a time-ordered 128-bit id. The same value serves as
// the broker correlation id.
func NewOccurrenceID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), ulidEntropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewJobID returns a fresh job id.
func NewJobID() string { return uuid.New().String() }

// NewInstanceID derives a per-replica worker instance id from the fleet id
// plus process entropy.
func NewInstanceID(workerID string) string {
	return workerID + "-" + uuid.New().String()[:8]
}

// NewLockToken returns an unguessable owner token for KV locks.
func NewLockToken() string { return uuid.New().String() }
