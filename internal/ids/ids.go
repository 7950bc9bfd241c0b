// Package ids mints collision-resistant identifiers for every entity kind.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Kind selects the identifier scheme for an entity. Alerts, contacts, teams,
// policies, and windows get random UUIDs (no useful ordering). Jobs and
// executions get ULIDs: lexically sortable by creation time, which is what
// the Store's "scheduled_not_before" and "by alert_id" range scans need
//.
type Kind string

const (
	KindAlert      Kind = "alert"
	KindContact    Kind = "contact"
	KindTeam       Kind = "team"
	KindPolicy     Kind = "policy"
	KindRule       Kind = "rule"
	KindWindow     Kind = "window"
	KindJob        Kind = "job"
	KindExecution  Kind = "execution"
)

// Minter mints new IDs; tests substitute a deterministic Minter.
type Minter interface {
	New(kind Kind) string
}

type real struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewReal returns the production Minter, seeded from crypto/rand.
func NewReal() Minter {
	return &real{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (r *real) New(kind Kind) string {
	switch kind {
	case KindJob, KindExecution:
		r.mu.Lock()
		defer r.mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
	default:
		return uuid.NewString()
	}
}
