// Package clock wraps wall-clock time and ID minting behind small
// interfaces so the scheduling and reconciliation loops can be driven by a
// fake clock in tests instead of real sleeps, the way the teacher's
// reconciler/scheduler code calls time.Now() and uuid.New() directly but
// the higher test counts in this rendition need to fast-forward time.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now, time.After and time.NewTicker.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker abstracts *time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock, a thin pass-through to the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// IDMinter mints unique, opaque identifiers for instances, tasks and
// deployment plans.
type IDMinter interface {
	NewID() string
}

// UUIDMinter mints RFC-4122 v4 UUIDs via google/uuid, matching the
// identifier shape the teacher uses throughout pkg/types and pkg/scheduler.
type UUIDMinter struct{}

func (UUIDMinter) NewID() string { return uuid.New().String() }
