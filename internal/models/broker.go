// Package models defines the domain types shared across the broker
// protection job engine: brokers, profile queries, job history events and
// the subscription token container.
package models

import (
	"fmt"
	"time"
)

// Broker represents a third-party data broker site the engine scans and
// requests removals from. Definitions are synced from a remote JSON feed.
type Broker struct {
	ID        int64
	Name      string
	Version   string
	URL       string
	OptOutURL string
	// SchedulingIntervalHours controls how often a completed scan becomes
	// runnable again for this broker.
	SchedulingIntervalHours int
	CreatedAt               time.Time
}

// Key returns the composite identity used to aggregate per-broker metrics.
// Brokers are keyed by name and definition version because two versions of
// the same broker definition can behave differently.
func (b Broker) Key() string {
	return fmt.Sprintf("%s-%s", b.Name, b.Version)
}

// ProfileQuery is one user-profile variant (name + location + birth year)
// matched against broker sites. A deprecated query is kept for history but
// no longer scanned.
type ProfileQuery struct {
	ID         int64
	FirstName  string
	LastName   string
	City       string
	State      string
	BirthYear  int
	Deprecated bool
	CreatedAt  time.Time
}

// Profile is the user profile the queries are derived from. The engine
// stores at most one profile.
type Profile struct {
	ID        int64
	Payload   []byte // serialized profile document
	UpdatedAt time.Time
}
