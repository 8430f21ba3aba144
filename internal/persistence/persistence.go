package persistence

import "github.com/petrijr/stepflow/pkg/api"

// Persistence bundles the snapshot storage and the event log so callers
// can open a backend as a single value. Events may be nil.
type Persistence struct {
	Runs   api.Storage
	Events api.EventStore
	// Close releases the underlying connections.
	Close func() error
}
