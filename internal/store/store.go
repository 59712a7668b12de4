// Package store persists detector state: address history, latest addresses,
// the identity graph adjacency, and the reputation cache. Two backends are
// provided — flat YAML files and an embedded Badger database — behind one
// interface so the rest of the system never touches storage details.
//
// Loads are tolerant by contract: a record whose account identifier or
// neighbor identifier fails to parse is skipped with a logged warning, and
// a missing section yields an empty map. A load never hard-fails because
// one row is bad.
package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ravenclaw-b/deepalts/internal/reputation"
)

// Store is the durable state backend.
type Store interface {
	// SaveIdentity writes the full address-history and latest-address maps.
	SaveIdentity(history map[uuid.UUID][]string, latest map[uuid.UUID]string) error
	// LoadIdentity reads both identity maps, skipping unparseable rows.
	LoadIdentity() (history map[uuid.UUID][]string, latest map[uuid.UUID]string, err error)

	// SaveGraph writes the graph adjacency lists.
	SaveGraph(adjacency map[uuid.UUID][]uuid.UUID) error
	// LoadGraph reads the adjacency lists, skipping unparseable rows.
	LoadGraph() (map[uuid.UUID][]uuid.UUID, error)

	// SaveReputation writes the classification cache.
	SaveReputation(entries map[string]reputation.Entry) error
	// LoadReputation reads the classification cache.
	LoadReputation() (map[string]reputation.Entry, error)

	Close() error
}

// Open selects a backend by name: "file" or "badger".
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "", "file":
		return OpenFile(dir)
	case "badger":
		return OpenBadger(dir)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}
