package service

import "github.com/google/uuid"

// Resolver maps display names to account ids and back. The admin API accepts
// either form; deployments plug in whatever directory they have. Profile's
// online flag lets a never-before-seen account that is currently connected be
// queried without a "not found".
type Resolver interface {
	Lookup(name string) (uuid.UUID, bool)
	Profile(id uuid.UUID) (name string, online bool, known bool)
}

// StaticResolver is a fixed name table, used in tests and for deployments
// without a player directory.
type StaticResolver struct {
	ByName   map[string]uuid.UUID
	Online   map[uuid.UUID]bool
	reversed map[uuid.UUID]string
}

// NewStaticResolver builds a resolver over a fixed name table.
func NewStaticResolver(byName map[string]uuid.UUID) *StaticResolver {
	reversed := make(map[uuid.UUID]string, len(byName))
	for name, id := range byName {
		reversed[id] = name
	}
	return &StaticResolver{
		ByName:   byName,
		Online:   make(map[uuid.UUID]bool),
		reversed: reversed,
	}
}

func (r *StaticResolver) Lookup(name string) (uuid.UUID, bool) {
	id, ok := r.ByName[name]
	return id, ok
}

func (r *StaticResolver) Profile(id uuid.UUID) (string, bool, bool) {
	name, known := r.reversed[id]
	return name, r.Online[id], known
}
