package sources

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"shiori/apperr"
)

type registryEntry struct {
	factory Factory
	once    sync.Once
	source  Source
}

// Registry maps source ids to lazily constructed, cached sources.
// The id table is fixed at construction, so lookups need no lock; each
// source is built exactly once on first use.
type Registry struct {
	deps    Deps
	entries map[int]*registryEntry
	ids     []int
}

// NewRegistry creates a registry over entries. Duplicate ids are a programming error.
func NewRegistry(deps Deps, entries ...Entry) (*Registry, error) {
	r := &Registry{
		deps:    deps,
		entries: make(map[int]*registryEntry, len(entries)),
	}
	for _, e := range entries {
		if _, exists := r.entries[e.ID]; exists {
			return nil, fmt.Errorf("duplicate source id %d", e.ID)
		}
		if e.Factory == nil {
			return nil, fmt.Errorf("source id %d has no factory", e.ID)
		}
		r.entries[e.ID] = &registryEntry{factory: e.Factory}
		r.ids = append(r.ids, e.ID)
	}
	return r, nil
}

// Get returns the source for id, constructing it on first use.
func (r *Registry) Get(id int) (Source, error) {
	entry, ok := r.entries[id]
	if !ok {
		return nil, &apperr.UnknownSourceError{ID: id}
	}

	entry.once.Do(func() {
		entry.source = entry.factory(r.deps)
		log.Printf("[Registry] Constructed source %d (%s)", id, entry.source.Name())
	})
	return entry.source, nil
}

// ListAll returns every registered source sorted by display name.
func (r *Registry) ListAll() []Source {
	all := make([]Source, 0, len(r.ids))
	for _, id := range r.ids {
		src, err := r.Get(id)
		if err != nil {
			continue
		}
		all = append(all, src)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Name() < all[j].Name()
	})
	return all
}

// Builtin returns the entries for the sources that ship with shiori.
func Builtin() []Entry {
	return []Entry{
		{ID: MangaPandaID, Factory: NewMangaPanda},
		{ID: MangaKatanaID, Factory: NewMangaKatana},
		{ID: MangaDexID, Factory: NewMangaDex},
	}
}
