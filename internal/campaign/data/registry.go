package data

import (
	"sync"
)

// Registry loads each dataset path once. Get hands out the shared pool;
// ForSegment hands out an isolated fork of it.
// Load failures are remembered per path so every segment using the path
// sees the same error.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*Pool
	errs  map[string]error
	opts  []Option
}

// NewRegistry creates an empty registry. opts apply to every loaded pool.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		pools: make(map[string]*Pool),
		errs:  make(map[string]error),
		opts:  opts,
	}
}

// Get returns the pool for path, loading it on first use.
func (r *Registry) Get(path string) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[path]; ok {
		return p, nil
	}
	if err, ok := r.errs[path]; ok {
		return nil, err
	}

	p, err := Load(path, r.opts...)
	if err != nil {
		r.errs[path] = err
		return nil, err
	}
	r.pools[path] = p
	return p, nil
}

// ForSegment returns a pool of its own for one segment. Segments whose
// datasets resolve to the same path share the loaded records but never a
// generator. Forks are seeded from the shared pool, so a seeded registry
// stays deterministic when segments are added in a fixed order.
func (r *Registry) ForSegment(path string) (*Pool, error) {
	p, err := r.Get(path)
	if err != nil {
		return nil, err
	}
	return p.Fork(), nil
}

// Put registers an in-memory pool under path.
func (r *Registry) Put(path string, p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[path] = p
	delete(r.errs, path)
}

// Len returns the number of loaded pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}
