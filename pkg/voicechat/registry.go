package voicechat

import "sync"

// Registry maps worker ids to controllers. The embedding application
// owns it; the package keeps no global instance.
type Registry struct {
	mu sync.Mutex
	m  map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*Controller)}
}

// Register stores the controller under its worker id, replacing any
// previous entry.
func (r *Registry) Register(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[c.WorkerID()] = c
}

// Lookup returns the controller for a worker id.
func (r *Registry) Lookup(workerID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.m[workerID]
	return c, ok
}

// Remove drops the entry for a worker id. It does not shut the
// controller down.
func (r *Registry) Remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, workerID)
}

// Len reports the number of registered controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
