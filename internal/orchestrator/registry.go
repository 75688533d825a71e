package orchestrator

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Identity names one job on one executor.
type Identity struct {
	Executor string
	Job      string
}

func (id Identity) String() string { return id.Executor + "/" + id.Job }

// Registry holds the live orchestrators of a process, at most one per Identity.
type Registry struct {
	mu   sync.RWMutex
	byID map[Identity]*Orchestrator
}

func NewRegistry() *Registry {
	return &Registry{byID: map[Identity]*Orchestrator{}}
}

// Add registers o under id; it fails with ErrAlreadyRegistered if id is taken.
func (r *Registry) Add(id Identity, o *Orchestrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return errors.Wrap(ErrAlreadyRegistered, id.String())
	}
	r.byID[id] = o
	return nil
}

// Remove drops id only while it still maps to o.
func (r *Registry) Remove(id Identity, o *Orchestrator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[id]; ok && cur == o {
		delete(r.byID, id)
		return true
	}
	return false
}

func (r *Registry) Get(id Identity) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byID[id]
	return o, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// JobsOf lists the jobs held by executor, sorted.
func (r *Registry) JobsOf(executor string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id := range r.byID {
		if id.Executor == executor {
			out = append(out, id.Job)
		}
	}
	sort.Strings(out)
	return out
}

// All returns the registered orchestrators sorted by identity.
func (r *Registry) All() []*Orchestrator {
	r.mu.RLock()
	out := make([]*Orchestrator, 0, len(r.byID))
	for _, o := range r.byID {
		out = append(out, o)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id.String() < out[j].id.String() })
	return out
}
