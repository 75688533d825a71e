package job

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Constructor builds a job of one type.
type Constructor func(jc Context) (Job, error)

// Factory maps job type identifiers to constructors.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewFactory() *Factory {
	return &Factory{ctors: map[string]Constructor{}}
}

// Register adds a constructor for typ. Types are matched case-insensitively.
func (f *Factory) Register(typ string, ctor Constructor) error {
	key := strings.ToUpper(strings.TrimSpace(typ))
	if key == "" || ctor == nil {
		return errors.New("job type and constructor are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ctors[key]; ok {
		return errors.Wrap(ErrDuplicateType, key)
	}
	f.ctors[key] = ctor
	return nil
}

// New builds a job of type typ.
func (f *Factory) New(typ string, jc Context) (Job, error) {
	key := strings.ToUpper(strings.TrimSpace(typ))
	f.mu.RLock()
	ctor, ok := f.ctors[key]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", typ)
	}
	j, err := ctor(jc)
	if err != nil {
		return nil, errors.Wrapf(err, "construct %s job", key)
	}
	return j, nil
}

// Types lists the registered type identifiers, sorted.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for k := range f.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
