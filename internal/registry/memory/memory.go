// Package memory is an in-process coordination registry.
//
// Several Centers connected to one Tree behave like executors sharing one
// registry cluster; each Center has its own session for ephemeral keys.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"shardex/internal/registry"
)

type node struct {
	value   string
	session uint64 // 0 means persistent
}

// Tree is the shared store behind one or more Centers.
type Tree struct {
	mu       sync.Mutex
	nodes    map[string]node
	watches  map[registry.WatchID]*watch
	nextID   atomic.Uint64
	sessions atomic.Uint64
}

func NewTree() *Tree {
	return &Tree{
		nodes:   map[string]node{},
		watches: map[registry.WatchID]*watch{},
	}
}

// Center is one executor's connection to a Tree.
type Center struct {
	tree      *Tree
	namespace string
	executor  string
	prefix    string

	mu      sync.Mutex
	session uint64
	caches  map[string]struct{}
	closed  bool
}

var _ registry.Center = (*Center)(nil)

// New returns a Center backed by a private Tree.
func New(namespace, executor string) *Center {
	return NewTree().Connect(namespace, executor)
}

// Connect attaches a new Center with a fresh session to t.
func (t *Tree) Connect(namespace, executor string) *Center {
	return &Center{
		tree:      t,
		namespace: namespace,
		executor:  executor,
		prefix:    registry.Join(namespace),
		session:   t.sessions.Add(1),
		caches:    map[string]struct{}{},
	}
}

func (c *Center) Namespace() string    { return c.namespace }
func (c *Center) ExecutorName() string { return c.executor }

func (c *Center) full(key string) string { return c.prefix + registry.Join(key) }

func (c *Center) local(full string) string { return strings.TrimPrefix(full, c.prefix) }

func (c *Center) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return registry.ErrClosed
	}
	return nil
}

func (c *Center) currentSession() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Center) Get(ctx context.Context, key string) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	c.tree.mu.Lock()
	n, ok := c.tree.nodes[c.full(key)]
	c.tree.mu.Unlock()
	if !ok {
		return "", errors.Wrap(registry.ErrNotFound, key)
	}
	return n.value, nil
}

func (c *Center) Put(ctx context.Context, key, value string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	full := c.full(key)
	c.tree.mu.Lock()
	n := c.tree.nodes[full]
	n.value = value
	c.tree.nodes[full] = n
	c.tree.notifyLocked(registry.Event{Type: registry.EventPut, Key: full, Value: value})
	c.tree.mu.Unlock()
	return nil
}

func (c *Center) Create(ctx context.Context, key, value string, mode registry.CreateMode) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	full := c.full(key)
	var session uint64
	if mode == registry.Ephemeral {
		session = c.currentSession()
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if _, ok := c.tree.nodes[full]; ok {
		return false, nil
	}
	c.tree.nodes[full] = node{value: value, session: session}
	c.tree.notifyLocked(registry.Event{Type: registry.EventPut, Key: full, Value: value})
	return true, nil
}

func (c *Center) Exists(ctx context.Context, key string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	full := c.full(key)
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	for k := range c.tree.nodes {
		if registry.Under(k, full) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Center) Children(ctx context.Context, key string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	full := c.full(key)
	seen := map[string]struct{}{}
	c.tree.mu.Lock()
	for k := range c.tree.nodes {
		if name := registry.ChildOf(full, k); name != "" {
			seen[name] = struct{}{}
		}
	}
	c.tree.mu.Unlock()
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Center) Delete(ctx context.Context, key string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	full := c.full(key)
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	c.tree.deleteLocked(func(k string, _ node) bool { return registry.Under(k, full) })
	return nil
}

// ExpireSession drops every ephemeral key of this Center as if its process
// crashed, then starts a new session.
func (c *Center) ExpireSession() {
	c.mu.Lock()
	old := c.session
	c.session = c.tree.sessions.Add(1)
	c.mu.Unlock()

	c.tree.mu.Lock()
	c.tree.deleteLocked(func(_ string, n node) bool { return n.session == old })
	c.tree.mu.Unlock()
}

func (t *Tree) deleteLocked(match func(string, node) bool) {
	keys := make([]string, 0)
	for k, n := range t.nodes {
		if match(k, n) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		delete(t.nodes, k)
		t.notifyLocked(registry.Event{Type: registry.EventDelete, Key: k})
	}
}

func (c *Center) Watch(prefix string, fn registry.WatchFunc) (registry.WatchID, error) {
	if fn == nil {
		return 0, errors.New("watch callback is nil")
	}
	if err := c.check(context.Background()); err != nil {
		return 0, err
	}
	w := newWatch(c, c.full(prefix), fn)
	id := registry.WatchID(c.tree.nextID.Add(1))
	c.tree.mu.Lock()
	c.tree.watches[id] = w
	c.tree.mu.Unlock()
	go w.run()
	return id, nil
}

func (c *Center) Unwatch(id registry.WatchID) {
	c.tree.mu.Lock()
	w, ok := c.tree.watches[id]
	delete(c.tree.watches, id)
	c.tree.mu.Unlock()
	if ok {
		w.stop()
	}
}

func (c *Center) OpenCache(ctx context.Context, root string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.caches[c.full(root)] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Center) CloseCache(ctx context.Context, root string) error {
	full := c.full(root)
	c.mu.Lock()
	delete(c.caches, full)
	c.mu.Unlock()
	return c.stopWatches(ctx, func(w *watch) bool { return registry.Under(w.prefix, full) })
}

func (c *Center) stopWatches(ctx context.Context, match func(*watch) bool) error {
	var stopped []*watch
	c.tree.mu.Lock()
	for id, w := range c.tree.watches {
		if w.owner == c && match(w) {
			delete(c.tree.watches, id)
			stopped = append(stopped, w)
		}
	}
	c.tree.mu.Unlock()

	for _, w := range stopped {
		w.stop()
	}
	for _, w := range stopped {
		select {
		case <-w.done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "await watch callbacks")
		}
	}
	return nil
}

// Close expires the session and stops every watch of this Center.
func (c *Center) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.ExpireSession()
	return c.stopWatches(context.Background(), func(*watch) bool { return true })
}

func (t *Tree) notifyLocked(ev registry.Event) {
	for _, w := range t.watches {
		if registry.Under(ev.Key, w.prefix) {
			w.push(ev)
		}
	}
}

// watch delivers events to its callback on a dedicated goroutine, in order.
type watch struct {
	owner  *Center
	prefix string
	fn     registry.WatchFunc

	mu      sync.Mutex
	queue   []registry.Event
	signal  chan struct{}
	quit    chan struct{}
	done    chan struct{}
	stopped bool
}

func newWatch(owner *Center, prefix string, fn registry.WatchFunc) *watch {
	return &watch{
		owner:  owner,
		prefix: prefix,
		fn:     fn,
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (w *watch) push(ev registry.Event) {
	ev.Key = w.owner.local(ev.Key)
	w.mu.Lock()
	if !w.stopped {
		w.queue = append(w.queue, ev)
	}
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watch) stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		w.queue = nil
		close(w.quit)
	}
	w.mu.Unlock()
}

func (w *watch) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case <-w.signal:
		}
		for {
			w.mu.Lock()
			if w.stopped || len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			w.fn(ev)
		}
	}
}
