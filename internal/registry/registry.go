// Package registry defines the coordination registry shared by every executor
// of a namespace: a hierarchical key/value tree with prefix watches and
// ephemeral keys that vanish when the owning executor's session ends.
//
// Keys are slash-separated absolute paths ("/$Jobs/sample/config/cron").
// Backends live in the memory and etcd subpackages.
package registry

import (
	"context"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound = errors.New("registry: key not found")
	ErrClosed   = errors.New("registry: closed")
)

// CreateMode selects the lifetime of a created key.
type CreateMode int

const (
	// Persistent keys survive the session of the executor that created them.
	Persistent CreateMode = iota
	// Ephemeral keys are removed when the creating executor's session ends.
	Ephemeral
)

func (m CreateMode) String() string {
	if m == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

// EventType describes a change observed by a watch.
type EventType int

const (
	EventPut EventType = iota + 1
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one change under a watched prefix.
type Event struct {
	Type  EventType
	Key   string
	Value string
}

// WatchFunc receives events of one watch in order.
// It must not call Unwatch/CloseCache for its own watch.
type WatchFunc func(ev Event)

// WatchID identifies a watch registration.
type WatchID uint64

// Center is the coordination registry client of one executor.
type Center interface {
	Namespace() string
	ExecutorName() string

	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	// Create writes key only if it does not exist yet and reports whether it did.
	Create(ctx context.Context, key, value string, mode CreateMode) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Children lists the direct child names of key, sorted.
	Children(ctx context.Context, key string) ([]string, error)
	// Delete removes key and everything below it.
	Delete(ctx context.Context, key string) error

	Watch(prefix string, fn WatchFunc) (WatchID, error)
	Unwatch(id WatchID)

	// OpenCache marks root as a cached subtree. Watches registered under an
	// open cache are torn down together by CloseCache.
	OpenCache(ctx context.Context, root string) error
	// CloseCache cancels every watch under root and waits for in-flight
	// callbacks until ctx ends.
	CloseCache(ctx context.Context, root string) error

	Close() error
}

// Join builds a clean absolute key from parts.
func Join(parts ...string) string {
	p := path.Join(parts...)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Under reports whether key equals root or lies below it.
func Under(key, root string) bool {
	root = strings.TrimSuffix(root, "/")
	return key == root || strings.HasPrefix(key, root+"/")
}

// Base returns the last element of key.
func Base(key string) string { return path.Base(key) }

// ChildOf returns the direct child name of parent that contains key,
// or "" if key is not strictly below parent.
func ChildOf(parent, key string) string {
	parent = strings.TrimSuffix(parent, "/")
	if !strings.HasPrefix(key, parent+"/") {
		return ""
	}
	rest := key[len(parent)+1:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// DirPrefix returns the prefix matching every key strictly below key.
func DirPrefix(key string) string { return strings.TrimSuffix(key, "/") + "/" }
