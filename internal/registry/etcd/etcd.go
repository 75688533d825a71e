// Package etcd implements the coordination registry on an etcd cluster.
//
// All keys live under "/<namespace>". Ephemeral keys are bound to a lease of
// a concurrency.Session that is re-created with backoff after it expires.
package etcd

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"

	"shardex/internal/registry"
	"shardex/pkg/logx"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultSessionTTL  = 15 * time.Second
)

type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	SessionTTL  time.Duration

	Namespace string
	Executor  string
}

type Center struct {
	cfg    Config
	log    logx.Logger
	client *clientv3.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sessMu  sync.RWMutex
	session *concurrency.Session

	mu      sync.Mutex
	watches map[registry.WatchID]*watch
	caches  map[string]struct{}
	nextID  atomic.Uint64
	closed  bool
}

var _ registry.Center = (*Center)(nil)

// New connects to etcd and waits for the first session.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Center, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "registry.etcd"))

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		Logger:      newZapLogger(log),
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd: connect")
	}
	prefix := registry.Join(cfg.Namespace)
	client.KV = namespace.NewKV(client.KV, prefix)
	client.Watcher = namespace.NewWatcher(client.Watcher, prefix)
	client.Lease = namespace.NewLease(client.Lease, prefix)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Center{
		cfg:     cfg,
		log:     log,
		client:  client,
		ctx:     cctx,
		cancel:  cancel,
		watches: map[registry.WatchID]*watch{},
		caches:  map[string]struct{}{},
	}

	initDone := c.keepSession()
	select {
	case err := <-initDone:
		if err != nil {
			cancel()
			c.wg.Wait()
			_ = client.Close()
			return nil, errors.Wrap(err, "etcd: create session")
		}
	case <-ctx.Done():
		cancel()
		c.wg.Wait()
		_ = client.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// keepSession creates the lease session and re-creates it whenever it expires.
// The returned channel reports the outcome of the first attempt.
func (c *Center) keepSession() <-chan error {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	ttl := int(c.cfg.SessionTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	initDone := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		first := true
		for {
			if !first {
				delay := b.NextBackOff()
				c.log.Info("re-creating etcd session", logx.Duration("backoff", delay))
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(delay):
				}
			}

			sess, err := concurrency.NewSession(c.client, concurrency.WithTTL(ttl))
			if err != nil {
				if first {
					initDone <- err
					return
				}
				c.log.Error("cannot create etcd session", logx.Err(err))
				continue
			}
			b.Reset()

			c.sessMu.Lock()
			c.session = sess
			c.sessMu.Unlock()
			if first {
				first = false
				close(initDone)
			}

			select {
			case <-c.ctx.Done():
				if err := sess.Close(); err != nil {
					c.log.Warn("cannot close etcd session", logx.Err(err))
				}
				return
			case <-sess.Done():
				c.log.Warn("etcd session expired")
			}
		}
	}()
	return initDone
}

func (c *Center) lease() (clientv3.LeaseID, error) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	if c.session == nil {
		return 0, errors.New("etcd: no session")
	}
	select {
	case <-c.session.Done():
		return 0, errors.New("etcd: session expired")
	default:
	}
	return c.session.Lease(), nil
}

func (c *Center) Namespace() string    { return c.cfg.Namespace }
func (c *Center) ExecutorName() string { return c.cfg.Executor }

func (c *Center) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Center) Get(ctx context.Context, key string) (string, error) {
	if c.isClosed() {
		return "", registry.ErrClosed
	}
	key = registry.Join(key)
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return "", errors.Wrapf(err, "etcd: get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return "", errors.Wrap(registry.ErrNotFound, key)
	}
	return string(resp.Kvs[0].Value), nil
}

func (c *Center) Put(ctx context.Context, key, value string) error {
	if c.isClosed() {
		return registry.ErrClosed
	}
	key = registry.Join(key)
	_, err := c.client.Put(ctx, key, value)
	return errors.Wrapf(err, "etcd: put %s", key)
}

func (c *Center) Create(ctx context.Context, key, value string, mode registry.CreateMode) (bool, error) {
	if c.isClosed() {
		return false, registry.ErrClosed
	}
	key = registry.Join(key)
	var opts []clientv3.OpOption
	if mode == registry.Ephemeral {
		id, err := c.lease()
		if err != nil {
			return false, err
		}
		opts = append(opts, clientv3.WithLease(id))
	}
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, opts...)).
		Commit()
	if err != nil {
		return false, errors.Wrapf(err, "etcd: create %s", key)
	}
	return resp.Succeeded, nil
}

func (c *Center) Exists(ctx context.Context, key string) (bool, error) {
	if c.isClosed() {
		return false, registry.ErrClosed
	}
	key = registry.Join(key)
	resp, err := c.client.Txn(ctx).Then(
		clientv3.OpGet(key, clientv3.WithCountOnly()),
		clientv3.OpGet(registry.DirPrefix(key), clientv3.WithPrefix(), clientv3.WithCountOnly()),
	).Commit()
	if err != nil {
		return false, errors.Wrapf(err, "etcd: exists %s", key)
	}
	for _, r := range resp.Responses {
		if r.GetResponseRange().GetCount() > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *Center) Children(ctx context.Context, key string) ([]string, error) {
	if c.isClosed() {
		return nil, registry.ErrClosed
	}
	key = registry.Join(key)
	resp, err := c.client.Get(ctx, registry.DirPrefix(key), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, errors.Wrapf(err, "etcd: children %s", key)
	}
	seen := map[string]struct{}{}
	for _, kv := range resp.Kvs {
		if name := registry.ChildOf(key, string(kv.Key)); name != "" {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Center) Delete(ctx context.Context, key string) error {
	if c.isClosed() {
		return registry.ErrClosed
	}
	key = registry.Join(key)
	_, err := c.client.Txn(ctx).Then(
		clientv3.OpDelete(key),
		clientv3.OpDelete(registry.DirPrefix(key), clientv3.WithPrefix()),
	).Commit()
	return errors.Wrapf(err, "etcd: delete %s", key)
}

func (c *Center) Watch(prefix string, fn registry.WatchFunc) (registry.WatchID, error) {
	if fn == nil {
		return 0, errors.New("watch callback is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, registry.ErrClosed
	}
	prefix = registry.Join(prefix)
	wctx, cancel := context.WithCancel(c.ctx)
	w := &watch{prefix: prefix, cancel: cancel, done: make(chan struct{})}
	id := registry.WatchID(c.nextID.Add(1))
	c.watches[id] = w

	open := func(ctx context.Context, rev int64) clientv3.WatchChan {
		opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithCreatedNotify()}
		if rev > 0 {
			opts = append(opts, clientv3.WithRev(rev))
		}
		return c.client.Watch(clientv3.WithRequireLeader(ctx), prefix, opts...)
	}
	go func() {
		defer close(w.done)
		c.follow(wctx, prefix, fn, open, newWatchBackoff())
	}()
	return id, nil
}

func newWatchBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// follow keeps a prefix watch alive until ctx ends. A stream that closes
// (leader loss, compaction, transport errors) is reopened after a backoff
// from the revision after the last delivered one.
func (c *Center) follow(ctx context.Context, prefix string, fn registry.WatchFunc,
	open func(ctx context.Context, rev int64) clientv3.WatchChan, b backoff.BackOff,
) {
	var rev int64
	for {
		next, err := c.watchFrom(ctx, prefix, fn, open(ctx, rev), rev)
		if ctx.Err() != nil {
			return
		}
		if next > rev {
			rev = next
			b.Reset()
		}
		delay := b.NextBackOff()
		c.log.Warn("etcd watch restarting", logx.String("prefix", prefix),
			logx.Any("rev", rev), logx.Duration("backoff", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// watchFrom delivers the events of one stream and returns the revision to
// resume from. After a compaction that is the oldest revision still kept.
func (c *Center) watchFrom(ctx context.Context, prefix string, fn registry.WatchFunc,
	ch clientv3.WatchChan, rev int64,
) (int64, error) {
	for {
		var resp clientv3.WatchResponse
		select {
		case <-ctx.Done():
			return rev, ctx.Err()
		case r, ok := <-ch:
			if !ok {
				return rev, errors.New("etcd watch channel closed")
			}
			resp = r
		}
		if resp.CompactRevision > 0 {
			return resp.CompactRevision, resp.Err()
		}
		if err := resp.Err(); err != nil {
			return rev, err
		}
		if resp.Created && rev == 0 {
			rev = resp.Header.Revision + 1
		}
		for _, ev := range resp.Events {
			if ev.Kv.ModRevision >= rev {
				rev = ev.Kv.ModRevision + 1
			}
			out := toEvent(ev.Type, ev.Kv)
			if !registry.Under(out.Key, prefix) {
				continue
			}
			if ctx.Err() != nil {
				return rev, ctx.Err()
			}
			fn(out)
		}
	}
}

func toEvent(typ mvccpb.Event_EventType, kv *mvccpb.KeyValue) registry.Event {
	if typ == mvccpb.DELETE {
		return registry.Event{Type: registry.EventDelete, Key: string(kv.Key)}
	}
	return registry.Event{Type: registry.EventPut, Key: string(kv.Key), Value: string(kv.Value)}
}

func (c *Center) Unwatch(id registry.WatchID) {
	c.mu.Lock()
	w, ok := c.watches[id]
	delete(c.watches, id)
	c.mu.Unlock()
	if ok {
		w.cancel()
	}
}

func (c *Center) OpenCache(_ context.Context, root string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return registry.ErrClosed
	}
	c.caches[registry.Join(root)] = struct{}{}
	return nil
}

func (c *Center) CloseCache(ctx context.Context, root string) error {
	root = registry.Join(root)
	c.mu.Lock()
	delete(c.caches, root)
	var stopped []*watch
	for id, w := range c.watches {
		if registry.Under(w.prefix, root) {
			delete(c.watches, id)
			stopped = append(stopped, w)
		}
	}
	c.mu.Unlock()
	return awaitWatches(ctx, stopped)
}

func awaitWatches(ctx context.Context, ws []*watch) error {
	for _, w := range ws {
		w.cancel()
	}
	for _, w := range ws {
		select {
		case <-w.done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "await watch callbacks")
		}
	}
	return nil
}

// Close stops every watch, revokes the session lease and closes the client.
func (c *Center) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := make([]*watch, 0, len(c.watches))
	for id, w := range c.watches {
		ws = append(ws, w)
		delete(c.watches, id)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	err := awaitWatches(ctx, ws)

	c.cancel()
	c.wg.Wait()
	return errors.CombineErrors(err, c.client.Close())
}

type watch struct {
	prefix string
	cancel context.CancelFunc
	done   chan struct{}
}
