package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"shardex/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

// Validator vets a freshly parsed executor config before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the executor config file: it parses it, keeps the last
// accepted version and fans out accepted reloads to subscribers.
type Manager struct {
	path string

	mu     sync.RWMutex
	cfg    *Config
	digest uint64

	subsMu sync.Mutex
	subs   []chan *Config

	log      logx.Logger
	validate Validator
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("config", m.path))
}

// SetValidator installs the hook Watch runs before accepting a reload.
func (m *Manager) SetValidator(fn Validator) { m.validate = fn }

// Parse reads the file without committing it. YAML and JSON are both accepted;
// unknown fields and trailing documents are rejected.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", m.path)
	}
	jb, err := asJSON(m.path, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", m.path)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "decode %s", m.path)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
	case err == nil:
		return nil, errors.Newf("decode %s: trailing data", m.path)
	default:
		return nil, errors.Wrapf(err, "decode %s", m.path)
	}
	return &cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	d := digest(cfg)
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

// publish delivers cfg to every subscriber. A full queue loses its oldest
// entry so slow readers always end up with the latest config.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for attempt := 0; attempt < 2; attempt++ {
			select {
			case ch <- cfg:
				attempt = 2
				continue
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	}
}

func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// reload parses, validates and publishes the file. Identical content is ignored.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload failed", logx.Any("err", err))
		return
	}

	d := digest(cfg)
	m.mu.RLock()
	same := d != 0 && d == m.digest
	m.mu.RUnlock()
	if same {
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.Any("err", err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config accepted")
}

// Watch follows the config file until ctx is done. The directory is watched
// rather than the file so editors that replace it on save are still seen.
// A broken watcher is recreated with exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		healthy, err := m.watchOnce(ctx, schedule)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			b.Reset()
		}
		delay := b.NextBackOff()
		m.log.Warn("config watcher restarting", logx.Any("err", err), logx.Duration("backoff", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks. healthy reports
// whether the watcher got as far as delivering events.
func (m *Manager) watchOnce(ctx context.Context, changed func()) (healthy bool, err error) {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, errors.Wrap(err, "create watcher")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, errors.Wrapf(err, "watch %s", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("watcher events closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("watcher errors closed")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				changed()
				continue
			}
			m.log.Warn("config watcher error", logx.Any("err", werr))
		}
	}
}
