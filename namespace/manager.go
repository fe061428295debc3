// Package namespace maps namespace names to caches over one shared backend,
// creating namespaces on first write and guarding creation in protected mode.
package namespace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/cache/memory"
	"github.com/chrisbrine/ncache/storage"
)

// ErrDefaultNamespace is returned when removing the default namespace.
var ErrDefaultNamespace = errors.New("namespace: the default namespace cannot be removed")

// Policy selects what resolving an inactive namespace may do.
type Policy int

const (
	// MustExist activates a namespace only when its space already exists.
	MustExist Policy = iota
	// CreateIfAllowed also creates the space when the configuration permits.
	CreateIfAllowed
)

func (p Policy) String() string {
	if p == CreateIfAllowed {
		return "create"
	}
	return "must-exist"
}

type options struct {
	backend  cache.Backend
	storage  *storage.Config
	logger   *slog.Logger
	registry prometheus.Registerer
}

type Option func(*options)

// WithBackend serves every namespace from b. It takes precedence over
// WithStorage.
func WithBackend(b cache.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithStorage opens the backend described by cfg.
func WithStorage(cfg storage.Config) Option {
	return func(o *options) {
		o.storage = &cfg
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers cache and namespace collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// Manager owns the namespace to Cache mapping. At most one Cache exists per
// name at any time. It is safe for concurrent use.
type Manager struct {
	backend cache.Backend
	logger  *slog.Logger
	metrics *cache.Metrics
	active  prometheus.Gauge

	group singleflight.Group

	mu     sync.RWMutex
	cfg    Config
	caches map[string]*cache.Cache
	// gens counts storage changes per name made by Remove and Move. An
	// activation started under an older count is discarded.
	gens   map[string]uint64
	closed bool
}

// New builds a Manager and creates every configured namespace.
func New(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	backend := o.backend
	if backend == nil && o.storage != nil {
		b, err := storage.Open(ctx, *o.storage)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	if backend == nil {
		backend = memory.New()
	}

	metrics, err := cache.NewMetrics(o.registry)
	if err != nil {
		return nil, err
	}
	gauge, err := newActiveGauge(o.registry)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		backend: backend,
		logger:  o.logger,
		metrics: metrics,
		active:  gauge,
		cfg:     cfg.Normalize(),
		caches:  make(map[string]*cache.Cache),
		gens:    make(map[string]uint64),
	}
	if err := m.ensureListed(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Backend returns the storage shared by every namespace.
func (m *Manager) Backend() cache.Backend { return m.backend }

func (m *Manager) ensureListed(ctx context.Context) error {
	for _, name := range m.Config().Namespaces {
		if _, err := m.resolve(ctx, name, CreateIfAllowed); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return cache.ErrClosed
	}
	return nil
}

func (m *Manager) lookup(name string) (*cache.Cache, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, cache.ErrClosed
	}
	return m.caches[name], m.gens[name], nil
}

// resolve returns the Cache for name, activating or creating it as policy and
// configuration allow. A nil Cache with a nil error means the namespace is
// absent or denied.
//
// Concurrent resolves of one name share a single activation. It runs detached
// from the caller's cancellation, so one caller giving up does not fail the
// others; each caller still stops waiting when its own ctx is done.
func (m *Manager) resolve(ctx context.Context, name string, policy Policy) (*cache.Cache, error) {
	if c, _, err := m.lookup(name); c != nil || err != nil {
		return c, err
	}
	flight := context.WithoutCancel(ctx)
	ch := m.group.DoChan(policy.String()+"\x00"+name, func() (any, error) {
		return m.activate(flight, name, policy)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		c, _ := r.Val.(*cache.Cache)
		return c, r.Err
	}
}

// activate builds the Cache for name and registers it, starting over when a
// Remove or Move touched the name meanwhile.
func (m *Manager) activate(ctx context.Context, name string, policy Policy) (*cache.Cache, error) {
	for {
		c, gen, err := m.lookup(name)
		if c != nil || err != nil {
			return c, err
		}
		cfg := m.Config()
		if !cfg.permits(name) {
			m.logger.DebugContext(ctx, "namespace denied", "namespace", name)
			return nil, nil
		}
		if policy == MustExist {
			exists, err := m.backend.HasSpace(ctx, name)
			if err != nil || !exists {
				return nil, err
			}
		}
		created, err := cache.New(ctx, m.backend, name,
			cache.WithTTL(cfg.TTL), cache.WithLogger(m.logger), cache.WithMetrics(m.metrics))
		if err != nil {
			return nil, err
		}
		c, ok, err := m.register(name, gen, created)
		if err != nil || ok {
			return c, err
		}
		m.logger.DebugContext(ctx, "namespace changed during activation", "namespace", name)
	}
}

// register stores c under name if no Remove or Move happened since gen. An
// already registered Cache wins.
func (m *Manager) register(name string, gen uint64, c *cache.Cache) (*cache.Cache, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, cache.ErrClosed
	}
	if existing, ok := m.caches[name]; ok {
		return existing, true, nil
	}
	if m.gens[name] != gen {
		return nil, false, nil
	}
	m.caches[name] = c
	m.active.Set(float64(len(m.caches)))
	m.logger.Debug("namespace activated", "namespace", name)
	return c, true, nil
}

// invalidate detaches names and voids activations in flight for them. Callers
// hold m.mu and invalidate again once storage has changed.
func (m *Manager) invalidate(names ...string) {
	for _, name := range names {
		m.gens[name]++
		delete(m.caches, name)
	}
	m.active.Set(float64(len(m.caches)))
}

// Get reads key from ns. A namespace that does not exist reads as absent and
// is not created.
func (m *Manager) Get(ctx context.Context, ns, key string) (cache.Value, bool, error) {
	c, err := m.resolve(ctx, ns, MustExist)
	if err != nil || c == nil {
		return cache.Value{}, false, err
	}
	return c.Get(ctx, key)
}

// Delete removes key from ns. Missing namespaces and keys are not errors.
func (m *Manager) Delete(ctx context.Context, ns, key string) error {
	c, err := m.resolve(ctx, ns, MustExist)
	if err != nil || c == nil {
		return err
	}
	return c.Delete(ctx, key)
}

// Set writes key in ns with the configured TTL, creating ns when allowed. It
// reports false when protected mode denied the namespace.
func (m *Manager) Set(ctx context.Context, ns, key string, value cache.Value) (bool, error) {
	c, err := m.resolve(ctx, ns, CreateIfAllowed)
	if err != nil || c == nil {
		return false, err
	}
	if err := c.Set(ctx, key, value); err != nil {
		return false, err
	}
	return true, nil
}

// SetWithTTL is Set with an explicit time-to-live.
func (m *Manager) SetWithTTL(ctx context.Context, ns, key string, value cache.Value, ttl time.Duration) (bool, error) {
	c, err := m.resolve(ctx, ns, CreateIfAllowed)
	if err != nil || c == nil {
		return false, err
	}
	if err := c.SetWithTTL(ctx, key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Has reports whether ns exists and may be used.
func (m *Manager) Has(ctx context.Context, ns string) (bool, error) {
	c, err := m.resolve(ctx, ns, MustExist)
	return c != nil, err
}

// Namespace returns the Cache for an existing namespace.
func (m *Manager) Namespace(ctx context.Context, ns string) (*cache.Cache, bool, error) {
	c, err := m.resolve(ctx, ns, MustExist)
	return c, c != nil, err
}

// Size returns the entry count of ns, 0 when it does not exist.
func (m *Manager) Size(ctx context.Context, ns string) (int, error) {
	c, err := m.resolve(ctx, ns, MustExist)
	if err != nil || c == nil {
		return 0, err
	}
	return c.Size(ctx)
}

// Keys returns the keys of ns, nil when it does not exist.
func (m *Manager) Keys(ctx context.Context, ns string) ([]string, error) {
	c, err := m.resolve(ctx, ns, MustExist)
	if err != nil || c == nil {
		return nil, err
	}
	return c.Keys(ctx)
}

// Add puts ns on the allow-list and creates it.
func (m *Manager) Add(ctx context.Context, ns string) (*cache.Cache, error) {
	if ns == "" {
		return nil, &cache.ConfigurationError{Field: "namespace", Reason: "empty name"}
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, cache.ErrClosed
	}
	if !m.cfg.Allows(ns) {
		m.cfg.Namespaces = append(append([]string(nil), m.cfg.Namespaces...), ns)
	}
	m.mu.Unlock()
	return m.resolve(ctx, ns, CreateIfAllowed)
}

// Remove deactivates ns, takes it off the allow-list and drops its storage.
// It reports whether the namespace existed.
func (m *Manager) Remove(ctx context.Context, ns string) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, cache.ErrClosed
	}
	if ns == m.cfg.Default {
		m.mu.Unlock()
		return false, ErrDefaultNamespace
	}
	_, existed := m.caches[ns]
	m.invalidate(ns)
	m.cfg.Namespaces = without(m.cfg.Namespaces, ns)
	m.mu.Unlock()
	defer m.settle(ns)

	if !existed {
		exists, err := m.backend.HasSpace(ctx, ns)
		if err != nil {
			return false, err
		}
		existed = exists
	}
	if err := m.backend.DeleteSpace(ctx, ns); err != nil {
		return existed, err
	}
	if existed {
		m.logger.InfoContext(ctx, "namespace removed", "namespace", ns)
	}
	return existed, nil
}

// Move renames from to to, entries and expiry included. from leaves the
// allow-list and to joins it. It reports false when from does not exist, and
// fails with cache.ErrSpaceExists when to already does. Moving a namespace
// onto itself only reports whether it exists.
func (m *Manager) Move(ctx context.Context, from, to string) (bool, error) {
	if from == "" || to == "" {
		return false, &cache.ConfigurationError{Field: "namespace", Reason: "empty name"}
	}
	if from == to {
		return m.Has(ctx, from)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, cache.ErrClosed
	}
	if from == m.cfg.Default {
		m.mu.Unlock()
		return false, ErrDefaultNamespace
	}
	if !m.cfg.permits(from) {
		m.mu.Unlock()
		return false, nil
	}
	m.invalidate(from, to)
	m.mu.Unlock()
	defer m.settle(from, to)

	err := cache.RenameSpace(ctx, m.backend, from, to)
	if errors.Is(err, cache.ErrSpaceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	names := without(m.cfg.Namespaces, from)
	if !slices.Contains(names, to) {
		names = append(names, to)
	}
	m.cfg.Namespaces = names
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "namespace moved", "from", from, "to", to)
	return true, nil
}

// settle runs the second invalidation of Remove and Move, after storage has
// changed, so a Cache activated in between is not kept.
func (m *Manager) settle(names ...string) {
	m.mu.Lock()
	if !m.closed {
		m.invalidate(names...)
	}
	m.mu.Unlock()
}

func without(names []string, name string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Namespaces lists the spaces present in storage. In protected mode only
// allow-listed names are reported.
func (m *Manager) Namespaces(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	names, err := m.backend.KeysSpaces(ctx)
	if err != nil {
		return nil, err
	}
	cfg := m.Config()
	out := names[:0]
	for _, n := range names {
		if cfg.permits(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Active returns the names active in this process, sorted.
func (m *Manager) Active() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.caches))
	for n := range m.caches {
		names = append(names, n)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of active namespaces.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.caches)
}

// ForEach visits active namespaces in name order. fn runs without the manager
// lock held.
func (m *Manager) ForEach(fn func(name string, c *cache.Cache) error) error {
	for _, name := range m.Active() {
		c, _, err := m.lookup(name)
		if err != nil {
			return err
		}
		if c == nil {
			continue
		}
		if err := fn(name, c); err != nil {
			return err
		}
	}
	return nil
}

// ForEachAll visits the stored entries of every visible namespace, namespaces
// and keys in byte order. Like Cache.ForEach it does not check expiry.
func (m *Manager) ForEachAll(ctx context.Context, fn func(ns, key string, value cache.Value) error) error {
	names, err := m.Namespaces(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		c, err := m.resolve(ctx, name, MustExist)
		if err != nil {
			return err
		}
		if c == nil {
			continue
		}
		if err := c.ForEach(ctx, func(key string, v cache.Value) error {
			return fn(name, key, v)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the key of ns following after. A missing namespace has no keys.
func (m *Manager) Next(ctx context.Context, ns, after string) (string, bool, error) {
	c, err := m.resolve(ctx, ns, MustExist)
	if err != nil || c == nil {
		return "", false, err
	}
	return c.Next(ctx, after)
}

// NextNamespace returns the visible namespace following after in byte order.
func (m *Manager) NextNamespace(ctx context.Context, after string) (string, bool, error) {
	if err := m.checkOpen(); err != nil {
		return "", false, err
	}
	cfg := m.Config()
	for {
		name, ok, err := cache.NextSpace(ctx, m.backend, after)
		if err != nil || !ok {
			return "", false, err
		}
		if cfg.permits(name) {
			return name, true, nil
		}
		after = name
	}
}

// Snapshot returns the live entries of every visible namespace.
func (m *Manager) Snapshot(ctx context.Context) (map[string]map[string]cache.Value, error) {
	names, err := m.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]cache.Value, len(names))
	for _, name := range names {
		c, err := m.resolve(ctx, name, MustExist)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		entries, err := c.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = entries
	}
	return out, nil
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.cfg
	cfg.Namespaces = append([]string(nil), m.cfg.Namespaces...)
	return cfg
}

func (m *Manager) Default() string { return m.Config().Default }

func (m *Manager) Protected() bool { return m.Config().Protected }

// SetConfig replaces the configuration. In protected mode, active namespaces
// that fall off the allow-list are detached; their storage is kept and they
// come back if re-listed. Listed namespaces are created and the new TTL applies
// to every active Cache.
func (m *Manager) SetConfig(ctx context.Context, cfg Config) error {
	cfg = cfg.Normalize()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return cache.ErrClosed
	}
	m.cfg = cfg
	var detached []string
	for name, c := range m.caches {
		if !cfg.permits(name) {
			detached = append(detached, name)
			continue
		}
		c.SetTTL(cfg.TTL)
	}
	m.invalidate(detached...)
	m.mu.Unlock()

	if len(detached) > 0 {
		sort.Strings(detached)
		m.logger.InfoContext(ctx, "namespaces detached", "namespaces", detached)
	}
	return m.ensureListed(ctx)
}

// Close detaches every namespace and closes the backend. Later calls fail with
// cache.ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.caches = make(map[string]*cache.Cache)
	m.active.Set(0)
	m.mu.Unlock()
	return m.backend.Close()
}
