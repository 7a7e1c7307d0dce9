package dbpool

import (
	"context"
	"sync"

	"dbpool/driver"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPoolExists is returned by Manager.Open for a name already in use.
	ErrPoolExists = errors.New("dbpool: pool already exists")

	// ErrManagerClosed is returned by Manager.Open after Close.
	ErrManagerClosed = errors.New("dbpool: manager closed")
)

// Manager holds independent, named pools that share one gateway.
type Manager struct {
	gateway driver.Gateway
	opts    []Option
	log     *logrus.Entry

	pools cmap.ConcurrentMap // name -> *Pool

	mu      sync.Mutex // protects closed and opening
	closed  bool
	opening map[string]struct{} // names whose pool is being initialized
}

// NewManager returns a manager whose pools open connections through
// gateway. opts are applied to every pool it opens.
func NewManager(gateway driver.Gateway, opts ...Option) *Manager {
	return &Manager{
		gateway: gateway,
		opts:    opts,
		log:     logrus.WithField("component", "dbpool.manager"),
		pools:   cmap.New(),
		opening: make(map[string]struct{}),
	}
}

// Open creates and initializes a pool under name. The pool is only
// registered if Initialize succeeds. The name is held while the pool
// initializes, so a concurrent Open of the same name fails with
// ErrPoolExists while other pools stay usable.
func (m *Manager) Open(ctx context.Context, name string, cfg Config) (*Pool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, busy := m.opening[name]; busy || m.pools.Has(name) {
		m.mu.Unlock()
		return nil, ErrPoolExists
	}
	m.opening[name] = struct{}{}
	m.mu.Unlock()

	pool, err := m.newPool(ctx, name, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.opening, name)
	if err != nil {
		return nil, err
	}
	if m.closed {
		pool.Purge()
		return nil, ErrManagerClosed
	}
	m.pools.Set(name, pool)
	m.log.WithField("pool", name).Debug("pool opened")
	return pool, nil
}

func (m *Manager) newPool(ctx context.Context, name string, cfg Config) (*Pool, error) {
	opts := append([]Option{WithName(name)}, m.opts...)
	pool, err := New(cfg, m.gateway, opts...)
	if err != nil {
		return nil, err
	}
	if err := pool.Initialize(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

// Get returns the pool registered under name.
func (m *Manager) Get(name string) (*Pool, bool) {
	v, ok := m.pools.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*Pool), true
}

// Remove purges the pool registered under name and forgets it.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.Get(name)
	if !ok {
		return false
	}
	m.pools.Remove(name)
	pool.Purge()
	return true
}

// Names returns the names of the registered pools.
func (m *Manager) Names() []string {
	return m.pools.Keys()
}

// StatsOfAllPools returns the statistics of every registered pool by
// name.
func (m *Manager) StatsOfAllPools() map[string]Stats {
	stats := make(map[string]Stats, m.pools.Count())
	for tuple := range m.pools.IterBuffered() {
		stats[tuple.Key] = tuple.Val.(*Pool).Stats()
	}
	return stats
}

// Close purges every pool. Open fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for tuple := range m.pools.IterBuffered() {
		tuple.Val.(*Pool).Purge()
		m.pools.Remove(tuple.Key)
	}
	m.log.Debug("manager closed")
}
