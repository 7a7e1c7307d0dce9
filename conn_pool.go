package dbpool

import (
	"context"
	"time"

	"dbpool/driver"

	"code.cloudfoundry.org/clock"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPoolExhausted is returned by Reserve when every connection is
	// reserved and no new one may be opened.
	ErrPoolExhausted = errors.New("No more pool connections available.")

	// ErrInvalidConnection is returned by Release for a nil or empty
	// connection record.
	ErrInvalidConnection = errors.New("INVALID CONNECTION")

	// ErrNotReserved is returned by Release for a connection that is not
	// currently reserved from the pool.
	ErrNotReserved = errors.New("dbpool: connection is not reserved from this pool")

	// ErrNotInitialized is returned by Reserve before Initialize
	// succeeded.
	ErrNotInitialized = errors.New("dbpool: pool is not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("dbpool: pool is already initialized")
)

type poolState int

const (
	stateNew poolState = iota
	stateInitializing
	stateReady
)

// Pool is a bounded pool of physical connections opened through a
// driver.Gateway. It's safe for concurrent use by multiple goroutines.
//
// Connections are borrowed with Reserve and handed back with Release.
// Released connections are reused; those idle longer than Config.MaxIdle
// are closed instead. With keep-alive enabled a
// background sweeper probes reserved connections and closes dead ones.
type Pool struct {
	cfg     Config
	props   driver.Properties
	gateway driver.Gateway
	clock   clock.Clock
	log     *logrus.Entry
	name    string

	mu         deadlock.Mutex // protects following fields
	state      poolState
	available  *lru.Cache // ID -> *PooledConnection in release order; never promoted
	reserved   map[string]*PooledConnection
	numPending int // opens in flight; they count against MaxPoolSize
	sweeper    *keepAliveSweeper

	opened          int64
	openFailures    int64
	idleClosed      int64
	invalidClosed   int64
	keepAliveClosed int64
	exhausted       int64
	probes          int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the clock used for idle timestamps and the keep-alive
// ticker.
func WithClock(c clock.Clock) Option {
	return func(pool *Pool) {
		pool.clock = c
	}
}

// WithLogger sets the log entry the pool writes to.
func WithLogger(entry *logrus.Entry) Option {
	return func(pool *Pool) {
		pool.log = entry
	}
}

// WithName names the pool in log entries. It defaults to the user and
// URL of the configuration.
func WithName(name string) Option {
	return func(pool *Pool) {
		pool.name = name
	}
}

// New returns a pool for cfg. No connection is opened until Initialize.
func New(cfg Config, gateway driver.Gateway, opts ...Option) (*Pool, error) {
	if gateway == nil {
		return nil, errors.New("dbpool: nil gateway")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	available, err := lru.New(cfg.MaxPoolSize)
	if err != nil {
		return nil, errors.Wrap(err, "dbpool: creating available queue")
	}

	pool := &Pool{
		cfg:       cfg,
		props:     buildProperties(cfg),
		gateway:   gateway,
		clock:     clock.NewClock(),
		available: available,
		reserved:  make(map[string]*PooledConnection),
		name:      cfg.GetId(),
	}
	for _, opt := range opts {
		opt(pool)
	}
	if pool.log == nil {
		pool.log = logrus.NewEntry(logrus.StandardLogger())
	}
	pool.log = pool.log.WithField("pool", pool.name)
	return pool, nil
}

// Name returns the name the pool logs under.
func (pool *Pool) Name() string {
	return pool.name
}

// Config returns the configuration the pool runs with, defaults applied.
func (pool *Pool) Config() Config {
	return pool.cfg
}

// Initialize registers the configured driver, opens MinPoolSize
// connections and starts the keep-alive sweeper if enabled.
//
// Errors from the gateway are returned unchanged. If an open fails, the
// connections opened so far are closed and the pool stays uninitialized.
func (pool *Pool) Initialize(ctx context.Context) error {
	pool.mu.Lock()
	if pool.state != stateNew {
		pool.mu.Unlock()
		return ErrAlreadyInitialized
	}
	pool.state = stateInitializing
	pool.mu.Unlock()

	opened, err := pool.openInitial(ctx)
	if err != nil {
		pool.mu.Lock()
		pool.state = stateNew
		pool.mu.Unlock()
		return err
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	for _, pc := range opened {
		pool.available.Add(pc.ID, pc)
	}
	pool.opened += int64(len(opened))
	pool.state = stateReady
	if pool.cfg.KeepAlive.Enabled {
		pool.startKeepAliveLocked()
	}
	pool.log.WithFields(logrus.Fields{
		"min":       pool.cfg.MinPoolSize,
		"max":       pool.cfg.MaxPoolSize,
		"keepalive": pool.cfg.KeepAlive.Enabled,
	}).Debug("pool initialized")
	return nil
}

func (pool *Pool) openInitial(ctx context.Context) ([]*PooledConnection, error) {
	if name := pool.cfg.DriverName; name != "" {
		if err := pool.gateway.RegisterDriver(name); err != nil {
			pool.log.WithError(err).WithField("driver", name).Error("registering driver failed")
			return nil, err
		}
	}

	opened := make([]*PooledConnection, 0, pool.cfg.MinPoolSize)
	for i := 0; i < pool.cfg.MinPoolSize; i++ {
		conn, err := pool.gateway.Open(ctx, pool.cfg.URL, pool.props)
		if err != nil {
			pool.log.WithError(err).Errorf("opening initial connection %d of %d failed", i+1, pool.cfg.MinPoolSize)
			pool.closeConns(opened, "initialization failed")
			return nil, err
		}
		pc := newPooledConnection(conn)
		pc.releasedAt = pool.clock.Now()
		opened = append(opened, pc)
	}
	return opened, nil
}

// Reserve returns a connection owned by the caller until Release.
//
// Released connections are preferred, the most recently released
// first, so that rarely needed connections age out through MaxIdle.
// Expired, closed or malformed ones are discarded on the way. Otherwise
// a new connection is opened if the pool is below MaxPoolSize, and
// ErrPoolExhausted is returned if it is not. Reserve never waits for a
// release.
func (pool *Pool) Reserve(ctx context.Context) (*PooledConnection, error) {
	pool.mu.Lock()
	if pool.state != stateReady {
		pool.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if pool.cfg.KeepAlive.Enabled && pool.sweeper == nil {
		// Stopped by Purge.
		pool.startKeepAliveLocked()
	}

	closing := pool.evictIdleLocked()
	pc, discarded := pool.popAvailableLocked()
	closing = append(closing, discarded...)
	if pc != nil {
		pool.reserved[pc.ID] = pc
		pool.mu.Unlock()
		pool.closeConns(closing, "idle or closed")
		return pc, nil
	}

	// The available queue is empty at this point.
	if len(pool.reserved)+pool.numPending >= pool.cfg.MaxPoolSize {
		pool.exhausted++
		pool.mu.Unlock()
		pool.closeConns(closing, "idle or closed")
		return nil, ErrPoolExhausted
	}
	pool.numPending++ // optimistically
	pool.mu.Unlock()
	pool.closeConns(closing, "idle or closed")

	conn, err := pool.gateway.Open(ctx, pool.cfg.URL, pool.props)

	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.numPending--
	if err != nil {
		pool.openFailures++
		pool.log.WithError(err).Debug("opening connection failed")
		return nil, err
	}
	pool.opened++
	pc = newPooledConnection(conn)
	pool.reserved[pc.ID] = pc
	return pc, nil
}

// popAvailableLocked takes the most recently released healthy
// connection off the available queue. Closed connections are returned
// in discarded for the caller to close; entries that are not connection
// records are dropped.
func (pool *Pool) popAvailableLocked() (pc *PooledConnection, discarded []*PooledConnection) {
	for {
		keys := pool.available.Keys() // oldest first
		if len(keys) == 0 {
			return nil, discarded
		}
		key := keys[len(keys)-1]
		v, _ := pool.available.Peek(key)
		pool.available.Remove(key)

		candidate, valid := validPooledConnection(v)
		if !valid {
			pool.invalidClosed++
			pool.log.WithField("entry", key).Warn("dropping invalid entry from available connections")
			continue
		}
		if candidate.discarded || candidate.Conn.IsClosed() {
			pool.invalidClosed++
			discarded = append(discarded, candidate)
			continue
		}
		candidate.releasedAt = time.Time{}
		return candidate, discarded
	}
}

// Release hands a reserved connection back to the pool. The physical
// connection stays open and is appended to the available queue.
//
// Releasing a connection the keep-alive sweeper or Purge already closed
// is a no-op. Releasing anything else that is not reserved returns
// ErrNotReserved.
func (pool *Pool) Release(pc *PooledConnection) error {
	if _, ok := validPooledConnection(pc); !ok {
		return ErrInvalidConnection
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pc.discarded {
		return nil
	}
	if cur, ok := pool.reserved[pc.ID]; !ok || cur != pc {
		return ErrNotReserved
	}
	delete(pool.reserved, pc.ID)
	pc.releasedAt = pool.clock.Now()
	if evicted := pool.available.Add(pc.ID, pc); evicted {
		pool.log.Warn("available queue overflowed; oldest entry dropped")
	}
	return nil
}

// Status is a snapshot of the pool's collections.
type Status struct {
	Available int
	Reserved  int
}

// Status returns the number of available and reserved connections.
func (pool *Pool) Status() Status {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.statusLocked()
}

func (pool *Pool) statusLocked() Status {
	return Status{
		Available: pool.available.Len(),
		Reserved:  len(pool.reserved),
	}
}

// Purge stops the keep-alive sweeper and closes every connection, both
// available and reserved. Close failures are logged and do not stop the
// purge; the pool always ends up empty. A purged pool lazily opens new
// connections on the next Reserve, which also restarts the keep-alive
// sweeper.
func (pool *Pool) Purge() {
	pool.mu.Lock()
	if pool.sweeper != nil {
		pool.sweeper.stop()
		pool.sweeper = nil
	}

	keys := pool.available.Keys()
	entries := make([]interface{}, 0, len(keys)+len(pool.reserved))
	for _, key := range keys {
		if v, ok := pool.available.Peek(key); ok {
			entries = append(entries, v)
		}
	}
	for _, pc := range pool.reserved {
		pc.discarded = true
		entries = append(entries, pc)
	}
	pool.available.Purge()
	pool.reserved = make(map[string]*PooledConnection)
	pool.mu.Unlock()

	for _, v := range entries {
		pc, ok := validPooledConnection(v)
		if !ok {
			pool.log.Warn("skipping invalid entry while purging")
			continue
		}
		pool.closeConn(pc, "purge")
	}
	pool.log.WithField("closed", len(entries)).Debug("pool purged")
}

func (pool *Pool) closeConns(conns []*PooledConnection, reason string) {
	for _, pc := range conns {
		pool.closeConn(pc, reason)
	}
}

// closeConn closes the physical connection. Failures are only logged.
func (pool *Pool) closeConn(pc *PooledConnection, reason string) {
	if err := pc.Conn.Close(); err != nil {
		pool.log.WithError(err).WithFields(logrus.Fields{
			"conn":   pc.ID,
			"reason": reason,
		}).Warn("closing connection failed")
	}
}
