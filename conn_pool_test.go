package dbpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"dbpool/driver"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{
	URL: "fake-url",
	Credentials: Credentials{
		User:     "fake-user",
		Password: "fake-password",
	},
	MinPoolSize: 2,
	MaxPoolSize: 3,
}

var epoch = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

type testPool struct {
	*Pool
	gateway *fakeGateway
	clock   *fakeclock.FakeClock
	logs    *logtest.Hook
}

func newUninitializedPool(t *testing.T, cfg Config, gw *fakeGateway) testPool {
	t.Helper()
	if gw == nil {
		gw = &fakeGateway{}
	}
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	clk := fakeclock.NewFakeClock(epoch)

	pool, err := New(cfg, gw, WithClock(clk), WithLogger(logrus.NewEntry(logger)))
	require.NoError(t, err)
	t.Cleanup(pool.Purge)
	return testPool{Pool: pool, gateway: gw, clock: clk, logs: hook}
}

func newTestPool(t *testing.T, cfg Config) testPool {
	t.Helper()
	tp := newUninitializedPool(t, cfg, nil)
	require.NoError(t, tp.Initialize(context.Background()))
	return tp
}

func reserveN(t *testing.T, pool *Pool, n int) []*PooledConnection {
	t.Helper()
	conns := make([]*PooledConnection, 0, n)
	for i := 0; i < n; i++ {
		pc, err := pool.Reserve(context.Background())
		require.NoError(t, err, "reserve %d", i)
		require.NotEmpty(t, pc.ID)
		require.NotNil(t, pc.Conn)
		conns = append(conns, pc)
	}
	return conns
}

func TestDefaultPoolSizes(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{URL: "fake-url", Credentials: testConfig.Credentials})

	assert.Equal(t, 1, pool.Config().MinPoolSize)
	assert.Equal(t, 1, pool.Config().MaxPoolSize)
	assert.Equal(t, Status{Available: 1, Reserved: 0}, pool.Status())
}

func TestExplicitZeroMinPoolSize(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{URL: "fake-url", MinPoolSize: 0, MaxPoolSize: 3})

	assert.Equal(t, 1, pool.Config().MinPoolSize, "zero is not a lazy pool")
	assert.Equal(t, Status{Available: 1}, pool.Status())
	assert.Len(t, pool.gateway.opened(), 1)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{URL: "fake-url", MinPoolSize: 3, MaxPoolSize: 2}, &fakeGateway{})
	assert.Error(t, err)

	_, err = New(Config{MinPoolSize: 1}, &fakeGateway{})
	assert.Error(t, err, "url is required")

	_, err = New(testConfig, nil)
	assert.Error(t, err)
}

func TestInitializeWithDriverName(t *testing.T) {
	t.Parallel()

	cfg := testConfig
	cfg.DriverName = "fake-driver"
	pool := newTestPool(t, cfg)

	assert.Equal(t, []string{"fake-driver"}, pool.gateway.registered)
	assert.Equal(t, Status{Available: 2}, pool.Status())
}

func TestInitializeUnknownDriver(t *testing.T) {
	t.Parallel()

	badDriver := errors.New("Bad Driver")
	cfg := testConfig
	cfg.DriverName = "fake-driver"
	pool := newUninitializedPool(t, cfg, &fakeGateway{registerErr: badDriver})

	err := pool.Initialize(context.Background())
	assert.Equal(t, badDriver, err, "registration error must be returned unchanged")
	assert.Empty(t, pool.gateway.opened())

	_, err = pool.Reserve(context.Background())
	assert.Equal(t, ErrNotInitialized, err)
}

func TestInitializeProperties(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		cfg  Config
	}{
		{
			name: "credentials",
			cfg:  Config{URL: "fake-url", Credentials: testConfig.Credentials},
		},
		{
			name: "properties",
			cfg: Config{URL: "fake-url", Properties: map[string]string{
				"user":     "fake-user",
				"password": "fake-password",
			}},
		},
		{
			name: "user outside properties",
			cfg: Config{
				URL:         "fake-url",
				Credentials: Credentials{User: "fake-user"},
				Properties:  map[string]string{"password": "fake-password"},
			},
		},
		{
			name: "password outside properties",
			cfg: Config{
				URL:         "fake-url",
				Credentials: Credentials{Password: "fake-password"},
				Properties:  map[string]string{"user": "fake-user"},
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			testCase.cfg.MinPoolSize = 2
			testCase.cfg.MaxPoolSize = 3
			pool := newTestPool(t, testCase.cfg)

			require.Len(t, pool.gateway.props, 2)
			props := pool.gateway.props[0]
			assert.Equal(t, "fake-user", props.Get("user"))
			assert.Equal(t, "fake-password", props.Get("password"))
			assert.Equal(t, []string{"fake-url", "fake-url"}, pool.gateway.targets)
		})
	}
}

func TestInitializeDoesNotModifyProperties(t *testing.T) {
	t.Parallel()

	props := map[string]string{"user": "someone-else"}
	newTestPool(t, Config{URL: "fake-url", Credentials: Credentials{User: "fake-user"}, Properties: props})

	assert.Equal(t, map[string]string{"user": "someone-else"}, props)
}

func TestInitializePartialFailure(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{failAfter: 1}
	pool := newUninitializedPool(t, testConfig, gw)

	err := pool.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, "too many connections", err.Error())

	opened := gw.opened()
	require.Len(t, opened, 1)
	assert.True(t, opened[0].IsClosed(), "connections opened before the failure are closed")
	assert.Equal(t, Status{}, pool.Status())

	_, err = pool.Reserve(context.Background())
	assert.Equal(t, ErrNotInitialized, err)

	// The pool can be initialized once the database is back.
	gw.mu.Lock()
	gw.failAfter = 0
	gw.mu.Unlock()
	require.NoError(t, pool.Initialize(context.Background()))
	assert.Equal(t, Status{Available: 2}, pool.Status())
}

func TestInitializeTwice(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	assert.Equal(t, ErrAlreadyInitialized, pool.Initialize(context.Background()))
	assert.Len(t, pool.gateway.opened(), 2)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	reserveN(t, pool.Pool, 1)

	assert.Equal(t, Status{Available: 1, Reserved: 1}, pool.Status())
}

func TestReserveMinimumPool(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	for k := 1; k <= testConfig.MinPoolSize; k++ {
		reserveN(t, pool.Pool, 1)
		assert.Equal(t, Status{Available: testConfig.MinPoolSize - k, Reserved: k}, pool.Status())
	}
	assert.Len(t, pool.gateway.opened(), 2, "no connection opened beyond the initial ones")
}

func TestReserveMaximumPool(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	conns := reserveN(t, pool.Pool, testConfig.MaxPoolSize)

	ids := make(map[string]struct{})
	for _, pc := range conns {
		ids[pc.ID] = struct{}{}
	}
	assert.Len(t, ids, testConfig.MaxPoolSize, "ids must be distinct")
	assert.Equal(t, Status{Available: 0, Reserved: 3}, pool.Status())

	_, err := pool.Reserve(context.Background())
	assert.Equal(t, ErrPoolExhausted, err)
	assert.EqualError(t, err, "No more pool connections available.")
	assert.Equal(t, int64(1), pool.Stats().Exhausted)
}

func TestReserveOpenFailure(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	pool.Purge()

	openErr := errors.New("Something bad happened")
	pool.gateway.setOpenErr(openErr)
	for i := 0; i < testConfig.MaxPoolSize+1; i++ {
		_, err := pool.Reserve(context.Background())
		assert.Equal(t, openErr, err, "open error must be returned unchanged")
	}

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, int64(testConfig.MaxPoolSize+1), stats.OpenFailures)
	assert.Equal(t, Status{}, stats.Status)

	// Failed opens did not use up any slot.
	pool.gateway.setOpenErr(nil)
	reserveN(t, pool.Pool, testConfig.MaxPoolSize)
	_, err := pool.Reserve(context.Background())
	assert.Equal(t, ErrPoolExhausted, err)
}

func TestReserveConcurrentNeverExceedsMax(t *testing.T) {
	t.Parallel()

	const maxSize = 5
	const callers = 25
	pool := newTestPool(t, Config{URL: "fake-url", MinPoolSize: 1, MaxPoolSize: maxSize})
	pool.gateway.mu.Lock()
	pool.gateway.openHook = func() { time.Sleep(5 * time.Millisecond) }
	pool.gateway.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var reserved, exhausted int
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Reserve(context.Background())
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				reserved++
			case ErrPoolExhausted:
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, maxSize, reserved)
	assert.Equal(t, callers-maxSize, exhausted)
	assert.Equal(t, Status{Available: 0, Reserved: maxSize}, pool.Status())
	assert.Len(t, pool.gateway.opened(), maxSize)
}

func TestReserveSkipsClosedConnections(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	for _, conn := range pool.gateway.opened() {
		conn.closed.Store(true)
	}

	pc, err := pool.Reserve(context.Background())
	require.NoError(t, err)
	assert.False(t, pc.Conn.IsClosed())
	assert.Equal(t, Status{Available: 0, Reserved: 1}, pool.Status())
	assert.Equal(t, int64(2), pool.Stats().InvalidClosed)
	assert.Len(t, pool.gateway.opened(), 3)
}

func TestReserveAsync(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)

	var ids []string
	for i := 0; i < testConfig.MaxPoolSize; i++ {
		res := <-pool.ReserveAsync(context.Background())
		require.NoError(t, res.Err)
		ids = append(ids, res.Conn.ID)
	}
	assert.Len(t, ids, 3)

	res := <-pool.ReserveAsync(context.Background())
	assert.Nil(t, res.Conn)
	assert.Equal(t, ErrPoolExhausted, res.Err)
}

func TestRelease(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	pc := reserveN(t, pool.Pool, 1)[0]

	assert.NoError(t, pool.Release(pc))
	assert.Equal(t, Status{Available: 2, Reserved: 0}, pool.Status())
	assert.False(t, pc.Conn.IsClosed(), "release keeps the connection open")
}

func TestReleaseInvalidConnection(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)

	assert.Equal(t, ErrInvalidConnection, pool.Release(nil))
	assert.EqualError(t, pool.Release(&PooledConnection{}), "INVALID CONNECTION")
	assert.Equal(t, Status{Available: 2}, pool.Status())
}

func TestReleaseNotReserved(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	pc := reserveN(t, pool.Pool, 1)[0]
	require.NoError(t, pool.Release(pc))

	assert.Equal(t, ErrNotReserved, pool.Release(pc), "double release")
	assert.Equal(t, Status{Available: 2}, pool.Status())

	other := newTestPool(t, testConfig)
	foreign := reserveN(t, other.Pool, 1)[0]
	assert.Equal(t, ErrNotReserved, pool.Release(foreign))

	impostor := &PooledConnection{ID: foreign.ID, Conn: &fakeConn{}}
	assert.Equal(t, ErrNotReserved, other.Release(impostor))
	assert.Equal(t, Status{Available: 1, Reserved: 1}, other.Status())
}

func TestPurge(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	reserveN(t, pool.Pool, 3)

	pool.Purge()
	assert.Equal(t, Status{}, pool.Status())
	for _, conn := range pool.gateway.opened() {
		assert.True(t, conn.IsClosed())
	}
}

func TestPurgeWithBadConnection(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	pool.available.Add("bad", "bad-connection")

	assert.NotPanics(t, pool.Purge)
	assert.Equal(t, Status{}, pool.Status())
	for _, conn := range pool.gateway.opened() {
		assert.True(t, conn.IsClosed())
	}
}

func TestPurgeContinuesAfterCloseFailure(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	reserveN(t, pool.Pool, 1)
	opened := pool.gateway.opened()
	opened[0].closeErr = errors.New("close failed")

	pool.Purge()
	assert.Equal(t, Status{}, pool.Status())
	for _, conn := range opened {
		assert.Equal(t, int32(1), conn.closeCalls.Load())
	}
	assert.True(t, hasLogEntry(pool.logs, logrus.WarnLevel, "closing connection failed"))
}

func hasLogEntry(hook *logtest.Hook, level logrus.Level, msg string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Level == level && entry.Message == msg {
			return true
		}
	}
	return false
}

func TestReleaseAfterPurge(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, testConfig)
	pc := reserveN(t, pool.Pool, 1)[0]
	pool.Purge()

	assert.NoError(t, pool.Release(pc), "releasing a purged connection is a no-op")
	assert.Equal(t, Status{}, pool.Status())

	// A purged pool opens new connections on demand.
	fresh := reserveN(t, pool.Pool, 1)[0]
	assert.NotEqual(t, pc.ID, fresh.ID)
	assert.Equal(t, Status{Reserved: 1}, pool.Status())
}

func TestMultiplePoolsAreIndependent(t *testing.T) {
	t.Parallel()

	first := newTestPool(t, testConfig)
	second := newTestPool(t, testConfig)

	reserveN(t, first.Pool, 3)
	first.Purge()

	assert.Equal(t, Status{}, first.Status())
	assert.Equal(t, Status{Available: 2}, second.Status())
	reserveN(t, second.Pool, 3)
}

func TestPooledConnectionValidity(t *testing.T) {
	var nilConn *PooledConnection
	testCases := []struct {
		name  string
		entry interface{}
		valid bool
	}{
		{"record", &PooledConnection{ID: "a", Conn: &fakeConn{}}, true},
		{"string", "bad-connection", false},
		{"nil record", nilConn, false},
		{"no handle", &PooledConnection{ID: "a"}, false},
		{"no id", &PooledConnection{Conn: &fakeConn{}}, false},
		{"struct value", PooledConnection{ID: "a", Conn: &fakeConn{}}, false},
	}
	for _, testCase := range testCases {
		_, valid := validPooledConnection(testCase.entry)
		assert.Equal(t, testCase.valid, valid, testCase.name)
	}
}

var _ driver.Conn = (*fakeConn)(nil)
var _ driver.Gateway = (*fakeGateway)(nil)
