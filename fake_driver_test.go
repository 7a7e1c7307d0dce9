package dbpool

import (
	"context"
	"sync"
	"sync/atomic"

	"dbpool/driver"

	"github.com/pkg/errors"
)

type fakeConn struct {
	closed     atomic.Bool
	closeCalls atomic.Int32
	probeCalls atomic.Int32

	mu       sync.Mutex
	probeErr error
	closeErr error
	queries  []string
}

func (c *fakeConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *fakeConn) Close() error {
	c.closeCalls.Add(1)
	c.closed.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *fakeConn) Probe(ctx context.Context, query string) error {
	c.probeCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
	return c.probeErr
}

func (c *fakeConn) setProbeErr(err error) {
	c.mu.Lock()
	c.probeErr = err
	c.mu.Unlock()
}

// fakeGateway hands out fakeConns and records what it was asked for.
type fakeGateway struct {
	mu          sync.Mutex
	conns       []*fakeConn
	targets     []string
	props       []driver.Properties
	registered  []string
	openErr     error
	failAfter   int // if > 0, Open fails once this many conns were opened
	registerErr error
	probeErr    error // probe error for conns opened from now on
	openHook    func()
}

func (g *fakeGateway) Open(ctx context.Context, target string, props driver.Properties) (driver.Conn, error) {
	g.mu.Lock()
	hook := g.openHook
	g.mu.Unlock()
	if hook != nil {
		hook()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	if g.failAfter > 0 && len(g.conns) >= g.failAfter {
		return nil, errors.New("too many connections")
	}
	conn := &fakeConn{probeErr: g.probeErr}
	g.conns = append(g.conns, conn)
	g.targets = append(g.targets, target)
	g.props = append(g.props, props)
	return conn, nil
}

func (g *fakeGateway) RegisterDriver(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.registerErr != nil {
		return g.registerErr
	}
	g.registered = append(g.registered, name)
	return nil
}

func (g *fakeGateway) setOpenErr(err error) {
	g.mu.Lock()
	g.openErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) opened() []*fakeConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*fakeConn(nil), g.conns...)
}
