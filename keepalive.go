package dbpool

import (
	"context"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"
)

// keepAliveSweeper probes reserved connections every
// KeepAlive.Interval. stop cancels it without waiting for a sweep in
// progress.
type keepAliveSweeper struct {
	cancel context.CancelFunc
	done   chan struct{} // closed when the sweeper goroutine exits
}

// startKeepAliveLocked starts the sweeper. The ticker is created before
// the goroutine so that the first tick is measured from here.
func (pool *Pool) startKeepAliveLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	sweeper := &keepAliveSweeper{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ticker := pool.clock.NewTicker(pool.cfg.KeepAlive.Interval)
	go pool.keepAlive(ctx, ticker, sweeper.done)
	pool.sweeper = sweeper
}

func (s *keepAliveSweeper) stop() {
	s.cancel()
}

func (pool *Pool) keepAlive(ctx context.Context, ticker clock.Ticker, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		pool.sweep(ctx)
	}
}

// sweep probes every connection reserved at the time of the call. A
// failing probe does not stop the sweep.
func (pool *Pool) sweep(ctx context.Context) {
	pool.mu.Lock()
	conns := make([]*PooledConnection, 0, len(pool.reserved))
	for _, pc := range pool.reserved {
		conns = append(conns, pc)
	}
	pool.mu.Unlock()

	for _, pc := range conns {
		if ctx.Err() != nil {
			return
		}
		pool.probe(ctx, pc)
	}
}

// probe runs the keep-alive query on pc. A connection that fails it is
// closed and dropped from the pool; its slot becomes free and a later
// Release of it is a no-op.
func (pool *Pool) probe(ctx context.Context, pc *PooledConnection) {
	probeCtx, cancel := context.WithTimeout(ctx, pool.cfg.KeepAlive.Interval)
	err := pc.Conn.Probe(probeCtx, pool.cfg.KeepAlive.Query)
	cancel()
	if ctx.Err() != nil {
		// Purged while probing; Purge owns the connection now.
		return
	}

	pool.mu.Lock()
	pool.probes++
	if err == nil {
		pool.mu.Unlock()
		return
	}
	if pc.discarded {
		pool.mu.Unlock()
		return
	}
	if cur, ok := pool.reserved[pc.ID]; ok && cur == pc {
		delete(pool.reserved, pc.ID)
	} else if v, ok := pool.available.Peek(pc.ID); ok && v == pc {
		// Released while the probe was running.
		pool.available.Remove(pc.ID)
	} else {
		// Released and evicted while the probe was running; already closed.
		pool.mu.Unlock()
		return
	}
	pc.discarded = true
	pool.keepAliveClosed++
	pool.mu.Unlock()

	pool.log.WithError(err).WithFields(logrus.Fields{
		"conn":  pc.ID,
		"query": pool.cfg.KeepAlive.Query,
	}).Error("keep-alive probe failed, closing connection")
	pool.closeConn(pc, "keep-alive")
}
