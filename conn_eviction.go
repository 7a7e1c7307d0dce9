package dbpool

import "time"

// idleExpired reports whether a connection released at releasedAt has
// been idle longer than maxIdle. A zero maxIdle never expires.
func idleExpired(now, releasedAt time.Time, maxIdle time.Duration) bool {
	if maxIdle <= 0 {
		return false
	}
	return now.Sub(releasedAt) > maxIdle
}

// evictIdleLocked pops expired connections off the least recently
// released end of the available queue. The caller closes the returned
// connections after releasing pool.mu.
//
// Entries that are not connection records are dropped on the way.
func (pool *Pool) evictIdleLocked() (closing []*PooledConnection) {
	if pool.cfg.MaxIdle <= 0 {
		return nil
	}
	now := pool.clock.Now()
	for {
		key, v, ok := pool.available.GetOldest()
		if !ok {
			break
		}
		pc, valid := validPooledConnection(v)
		if !valid {
			pool.available.Remove(key)
			pool.invalidClosed++
			pool.log.WithField("entry", key).Warn("dropping invalid entry from available connections")
			continue
		}
		if !idleExpired(now, pc.releasedAt, pool.cfg.MaxIdle) {
			break
		}
		pool.available.Remove(key)
		closing = append(closing, pc)
	}
	pool.idleClosed += int64(len(closing))
	return closing
}
