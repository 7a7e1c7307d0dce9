package dbpool

// Stats contains pool statistics.
type Stats struct {
	Status

	Pending int // Connections being opened by Reserve right now.

	// Counters
	Opened          int64 // The total number of connections opened.
	OpenFailures    int64 // The total number of failed opens in Reserve.
	IdleClosed      int64 // The total number of connections closed due to MaxIdle.
	InvalidClosed   int64 // The total number of closed or malformed entries discarded by Reserve.
	KeepAliveClosed int64 // The total number of connections closed after a failed keep-alive probe.
	Exhausted       int64 // The total number of Reserve calls that returned ErrPoolExhausted.
	Probes          int64 // The total number of keep-alive probes run.
}

// Stats returns pool statistics.
func (pool *Pool) Stats() Stats {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	return Stats{
		Status:          pool.statusLocked(),
		Pending:         pool.numPending,
		Opened:          pool.opened,
		OpenFailures:    pool.openFailures,
		IdleClosed:      pool.idleClosed,
		InvalidClosed:   pool.invalidClosed,
		KeepAliveClosed: pool.keepAliveClosed,
		Exhausted:       pool.exhausted,
		Probes:          pool.probes,
	}
}
