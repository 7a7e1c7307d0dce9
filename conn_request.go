package dbpool

import "context"

// Reservation is the result of ReserveAsync.
type Reservation struct {
	Conn *PooledConnection
	Err  error
}

// ReserveAsync runs Reserve on its own goroutine. The result is sent on
// the returned channel, which is buffered so the goroutine never blocks
// on a caller that went away. A caller that drops the channel leaks any
// connection delivered on it.
func (pool *Pool) ReserveAsync(ctx context.Context) <-chan Reservation {
	ch := make(chan Reservation, 1)
	go func() {
		pc, err := pool.Reserve(ctx)
		ch <- Reservation{Conn: pc, Err: err}
	}()
	return ch
}
