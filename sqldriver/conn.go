package sqldriver

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/pkg/errors"
)

var errConnClosed = errors.New("sqldriver: connection is closed")

// Conn is a physical connection opened by Gateway.
type Conn struct {
	db     *sql.DB
	conn   *sql.Conn
	closed atomic.Bool
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the connection and its database handle. Calling Close
// more than once is a no-op.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// Probe executes query and discards the result.
func (c *Conn) Probe(ctx context.Context, query string) error {
	if c.IsClosed() {
		return errConnClosed
	}
	_, err := c.conn.ExecContext(ctx, query)
	return err
}

// SQL returns the underlying connection for running statements.
func (c *Conn) SQL() *sql.Conn {
	return c.conn
}
