package dbpool

import (
	"time"

	"dbpool/driver"

	"github.com/google/uuid"
)

// PooledConnection pairs a physical connection with the bookkeeping the
// pool needs. The ID is stable for the lifetime of the physical
// connection: receiving the same ID from two Reserve calls means the
// connection was reused.
type PooledConnection struct {
	ID   string
	Conn driver.Conn

	// protected by Pool.mu
	releasedAt time.Time
	discarded  bool // closed by the keep-alive sweeper while reserved
}

func newPooledConnection(conn driver.Conn) *PooledConnection {
	return &PooledConnection{
		ID:   uuid.NewString(),
		Conn: conn,
	}
}

// validPooledConnection reports whether v is a usable connection record. Entries of any
// other shape found in the available queue are discarded.
func validPooledConnection(v interface{}) (*PooledConnection, bool) {
	pc, ok := v.(*PooledConnection)
	if !ok || pc == nil || pc.Conn == nil || pc.ID == "" {
		return nil, false
	}
	return pc, true
}
