// Package driver defines interfaces to be implemented by database
// gateways as used by package dbpool.
//
// The pool never talks to a database directly. It asks a Gateway for
// physical connections and only uses the small Conn surface below to
// check, probe and close them.
package driver

import "context"

// Properties are the connection properties handed to a Gateway when a
// physical connection is opened. Keys "user" and "password" carry the
// credentials.
type Properties map[string]string

// Get returns the value for key, or "" if absent.
func (p Properties) Get(key string) string {
	if p == nil {
		return ""
	}
	return p[key]
}

// Clone returns a copy of p that is safe to modify.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Conn is a physical connection to a database.
//
// Conn is assumed to be stateful and is only used by one goroutine at a
// time, with the exception of Probe, which the keep-alive sweeper may
// call while the connection is reserved.
type Conn interface {
	// IsClosed reports whether Close was called or the driver noticed
	// that the connection is gone.
	IsClosed() bool

	// Close invalidates and potentially stops any current
	// statements and transactions on the connection.
	Close() error

	// Probe executes query on the connection and discards any result.
	Probe(ctx context.Context, query string) error
}

// Gateway opens physical connections.
type Gateway interface {
	// Open returns a new connection to the database identified by
	// target. The returned connection is used by only one goroutine
	// at a time.
	Open(ctx context.Context, target string, props Properties) (Conn, error)

	// RegisterDriver makes the named driver available to Open.
	RegisterDriver(name string) error
}
