// Package sqldriver implements driver.Gateway on top of database/sql.
//
// Every physical connection is a *sql.Conn taken from its own
// single-connection *sql.DB, so closing it really closes the network
// connection instead of returning it to a database/sql pool.
//
// The MySQL and SQLite drivers are linked in. Other database/sql drivers
// work as soon as they are imported.
package sqldriver

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"sync"

	"dbpool/driver"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Gateway opens connections through database/sql drivers.
//
// A target is written "<driver>:<dsn>", for example
// "sqlite3:file::memory:" or "mysql://user@tcp(db:3306)/app". A target
// without a known driver prefix is opened with the driver last passed
// to RegisterDriver.
type Gateway struct {
	mu            sync.RWMutex
	defaultDriver string
}

var _ driver.Gateway = (*Gateway)(nil)

// New returns a gateway with no default driver.
func New() *Gateway {
	return &Gateway{}
}

// RegisterDriver checks that name is a database/sql driver linked into
// the program and makes it the default for targets without a prefix.
func (g *Gateway) RegisterDriver(name string) error {
	if !isLinked(name) {
		return errors.Errorf("sqldriver: unknown driver %q (forgotten import?)", name)
	}
	g.mu.Lock()
	g.defaultDriver = name
	g.mu.Unlock()
	return nil
}

// Open opens a new physical connection to target.
func (g *Gateway) Open(ctx context.Context, target string, props driver.Properties) (driver.Conn, error) {
	driverName, dsn, err := g.resolve(target)
	if err != nil {
		return nil, err
	}
	dsn, err = applyProperties(driverName, dsn, props)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sqldriver: opening %s", driverName)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).WithField("driver", driverName).Warn("closing database handle failed")
		}
		return nil, errors.Wrapf(err, "sqldriver: connecting with %s", driverName)
	}
	return &Conn{db: db, conn: conn}, nil
}

// resolve splits target into a driver name and a data source name.
func (g *Gateway) resolve(target string) (driverName, dsn string, err error) {
	if i := strings.Index(target, ":"); i > 0 && isLinked(target[:i]) {
		return target[:i], strings.TrimPrefix(target[i+1:], "//"), nil
	}

	g.mu.RLock()
	driverName = g.defaultDriver
	g.mu.RUnlock()
	if driverName == "" {
		return "", "", errors.Errorf("sqldriver: no driver for target %q", target)
	}
	return driverName, target, nil
}

// applyProperties folds the connection properties into dsn. MySQL DSNs
// take user and password in their own fields and the rest as
// parameters; any other driver gets every property as a query
// parameter.
func applyProperties(driverName, dsn string, props driver.Properties) (string, error) {
	if len(props) == 0 {
		return dsn, nil
	}

	if driverName == "mysql" {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", errors.Wrap(err, "sqldriver: parsing mysql dsn")
		}
		for k, v := range props {
			switch k {
			case "user":
				cfg.User = v
			case "password":
				cfg.Passwd = v
			default:
				if cfg.Params == nil {
					cfg.Params = make(map[string]string)
				}
				cfg.Params[k] = v
			}
		}
		return cfg.FormatDSN(), nil
	}

	values := url.Values{}
	for k, v := range props {
		values.Set(k, v)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + values.Encode(), nil
}

func isLinked(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}
