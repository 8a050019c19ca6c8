package database

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Dialect selects placeholder style and DDL flavour for the SQL stores.
type Dialect string

const (
	Postgres Dialect = DriverPostgres
	SQLite   Dialect = DriverSQLite
)

// Rebind rewrites '?' placeholders into the dialect's form. Queries are
// written with '?' and never contain a literal question mark.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Dialect returns the SQL dialect for the pool's driver.
func (p *Pool) Dialect() Dialect {
	return Dialect(p.driver)
}

// SchemaGuard runs a schema bootstrap once per process. A failed attempt is
// retried on the next call; concurrent callers wait for the one in flight.
type SchemaGuard struct {
	mu   sync.Mutex
	done bool
}

func (g *SchemaGuard) Ensure(ctx context.Context, create func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return nil
	}
	if err := create(ctx); err != nil {
		return err
	}
	g.done = true
	return nil
}
