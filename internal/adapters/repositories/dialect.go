package repositories

import (
	"strconv"
	"strings"
)

// Dialect selects placeholder syntax for the SQL driver in use.
type Dialect int

const (
	// SQLite uses ? placeholders.
	SQLite Dialect = iota
	// Postgres uses $n placeholders (pgx).
	Postgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) Dialect {
	if driver == "pgx" || driver == "postgres" {
		return Postgres
	}
	return SQLite
}

// rebind rewrites ? placeholders to $n for Postgres.
// Queries in this package never contain literal question marks.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}

	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
