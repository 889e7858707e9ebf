package repo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rowScanner is satisfied by both pgx.Row and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

type rowsScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn abstracts a pool, a database handle or an open transaction.
type conn interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
	query(ctx context.Context, query string, args ...any) (rowsScanner, error)
}

// dialect captures the SQL differences between Postgres and SQLite.
type dialect struct {
	numbered  bool
	forUpdate string
}

var (
	postgresDialect = dialect{numbered: true, forUpdate: " FOR UPDATE"}
	sqliteDialect   = dialect{}
)

// bind rewrites ? placeholders into $n when the dialect needs it.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
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

// Timestamps are stored as unix milliseconds in both backends.

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func msPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

type millis struct{ t *time.Time }

func (m *millis) Scan(src any) error {
	v, err := asInt64(src)
	if err != nil {
		return err
	}
	*m.t = time.UnixMilli(v).UTC()
	return nil
}

type nullMillis struct{ t **time.Time }

func (m *nullMillis) Scan(src any) error {
	if src == nil {
		*m.t = nil
		return nil
	}
	v, err := asInt64(src)
	if err != nil {
		return err
	}
	t := time.UnixMilli(v).UTC()
	*m.t = &t
	return nil
}

func asInt64(src any) (int64, error) {
	switch v := src.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
