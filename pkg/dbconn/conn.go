package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" driver
)

const (
	maxConnLifetime = time.Minute * 3
	maxIdleConns    = 10

	// defaultConnectTimeout is applied to connection strings that don't
	// already specify one. Like the run's command timeout, it is
	// unbounded, so the initial TCP/login handshake never times out.
	defaultConnectTimeout time.Duration = 0 // 0 means "wait indefinitely" to the driver
)

// Role distinguishes the two ends of a sync so connection-string
// adjustments (read-only intent, connect timeout) can be applied
// asymmetrically.
type Role int

const (
	RoleSource Role = iota
	RoleTarget
)

// PrepareDSN returns conn adjusted per §5 of the sync parameters contract:
// source connection strings get read-only application intent; both source
// and target connection strings get an explicit (unbounded) connect
// timeout if one isn't already present. conn is an ADO-style SQL Server
// connection string or URL as accepted by github.com/microsoft/go-mssqldb.
func PrepareDSN(conn string, role Role) (string, error) {
	u, err := url.Parse(conn)
	if err != nil || u.Scheme != "sqlserver" {
		// Not a URL-form DSN; treat as an ADO keyword string.
		return prepareKeywordDSN(conn, role), nil
	}
	q := u.Query()
	if role == RoleSource {
		if _, ok := q["ApplicationIntent"]; !ok {
			q.Set("ApplicationIntent", "ReadOnly")
		}
	}
	if _, ok := q["connection timeout"]; !ok {
		q.Set("connection timeout", fmt.Sprintf("%d", int(defaultConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func prepareKeywordDSN(conn string, role Role) string {
	lower := strings.ToLower(conn)
	out := conn
	if role == RoleSource && !strings.Contains(lower, "applicationintent") {
		out = appendKeyword(out, "ApplicationIntent", "ReadOnly")
	}
	if !strings.Contains(lower, "connection timeout") && !strings.Contains(lower, "connect timeout") {
		out = appendKeyword(out, "Connection Timeout", fmt.Sprintf("%d", int(defaultConnectTimeout.Seconds())))
	}
	return out
}

func appendKeyword(dsn, key, val string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn != "" && !strings.HasSuffix(dsn, ";") {
		dsn += ";"
	}
	return fmt.Sprintf("%s%s=%s;", dsn, key, val)
}

// Open opens and pings a SQL Server connection pool, applying the same
// pool-lifetime tuning on every connection regardless of role.
func Open(ctx context.Context, dsn string, role Role) (*sql.DB, error) {
	prepared, err := PrepareDSN(dsn, role)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlserver", prepared)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	db.SetConnMaxLifetime(maxConnLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}
