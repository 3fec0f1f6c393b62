package bam

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour used for the cluster member table.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
	DialectMySQL
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return DialectPostgres, nil
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return 0, fmt.Errorf("unsupported cluster driver %q", driver)
	}
}

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectSQLite:
		return "sqlite"
	case DialectMySQL:
		return "mysql"
	default:
		return "dialect(" + strconv.Itoa(int(d)) + ")"
	}
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsertMember inserts this server or, if it is already present, bumps
// its epoch and refreshes address and lease.
func (d Dialect) upsertMember() string {
	const insert = `INSERT INTO bam_cluster_members (server_id, address, epoch, lease_expiry) VALUES (?, ?, 1, ?)`
	if d == DialectMySQL {
		return insert + `
			ON DUPLICATE KEY UPDATE
				epoch        = epoch + 1,
				address      = VALUES(address),
				lease_expiry = VALUES(lease_expiry)`
	}
	return d.rebind(insert + `
		ON CONFLICT (server_id) DO UPDATE
			SET epoch        = bam_cluster_members.epoch + 1,
			    address      = excluded.address,
			    lease_expiry = excluded.lease_expiry`)
}

// MigrateSchema creates the cluster member table if it does not exist.
// Safe to call on every startup.
func MigrateSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS bam_cluster_members (
	server_id    VARCHAR(255) NOT NULL PRIMARY KEY,
	address      VARCHAR(255) NOT NULL,
	epoch        BIGINT NOT NULL DEFAULT 1,
	lease_expiry BIGINT NOT NULL
)`
	_, err := db.ExecContext(ctx, ddl)
	return err
}
