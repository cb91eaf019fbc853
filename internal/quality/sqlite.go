// Package quality implements the data-quality probes over the operational
// database. It satisfies guardrail.Checker.
package quality

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"trident/internal/config"
	logx "trident/pkg/logx"
)

// Probe runs freshness and null-rate queries against a SQLite database.
type Probe struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens the operational database read-only for probing.
func Open(cfg config.QualityConfig, log logx.Logger) (*Probe, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("quality database path is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent readers through one pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy, err := config.ParseDurationOrDefault("quality.busy_timeout", cfg.BusyTimeout, 5*time.Second)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")

	return &Probe{db: db, log: log}, nil
}

// OpenDB wraps an existing handle. Used by tests and by callers that manage
// the pool themselves.
func OpenDB(db *sql.DB, log logx.Logger) *Probe {
	return &Probe{db: db, log: log}
}

func (p *Probe) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Freshness returns MAX(column) from table. A table with no rows yields the
// zero time and no error.
func (p *Probe) Freshness(ctx context.Context, table, column string) (time.Time, error) {
	if err := validIdent(table); err != nil {
		return time.Time{}, err
	}
	if err := validIdent(column); err != nil {
		return time.Time{}, err
	}
	var raw sql.NullString
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s", column, table)
	if err := p.db.QueryRowContext(ctx, q).Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("freshness %s.%s: %w", table, column, err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	ts, err := parseTimestamp(raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("freshness %s.%s: %w", table, column, err)
	}
	return ts, nil
}

// NullRate returns the fraction of rows in table (optionally restricted by
// where) whose column is NULL. A table with no matching rows yields 0.
func (p *Probe) NullRate(ctx context.Context, table, column, where string) (float64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	if err := validIdent(column); err != nil {
		return 0, err
	}

	totalQ := fmt.Sprintf("SELECT COUNT(1) FROM %s", table)
	nullCond := fmt.Sprintf("%s IS NULL", column)
	if where = strings.TrimSpace(where); where != "" {
		totalQ += " WHERE " + where
		nullCond = where + " AND " + nullCond
	}
	nullQ := fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE %s", table, nullCond)

	var total, nulls int64
	if err := p.db.QueryRowContext(ctx, totalQ).Scan(&total); err != nil {
		return 0, fmt.Errorf("null-rate %s.%s: %w", table, column, err)
	}
	if total == 0 {
		return 0, nil
	}
	if err := p.db.QueryRowContext(ctx, nullQ).Scan(&nulls); err != nil {
		return 0, fmt.Errorf("null-rate %s.%s: %w", table, column, err)
	}
	return float64(nulls) / float64(total), nil
}

// validIdent rejects anything that is not a bare SQL identifier. Table and
// column names come from the config file, which is operator-controlled, but
// the probe builds queries by interpolation so it refuses surprises anyway.
func validIdent(s string) error {
	if s == "" {
		return errors.New("empty identifier")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return fmt.Errorf("invalid identifier %q", s)
		}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	// Integer epochs show up when the column is numeric.
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		if epoch > 1e12 {
			return time.UnixMilli(epoch), nil
		}
		return time.Unix(epoch, 0), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
