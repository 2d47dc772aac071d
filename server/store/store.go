// Package store persists admission-control state: IP/connection bans and an
// audit trail of the decisions the server makes about them. It is the only
// state the server keeps across restarts — player records themselves are
// in-memory and reset every run (spec.md's non-goals rule out persistence
// for those).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrBanNotFound is returned when no ban record exists for the given id.
var ErrBanNotFound = errors.New("ban record not found")

// Ban is one admission-control ban record.
type Ban struct {
	ID        string
	IP        string
	Reason    string
	BannedBy  string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means permanent
}

// Store persists admission-control state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("[store] opened %s", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS bans (
	id TEXT PRIMARY KEY,
	ip TEXT NOT NULL,
	reason TEXT NOT NULL,
	banned_by TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL,
	expires_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bans_ip ON bans(ip);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_unix_ms INTEGER NOT NULL,
	ip TEXT NOT NULL,
	action TEXT NOT NULL,
	details TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// InsertBan records a new ban. expires is the zero Time for a permanent ban.
func (s *Store) InsertBan(id, ip, reason, bannedBy string, expires time.Time) error {
	var expiresMS int64
	if !expires.IsZero() {
		expiresMS = expires.UnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT INTO bans (id, ip, reason, banned_by, created_at_unix_ms, expires_at_unix_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		id, ip, reason, bannedBy, time.Now().UnixMilli(), expiresMS,
	)
	if err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	return nil
}

// DeleteBan removes a ban by id.
func (s *Store) DeleteBan(id string) error {
	res, err := s.db.Exec(`DELETE FROM bans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	if n == 0 {
		return ErrBanNotFound
	}
	return nil
}

// IsBanned reports whether ip is covered by an unexpired ban.
func (s *Store) IsBanned(ip string) (bool, error) {
	now := time.Now().UnixMilli()
	row := s.db.QueryRow(
		`SELECT 1 FROM bans WHERE ip = ? AND (expires_at_unix_ms = 0 OR expires_at_unix_ms > ?) LIMIT 1`,
		ip, now,
	)
	var dummy int
	switch err := row.Scan(&dummy); {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("check ban: %w", err)
	}
}

// ActiveBans lists every currently unexpired ban, newest first, for the
// `bans` CLI subcommand.
func (s *Store) ActiveBans() ([]Ban, error) {
	now := time.Now().UnixMilli()
	rows, err := s.db.Query(
		`SELECT id, ip, reason, banned_by, created_at_unix_ms, expires_at_unix_ms FROM bans
		 WHERE expires_at_unix_ms = 0 OR expires_at_unix_ms > ? ORDER BY created_at_unix_ms DESC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var b Ban
		var createdMS, expiresMS int64
		if err := rows.Scan(&b.ID, &b.IP, &b.Reason, &b.BannedBy, &createdMS, &expiresMS); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		b.CreatedAt = time.UnixMilli(createdMS)
		if expiresMS != 0 {
			b.ExpiresAt = time.UnixMilli(expiresMS)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PurgeExpiredBans deletes bans whose expiry has passed, returning the
// number removed.
func (s *Store) PurgeExpiredBans() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM bans WHERE expires_at_unix_ms != 0 AND expires_at_unix_ms <= ?`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired bans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired bans: %w", err)
	}
	return n, nil
}

// InsertAuditLog records one admission-control decision (ban, unban,
// connection refused for exceeding a limit).
func (s *Store) InsertAuditLog(ip, action, details string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (ts_unix_ms, ip, action, details) VALUES (?, ?, ?, ?)`,
		time.Now().UnixMilli(), ip, action, details,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// Optimize runs SQLite's query planner optimization, matching the periodic
// maintenance call the teacher's store makes.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}
