// Package sqlitestore stores leases and actions in a SQLite file through
// modernc.org/sqlite. Hosts sharing the file coordinate through SQLite's own
// locking, so this backend suits several processes on one machine.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db      *sql.DB
	log     logx.Logger
	leases  string
	actions string
}

// Open creates the schema when missing.
func Open(ctx context.Context, cfg storage.Config, log logx.Logger) (storage.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; the conditional statements below are
	// then trivially atomic within this process, and busy_timeout covers
	// other processes sharing the file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, leases: cfg.Table("leases"), actions: cfg.Table("actions")}
	prefix := strings.TrimSuffix(st.leases, "leases")
	if _, err := db.ExecContext(ctx, strings.ReplaceAll(migrationsSQL, "{{prefix}}", prefix)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ClaimLease(ctx context.Context, c storage.LeaseClaim) (bool, error) {
	l := c.Record()
	res, err := s.db.ExecContext(ctx, `INSERT INTO `+s.leases+`(id, holder_id, host, pid, state, started_at, last_seen_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			holder_id=excluded.holder_id, host=excluded.host, pid=excluded.pid, state=excluded.state,
			started_at=excluded.started_at, last_seen_at=excluded.last_seen_at
		WHERE `+s.leases+`.holder_id = excluded.holder_id OR `+s.leases+`.last_seen_at < ?`,
		l.ID, l.HolderID, nullStr(l.Host), l.PID, string(l.State), l.StartedAt.UnixMilli(), l.LastSeenAt.UnixMilli(),
		c.StaleBefore.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) UpdateLease(ctx context.Context, id, holderID string, u storage.LeaseUpdate) (int64, error) {
	sets := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if u.State != "" {
		sets = append(sets, "state = ?")
		args = append(args, string(u.State))
	}
	if !u.LastSeenAt.IsZero() {
		sets = append(sets, "last_seen_at = ?")
		args = append(args, u.LastSeenAt.UnixMilli())
	}
	if len(sets) == 0 {
		// Nothing to set; still report whether we match.
		sets = append(sets, "holder_id = holder_id")
	}
	args = append(args, id, holderID)
	res, err := s.db.ExecContext(ctx, `UPDATE `+s.leases+` SET `+strings.Join(sets, ", ")+` WHERE id = ? AND holder_id = ?`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteLease(ctx context.Context, id, holderID string) (int64, error) {
	q := `DELETE FROM ` + s.leases + ` WHERE id = ?`
	args := []any{id}
	if holderID != "" {
		q += ` AND holder_id = ?`
		args = append(args, holderID)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ReadLease(ctx context.Context, id string) (storage.Lease, error) {
	var (
		l          storage.Lease
		host       sql.NullString
		state      string
		started    int64
		lastSeenAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, holder_id, host, pid, state, started_at, last_seen_at FROM `+s.leases+` WHERE id = ?`, id,
	).Scan(&l.ID, &l.HolderID, &host, &l.PID, &state, &started, &lastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Lease{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Lease{}, err
	}
	l.Host = host.String
	l.State = storage.LeaseState(state)
	l.StartedAt = time.UnixMilli(started).UTC()
	l.LastSeenAt = time.UnixMilli(lastSeenAt).UTC()
	return l, nil
}

func (s *sqliteStore) InsertAction(ctx context.Context, a storage.Action) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.actions+`(id, lock_id, action, reason, requested_by, requested_at) VALUES(?,?,?,?,?,?)`,
		a.ID, a.LockID, string(a.Kind), nullStr(a.Reason), nullStr(a.RequestedBy), a.RequestedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ClaimAction(ctx context.Context, lockID, claimant string, now time.Time) (storage.Action, bool, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE `+s.actions+` SET done_at = ?, done_by = ?
		WHERE done_at IS NULL AND id = (
			SELECT id FROM `+s.actions+` WHERE lock_id = ? AND done_at IS NULL
			ORDER BY requested_at, id LIMIT 1
		)
		RETURNING id, lock_id, action, reason, requested_by, requested_at, done_at, done_by, result`,
		now.UnixMilli(), claimant, lockID,
	)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Action{}, false, nil
	}
	if err != nil {
		return storage.Action{}, false, err
	}
	return a, true, nil
}

func (s *sqliteStore) MarkAction(ctx context.Context, id, result string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE `+s.actions+` SET result = ? WHERE id = ?`, result, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListActions(ctx context.Context, lockID string, limit int) ([]storage.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lock_id, action, reason, requested_by, requested_at, done_at, done_by, result
		 FROM `+s.actions+` WHERE lock_id = ? ORDER BY requested_at DESC, id DESC LIMIT ?`,
		lockID, storage.ClampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(r rowScanner) (storage.Action, error) {
	var (
		a                          storage.Action
		kind                       string
		reason, by, doneBy, result sql.NullString
		requestedAt                int64
		doneAt                     sql.NullInt64
	)
	if err := r.Scan(&a.ID, &a.LockID, &kind, &reason, &by, &requestedAt, &doneAt, &doneBy, &result); err != nil {
		return storage.Action{}, err
	}
	a.Kind = storage.ActionKind(kind)
	a.Reason = reason.String
	a.RequestedBy = by.String
	a.RequestedAt = time.UnixMilli(requestedAt).UTC()
	if doneAt.Valid {
		a.DoneAt = time.UnixMilli(doneAt.Int64).UTC()
	}
	a.DoneBy = doneBy.String
	a.Result = result.String
	return a, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
