// Package pgstore keeps leases and actions in PostgreSQL through gorm. The
// lease claim is an upsert whose DO UPDATE only fires for the current holder
// or a stale record, so the database performs the compare-and-swap.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

type leaseRow struct {
	ID         string `gorm:"column:id;primaryKey;size:191"`
	HolderID   string `gorm:"column:holder_id;size:191;not null"`
	Host       string `gorm:"column:host;size:255"`
	PID        int    `gorm:"column:pid"`
	State      string `gorm:"column:state;size:32;not null"`
	StartedAt  int64  `gorm:"column:started_at;not null"`
	LastSeenAt int64  `gorm:"column:last_seen_at;not null"`
}

type actionRow struct {
	ID          string `gorm:"column:id;primaryKey;size:64"`
	LockID      string `gorm:"column:lock_id;size:191;not null;index"`
	Action      string `gorm:"column:action;size:32;not null"`
	Reason      string `gorm:"column:reason"`
	RequestedBy string `gorm:"column:requested_by;size:191"`
	RequestedAt int64  `gorm:"column:requested_at;not null"`
	DoneAt      *int64 `gorm:"column:done_at"`
	DoneBy      string `gorm:"column:done_by;size:191"`
	Result      string `gorm:"column:result"`
}

type Store struct {
	db      *gorm.DB
	leases  string
	actions string
}

// Open connects to cfg.DSN and migrates the two tables.
func Open(ctx context.Context, cfg storage.Config, log logx.Logger) (storage.Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: NewLogger(log)})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(orInt(cfg.MaxOpenConns, 5))
	sqlDB.SetMaxIdleConns(orInt(cfg.MaxIdleConns, 2))
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	st, err := New(ctx, db, cfg)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return st, nil
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// New wraps an open gorm handle of any dialect that supports
// ON CONFLICT ... DO UPDATE ... WHERE.
func New(ctx context.Context, db *gorm.DB, cfg storage.Config) (*Store, error) {
	st := &Store{db: db, leases: cfg.Table("leases"), actions: cfg.Table("actions")}
	if err := db.WithContext(ctx).Table(st.leases).AutoMigrate(&leaseRow{}); err != nil {
		return nil, fmt.Errorf("migrate leases: %w", err)
	}
	if err := db.WithContext(ctx).Table(st.actions).AutoMigrate(&actionRow{}); err != nil {
		return nil, fmt.Errorf("migrate actions: %w", err)
	}
	return st, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ClaimLease(ctx context.Context, c storage.LeaseClaim) (bool, error) {
	l := c.Record()
	row := leaseRow{
		ID:         l.ID,
		HolderID:   l.HolderID,
		Host:       l.Host,
		PID:        l.PID,
		State:      string(l.State),
		StartedAt:  l.StartedAt.UnixMilli(),
		LastSeenAt: l.LastSeenAt.UnixMilli(),
	}
	res := s.db.WithContext(ctx).Table(s.leases).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"holder_id", "host", "pid", "state", "started_at", "last_seen_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("("+s.leases+".holder_id = excluded.holder_id OR "+s.leases+".last_seen_at < ?)", c.StaleBefore.UnixMilli()),
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) UpdateLease(ctx context.Context, id, holderID string, u storage.LeaseUpdate) (int64, error) {
	q := s.db.WithContext(ctx).Table(s.leases).Where("id = ? AND holder_id = ?", id, holderID)
	sets := map[string]any{}
	if u.State != "" {
		sets["state"] = string(u.State)
	}
	if !u.LastSeenAt.IsZero() {
		sets["last_seen_at"] = u.LastSeenAt.UnixMilli()
	}
	if len(sets) == 0 {
		var n int64
		err := q.Count(&n).Error
		return n, err
	}
	res := q.Updates(sets)
	return res.RowsAffected, res.Error
}

func (s *Store) DeleteLease(ctx context.Context, id, holderID string) (int64, error) {
	q := s.db.WithContext(ctx).Table(s.leases).Where("id = ?", id)
	if holderID != "" {
		q = q.Where("holder_id = ?", holderID)
	}
	res := q.Delete(&leaseRow{})
	return res.RowsAffected, res.Error
}

func (s *Store) ReadLease(ctx context.Context, id string) (storage.Lease, error) {
	var row leaseRow
	err := s.db.WithContext(ctx).Table(s.leases).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Lease{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Lease{}, err
	}
	return storage.Lease{
		ID:         row.ID,
		HolderID:   row.HolderID,
		Host:       row.Host,
		PID:        row.PID,
		State:      storage.LeaseState(row.State),
		StartedAt:  time.UnixMilli(row.StartedAt).UTC(),
		LastSeenAt: time.UnixMilli(row.LastSeenAt).UTC(),
	}, nil
}

func (s *Store) InsertAction(ctx context.Context, a storage.Action) error {
	row := actionRow{
		ID:          a.ID,
		LockID:      a.LockID,
		Action:      string(a.Kind),
		Reason:      a.Reason,
		RequestedBy: a.RequestedBy,
		RequestedAt: a.RequestedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Table(s.actions).Create(&row).Error
}

// claimAttempts bounds the optimistic claim loop. Each miss means another
// poller took the head of the queue, so the next read sees a new head.
const claimAttempts = 5

func (s *Store) ClaimAction(ctx context.Context, lockID, claimant string, now time.Time) (storage.Action, bool, error) {
	doneAt := now.UnixMilli()
	for i := 0; i < claimAttempts; i++ {
		var row actionRow
		err := s.db.WithContext(ctx).Table(s.actions).
			Where("lock_id = ? AND done_at IS NULL", lockID).
			Order("requested_at ASC, id ASC").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.Action{}, false, nil
		}
		if err != nil {
			return storage.Action{}, false, err
		}
		res := s.db.WithContext(ctx).Table(s.actions).
			Where("id = ? AND done_at IS NULL", row.ID).
			Updates(map[string]any{"done_at": doneAt, "done_by": claimant})
		if res.Error != nil {
			return storage.Action{}, false, res.Error
		}
		if res.RowsAffected == 1 {
			row.DoneAt = &doneAt
			row.DoneBy = claimant
			return row.action(), true, nil
		}
	}
	return storage.Action{}, false, nil
}

func (s *Store) MarkAction(ctx context.Context, id, result string) error {
	res := s.db.WithContext(ctx).Table(s.actions).Where("id = ?", id).Update("result", result)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, lockID string, limit int) ([]storage.Action, error) {
	var rows []actionRow
	err := s.db.WithContext(ctx).Table(s.actions).
		Where("lock_id = ?", lockID).
		Order("requested_at DESC, id DESC").
		Limit(storage.ClampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]storage.Action, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.action())
	}
	return out, nil
}

func (r actionRow) action() storage.Action {
	a := storage.Action{
		ID:          r.ID,
		LockID:      r.LockID,
		Kind:        storage.ActionKind(r.Action),
		Reason:      r.Reason,
		RequestedBy: r.RequestedBy,
		RequestedAt: time.UnixMilli(r.RequestedAt).UTC(),
		DoneBy:      r.DoneBy,
		Result:      r.Result,
	}
	if r.DoneAt != nil {
		a.DoneAt = time.UnixMilli(*r.DoneAt).UTC()
	}
	return a
}

// gormWriter sends gorm's slow-query and error lines to logx.
type gormWriter struct{ log logx.Logger }

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// NewLogger logs queries slower than a second and errors, but not
// record-not-found.
func NewLogger(log logx.Logger) logger.Interface {
	return logger.New(gormWriter{log: log.Or().Component("gorm")}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
