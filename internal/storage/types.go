package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// LeaseState is the process-role state recorded on the lease.
type LeaseState string

const (
	StateStandby       LeaseState = "standby"
	StateStarting      LeaseState = "starting"
	StateQR            LeaseState = "qr"
	StateAuthenticated LeaseState = "authenticated"
	StateReady         LeaseState = "ready"
	StateDisconnected  LeaseState = "disconnected"
	StateOffline       LeaseState = "offline"
)

func (s LeaseState) Valid() bool {
	switch s {
	case StateStandby, StateStarting, StateQR, StateAuthenticated, StateReady, StateDisconnected, StateOffline:
		return true
	}
	return false
}

// Lease is the single ownership record of one bot identity.
type Lease struct {
	ID         string     `json:"id" bson:"_id"`
	HolderID   string     `json:"holderId" bson:"holderId"`
	Host       string     `json:"host" bson:"host"`
	PID        int        `json:"pid" bson:"pid"`
	State      LeaseState `json:"state" bson:"state"`
	StartedAt  time.Time  `json:"startedAt" bson:"startedAt"`
	LastSeenAt time.Time  `json:"lastSeenAt" bson:"lastSeenAt"`
}

// Stale reports whether the holder stopped heartbeating before cutoff.
func (l Lease) Stale(cutoff time.Time) bool { return l.LastSeenAt.Before(cutoff) }

// LeaseClaim creates or takes over a lease. The write happens when no record
// exists, the record already belongs to HolderID, or its LastSeenAt is before
// StaleBefore.
type LeaseClaim struct {
	ID          string
	HolderID    string
	Host        string
	PID         int
	Now         time.Time
	StaleBefore time.Time
}

// Record is the lease written on a successful claim.
func (c LeaseClaim) Record() Lease {
	return Lease{
		ID:         c.ID,
		HolderID:   c.HolderID,
		Host:       c.Host,
		PID:        c.PID,
		State:      StateStandby,
		StartedAt:  c.Now,
		LastSeenAt: c.Now,
	}
}

// Claimable is the predicate every driver enforces atomically.
func (c LeaseClaim) Claimable(cur Lease) bool {
	return cur.HolderID == c.HolderID || cur.Stale(c.StaleBefore)
}

// LeaseUpdate holds the fields to set. Zero values are left unchanged.
type LeaseUpdate struct {
	State      LeaseState
	LastSeenAt time.Time
}

func (u LeaseUpdate) Apply(l *Lease) {
	if u.State != "" {
		l.State = u.State
	}
	if !u.LastSeenAt.IsZero() {
		l.LastSeenAt = u.LastSeenAt
	}
}

type LeaseStore interface {
	// ClaimLease reports whether the caller now holds the lease.
	ClaimLease(ctx context.Context, c LeaseClaim) (bool, error)
	// UpdateLease applies u when the record belongs to holderID and returns
	// the number of matched records (0 or 1).
	UpdateLease(ctx context.Context, id, holderID string, u LeaseUpdate) (int64, error)
	// DeleteLease removes the record when it belongs to holderID. An empty
	// holderID removes it unconditionally.
	DeleteLease(ctx context.Context, id, holderID string) (int64, error)
	ReadLease(ctx context.Context, id string) (Lease, error)
}

type ActionKind string

const (
	ActionRestart   ActionKind = "restart"
	ActionRelease   ActionKind = "release"
	ActionResetAuth ActionKind = "resetAuth"
)

// ParseActionKind accepts the canonical names plus CLI spellings. Unknown
// names are returned as-is so the owner can record them as ignored.
func ParseActionKind(s string) ActionKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "restart":
		return ActionRestart
	case "release":
		return ActionRelease
	case "resetauth", "reset-auth", "reset_auth":
		return ActionResetAuth
	}
	return ActionKind(strings.TrimSpace(s))
}

const (
	ResultOK      = "ok"
	ResultIgnored = "ignored"
	ResultError   = "error"
)

// Action is a queued operator command. DoneAt is zero while pending.
type Action struct {
	ID          string     `json:"id" bson:"_id"`
	LockID      string     `json:"lockId" bson:"lockId"`
	Kind        ActionKind `json:"action" bson:"action"`
	Reason      string     `json:"reason,omitempty" bson:"reason,omitempty"`
	RequestedBy string     `json:"requestedBy,omitempty" bson:"requestedBy,omitempty"`
	RequestedAt time.Time  `json:"requestedAt" bson:"requestedAt"`
	DoneAt      time.Time  `json:"doneAt,omitempty" bson:"doneAt,omitempty"`
	DoneBy      string     `json:"doneBy,omitempty" bson:"doneBy,omitempty"`
	Result      string     `json:"result,omitempty" bson:"result,omitempty"`
}

func (a Action) Pending() bool { return a.DoneAt.IsZero() }

type ActionStore interface {
	InsertAction(ctx context.Context, a Action) error
	// ClaimAction marks the oldest pending action for lockID as done by
	// claimant and returns it. ok is false when nothing is pending.
	ClaimAction(ctx context.Context, lockID, claimant string, now time.Time) (a Action, ok bool, err error)
	MarkAction(ctx context.Context, id, result string) error
	// ListActions returns the newest actions first.
	ListActions(ctx context.Context, lockID string, limit int) ([]Action, error)
}

type Store interface {
	LeaseStore
	ActionStore
	Close() error
}

// Config selects and configures a driver.
//
// Driver values: "memory", "sqlite", "postgres", "mongo", "s3".
type Config struct {
	Driver string

	// sqlite
	Path        string
	BusyTimeout time.Duration

	// postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int

	// mongo
	URI      string
	Database string

	// s3
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	Insecure  bool

	// TablePrefix namespaces sql tables and mongo collections.
	TablePrefix string
}

// Table returns the prefixed table or collection name.
func (c Config) Table(name string) string {
	p := strings.TrimSpace(c.TablePrefix)
	if p == "" {
		p = "relay_"
	}
	return p + name
}

func ClampLimit(n int) int {
	if n <= 0 || n > 500 {
		return 50
	}
	return n
}
