// Package lease elects a single owner per bot identity through one record in
// the shared store. Every transition is a conditional write; a holder that
// stops heartbeating is taken over after StaleAfter.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"

	"relaybot/internal/clock"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

// ErrNotOwner is returned when a conditional write matched no record: another
// holder took over or the record was deleted.
var ErrNotOwner = errors.New("lease: not owner")

type Config struct {
	Identity   string
	HolderID   string
	Host       string
	PID        int
	StaleAfter time.Duration
	// FailOpen grants ownership when the store is unreachable. Only valid for
	// single-host deployments.
	FailOpen bool

	Clock   clock.Clock
	Logger  logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

type Manager struct {
	store storage.LeaseStore
	cfg   Config
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	m     *metrics.Metrics

	mu         sync.Mutex
	owner      bool
	failOpen   bool
	state      storage.LeaseState
	lastBeat   time.Time
	acquiredAt time.Time
}

// NewHolderID returns host:pid:xid, unique per process start.
func NewHolderID(host string, pid int) string {
	return fmt.Sprintf("%s:%d:%s", host, pid, xid.New().String())
}

func New(store storage.LeaseStore, cfg Config) *Manager {
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.HolderID == "" {
		cfg.HolderID = NewHolderID(cfg.Host, cfg.PID)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 25 * time.Second
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		clk:   clock.Or(cfg.Clock),
		log:   cfg.Logger.Or().Component("lease"),
		bus:   eventbus.Or(cfg.Bus),
		m:     cfg.Metrics,
		state: storage.StateStandby,
	}
}

func (m *Manager) Identity() string { return m.cfg.Identity }
func (m *Manager) HolderID() string { return m.cfg.HolderID }
func (m *Manager) StaleAfter() time.Duration { return m.cfg.StaleAfter }

func (m *Manager) IsOwner() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// State is the last state this process wrote.
func (m *Manager) State() storage.LeaseState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AcquiredAt is when the current term started; zero when not owner.
func (m *Manager) AcquiredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.owner {
		return time.Time{}
	}
	return m.acquiredAt
}

// LastHeartbeat is the time of the last successful claim or heartbeat.
func (m *Manager) LastHeartbeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat
}

// FailOpen reports whether ownership was granted without the store.
func (m *Manager) FailOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failOpen
}

// TryAcquire claims the lease when it is absent, stale, or already ours.
func (m *Manager) TryAcquire(ctx context.Context) (bool, error) {
	now := m.clk.Now()
	ok, err := m.store.ClaimLease(ctx, storage.LeaseClaim{
		ID:          m.cfg.Identity,
		HolderID:    m.cfg.HolderID,
		Host:        m.cfg.Host,
		PID:         m.cfg.PID,
		Now:         now,
		StaleBefore: now.Add(-m.cfg.StaleAfter),
	})
	if err != nil {
		if m.cfg.FailOpen {
			m.log.Warn("lease store unreachable; running fail-open", logx.Err(err))
			m.setOwner(true, true, now)
			return true, nil
		}
		return false, fmt.Errorf("lease claim %s: %w", m.cfg.Identity, err)
	}
	if !ok {
		return false, nil
	}
	m.setOwner(true, false, now)
	return true, nil
}

func (m *Manager) setOwner(owner, failOpen bool, now time.Time) {
	m.mu.Lock()
	was := m.owner
	m.owner = owner
	m.failOpen = owner && failOpen
	if owner {
		m.lastBeat = now
		if !was {
			m.acquiredAt = now
			m.state = storage.StateStandby
		}
	} else {
		m.state = storage.StateStandby
	}
	m.mu.Unlock()

	if owner == was {
		return
	}
	m.m.SetOwner(owner)
	if owner {
		m.m.LeaseEvent("acquired")
		m.log.Info("lease acquired", logx.String("holder", m.cfg.HolderID), logx.Bool("fail_open", failOpen))
		m.publish(eventbus.LeaseAcquired, map[string]any{"holder": m.cfg.HolderID, "failOpen": failOpen})
	}
}

// Heartbeat refreshes lastSeenAt. ErrNotOwner means the record is gone or
// held by someone else and the caller must stop acting as owner.
func (m *Manager) Heartbeat(ctx context.Context) error {
	return m.write(ctx, storage.LeaseUpdate{LastSeenAt: m.clk.Now()})
}

// SetState records a lifecycle state and refreshes lastSeenAt in one write.
func (m *Manager) SetState(ctx context.Context, st storage.LeaseState) error {
	if !st.Valid() {
		return fmt.Errorf("lease: invalid state %q", st)
	}
	if err := m.write(ctx, storage.LeaseUpdate{State: st, LastSeenAt: m.clk.Now()}); err != nil {
		return err
	}
	m.mu.Lock()
	prev := m.state
	m.state = st
	m.mu.Unlock()
	if prev != st {
		m.publish(eventbus.LeaseState, map[string]any{"state": string(st), "prev": string(prev)})
	}
	return nil
}

func (m *Manager) write(ctx context.Context, u storage.LeaseUpdate) error {
	if !m.IsOwner() {
		return ErrNotOwner
	}
	n, err := m.store.UpdateLease(ctx, m.cfg.Identity, m.cfg.HolderID, u)
	if err != nil {
		m.m.HeartbeatFailed()
		if m.FailOpen() {
			m.touch(u.LastSeenAt)
			return nil
		}
		return fmt.Errorf("lease update %s: %w", m.cfg.Identity, err)
	}
	if n == 0 {
		if m.FailOpen() {
			// Store came back without our record; claim it now that it is reachable.
			if ok, cerr := m.TryAcquire(ctx); cerr == nil && ok {
				_, _ = m.store.UpdateLease(ctx, m.cfg.Identity, m.cfg.HolderID, u)
				return nil
			}
		}
		m.markLost("heartbeat matched no record")
		return ErrNotOwner
	}
	m.touch(u.LastSeenAt)
	return nil
}

func (m *Manager) touch(t time.Time) {
	if t.IsZero() {
		return
	}
	m.mu.Lock()
	m.lastBeat = t
	m.mu.Unlock()
}

// StepDown drops local ownership but leaves the record as it is. The holder
// can re-claim it right away; anyone else only after it goes stale.
func (m *Manager) StepDown(reason string) {
	m.mu.Lock()
	was := m.owner
	m.owner = false
	m.failOpen = false
	m.state = storage.StateStandby
	m.mu.Unlock()
	if !was {
		return
	}
	m.m.SetOwner(false)
	m.log.Info("stepping down", logx.String("reason", reason))
}

// MarkLost drops local ownership without touching the store, used when the
// holder fences itself after failing to heartbeat for StaleAfter.
func (m *Manager) MarkLost(reason string) { m.markLost(reason) }

func (m *Manager) markLost(reason string) {
	m.mu.Lock()
	was := m.owner
	m.owner = false
	m.failOpen = false
	m.state = storage.StateStandby
	m.mu.Unlock()
	if !was {
		return
	}
	m.m.SetOwner(false)
	m.m.LeaseEvent("lost")
	m.log.Warn("lease lost", logx.String("reason", reason))
	m.publish(eventbus.LeaseLost, map[string]any{"reason": reason})
}

// Release gives up ownership. A hard release deletes the record; a soft one
// marks it offline with lastSeenAt rewound to the epoch so any standby can
// claim it immediately. Either way the write is conditional on holding it,
// so it is also safe after StepDown or when someone else took over.
func (m *Manager) Release(ctx context.Context, hard bool) error {
	var (
		n   int64
		err error
	)
	if hard {
		n, err = m.store.DeleteLease(ctx, m.cfg.Identity, m.cfg.HolderID)
	} else {
		n, err = m.store.UpdateLease(ctx, m.cfg.Identity, m.cfg.HolderID, storage.LeaseUpdate{
			State:      storage.StateOffline,
			LastSeenAt: time.Unix(0, 0).UTC(),
		})
	}

	m.mu.Lock()
	was := m.owner
	m.owner = false
	m.failOpen = false
	m.state = storage.StateStandby
	m.mu.Unlock()
	if err != nil {
		if was {
			m.m.SetOwner(false)
		}
		return fmt.Errorf("lease release %s: %w", m.cfg.Identity, err)
	}
	if !was && n == 0 {
		return nil
	}
	m.m.SetOwner(false)
	m.m.LeaseEvent("released")
	m.publish(eventbus.LeaseReleased, map[string]any{"hard": hard})
	m.log.Info("lease released", logx.Bool("hard", hard), logx.Int64("matched", n))
	return nil
}

// Read returns the current record.
func (m *Manager) Read(ctx context.Context) (storage.Lease, error) {
	return m.store.ReadLease(ctx, m.cfg.Identity)
}

// Delete removes the record regardless of holder. Used by reset-auth so the
// next owner starts from a clean session.
func (m *Manager) Delete(ctx context.Context) error {
	_, err := m.store.DeleteLease(ctx, m.cfg.Identity, "")
	m.mu.Lock()
	was := m.owner
	m.owner = false
	m.failOpen = false
	m.state = storage.StateStandby
	m.mu.Unlock()
	if was {
		m.m.SetOwner(false)
		m.m.LeaseEvent("released")
		m.publish(eventbus.LeaseReleased, map[string]any{"deleted": true})
	}
	if err != nil {
		return fmt.Errorf("lease delete %s: %w", m.cfg.Identity, err)
	}
	return nil
}

func (m *Manager) publish(t eventbus.Type, data map[string]any) {
	m.bus.Publish(eventbus.Event{Type: t, Identity: m.cfg.Identity, Time: m.clk.Now(), Data: data})
}
