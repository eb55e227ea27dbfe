package owner

import (
	"time"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
)

// Status is the operator view of this process.
type Status struct {
	InstanceID       string              `json:"instanceId"`
	HolderID         string              `json:"holderId"`
	Identity         string              `json:"identity"`
	IsOwner          bool                `json:"isOwner"`
	FailOpen         bool                `json:"failOpen,omitempty"`
	ClientStarted    bool                `json:"clientStarted"`
	Session          transport.ConnState `json:"session,omitempty"`
	LastQRAt         *time.Time          `json:"lastQrAt,omitempty"`
	LastQR           string              `json:"lastQr,omitempty"`
	LeaseState       storage.LeaseState  `json:"leaseState"`
	Role             Role                `json:"role"`
	Since            time.Time           `json:"since"`
	ActiveRecipients int                 `json:"activeRecipients"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		InstanceID:    c.cfg.InstanceID,
		HolderID:      c.d.Lease.HolderID(),
		Identity:      c.d.Lease.Identity(),
		ClientStarted: c.clientStarted,
		LastQR:        c.lastQR,
		Role:          c.role,
		Since:         c.since,
	}
	if !c.lastQRAt.IsZero() {
		at := c.lastQRAt
		st.LastQRAt = &at
	}
	sess := c.session
	c.mu.Unlock()

	st.IsOwner = c.d.Lease.IsOwner()
	st.FailOpen = c.d.Lease.FailOpen()
	st.LeaseState = c.d.Lease.State()
	if sess != nil {
		st.Session = sess.State()
	}
	if c.d.Dispatch != nil {
		st.ActiveRecipients = c.d.Dispatch.ActiveCount()
	}
	return st
}

// QR returns the last pairing code and when it was received.
func (c *Controller) QR() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQR, c.lastQRAt
}
