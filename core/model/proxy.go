package model

import (
	"time"

	"github.com/google/uuid"
)

// ProxyRegistration is the broker's view of a proxy. It is kept outside the
// epoch-versioned topology.
type ProxyRegistration struct {
	ID            uuid.UUID `json:"id"`
	Address       string    `json:"address"`
	AdminAddress  string    `json:"admin_address"`
	LastSeenEpoch uint64    `json:"last_seen_epoch"`
	Healthy       bool      `json:"healthy"`
	FailedChecks  int       `json:"failed_checks"`
	LastReport    time.Time `json:"last_report"`
	Reporter      string    `json:"reporter,omitempty"`
}

func NewProxyRegistration(address, adminAddress string, now time.Time) ProxyRegistration {
	return ProxyRegistration{
		ID:           uuid.New(),
		Address:      address,
		AdminAddress: adminAddress,
		Healthy:      true,
		LastReport:   now,
	}
}

// Acked reports whether the proxy has observed epoch.
func (p ProxyRegistration) Acked(epoch uint64) bool {
	return p.LastSeenEpoch >= epoch
}
