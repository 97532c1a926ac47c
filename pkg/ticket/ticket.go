package ticket

import (
	"fmt"
	"time"

	"github.com/rs/xid"
)

type Ticket struct {
	ID               string           `cbor:"id"`
	Type             string           `cbor:"type"`
	CreationTime     time.Time        `cbor:"created"`
	LastUsedTime     time.Time        `cbor:"lastUsed,omitempty"`
	ExpirationPolicy ExpirationPolicy `cbor:"policy"`
	// ParentID links a service ticket to the granting ticket it was issued against.
	ParentID string `cbor:"parent,omitempty"`
	// Service is the service a service ticket was issued for.
	Service string `cbor:"service,omitempty"`
	// Authentication is opaque to the registry.
	Authentication []byte `cbor:"auth,omitempty"`
	UsageCount     int    `cbor:"uses,omitempty"`
}

// NewID returns a globally unique ticket id carrying the given prefix.
func NewID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, xid.New().String())
}

func (t *Ticket) IsExpired(now time.Time) bool {
	return t.ExpirationPolicy.IsExpired(t, now)
}

// Use returns a copy of the ticket recording one more use at now.
// The copy must be persisted with the registry's UpdateTicket.
func (t *Ticket) Use(now time.Time) *Ticket {
	used := t.Clone()
	used.UsageCount++
	used.LastUsedTime = now.UTC()
	return used
}

func (t *Ticket) Clone() *Ticket {
	c := *t
	if t.Authentication != nil {
		c.Authentication = append([]byte(nil), t.Authentication...)
	}
	return &c
}

func (t *Ticket) lastActivity() time.Time {
	if t.LastUsedTime.After(t.CreationTime) {
		return t.LastUsedTime
	}
	return t.CreationTime
}
