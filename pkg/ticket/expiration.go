package ticket

import (
	"time"
)

// ExpirationPolicy decides whether a ticket is expired.
// A zero field disables its condition; a ticket expires on whichever enabled condition is met first.
type ExpirationPolicy struct {
	// TimeToLive is a hard timeout counted from the creation time, regardless of use.
	TimeToLive time.Duration `cbor:"ttl,omitempty" yaml:"timeToLive,omitempty"`
	// TimeToIdle is a sliding timeout counted from the last use.
	TimeToIdle time.Duration `cbor:"tti,omitempty" yaml:"timeToIdle,omitempty"`
	// MaxUses expires the ticket once it has been used this many times.
	MaxUses int `cbor:"uses,omitempty" yaml:"maxUses,omitempty"`
}

func HardTimeout(ttl time.Duration) ExpirationPolicy {
	return ExpirationPolicy{TimeToLive: ttl}
}

func Idle(tti time.Duration) ExpirationPolicy {
	return ExpirationPolicy{TimeToIdle: tti}
}

func MultiUse(maxUses int) ExpirationPolicy {
	return ExpirationPolicy{MaxUses: maxUses}
}

// Never returns a policy that never expires a ticket.
func Never() ExpirationPolicy {
	return ExpirationPolicy{}
}

// Compose merges policies. When two policies set the same condition, the stricter one wins.
func Compose(policies ...ExpirationPolicy) ExpirationPolicy {
	var p ExpirationPolicy
	for _, o := range policies {
		p.TimeToLive = minPositive(p.TimeToLive, o.TimeToLive)
		p.TimeToIdle = minPositive(p.TimeToIdle, o.TimeToIdle)
		p.MaxUses = minPositive(p.MaxUses, o.MaxUses)
	}
	return p
}

func (p ExpirationPolicy) IsExpired(t *Ticket, now time.Time) bool {
	if p.MaxUses > 0 && t.UsageCount >= p.MaxUses {
		return true
	}
	if at := p.ExpiresAt(t); !at.IsZero() && !now.Before(at) {
		return true
	}
	return false
}

// ExpiresAt returns the earliest time at which a time-based condition expires the ticket.
// It returns the zero time if the policy has no time-based condition.
func (p ExpirationPolicy) ExpiresAt(t *Ticket) time.Time {
	var at time.Time
	if p.TimeToLive > 0 {
		at = t.CreationTime.Add(p.TimeToLive)
	}
	if p.TimeToIdle > 0 {
		idleAt := t.lastActivity().Add(p.TimeToIdle)
		if at.IsZero() || idleAt.Before(at) {
			at = idleAt
		}
	}
	return at
}

func minPositive[T int | time.Duration](a, b T) T {
	if a <= 0 {
		return b
	}
	if b <= 0 || a < b {
		return a
	}
	return b
}
