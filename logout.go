package ticketregistry

import (
	"context"
	"errors"
	"fmt"

	"github.com/castaneai/ticketregistry/pkg/ticket"
)

// LogoutOutcome reports what a logout did for one granting ticket.
type LogoutOutcome struct {
	// Notified is the number of services told about the logout.
	Notified int
}

// LogoutManager performs the single logout of an expiring granting ticket, notifying the services
// that hold tickets issued from it. It is called before the ticket is deleted.
type LogoutManager interface {
	PerformLogout(ctx context.Context, tgt *ticket.Ticket) (*LogoutOutcome, error)
}

type LogoutManagerFunc func(ctx context.Context, tgt *ticket.Ticket) (*LogoutOutcome, error)

func (f LogoutManagerFunc) PerformLogout(ctx context.Context, tgt *ticket.Ticket) (*LogoutOutcome, error) {
	return f(ctx, tgt)
}

// ServiceNotifier tells a service that the session behind the ticket it was issued has ended.
type ServiceNotifier interface {
	NotifyLogout(ctx context.Context, service string, st *ticket.Ticket) error
}

type ServiceNotifierFunc func(ctx context.Context, service string, st *ticket.Ticket) error

func (f ServiceNotifierFunc) NotifyLogout(ctx context.Context, service string, st *ticket.Ticket) error {
	return f(ctx, service, st)
}

// RegistryLogoutManager notifies the service of every ticket issued from the granting ticket, descending
// through proxy granting tickets. Every service is attempted; the errors are joined.
type RegistryLogoutManager struct {
	registry *TicketRegistry
	notifier ServiceNotifier
}

func NewRegistryLogoutManager(registry *TicketRegistry, notifier ServiceNotifier) *RegistryLogoutManager {
	return &RegistryLogoutManager{registry: registry, notifier: notifier}
}

func (m *RegistryLogoutManager) PerformLogout(ctx context.Context, tgt *ticket.Ticket) (*LogoutOutcome, error) {
	outcome := &LogoutOutcome{}
	var errs []error
	pending := []string{tgt.ID}
	for len(pending) > 0 {
		parentID := pending[0]
		pending = pending[1:]
		children, err := m.registry.GetChildren(ctx, parentID)
		if err != nil {
			return outcome, err
		}
		for _, child := range children {
			if m.registry.Catalog().IsGranting(child) {
				pending = append(pending, child.ID)
			}
			if child.Service == "" {
				continue
			}
			if err := m.notifier.NotifyLogout(ctx, child.Service, child); err != nil {
				errs = append(errs, fmt.Errorf("failed to notify %s of ticket %s: %w", child.Service, child.ID, err))
				continue
			}
			outcome.Notified++
		}
	}
	return outcome, errors.Join(errs...)
}
