package ticketregistry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/castaneai/ticketregistry/pkg/config"
	"github.com/castaneai/ticketregistry/pkg/statestore"
	"github.com/castaneai/ticketregistry/pkg/ticket"
	"github.com/castaneai/ticketregistry/pkg/trlog"
)

const defaultScanBatchSize = 500

type RegistryOption interface {
	apply(opts *registryOptions)
}

type RegistryOptionFunc func(opts *registryOptions)

func (f RegistryOptionFunc) apply(opts *registryOptions) {
	f(opts)
}

// WithRegistryClock replaces the clock used to evaluate expiration policies.
func WithRegistryClock(clock clockwork.Clock) RegistryOption {
	return RegistryOptionFunc(func(opts *registryOptions) {
		opts.clock = clock
	})
}

// WithDropOnStartup removes every stored ticket when the registry is constructed.
func WithDropOnStartup(drop bool) RegistryOption {
	return RegistryOptionFunc(func(opts *registryOptions) {
		opts.dropOnStartup = drop
	})
}

// WithRegistryConfig makes GetTickets read its batch size from the current configuration snapshot.
func WithRegistryConfig(source config.Source) RegistryOption {
	return RegistryOptionFunc(func(opts *registryOptions) {
		opts.config = source
	})
}

type registryOptions struct {
	clock         clockwork.Clock
	dropOnStartup bool
	config        config.Source
}

func defaultRegistryOptions() *registryOptions {
	return &registryOptions{
		clock: clockwork.NewRealClock(),
	}
}

// TicketRegistry stores tickets in a backend shared by every node of the cluster.
type TicketRegistry struct {
	store   statestore.TicketStore
	catalog *ticket.Catalog
	options *registryOptions
}

func NewTicketRegistry(ctx context.Context, store statestore.TicketStore, catalog *ticket.Catalog, opts ...RegistryOption) (*TicketRegistry, error) {
	options := defaultRegistryOptions()
	for _, o := range opts {
		o.apply(options)
	}
	if options.dropOnStartup {
		trlog.Warnf("dropping every stored ticket on startup")
		if err := store.Drop(ctx); err != nil {
			return nil, fmt.Errorf("failed to drop tickets: %w", err)
		}
	}
	return &TicketRegistry{
		store:   store,
		catalog: catalog,
		options: options,
	}, nil
}

func (r *TicketRegistry) Catalog() *ticket.Catalog {
	return r.catalog
}

func (r *TicketRegistry) now() time.Time {
	return r.options.clock.Now()
}

func (r *TicketRegistry) AddTicket(ctx context.Context, t *ticket.Ticket) error {
	if _, err := r.catalog.Lookup(t.Type); err != nil {
		return err
	}
	if err := r.store.Insert(ctx, t); err != nil {
		return fmt.Errorf("failed to add ticket %s: %w", t.ID, err)
	}
	trlog.Debugf("ticket %s added", t.ID)
	return nil
}

// IssueTicket creates a ticket of the named type issued from parentID ("" for none) and stores it.
func (r *TicketRegistry) IssueTicket(ctx context.Context, typeName, parentID, service string) (*ticket.Ticket, error) {
	def, err := r.catalog.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	t := def.NewTicket(r.now(), parentID)
	t.Service = service
	if err := r.AddTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTicket returns the ticket if it is stored, of the expected type, and not expired.
// expectedType is either a type name or a class name; "" accepts any ticket.
func (r *TicketRegistry) GetTicket(ctx context.Context, ticketID, expectedType string) (*ticket.Ticket, error) {
	t, err := r.store.Get(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket %s: %w", ticketID, err)
	}
	if !r.catalog.Satisfies(t, expectedType) {
		return nil, fmt.Errorf("%w: ticket %s is %s, not %s", ErrTypeMismatch, ticketID, t.Type, expectedType)
	}
	if t.IsExpired(r.now()) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, ticketID)
	}
	return t, nil
}

// GetChildren returns the tickets issued from the given ticket, expired or not.
func (r *TicketRegistry) GetChildren(ctx context.Context, ticketID string) ([]*ticket.Ticket, error) {
	children, err := r.store.Children(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get children of ticket %s: %w", ticketID, err)
	}
	return children, nil
}

func (r *TicketRegistry) exists(ctx context.Context, ticketID string) (bool, error) {
	if _, err := r.store.Get(ctx, ticketID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get ticket %s: %w", ticketID, err)
	}
	return true, nil
}

// UpdateTicket replaces a stored ticket, e.g. to record a use.
func (r *TicketRegistry) UpdateTicket(ctx context.Context, t *ticket.Ticket) error {
	stored, err := r.store.Get(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update ticket %s: %w", t.ID, err)
	}
	if stored.Type != t.Type || stored.ParentID != t.ParentID || stored.ExpirationPolicy != t.ExpirationPolicy {
		return fmt.Errorf("%w: %s", ErrImmutableField, t.ID)
	}
	if err := r.store.Replace(ctx, t); err != nil {
		return fmt.Errorf("failed to update ticket %s: %w", t.ID, err)
	}
	return nil
}

// DeleteTicket removes the ticket and every ticket issued from it, returning how many were removed.
// Deleting an absent ticket removes nothing and is not an error.
func (r *TicketRegistry) DeleteTicket(ctx context.Context, ticketID string) (int, error) {
	n, err := r.store.Delete(ctx, ticketID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ticket %s: %w", ticketID, err)
	}
	if n > 0 {
		trlog.Debugf("ticket %s deleted (%d tickets removed)", ticketID, n)
	}
	return n, nil
}

// GetTickets lazily yields the stored tickets matching filter, fetching them from the store in batches.
// Each iteration of the returned sequence scans the store again. Iteration stops at the first error.
func (r *TicketRegistry) GetTickets(ctx context.Context, filter Filter) iter.Seq2[*ticket.Ticket, error] {
	if filter == nil {
		filter = All
	}
	return func(yield func(*ticket.Ticket, error) bool) {
		batchSize := r.scanBatchSize()
		cursor := ""
		for {
			tickets, next, err := r.store.Scan(ctx, cursor, batchSize)
			if err != nil {
				yield(nil, fmt.Errorf("failed to scan tickets: %w", err))
				return
			}
			for _, t := range tickets {
				if filter(t) && !yield(t, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			cursor = next
		}
	}
}

func (r *TicketRegistry) CountTickets(ctx context.Context) (int64, error) {
	n, err := r.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count tickets: %w", err)
	}
	return n, nil
}

func (r *TicketRegistry) scanBatchSize() int {
	if r.options.config != nil {
		if size := r.options.config.Current().ScanBatchSize; size > 0 {
			return size
		}
	}
	return defaultScanBatchSize
}

// Filter selects tickets in GetTickets.
type Filter func(t *ticket.Ticket) bool

func All(*ticket.Ticket) bool {
	return true
}

func ByType(typeName string) Filter {
	return func(t *ticket.Ticket) bool {
		return t.Type == typeName
	}
}

// ByClass selects tickets whose type belongs to class in catalog.
func ByClass(catalog *ticket.Catalog, class ticket.Class) Filter {
	return func(t *ticket.Ticket) bool {
		return catalog.Satisfies(t, string(class))
	}
}
