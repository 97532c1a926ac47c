package statestore

import (
	"context"

	"github.com/castaneai/ticketregistry/pkg/ticket"
)

// TicketStore is the contract a storage backend must satisfy to hold tickets.
// Every operation is atomic per ticket id. Delete additionally removes every descendant of the ticket;
// whether readers can observe a partially applied cascade is documented on each implementation.
type TicketStore interface {
	// Insert stores a new ticket. It fails with ErrTicketExists if the id is taken
	// and with ErrParentNotFound if the ticket's parent is not stored.
	Insert(ctx context.Context, t *ticket.Ticket) error
	// Replace overwrites a stored ticket. It fails with ErrTicketNotFound if absent.
	Replace(ctx context.Context, t *ticket.Ticket) error
	Get(ctx context.Context, ticketID string) (*ticket.Ticket, error)
	// Children returns the tickets whose parent is ticketID.
	Children(ctx context.Context, ticketID string) ([]*ticket.Ticket, error)
	// Delete removes the ticket and its descendants and returns how many tickets were removed.
	Delete(ctx context.Context, ticketID string) (int, error)
	// Scan returns up to about count tickets starting at cursor ("" for the first page).
	// The returned cursor is "" once the scan is complete.
	Scan(ctx context.Context, cursor string, count int) ([]*ticket.Ticket, string, error)
	Count(ctx context.Context) (int64, error)
	// Drop removes every ticket held by the store.
	Drop(ctx context.Context) error
}
