package ticketregistry

import (
	"errors"

	"github.com/castaneai/ticketregistry/pkg/lock"
	"github.com/castaneai/ticketregistry/pkg/statestore"
	"github.com/castaneai/ticketregistry/pkg/ticket"
)

var (
	ErrDuplicateID        = statestore.ErrTicketExists
	ErrNotFound           = statestore.ErrTicketNotFound
	ErrParentNotFound     = statestore.ErrParentNotFound
	ErrBackendUnavailable = statestore.ErrBackendUnavailable
	ErrUnknownTicketType  = ticket.ErrUnknownTicketType
	ErrLockUnavailable    = lock.ErrLockUnavailable
	ErrTypeMismatch       = errors.New("ticket type mismatch")
	ErrExpired            = errors.New("ticket expired")
	ErrImmutableField     = errors.New("ticket type, parent and expiration policy cannot change")
	ErrLogoutFailed       = errors.New("logout failed")
)
