package statestore

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTicketNotFound     = errors.New("ticket not found")
	ErrTicketExists       = errors.New("ticket already exists")
	ErrParentNotFound     = errors.New("parent ticket not found")
	ErrBackendUnavailable = errors.New("ticket store backend unavailable")
)

func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}
