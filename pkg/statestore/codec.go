package statestore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/castaneai/ticketregistry/pkg/ticket"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	// nanosecond precision; the default unix-seconds encoding would truncate ticket times
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("statestore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("statestore: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeTicket(t *ticket.Ticket) ([]byte, error) {
	b, err := encMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ticket: %w", err)
	}
	return b, nil
}

func decodeTicket(b []byte) (*ticket.Ticket, error) {
	var t ticket.Ticket
	if err := decMode.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticket: %w", err)
	}
	return &t, nil
}
