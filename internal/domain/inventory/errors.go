package inventory

import (
	"errors"
	"fmt"
)

// Every failure of a core operation wraps exactly one of these kinds, so
// callers classify with errors.Is. A failed operation leaves the registry,
// queue and ledger untouched.
var (
	ErrDuplicateID       = errors.New("duplicate medicine id")
	ErrCapacityExceeded  = errors.New("registry capacity exceeded")
	ErrNotFound          = errors.New("medicine not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrQueueFull         = errors.New("inbound queue is full")
	ErrQueueEmpty        = errors.New("inbound queue is empty")
	ErrLedgerEmpty       = errors.New("outbound ledger is empty")
	ErrInvalidInput      = errors.New("invalid input")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFound(id int) error {
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}
