package server

import (
	"errors"

	"biblio.org/internal/engine"
	"biblio.org/internal/inventory"
	"biblio.org/internal/session"
	"biblio.org/internal/wire"
)

// badRequest marks argument validation failures raised by handlers.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func badRequestf(msg string) error { return badRequest{msg: msg} }

// errKind maps internal errors onto wire error kinds. Auth and domain errors
// are expected outcomes; anything unmapped is an internal failure.
func errKind(err error) string {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return wire.KindBadRequest
	case errors.Is(err, session.ErrInvalidCredentials):
		return wire.KindInvalidCredentials
	case errors.Is(err, session.ErrAccountDisabled), errors.Is(err, engine.ErrUserDisabled):
		return wire.KindAccountDisabled
	case errors.Is(err, session.ErrSessionExpired):
		return wire.KindSessionExpired
	case errors.Is(err, session.ErrSessionNotFound):
		return wire.KindSessionNotFound
	case errors.Is(err, session.ErrInsufficientRole):
		return wire.KindInsufficientRole
	case errors.Is(err, engine.ErrBookUnavailable):
		return wire.KindBookUnavailable
	case errors.Is(err, engine.ErrAlreadyBorrowed):
		return wire.KindAlreadyBorrowed
	case errors.Is(err, engine.ErrAlreadyReturned):
		return wire.KindAlreadyReturned
	case errors.Is(err, engine.ErrLoanNotFound):
		return wire.KindLoanNotFound
	case errors.Is(err, engine.ErrInsufficientAvailable):
		return wire.KindInsufficientAvailable
	case errors.Is(err, engine.ErrInvalidCount):
		return wire.KindBadRequest
	case errors.Is(err, inventory.ErrConstraint):
		return wire.KindConstraintViolation
	case errors.Is(err, inventory.ErrNotFound):
		return wire.KindNotFound
	case errors.Is(err, inventory.ErrLockTimeout):
		return wire.KindLockTimeout
	case errors.Is(err, inventory.ErrStorageUnavailable):
		return wire.KindStorageUnavailable
	default:
		return wire.KindInternal
	}
}
