package ledger

import "errors"

// Domain errors. All of them are permanent for the command that raised them.
var (
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInvalidAsset        = errors.New("ledger: invalid asset")
	ErrAccountFrozen       = errors.New("ledger: account frozen")
	ErrAccountNotFrozen    = errors.New("ledger: account not frozen")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrCorruptHistory      = errors.New("ledger: corrupt history")
	ErrCausationMismatch   = errors.New("ledger: causation id recorded on another aggregate")
	ErrUnknownCommand      = errors.New("ledger: unknown command")
)

// IsDomainError reports whether err is a validation or balance rule failure,
// i.e. one that no retry can fix.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidAsset) ||
		errors.Is(err, ErrAccountFrozen) ||
		errors.Is(err, ErrAccountNotFrozen) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrCausationMismatch) ||
		errors.Is(err, ErrUnknownCommand)
}
