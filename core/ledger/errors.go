package ledger

import "errors"

var (
	// ErrInvalidKind is returned for transaction kinds outside the supported set.
	ErrInvalidKind = errors.New("ledger: invalid transaction kind")
	// ErrInvalidAmount is returned when the proposed amount is not positive.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrUnknownAccount is returned when a referenced user or merchant account
	// does not exist. Checked before any mutation.
	ErrUnknownAccount = errors.New("ledger: unknown account")
	// ErrInsufficientBalance is returned when a REDEEM exceeds the user's
	// balance. Checked before any mutation.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)
