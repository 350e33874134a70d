package ledger

import "errors"

// Ledger integrity errors. These are fatal to the calling operation and are
// never retried; callers branch on them with errors.Is.
var (
	// ErrInsufficientFunds means available balance does not cover a
	// reserve or a direct debit request.
	ErrInsufficientFunds = errors.New("insufficient available balance")

	// ErrInsufficientReserved means reserved balance does not cover a
	// debit request.
	ErrInsufficientReserved = errors.New("insufficient reserved balance")

	// ErrReservationConflict means a reservation already exists for the
	// reference with a different amount.
	ErrReservationConflict = errors.New("reservation exists with different amount")

	// ErrNothingToRelease means no open reservation matches the reference,
	// or the release would exceed what remains reserved for it.
	ErrNothingToRelease = errors.New("no matching open reservation to release")

	// ErrInvalidAmount means the amount is zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrEntryConflict means an entry of the same type already exists for
	// the reference with a different amount, so the replay is not a replay.
	ErrEntryConflict = errors.New("entry exists for reference with different amount")
)
