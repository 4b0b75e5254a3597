package escrow

import "errors"

// The full failure taxonomy of the escrow state machine. Every guard
// violation aborts its operation before any state mutation is committed, so
// callers can branch on these sentinels with errors.Is and retry with
// corrected parameters (or a different operation) as appropriate.
var (
	ErrNotFound              = errors.New("escrow: record not found")
	ErrUnauthorized          = errors.New("escrow: caller is not authorized")
	ErrInvalidAmount         = errors.New("escrow: amount must be positive")
	ErrInvalidDuration       = errors.New("escrow: duration must be positive")
	ErrInvalidDescription    = errors.New("escrow: description reference must not be empty")
	ErrAmountMismatch        = errors.New("escrow: attached native value must equal amount")
	ErrUnexpectedNativeValue = errors.New("escrow: native value attached to token escrow")
	ErrInvalidRecipient      = errors.New("escrow: recipient must be a non-zero address")
	ErrInvalidAddress        = errors.New("escrow: address must be non-zero")
	ErrAlreadyCompleted      = errors.New("escrow: record already completed")
	ErrAlreadyRefunded       = errors.New("escrow: record already refunded")
	ErrDeadlineExpired       = errors.New("escrow: deadline has passed")
	ErrDeadlineNotYetPassed  = errors.New("escrow: deadline has not passed")
	ErrTransferFailed        = errors.New("escrow: asset transfer failed")
)
