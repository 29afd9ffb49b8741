package account

import "errors"

var (
	// ErrTimeout is returned when the caller's deadline passes before the
	// machine answered. The operation may still complete.
	ErrTimeout = errors.New("timed out waiting for account state machine")
	// ErrCancelled is returned for operations abandoned by a sign-out.
	ErrCancelled = errors.New("operation cancelled by account sign-out")
	// ErrNoAccount is returned when no cloud account is signed in.
	ErrNoAccount = errors.New("no cloud account")
	// ErrNotReady is returned when the machine is not in a state that
	// accepts the operation.
	ErrNotReady = errors.New("account state machine is not ready for this operation")
	// ErrNotTrusted is returned when an operation needed local trust and
	// the machine ended untrusted.
	ErrNotTrusted = errors.New("local peer is not trusted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("account state machine is closed")
)
