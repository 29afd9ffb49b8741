package ledger

import (
	"errors"
	"fmt"
)

const (
	DomainLedger  = "trustmesh.ledger"
	DomainNetwork = "trustmesh.network"
)

// Code names a ledger failure.
type Code string

const (
	CodeNetworkUnavailable             Code = "networkUnavailable"
	CodeServerTransient                Code = "serverTransient"
	CodeUntrustedRecoveryKeys          Code = "untrustedRecoveryKeys"
	CodeRecoveryKeysNotEnrolled        Code = "recoveryKeysNotEnrolled"
	CodeFailedToCreateRecoveryKey      Code = "failedToCreateRecoveryKey"
	CodeCustodianRecoveryKeyUUIDExists Code = "custodianRecoveryKeyUUIDExists"
	CodeChangeTokenExpired             Code = "changeTokenExpired"
	CodeSharesEndpointUnavailable      Code = "sharesEndpointUnavailable"
	CodeUnknownPeer                    Code = "unknownPeer"
	CodeInvalidVoucher                 Code = "invalidVoucher"
	CodeInvalidSignature               Code = "invalidSignature"
	CodeUnauthorized                   Code = "unauthorized"
	CodeAccountHasPeers                Code = "accountHasPeers"
	CodeInternal                       Code = "internal"
)

// Error is a structured ledger failure.
type Error struct {
	Domain  string
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Domain, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Domain, e.Code, e.Message)
}

// Transient reports whether the call may succeed if retried.
func (e *Error) Transient() bool {
	return e.Code == CodeNetworkUnavailable || e.Code == CodeServerTransient
}

// Is matches another *Error by code, and by domain when target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Domain == "" || t.Domain == e.Domain)
}

// Sentinels for errors.Is comparisons.
var (
	ErrNetworkUnavailable             = &Error{Code: CodeNetworkUnavailable}
	ErrServerTransient                = &Error{Code: CodeServerTransient}
	ErrUntrustedRecoveryKeys          = &Error{Code: CodeUntrustedRecoveryKeys}
	ErrRecoveryKeysNotEnrolled        = &Error{Code: CodeRecoveryKeysNotEnrolled}
	ErrFailedToCreateRecoveryKey      = &Error{Code: CodeFailedToCreateRecoveryKey}
	ErrCustodianRecoveryKeyUUIDExists = &Error{Code: CodeCustodianRecoveryKeyUUIDExists}
	ErrChangeTokenExpired             = &Error{Code: CodeChangeTokenExpired}
	ErrSharesEndpointUnavailable      = &Error{Code: CodeSharesEndpointUnavailable}
	ErrUnknownPeer                    = &Error{Code: CodeUnknownPeer}
	ErrInvalidVoucher                 = &Error{Code: CodeInvalidVoucher}
	ErrUnauthorized                   = &Error{Code: CodeUnauthorized}
)

// Errorf builds a ledger-domain error.
func Errorf(code Code, format string, args ...any) *Error {
	domain := DomainLedger
	if code == CodeNetworkUnavailable {
		domain = DomainNetwork
	}
	return &Error{Domain: domain, Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err carries a transient ledger code.
func IsTransient(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Transient()
}

// CodeOf returns the ledger code carried by err, or "" when there is none.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}
