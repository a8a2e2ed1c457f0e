// Package errors defines the diagnostic error surface for TLS material
// loading. Every failed fetch produces a MaterialError whose message is a
// static human-readable string naming the primitive that failed; there are
// no error codes.
package errors

import (
	"errors"
	"fmt"
)

// Error classes, used with errors.Is to distinguish failure stages.
var (
	// ErrIdentity covers identity normalization failures: unresolvable
	// paths and malformed engine specs.
	ErrIdentity = errors.New("invalid material identity")

	// ErrSource covers byte-source creation failures: file not found,
	// permission denied.
	ErrSource = errors.New("material source unavailable")

	// ErrParse covers PEM/ASN.1 decode failures, wrong object types, and
	// encrypted keys with no matching passphrase.
	ErrParse = errors.New("material parse failed")

	// ErrEngine covers key-engine failures: unknown engine id or a failed
	// private-key load.
	ErrEngine = errors.New("engine key load failed")
)

// MaterialError is the concrete error returned by the kind adapters and
// fetch protocols. Message names the failed primitive; Spec is the
// caller-supplied material spec (never passphrase material).
type MaterialError struct {
	Class   error  // one of the Err* classes above
	Kind    string // "certificate", "private key", "CRL", "CA certificate"
	Spec    string
	Message string
	Err     error // underlying parser error, when one exists
}

func (e *MaterialError) Error() string {
	if e.Spec != "" {
		return fmt.Sprintf("%s %q: %s", e.Kind, e.Spec, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *MaterialError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Class, e.Err}
	}
	return []error{e.Class}
}

// New builds a MaterialError for the given class.
func New(class error, kind, spec, message string) *MaterialError {
	return &MaterialError{Class: class, Kind: kind, Spec: spec, Message: message}
}

// Wrap builds a MaterialError retaining the underlying error for
// errors.Is/As inspection. The message stays static; the cause is only
// reachable through unwrapping.
func Wrap(class error, kind, spec, message string, err error) *MaterialError {
	return &MaterialError{Class: class, Kind: kind, Spec: spec, Message: message, Err: err}
}
