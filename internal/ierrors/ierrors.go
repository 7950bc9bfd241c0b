// Package ierrors models the four error kinds the engine distinguishes, so
// components can classify with errors.As instead of string matching.
package ierrors

import (
	goerrors "errors"
	"fmt"

	"github.com/go-faster/errors"
)

// TransientExternal wraps a retryable failure from an external dependency
// (Store, Channel, RemediationRunner). The owning component retries with
// backoff; it never propagates to Alert state except via a degraded
// annotation after a sustained run.
type TransientExternal struct {
	Component string
	Err       error
}

func (e *TransientExternal) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Component, e.Err)
}

func (e *TransientExternal) Unwrap() error { return e.Err }

// NewTransient wraps err as a TransientExternal originating from component.
func NewTransient(component string, err error) error {
	return &TransientExternal{Component: component, Err: errors.Wrap(err, component)}
}

// PermanentExternal wraps a non-retryable failure (unknown address, template
// render error, misconfigured action). Fails the specific job/execution; the
// Engine advances escalation as if that step produced a negative result.
type PermanentExternal struct {
	Component string
	Err       error
}

func (e *PermanentExternal) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Component, e.Err)
}

func (e *PermanentExternal) Unwrap() error { return e.Err }

// NewPermanent wraps err as a PermanentExternal originating from component.
func NewPermanent(component string, err error) error {
	return &PermanentExternal{Component: component, Err: errors.Wrap(err, component)}
}

// ProtocolViolation is a malformed or incomplete ingress payload, rejected
// before admission; never stored.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string { return "protocol violation: " + e.Reason }

// NewProtocolViolation builds a ProtocolViolation with the given reason.
func NewProtocolViolation(reason string) error {
	return &ProtocolViolation{Reason: reason}
}

// InvariantViolation indicates the process observed state that should be
// impossible under the engine's data-model invariants (e.g. a
// conditional write reporting success but the re-read version is stale).
// It is fatal: callers should crash-and-recover rather than continue.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Invariant, e.Detail)
}

// NewInvariantViolation builds an InvariantViolation for the named invariant.
func NewInvariantViolation(invariant, detail string) error {
	return &InvariantViolation{Invariant: invariant, Detail: detail}
}

// IsTransient reports whether err (or something it wraps) is TransientExternal.
func IsTransient(err error) bool {
	var t *TransientExternal
	return goerrors.As(err, &t)
}

// IsPermanent reports whether err (or something it wraps) is PermanentExternal.
func IsPermanent(err error) bool {
	var p *PermanentExternal
	return goerrors.As(err, &p)
}

// IsInvariantViolation reports whether err (or something it wraps) is an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var v *InvariantViolation
	return goerrors.As(err, &v)
}

// ErrVersionMismatch is returned by Store.Update when the expected_version does
// not match the stored record; the Engine re-reads and replays.
var ErrVersionMismatch = errors.New("version mismatch")

// ErrNotFound is returned by Store.Get/Update for an absent record.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by Store.PutNew for a duplicate key.
var ErrAlreadyExists = errors.New("already exists")

// ErrUnavailable is returned by a Store transport failure.
var ErrUnavailable = errors.New("store unavailable")
