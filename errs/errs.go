// Package errs classifies the errors the core surfaces to collaborators, per
// spec.md §7. It exists as a standalone package (rather than living on the
// root blockdb package) so that wal, memtable, sstable, chain, engine and
// collection can all return classified errors without importing the facade
// package that in turn imports them.
package errs

import "fmt"

// Kind names a load-bearing error category. Callers match on it via
// errors.Is against the Err* sentinels below, never by comparing strings.
type Kind string

const (
	KindDuplicateKey  Kind = "duplicate_key"
	KindNotFound      Kind = "not_found"
	KindInvalidArg    Kind = "invalid_argument"
	KindIO            Kind = "io_error"
	KindCorruptFrame  Kind = "corrupt_frame"
	KindChainMismatch Kind = "chain_mismatch"
	KindQuiesced      Kind = "quiesced"
	KindWalFull       Kind = "wal_full"
	KindDuplicateName Kind = "duplicate_name"
)

// Error is a classified error. It wraps an optional cause so callers can
// still unwrap to the underlying os/io error while matching on Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel for the same Kind, so that
// errors.Is(err, ErrDuplicateKey) works regardless of Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a classified error, optionally wrapping a cause.
func New(op string, kind Kind, cause error) error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// IO wraps cause as an I/O failure, the only kind that quiesces a writer.
func IO(op string, cause error) error {
	return New(op, KindIO, cause)
}

// Sentinels for errors.Is comparisons. Only Kind is compared by Error.Is, so
// Op/Err on these are irrelevant.
var (
	ErrDuplicateKey  = &Error{Kind: KindDuplicateKey}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrInvalidArg    = &Error{Kind: KindInvalidArg}
	ErrIO            = &Error{Kind: KindIO}
	ErrCorruptFrame  = &Error{Kind: KindCorruptFrame}
	ErrChainMismatch = &Error{Kind: KindChainMismatch}
	ErrQuiesced      = &Error{Kind: KindQuiesced}
	ErrWalFull       = &Error{Kind: KindWalFull}
	ErrDuplicateName = &Error{Kind: KindDuplicateName}
)
