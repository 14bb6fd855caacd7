package blockdb

import "github.com/blockdb/blockdb/errs"

// Error kinds and sentinels are defined in package errs so that every
// internal package (wal, memtable, sstable, chain, engine, collection) can
// return classified errors without importing this facade package. They are
// re-exported here under the names spec.md §7 uses, so callers can write
// errors.Is(err, blockdb.ErrDuplicateKey).
type (
	Kind  = errs.Kind
	Error = errs.Error
)

const (
	KindDuplicateKey  = errs.KindDuplicateKey
	KindNotFound      = errs.KindNotFound
	KindInvalidArg    = errs.KindInvalidArg
	KindIO            = errs.KindIO
	KindCorruptFrame  = errs.KindCorruptFrame
	KindChainMismatch = errs.KindChainMismatch
	KindQuiesced      = errs.KindQuiesced
	KindWalFull       = errs.KindWalFull
	KindDuplicateName = errs.KindDuplicateName
)

var (
	ErrDuplicateKey  = errs.ErrDuplicateKey
	ErrNotFound      = errs.ErrNotFound
	ErrInvalidArg    = errs.ErrInvalidArg
	ErrIO            = errs.ErrIO
	ErrCorruptFrame  = errs.ErrCorruptFrame
	ErrChainMismatch = errs.ErrChainMismatch
	ErrQuiesced      = errs.ErrQuiesced
	ErrWalFull       = errs.ErrWalFull
	ErrDuplicateName = errs.ErrDuplicateName
)
