// Package db holds the repositories that read and write the plain-struct
// entities in pkg/models directly over database/sql, without an ORM.
package db

import "errors"

var (
	// ErrNotFound indicates a lookup by primary key found no row.
	ErrNotFound = errors.New("db: not found")

	// ErrNoneClaimable indicates a claim query found no eligible row — the
	// caller should back off and poll again, not treat it as a failure.
	ErrNoneClaimable = errors.New("db: no claimable row")

	// ErrStaleEpoch indicates a caller attempted to act on a claim using an
	// epoch the runtime control singleton has since advanced past (§4.C, §4.H).
	ErrStaleEpoch = errors.New("db: stale claim epoch")

	// ErrIdempotencyConflict indicates an idempotency key is already bound to
	// a different work item than the one being inserted (§4.A).
	ErrIdempotencyConflict = errors.New("db: idempotency key bound to a different work item")
)
