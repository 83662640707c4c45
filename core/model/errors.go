package model

import (
	"errors"
	"fmt"
)

var (
	ErrEpochConflict      = errors.New("epoch conflict")
	ErrStaleTopology      = errors.New("stale topology")
	ErrMigrationTimeout   = errors.New("migration timeout")
	ErrUnreachablePeer    = errors.New("unreachable peer")
	ErrInvariantViolation = errors.New("invariant violation")
)

var (
	ErrInvalidSlotRange  = errors.New("invalid slot range")
	ErrInvalidChange     = errors.New("invalid change")
	ErrEmptyDelta        = errors.New("empty delta")
	ErrSlotOwned         = errors.New("slot already owned")
	ErrChunkNotFound     = errors.New("chunk not found")
	ErrChunkExists       = errors.New("chunk exists")
	ErrChunkBusy         = errors.New("chunk still owns slots or takes part in a migration")
	ErrTaskNotFound      = errors.New("migration task not found")
	ErrInvalidTransition = errors.New("invalid migration transition")
	ErrMigrationOverlap  = errors.New("migration overlaps an in-flight migration")
	ErrRangeNotOwned     = errors.New("range not owned by source chunk")
)

// EpochConflictError is returned when a proposed update names an epoch that
// is no longer current.
type EpochConflictError struct {
	Expected uint64
	Current  uint64
}

func (e *EpochConflictError) Error() string {
	return fmt.Sprintf("epoch conflict: expected %d, current %d", e.Expected, e.Current)
}

func (e *EpochConflictError) Unwrap() error {
	return ErrEpochConflict
}

// IsValidationError reports whether err was caused by a delta the topology
// rejected.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidSlotRange, ErrInvalidChange, ErrEmptyDelta, ErrSlotOwned,
		ErrChunkNotFound, ErrChunkExists, ErrChunkBusy, ErrInvalidTransition,
		ErrMigrationOverlap, ErrRangeNotOwned, ErrInvariantViolation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
