package core

import "errors"

var (
	// ErrVersionConflict reports an optimistic-concurrency collision on
	// persisted quota state. Callers retry locally; it never reaches users.
	ErrVersionConflict = errors.New("persisted state version conflict")

	// ErrSyncAlreadyRunning rejects a gather request while another cycle
	// holds the scope's lease. Surfaced to callers as a rejection.
	ErrSyncAlreadyRunning = errors.New("sync already in progress")

	// ErrLeaseLost reports that a cycle's lease expired or was stolen
	// mid-flight.
	ErrLeaseLost = errors.New("sync lease lost")
)
