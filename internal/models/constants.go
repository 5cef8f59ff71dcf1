package models

import "time"

// FetchRun status values. A run is written as FetchStatusFail before any work
// starts and only flipped to FetchStatusOK once the cycle completes.
const (
	FetchStatusOK   = "ok"
	FetchStatusFail = "fail"
)

// Snapshot lifecycle: staged -> active -> archived -> deleted (purge).
const (
	SnapshotStaged   = "staged"
	SnapshotActive   = "active"
	SnapshotArchived = "archived"
)

// DefaultProviderTimeout applies when a provider has no timeout configured.
const DefaultProviderTimeout = 20 * time.Second
