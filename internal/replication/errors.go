package replication

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline is returned by one-shot syncs while the device is offline.
	ErrOffline      = errors.New("device is offline")
	ErrUnknownStore = errors.New("store is not registered for replication")
)

// SyncError reports which store and which phase of a cycle failed.
type SyncError struct {
	Store string
	Op    string
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.Store, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
