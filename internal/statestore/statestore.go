// Package statestore captures, persists, and restores authenticated browser
// session state (cookies plus per-origin storage) keyed by a caller-supplied
// identifier such as a user role.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kmansel/gridrunner/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNotFound is returned by Load when no state was ever persisted
	// under the given identifier.
	ErrNotFound = errors.New("session state not found")

	// ErrCorruptState is returned by Load when the persisted record is
	// malformed or carries an unknown format version.
	ErrCorruptState = errors.New("corrupt session state")
)

// CaptureError wraps a failure to read state from a live browser context,
// typically because the context is already closed.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("session capture: %v", e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

// SeedError wraps malformed or inapplicable session state discovered while
// installing it into a fresh context.
type SeedError struct {
	Err error
}

func (e *SeedError) Error() string { return fmt.Sprintf("session seed: %v", e.Err) }
func (e *SeedError) Unwrap() error { return e.Err }

// Store persists session state blobs keyed by identifier. Persist fully
// overwrites any prior value for the id and must be atomic: a concurrent
// Load never observes a partially written record.
type Store interface {
	Persist(ctx context.Context, id string, state *schemas.SessionState) error
	Load(ctx context.Context, id string) (*schemas.SessionState, error)
}

// IsStale reports whether the state's capture timestamp is older than maxAge.
// A non-positive maxAge disables the staleness check.
func IsStale(state *schemas.SessionState, maxAge time.Duration) bool {
	return IsStaleAt(state, maxAge, time.Now())
}

// IsStaleAt is IsStale against an explicit clock.
func IsStaleAt(state *schemas.SessionState, maxAge time.Duration, now time.Time) bool {
	if state == nil {
		return true
	}
	if maxAge <= 0 {
		return false
	}
	return state.Age(now) > maxAge
}

// decodeState parses and validates a persisted record. Both backends share
// this so the version and invariant checks cannot drift apart.
func decodeState(data []byte) (*schemas.SessionState, error) {
	var state schemas.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state.Version != schemas.SessionStateVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptState, state.Version)
	}
	seen := make(map[string]struct{}, len(state.Cookies))
	for _, c := range state.Cookies {
		key := c.Key()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate cookie (%s, %s, %s)", ErrCorruptState, c.Name, c.Domain, c.Path)
		}
		seen[key] = struct{}{}
	}
	return &state, nil
}

func encodeState(state *schemas.SessionState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("cannot persist nil session state")
	}
	if state.Version != schemas.SessionStateVersion {
		return nil, fmt.Errorf("refusing to persist state with format version %d", state.Version)
	}
	return json.MarshalIndent(state, "", "  ")
}
