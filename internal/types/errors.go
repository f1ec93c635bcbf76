package types

import (
	"errors"
	"fmt"
)

var (
	// ErrGeocodeUnavailable means no address could be resolved
	ErrGeocodeUnavailable = errors.New("geocode unavailable")
	// ErrOrderingViolation marks a duplicate or out-of-order sample
	ErrOrderingViolation = errors.New("ordering violation")
	// ErrMalformedSample marks a sample with an unusable coordinate
	ErrMalformedSample = errors.New("malformed sample")
)

// TransportError is a stream, poll or snapshot network failure
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SurfaceInitError means the map SDK failed to load or had nowhere to mount
type SurfaceInitError struct {
	Err error
}

func (e *SurfaceInitError) Error() string {
	return fmt.Sprintf("map surface init failed: %v", e.Err)
}

func (e *SurfaceInitError) Unwrap() error { return e.Err }
