package mapsurface

import (
	"context"
	"sync"
)

// LoadFunc loads the map SDK
type LoadFunc func(ctx context.Context) (SDK, error)

// Loader loads the map SDK once and shares it with every Handle. A failed
// load is not cached so a later Get can retry.
type Loader struct {
	mu    sync.Mutex
	load  LoadFunc
	sdk   SDK
	loads int
}

// NewLoader creates a loader around load
func NewLoader(load LoadFunc) *Loader {
	return &Loader{load: load}
}

// Get returns the shared SDK, loading it on first use
func (l *Loader) Get(ctx context.Context) (SDK, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sdk != nil {
		return l.sdk, nil
	}
	l.loads++
	sdk, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	l.sdk = sdk
	return sdk, nil
}

// Loaded reports whether the SDK is loaded
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sdk != nil
}

// Loads returns how many load attempts were made
func (l *Loader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

// Reset forgets the loaded SDK
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sdk = nil
	l.loads = 0
}
