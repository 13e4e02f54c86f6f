// Package domainerr provides shared sentinel errors used across CCO's core
// subsystems.
package domainerr

import "errors"

// ErrQuotaExceeded indicates a per-IP or per-resource cap was reached.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrStaleDiscovery indicates a rendezvous file referenced a process that is
// no longer alive.
var ErrStaleDiscovery = errors.New("stale discovery record")

// ErrNoDaemon indicates no rendezvous record could be found at all.
var ErrNoDaemon = errors.New("no daemon running")

// ErrValidation indicates a caller-supplied value failed validation.
var ErrValidation = errors.New("validation failed")
