// Package devicepool creates, caches and serializes device handles by key.
//
// Factories are registered per device type (matched case-insensitively).
// UseDevice holds a per-key gate for the duration of the caller's action, so
// two callers never drive the same pooled instance at once; a caller that
// cannot get the gate in time fails with errors.ErrDeviceBusy.
package devicepool
