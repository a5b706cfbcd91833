// Package reslock provides keyed mutual exclusion over physical resources and
// logical devices.
//
// The orchestrator owns two registries, one for resource ids and one for
// device keys, and always acquires them in that order:
//
//	err := resources.WithLock(ctx, task.ResourceID, func(ctx context.Context) error {
//	    return devices.WithLock(ctx, task.Target, call)
//	})
//
// Registries are plain values with no process-wide state, so independent
// engines in one process never share locks.
package reslock
