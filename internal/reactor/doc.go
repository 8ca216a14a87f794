// Package reactor provides the per-device cooperative event loop.
//
// Every device owns exactly one Loop. All command-queue and processor state for
// that device is touched only from tasks running on its loop, so none of it
// needs locking. Work arriving from other goroutines (socket readers, API
// handlers, MQTT callbacks) is handed over with Post.
//
// # Scheduling
//
//   - Post enqueues a task from any goroutine.
//   - Next defers a task to a later tick; it never runs synchronously.
//   - After and Every register one-shot and periodic timers whose callbacks
//     also run on the loop.
//
// A Timer stopped from the loop is guaranteed not to fire afterwards, even if
// the runtime timer had already expired and its callback was in the mailbox.
//
// # Testing
//
// Manual implements the same Scheduler interface over a fake clock. Tests
// drive it explicitly with Drain and Advance, which makes timing behaviour
// (delays, timeouts, backoff) fully deterministic.
package reactor
