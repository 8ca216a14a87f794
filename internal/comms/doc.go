// Package comms implements the device communication pipeline: commands, the
// per-device command queue, and the processor that drives a transport.
//
// # Model
//
// Each device has one Processor bound to one reactor loop. Callers queue
// commands with Processor.QueueCommand and observe the returned Command's
// Completion. The processor keeps exactly one command in flight, frames
// inbound bytes with the framing package, and asks a ReceiveFunc to judge
// each frame:
//
//   - Success resolves the command.
//   - Ignore keeps waiting, up to MaxWaits frames.
//   - Fail retries while the command's retry budget lasts.
//   - Abort fails without retrying.
//   - Async defers the decision to the Resolver passed to the callback.
//
// Timeouts and disconnects are failures and follow the retry path too.
//
// # Errors
//
// Terminal failures are *CommandError values matching ErrCommandFailed and
// their reason (ErrTimeout, ErrDisconnected, ErrMaxWaitsExceeded, ...).
// Commands dropped because the device went offline or was unloaded are
// rejected with errors matching ErrCanceled.
//
// # Thread Safety
//
// Queue and Processor are confined to their loop. Code on other goroutines
// reaches them through reactor.Loop.Post or Do. Completion is safe anywhere.
package comms
