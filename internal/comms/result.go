package comms

// Verdict classifies how a receive callback judged one frame.
type Verdict int

const (
	// VerdictSuccess resolves the waiting command.
	VerdictSuccess Verdict = iota

	// VerdictIgnore leaves the command waiting for a further frame.
	VerdictIgnore

	// VerdictAbort fails the command without retrying.
	VerdictAbort

	// VerdictFail fails the command and enters the retry path.
	VerdictFail

	// VerdictAsync defers the decision to the Resolver.
	VerdictAsync
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictIgnore:
		return "ignore"
	case VerdictAbort:
		return "abort"
	case VerdictFail:
		return "fail"
	case VerdictAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Result is the outcome of evaluating one frame.
type Result struct {
	Verdict Verdict

	// Value resolves the command on success. Nil means the frame itself.
	Value any

	// Reason explains an Abort or Fail.
	Reason error
}

// Success resolves the waiting command with v.
func Success(v any) Result {
	return Result{Verdict: VerdictSuccess, Value: v}
}

// Ignore keeps the command waiting.
func Ignore() Result {
	return Result{Verdict: VerdictIgnore}
}

// Abort fails the command terminally. A nil reason becomes ErrAborted.
func Abort(reason error) Result {
	if reason == nil {
		reason = ErrAborted
	}
	return Result{Verdict: VerdictAbort, Reason: reason}
}

// Fail fails the command and retries it if budget remains.
// A nil reason becomes ErrRetryRequested.
func Fail(reason error) Result {
	if reason == nil {
		reason = ErrRetryRequested
	}
	return Result{Verdict: VerdictFail, Reason: reason}
}

// Async tells the processor the Resolver will be called later.
func Async() Result {
	return Result{Verdict: VerdictAsync}
}

// Resolver settles the in-flight command out of band, exactly as if the
// receive callback had returned the Result. Safe from any goroutine; calls
// for a command that is no longer in flight are ignored.
type Resolver func(Result)

// ReceiveFunc evaluates one inbound frame. cmd is nil when no command is
// in flight, for example when the device pushes an unsolicited update.
type ReceiveFunc func(frame []byte, resolve Resolver, cmd *Command) Result

type notWaiting struct{}

func (notWaiting) String() string { return "not waiting for response" }

// NotWaiting is the value that resolves commands sent with wait disabled.
var NotWaiting any = notWaiting{}
