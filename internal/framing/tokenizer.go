package framing

import (
	"bytes"
	"errors"
	"fmt"
)

// DefaultSizeLimit caps the accumulator at 512 KiB.
const DefaultSizeLimit = 512 * 1024

var (
	// ErrSizeLimit is returned when buffered data exceeds the size limit.
	ErrSizeLimit = errors.New("framing: size limit exceeded")

	// ErrTokenizer is returned when a custom callback panics.
	ErrTokenizer = errors.New("framing: tokenizer callback failed")

	// ErrNoStrategy is returned by New when no framing strategy is configured.
	ErrNoStrategy = errors.New("framing: one of delimiter, message length or callback is required")
)

// LengthFunc reports the length of the first complete frame at the start of
// buf. It returns 0 when more data is needed and a negative value to discard
// everything buffered.
type LengthFunc func(buf []byte) int

// Options configures a Tokenizer.
type Options struct {
	// Delimiter terminates each frame. It is not included in the frame.
	Delimiter []byte

	// Indicator marks the start of a frame. It is not included in the frame.
	Indicator []byte

	// MessageLength is the fixed frame length, counted after the indicator.
	MessageLength int

	// MinLength suppresses delimiter matches that would yield a shorter frame.
	MinLength int

	// Callback reports frame lengths for protocols the other strategies can't express.
	Callback LengthFunc

	// SizeLimit caps buffered bytes. Zero means DefaultSizeLimit.
	SizeLimit int
}

// Enabled reports whether any framing strategy is configured.
func (o Options) Enabled() bool {
	return len(o.Delimiter) > 0 || o.MessageLength > 0 || o.Callback != nil
}

// Tokenizer accumulates bytes and extracts complete frames.
type Tokenizer struct {
	opts Options
	buf  []byte
}

// New creates a tokenizer.
//
// Returns:
//   - *Tokenizer: ready to accept data
//   - error: ErrNoStrategy if opts configures no framing strategy
func New(opts Options) (*Tokenizer, error) {
	if !opts.Enabled() {
		return nil, ErrNoStrategy
	}
	if opts.SizeLimit <= 0 {
		opts.SizeLimit = DefaultSizeLimit
	}
	return &Tokenizer{opts: opts}, nil
}

// Extract appends data and returns every complete frame now available.
//
// On error the accumulator has been cleared. Frames extracted before the
// error are still returned.
func (t *Tokenizer) Extract(data []byte) (frames [][]byte, err error) {
	t.buf = append(t.buf, data...)

	defer func() {
		if r := recover(); r != nil {
			t.buf = nil
			err = fmt.Errorf("%w: %v", ErrTokenizer, r)
		}
	}()

	for {
		if !t.syncIndicator() {
			break
		}
		frame, ok := t.next()
		if !ok {
			break
		}
		frames = append(frames, frame)
	}

	if len(t.buf) > t.opts.SizeLimit {
		size := len(t.buf)
		t.buf = nil
		return frames, fmt.Errorf("%w: %d bytes buffered, limit %d", ErrSizeLimit, size, t.opts.SizeLimit)
	}
	return frames, nil
}

// Flush returns the partially accumulated frame and clears the buffer.
// It returns nil when nothing is buffered.
func (t *Tokenizer) Flush() []byte {
	if len(t.buf) == 0 {
		return nil
	}
	out := t.buf
	t.buf = nil
	if len(t.opts.Indicator) > 0 && bytes.HasPrefix(out, t.opts.Indicator) {
		out = out[len(t.opts.Indicator):]
	}
	return out
}

// Reset discards buffered data.
func (t *Tokenizer) Reset() {
	t.buf = nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (t *Tokenizer) Buffered() int {
	return len(t.buf)
}

// syncIndicator discards bytes before the indicator. It returns false when
// the indicator has not been seen yet.
func (t *Tokenizer) syncIndicator() bool {
	ind := t.opts.Indicator
	if len(ind) == 0 {
		return true
	}
	idx := bytes.Index(t.buf, ind)
	if idx < 0 {
		// Keep a possible partial indicator at the tail.
		keep := len(ind) - 1
		if len(t.buf) > keep {
			t.buf = t.buf[len(t.buf)-keep:]
		}
		return false
	}
	t.buf = t.buf[idx:]
	return true
}

// next extracts one frame from the start of the buffer.
func (t *Tokenizer) next() ([]byte, bool) {
	skip := len(t.opts.Indicator)
	body := t.buf[skip:]

	switch {
	case t.opts.Callback != nil:
		n := t.opts.Callback(body)
		if n < 0 {
			t.buf = nil
			return nil, false
		}
		if n == 0 || n > len(body) {
			return nil, false
		}
		return t.take(skip, n, 0), true

	case t.opts.MessageLength > 0:
		if len(body) < t.opts.MessageLength {
			return nil, false
		}
		return t.take(skip, t.opts.MessageLength, 0), true

	default:
		delim := t.opts.Delimiter
		from := 0
		for {
			idx := bytes.Index(body[from:], delim)
			if idx < 0 {
				return nil, false
			}
			end := from + idx
			if end >= t.opts.MinLength {
				return t.take(skip, end, len(delim)), true
			}
			from = end + 1
		}
	}
}

// take copies n frame bytes after skip and drops them plus trailer from the buffer.
func (t *Tokenizer) take(skip, n, trailer int) []byte {
	frame := make([]byte, n)
	copy(frame, t.buf[skip:skip+n])
	t.buf = t.buf[skip+n+trailer:]
	if len(t.buf) == 0 {
		t.buf = nil
	}
	return frame
}
