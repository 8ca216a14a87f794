// Package framing splits a stream of inbound bytes into protocol frames.
//
// A Tokenizer is configured with one of three strategies:
//
//   - Delimiter: frames end at a byte sequence (for example "\r\n").
//   - MessageLength: frames are a fixed number of bytes.
//   - Callback: a protocol-specific function reports the length of the
//     first complete frame in the buffer.
//
// An optional Indicator marks the start of a frame. Bytes preceding it are
// discarded, which lets a device driver resynchronise after line noise.
//
// The accumulator is bounded by SizeLimit. When it is exceeded, or when a
// Callback panics, the buffered bytes are dropped and an error is returned;
// the Tokenizer remains usable for subsequent input.
//
// A Tokenizer is not safe for concurrent use. Each device's processor owns
// exactly one and only touches it from its event loop.
package framing
