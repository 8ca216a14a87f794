package comms

import (
	"context"
	"encoding"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default command settings.
const (
	DefaultMaxWaits = 3
	DefaultRetries  = 2
	DefaultTimeout  = 5 * time.Second
	DefaultPriority = 50
)

// Defaults seeds every command queued on a processor.
type Defaults struct {
	Wait            bool          `yaml:"wait" json:"wait"`
	Delay           time.Duration `yaml:"delay" json:"delay"`
	DelayOnReceive  time.Duration `yaml:"delay_on_receive" json:"delay_on_receive"`
	MaxWaits        int           `yaml:"max_waits" json:"max_waits"`
	Retries         int           `yaml:"retries" json:"retries"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	Priority        int           `yaml:"priority" json:"priority"`
	ForceDisconnect bool          `yaml:"force_disconnect" json:"force_disconnect"`
}

// DefaultDefaults returns the stock command settings.
func DefaultDefaults() Defaults {
	return Defaults{
		Wait:     true,
		MaxWaits: DefaultMaxWaits,
		Retries:  DefaultRetries,
		Timeout:  DefaultTimeout,
		Priority: DefaultPriority,
	}
}

// Command is one unit of work for a device.
//
// Fields are set when the command is queued and must not be changed
// afterwards. Runtime bookkeeping is owned by the device loop.
type Command struct {
	// ID correlates the command across logs and telemetry.
	ID string

	// Data is sent as-is unless Request is set.
	Data []byte

	// Request renders the payload at transmit time.
	Request encoding.BinaryMarshaler

	// Name limits the queue to one pending command with this name.
	Name string

	Priority        int
	Wait            bool
	Retries         int
	MaxWaits        int
	Delay           time.Duration
	DelayOnReceive  time.Duration
	Timeout         time.Duration
	ForceDisconnect bool
	ClearQueue      bool
	Disconnect      bool

	// Emit is called with the value of a successful response.
	Emit func(value any)

	// OnReceive overrides the processor's receive callback for this command.
	OnReceive ReceiveFunc

	completion *Completion
	queuedAt   time.Time

	remaining   int
	waitCount   int
	attempts    int
	transmitted bool
}

// Option configures a Command.
type Option func(*Command)

// WithName sets the coalescing name.
func WithName(name string) Option {
	return func(c *Command) { c.Name = name }
}

// WithPriority sets the priority. Higher is sent sooner.
func WithPriority(priority int) Option {
	return func(c *Command) { c.Priority = priority }
}

// WithWait sets whether a response is expected.
func WithWait(wait bool) Option {
	return func(c *Command) { c.Wait = wait }
}

// NoWait sends without expecting a response.
func NoWait() Option {
	return WithWait(false)
}

// WithRetries sets the retry budget.
func WithRetries(n int) Option {
	return func(c *Command) { c.Retries = n }
}

// WithMaxWaits sets how many ignorable responses are tolerated.
func WithMaxWaits(n int) Option {
	return func(c *Command) { c.MaxWaits = n }
}

// WithDelay sets the minimum gap since the previous send.
func WithDelay(d time.Duration) Option {
	return func(c *Command) { c.Delay = d }
}

// WithDelayOnReceive sets the minimum gap since the last received data.
func WithDelayOnReceive(d time.Duration) Option {
	return func(c *Command) { c.DelayOnReceive = d }
}

// WithTimeout sets the response timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Command) { c.Timeout = d }
}

// WithForceDisconnect drops the connection when a response arrives.
func WithForceDisconnect() Option {
	return func(c *Command) { c.ForceDisconnect = true }
}

// WithClearQueue cancels every queued command if this one fails.
func WithClearQueue() Option {
	return func(c *Command) { c.ClearQueue = true }
}

// WithDisconnect disconnects the transport after success.
func WithDisconnect() Option {
	return func(c *Command) { c.Disconnect = true }
}

// WithEmit registers a callback for the successful response value.
func WithEmit(fn func(value any)) Option {
	return func(c *Command) { c.Emit = fn }
}

// WithOnReceive overrides the receive callback for this command.
func WithOnReceive(fn ReceiveFunc) Option {
	return func(c *Command) { c.OnReceive = fn }
}

// WithRequest renders the payload from req when transmitted.
func WithRequest(req encoding.BinaryMarshaler) Option {
	return func(c *Command) { c.Request = req }
}

// NewCommand builds a command from defaults and options.
//
// A command that does not wait for a response never retries.
func NewCommand(data []byte, defaults Defaults, opts ...Option) *Command {
	c := &Command{
		ID:              uuid.NewString(),
		Data:            data,
		Priority:        defaults.Priority,
		Wait:            defaults.Wait,
		Retries:         defaults.Retries,
		MaxWaits:        defaults.MaxWaits,
		Delay:           defaults.Delay,
		DelayOnReceive:  defaults.DelayOnReceive,
		Timeout:         defaults.Timeout,
		ForceDisconnect: defaults.ForceDisconnect,
		completion:      newCompletion(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.Wait || c.Retries < 0 {
		c.Retries = 0
	}
	if c.MaxWaits < 0 {
		c.MaxWaits = 0
	}
	c.remaining = c.Retries
	return c
}

// Bytes returns the payload to put on the wire.
func (c *Command) Bytes() ([]byte, error) {
	if c.Request == nil {
		return c.Data, nil
	}
	b, err := c.Request.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("rendering request: %w", err)
	}
	return b, nil
}

// Completion returns the command's future.
func (c *Command) Completion() *Completion {
	return c.completion
}

// Result blocks until the command settles or ctx ends.
func (c *Command) Result(ctx context.Context) (any, error) {
	return c.completion.Wait(ctx)
}

// Attempts returns how many times the command was transmitted.
// Only meaningful on the device loop or after the command settled.
func (c *Command) Attempts() int {
	return c.attempts
}

// QueuedAt returns when the command was submitted.
func (c *Command) QueuedAt() time.Time {
	return c.queuedAt
}

func (c *Command) complete(value any, err error) bool {
	return c.completion.settle(value, err)
}

func (c *Command) failure(reason error) *CommandError {
	data := c.Data
	if data == nil && c.Request != nil {
		data, _ = c.Request.MarshalBinary()
	}
	return &CommandError{
		ID:       c.ID,
		Name:     c.Name,
		Data:     data,
		Attempts: c.attempts,
		Reason:   reason,
	}
}
