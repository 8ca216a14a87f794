package driver

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
)

// Driver judges frames received from a device.
//
// Received is called on the device loop with the in-flight command, or nil
// for unsolicited frames. It must not block; long work resolves later
// through resolve after returning comms.Async().
type Driver interface {
	Received(frame []byte, resolve comms.Resolver, cmd *comms.Command) comms.Result
}

// Queuer queues commands on a device. Implemented by the manager.
type Queuer interface {
	Queue(data []byte, opts ...comms.Option) *comms.Command
}

// Connector is implemented by drivers that act on connectivity changes,
// such as logging in or polling state once a link comes up.
type Connector interface {
	OnConnected(q Queuer)
	OnDisconnected()
}

// Config selects and parameterises a driver.
type Config struct {
	// Name is the registered driver name. Empty means "raw".
	Name string `yaml:"name" json:"name"`

	// Response, Error and Ignore are regular expressions for the pattern driver.
	Response string `yaml:"response" json:"response,omitempty"`
	Error    string `yaml:"error" json:"error,omitempty"`
	Ignore   string `yaml:"ignore" json:"ignore,omitempty"`

	// OnConnect lists raw payloads queued every time the link comes up.
	OnConnect []string `yaml:"on_connect" json:"on_connect,omitempty"`
}

// Factory builds a driver from configuration.
type Factory func(cfg Config) (Driver, error)

var factories = map[string]Factory{
	"raw":     func(cfg Config) (Driver, error) { return NewRaw(cfg.OnConnect), nil },
	"pattern": func(cfg Config) (Driver, error) { return NewPattern(cfg) },
}

// New builds the driver named in cfg.
func New(cfg Config) (Driver, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = "raw"
	}
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Name)
	}
	return f(cfg)
}

// Names returns the registered driver names.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Raw accepts every frame as the response to the in-flight command.
type Raw struct {
	onConnect [][]byte
}

// Ensure Raw implements Driver and Connector.
var (
	_ Driver    = (*Raw)(nil)
	_ Connector = (*Raw)(nil)
)

// NewRaw creates a raw driver that queues onConnect payloads on connect.
func NewRaw(onConnect []string) *Raw {
	return &Raw{onConnect: toBytes(onConnect)}
}

// Received resolves the in-flight command with the frame.
func (r *Raw) Received(frame []byte, _ comms.Resolver, cmd *comms.Command) comms.Result {
	if cmd == nil {
		return comms.Ignore()
	}
	return comms.Success(frame)
}

// OnConnected queues the configured payloads.
func (r *Raw) OnConnected(q Queuer) {
	queueAll(q, r.onConnect)
}

// OnDisconnected does nothing.
func (r *Raw) OnDisconnected() {}

// Pattern classifies frames with regular expressions.
//
// A frame matching Ignore is ignored, one matching Error fails the command
// and one matching Response succeeds with its submatches. A frame that
// matches nothing is ignored. Without a Response pattern, every frame not
// ignored or failed succeeds.
type Pattern struct {
	response  *regexp.Regexp
	err       *regexp.Regexp
	ignore    *regexp.Regexp
	onConnect [][]byte
}

// Ensure Pattern implements Driver and Connector.
var (
	_ Driver    = (*Pattern)(nil)
	_ Connector = (*Pattern)(nil)
)

// NewPattern compiles a pattern driver.
func NewPattern(cfg Config) (*Pattern, error) {
	p := &Pattern{onConnect: toBytes(cfg.OnConnect)}
	var err error
	if p.response, err = compileOptional(cfg.Response); err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}
	if p.err, err = compileOptional(cfg.Error); err != nil {
		return nil, fmt.Errorf("error: %w", err)
	}
	if p.ignore, err = compileOptional(cfg.Ignore); err != nil {
		return nil, fmt.Errorf("ignore: %w", err)
	}
	return p, nil
}

// Received classifies frame.
func (p *Pattern) Received(frame []byte, _ comms.Resolver, cmd *comms.Command) comms.Result {
	if cmd == nil {
		return comms.Ignore()
	}
	if p.ignore != nil && p.ignore.Match(frame) {
		return comms.Ignore()
	}
	if p.err != nil && p.err.Match(frame) {
		return comms.Fail(fmt.Errorf("%w: %q", ErrDeviceError, frame))
	}
	if p.response == nil {
		return comms.Success(frame)
	}
	if m := p.response.FindSubmatch(frame); m != nil {
		return comms.Success(matchStrings(m))
	}
	return comms.Ignore()
}

// OnConnected queues the configured payloads.
func (p *Pattern) OnConnected(q Queuer) {
	queueAll(q, p.onConnect)
}

// OnDisconnected does nothing.
func (p *Pattern) OnDisconnected() {}

func queueAll(q Queuer, payloads [][]byte) {
	for _, data := range payloads {
		q.Queue(data, comms.NoWait())
	}
}

func toBytes(in []string) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, s := range in {
		out = append(out, []byte(s))
	}
	return out
}
