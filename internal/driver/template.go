package driver

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
)

// TemplateConfig is the configuration form of a Template.
type TemplateConfig struct {
	Name        string        `yaml:"name" json:"name"`
	Prototype   string        `yaml:"prototype" json:"prototype"`
	Validate    string        `yaml:"validate" json:"validate,omitempty"`
	Response    string        `yaml:"response" json:"response,omitempty"`
	Error       string        `yaml:"error" json:"error,omitempty"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Description string        `yaml:"description" json:"description,omitempty"`
}

// Template renders one device command from arguments.
type Template struct {
	// Name is the human name, typically without arguments ("power on").
	Name string

	// Prototype is fed to fmt.Sprintf with the call arguments.
	Prototype string

	// Validate must match the rendered command, if set.
	Validate *regexp.Regexp

	// Response matches good replies.
	Response *regexp.Regexp

	// Error matches failure replies.
	Error *regexp.Regexp

	// Timeout overrides the device default when non-zero.
	Timeout time.Duration

	Description string
}

// Compile builds a Template from configuration.
func Compile(cfg TemplateConfig) (Template, error) {
	t := Template{
		Name:        cfg.Name,
		Prototype:   cfg.Prototype,
		Timeout:     cfg.Timeout,
		Description: cfg.Description,
	}
	var err error
	if t.Validate, err = compileOptional(cfg.Validate); err != nil {
		return Template{}, fmt.Errorf("command %q validate: %w", cfg.Name, err)
	}
	if t.Response, err = compileOptional(cfg.Response); err != nil {
		return Template{}, fmt.Errorf("command %q response: %w", cfg.Name, err)
	}
	if t.Error, err = compileOptional(cfg.Error); err != nil {
		return Template{}, fmt.Errorf("command %q error: %w", cfg.Name, err)
	}
	return t, nil
}

func compileOptional(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	return re, nil
}

// Bytes renders the command with args.
//
// A rendering containing "%!" means the arguments did not fit the
// prototype and yields ErrTemplateArgs. A rendering that does not match
// Validate yields ErrTemplateFormat. The rendered bytes are returned either way.
func (t Template) Bytes(args ...any) ([]byte, error) {
	str := fmt.Sprintf(t.Prototype, args...)
	if strings.Contains(str, "%!") {
		return []byte(str), ErrTemplateArgs
	}
	if t.Validate != nil && !t.Validate.MatchString(str) {
		return []byte(str), ErrTemplateFormat
	}
	return []byte(str), nil
}

// Receive judges a reply against the template's patterns. Error matches
// fail the command, Response matches resolve it with the match groups, and
// anything else is ignored. Without a Response pattern every non-error
// reply succeeds.
func (t Template) Receive(frame []byte, _ comms.Resolver, _ *comms.Command) comms.Result {
	if t.Error != nil && t.Error.Match(frame) {
		return comms.Fail(fmt.Errorf("%w: %q", ErrDeviceError, frame))
	}
	if t.Response == nil {
		return comms.Success(nil)
	}
	if m := t.Response.FindSubmatch(frame); m != nil {
		return comms.Success(matchStrings(m))
	}
	return comms.Ignore()
}

// Options returns the command options a call of this template implies.
func (t Template) Options() []comms.Option {
	opts := []comms.Option{comms.WithOnReceive(t.Receive)}
	if t.Timeout > 0 {
		opts = append(opts, comms.WithTimeout(t.Timeout))
	}
	return opts
}

func (t Template) String() string {
	return fmt.Sprintf("%s: %v Prototype:%q Validate:%q Response:%q Error:%q",
		t.Name, t.Timeout, sanitize(t.Prototype), sanitize(t.Validate), sanitize(t.Response), sanitize(t.Error))
}

// Call is a named command with arguments, rendered when transmitted.
type Call struct {
	Template Template
	Args     []any
}

// MarshalBinary renders the call.
func (c Call) MarshalBinary() ([]byte, error) {
	return c.Template.Bytes(c.Args...)
}

// CommandSet maps command names to templates.
type CommandSet map[string]Template

// NewCommandSet compiles configured templates.
func NewCommandSet(cfgs []TemplateConfig) (CommandSet, error) {
	set := make(CommandSet, len(cfgs))
	for _, cfg := range cfgs {
		t, err := Compile(cfg)
		if err != nil {
			return nil, err
		}
		set[cfg.Name] = t
	}
	return set, nil
}

// Call looks up name and validates args by rendering them once.
func (s CommandSet) Call(name string, args ...any) (Call, error) {
	t, ok := s[name]
	if !ok {
		return Call{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if _, err := t.Bytes(args...); err != nil {
		return Call{}, fmt.Errorf("command %q: %w", name, err)
	}
	return Call{Template: t, Args: args}, nil
}

// Names returns the command names in sorted order.
func (s CommandSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders the set as a table.
func (s CommandSet) String() string {
	buf := bytes.NewBufferString("")
	tw := tablewriter.NewWriter(buf)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"Name", "Timeout", "Prototype", "Validate", "Response", "Error"})

	for _, name := range s.Names() {
		t := s[name]
		tw.Append([]string{
			name,
			t.Timeout.String(),
			sanitize(t.Prototype),
			sanitize(t.Validate),
			sanitize(t.Response),
			sanitize(t.Error),
		})
	}
	tw.Render()
	return buf.String()
}

// sanitize makes control characters readable.
func sanitize(v any) string {
	var str string
	switch s := v.(type) {
	case *regexp.Regexp:
		if s == nil {
			return "-"
		}
		str = s.String()
	case string:
		str = s
	}
	return strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(str)
}

func matchStrings(m [][]byte) []string {
	out := make([]string, len(m))
	for i, b := range m {
		out[i] = string(b)
	}
	return out
}
