package manager

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
)

// CommandRequest is the JSON body accepted over MQTT and HTTP.
//
// Exactly one of Command, Data and Hex selects the payload:
//   - Command names a template from the device's command set, rendered with Args
//   - Data is sent as text
//   - Hex is decoded and sent as raw bytes
type CommandRequest struct {
	// ID is echoed in the response for correlation.
	ID string `json:"id,omitempty"`

	Command string `json:"command,omitempty"`
	Args    []any  `json:"args,omitempty"`
	Data    string `json:"data,omitempty"`
	Hex     string `json:"hex,omitempty"`

	// Name coalesces pending commands with the same name.
	Name      string `json:"name,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
	Wait      *bool  `json:"wait,omitempty"`
	Retries   *int   `json:"retries,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// Validate checks that exactly one payload source is set.
func (r CommandRequest) Validate() error {
	set := 0
	for _, s := range []string{r.Command, r.Data, r.Hex} {
		if s != "" {
			set++
		}
	}
	switch {
	case set == 0:
		return fmt.Errorf("%w: one of command, data or hex is required", ErrInvalidRequest)
	case set > 1:
		return fmt.Errorf("%w: command, data and hex are mutually exclusive", ErrInvalidRequest)
	case r.TimeoutMS < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	}
	return nil
}

// payload returns the raw bytes for data and hex requests.
func (r CommandRequest) payload() ([]byte, error) {
	if r.Hex != "" {
		b, err := hex.DecodeString(r.Hex)
		if err != nil {
			return nil, fmt.Errorf("%w: hex: %w", ErrInvalidRequest, err)
		}
		return b, nil
	}
	return []byte(r.Data), nil
}

// options converts the request's overrides to command options.
func (r CommandRequest) options() []comms.Option {
	var opts []comms.Option
	if r.Name != "" {
		opts = append(opts, comms.WithName(r.Name))
	}
	if r.Priority != nil {
		opts = append(opts, comms.WithPriority(*r.Priority))
	}
	if r.Wait != nil {
		opts = append(opts, comms.WithWait(*r.Wait))
	}
	if r.Retries != nil {
		opts = append(opts, comms.WithRetries(*r.Retries))
	}
	if r.TimeoutMS > 0 {
		opts = append(opts, comms.WithTimeout(time.Duration(r.TimeoutMS)*time.Millisecond))
	}
	return opts
}

// templateArgs turns JSON numbers that hold integers back into ints so
// %d verbs in prototypes render them.
func templateArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if f, ok := a.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			out[i] = int64(f)
			continue
		}
		out[i] = a
	}
	return out
}

// CommandResponse reports a settled command.
type CommandResponse struct {
	ID         string `json:"id,omitempty"`
	CommandID  string `json:"command_id"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
}

// NewResponse builds the response for a settled cmd.
func NewResponse(requestID string, cmd *comms.Command, value any, err error, d time.Duration) CommandResponse {
	resp := CommandResponse{
		ID:         requestID,
		CommandID:  cmd.ID,
		Name:       cmd.Name,
		Status:     comms.Outcome{Value: value, Err: err}.Status(),
		Attempts:   cmd.Attempts(),
		DurationMS: d.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Result = resultValue(value)
	return resp
}

// PendingResponse reports a command still queued when the caller stopped waiting.
func PendingResponse(requestID string, cmd *comms.Command) CommandResponse {
	return CommandResponse{
		ID:        requestID,
		CommandID: cmd.ID,
		Name:      cmd.Name,
		Status:    "queued",
	}
}

// resultValue makes a verdict value JSON friendly.
func resultValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case error:
		return val.Error()
	default:
		if v == comms.NotWaiting {
			return nil
		}
		return v
	}
}
