package device

import (
	"time"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
	"github.com/nerrad567/gray-logic-comms/internal/driver"
	"github.com/nerrad567/gray-logic-comms/internal/framing"
)

// Device is one piece of equipment the service talks to.
// This matches the devices table in migrations/20260301_090000_devices.up.sql.
type Device struct {
	// Identity
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	// Enabled devices are started by the supervisor.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Protocol
	Driver   driver.Config           `json:"driver" yaml:"driver"`
	Commands []driver.TemplateConfig `json:"commands,omitempty" yaml:"commands"`

	// Link
	Transport Transport `json:"transport" yaml:"transport"`

	// Queue behaviour
	Comms Comms `json:"comms" yaml:"comms"`

	// Timestamps
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// TransportKind selects how bytes reach the device.
type TransportKind string

// Transport kinds.
const (
	TransportTCP       TransportKind = "tcp"
	TransportUDP       TransportKind = "udp"
	TransportMulticast TransportKind = "multicast"
	TransportSSH       TransportKind = "ssh"
	TransportSerial    TransportKind = "serial"
)

// AllTransportKinds returns all valid transport kinds.
func AllTransportKinds() []TransportKind {
	return []TransportKind{
		TransportTCP,
		TransportUDP,
		TransportMulticast,
		TransportSSH,
		TransportSerial,
	}
}

// ConnectionMode selects the connection lifecycle.
type ConnectionMode string

// Connection modes.
const (
	// ModePersistent holds the link open and reconnects when it drops.
	ModePersistent ConnectionMode = "persistent"

	// ModeMakeBreak connects per burst of commands. TCP only.
	ModeMakeBreak ConnectionMode = "makebreak"
)

// Transport holds link settings. Which fields apply depends on Kind.
type Transport struct {
	Kind TransportKind  `json:"kind" yaml:"kind"`
	Mode ConnectionMode `json:"mode,omitempty" yaml:"mode"`

	// tcp, udp, ssh
	Host string `json:"host,omitempty" yaml:"host"`
	Port int    `json:"port,omitempty" yaml:"port"`
	TLS  bool   `json:"tls,omitempty" yaml:"tls"`

	// multicast; Group is "address:port", e.g. "239.255.1.1:5000"
	Group     string `json:"group,omitempty" yaml:"group"`
	Interface string `json:"interface,omitempty" yaml:"interface"`

	// ssh
	User       string `json:"user,omitempty" yaml:"user"`
	Password   string `json:"password,omitempty" yaml:"password"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file"`
	KnownHosts string `json:"known_hosts,omitempty" yaml:"known_hosts"`

	// serial
	SerialPort string `json:"serial_port,omitempty" yaml:"serial_port"`
	BaudRate   int    `json:"baud_rate,omitempty" yaml:"baud_rate"`
	DataBits   int    `json:"data_bits,omitempty" yaml:"data_bits"`
	Parity     string `json:"parity,omitempty" yaml:"parity"`
	StopBits   int    `json:"stop_bits,omitempty" yaml:"stop_bits"`

	// Timing. Zero values use the transport defaults.
	ConnectTimeout     time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout"`
	ThrashingThreshold time.Duration `json:"thrashing_threshold,omitempty" yaml:"thrashing_threshold"`
	OfflineAfter       int           `json:"offline_after,omitempty" yaml:"offline_after"`

	// makebreak
	WriteQueueSize    int           `json:"write_queue_size,omitempty" yaml:"write_queue_size"`
	WaitReady         string        `json:"wait_ready,omitempty" yaml:"wait_ready"`
	WaitReadyTimeout  time.Duration `json:"wait_ready_timeout,omitempty" yaml:"wait_ready_timeout"`
	InactivityTimeout time.Duration `json:"inactivity_timeout,omitempty" yaml:"inactivity_timeout"`
}

// Comms overrides the service-wide queue settings for one device.
type Comms struct {
	// Defaults overrides individual service command defaults.
	Defaults CommandDefaults `json:"defaults" yaml:"defaults"`

	// Framing
	Delimiter     string `json:"delimiter,omitempty" yaml:"delimiter"`
	Indicator     string `json:"indicator,omitempty" yaml:"indicator"`
	MessageLength int    `json:"message_length,omitempty" yaml:"message_length"`
	MinLength     int    `json:"min_length,omitempty" yaml:"min_length"`
	SizeLimit     int    `json:"size_limit,omitempty" yaml:"size_limit"`

	PriorityBonus           *int  `json:"priority_bonus,omitempty" yaml:"priority_bonus"`
	ClearQueueOnDisconnect  *bool `json:"clear_queue_on_disconnect,omitempty" yaml:"clear_queue_on_disconnect"`
	FlushBufferOnDisconnect *bool `json:"flush_buffer_on_disconnect,omitempty" yaml:"flush_buffer_on_disconnect"`
	UpdateStatus            *bool `json:"update_status,omitempty" yaml:"update_status"`
}

// CommandDefaults overrides individual fields of comms.Defaults. Nil
// fields keep the service-wide value.
type CommandDefaults struct {
	Wait            *bool          `json:"wait,omitempty" yaml:"wait"`
	Delay           *time.Duration `json:"delay,omitempty" yaml:"delay"`
	DelayOnReceive  *time.Duration `json:"delay_on_receive,omitempty" yaml:"delay_on_receive"`
	MaxWaits        *int           `json:"max_waits,omitempty" yaml:"max_waits"`
	Retries         *int           `json:"retries,omitempty" yaml:"retries"`
	Timeout         *time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	Priority        *int           `json:"priority,omitempty" yaml:"priority"`
	ForceDisconnect *bool          `json:"force_disconnect,omitempty" yaml:"force_disconnect"`
}

// Apply returns base with the set fields replaced.
func (o CommandDefaults) Apply(base comms.Defaults) comms.Defaults {
	out := base
	setIf(&out.Wait, o.Wait)
	setIf(&out.Delay, o.Delay)
	setIf(&out.DelayOnReceive, o.DelayOnReceive)
	setIf(&out.MaxWaits, o.MaxWaits)
	setIf(&out.Retries, o.Retries)
	setIf(&out.Timeout, o.Timeout)
	setIf(&out.Priority, o.Priority)
	setIf(&out.ForceDisconnect, o.ForceDisconnect)
	return out
}

func (o CommandDefaults) clone() CommandDefaults {
	return CommandDefaults{
		Wait:            clonePtr(o.Wait),
		Delay:           clonePtr(o.Delay),
		DelayOnReceive:  clonePtr(o.DelayOnReceive),
		MaxWaits:        clonePtr(o.MaxWaits),
		Retries:         clonePtr(o.Retries),
		Timeout:         clonePtr(o.Timeout),
		Priority:        clonePtr(o.Priority),
		ForceDisconnect: clonePtr(o.ForceDisconnect),
	}
}

// ProcessorConfig layers the device's overrides onto base.
func (d *Device) ProcessorConfig(base comms.Config) comms.Config {
	cfg := base
	c := d.Comms
	cfg.Defaults = c.Defaults.Apply(base.Defaults)
	if c.Delimiter != "" || c.Indicator != "" || c.MessageLength > 0 {
		cfg.Framing = framing.Options{
			Delimiter:     []byte(c.Delimiter),
			Indicator:     []byte(c.Indicator),
			MessageLength: c.MessageLength,
			MinLength:     c.MinLength,
			SizeLimit:     c.SizeLimit,
		}
	}
	if c.PriorityBonus != nil {
		cfg.PriorityBonus = *c.PriorityBonus
	}
	if c.ClearQueueOnDisconnect != nil {
		cfg.ClearQueueOnDisconnect = *c.ClearQueueOnDisconnect
	}
	if c.FlushBufferOnDisconnect != nil {
		cfg.FlushBufferOnDisconnect = *c.FlushBufferOnDisconnect
	}
	if c.UpdateStatus != nil {
		cfg.UpdateStatus = *c.UpdateStatus
	}
	return cfg
}

// DeepCopy creates a complete independent copy of the Device.
// Slices and pointers are cloned so modifications to the copy do not
// affect the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d

	if d.Commands != nil {
		cp.Commands = make([]driver.TemplateConfig, len(d.Commands))
		copy(cp.Commands, d.Commands)
	}
	if d.Driver.OnConnect != nil {
		cp.Driver.OnConnect = make([]string, len(d.Driver.OnConnect))
		copy(cp.Driver.OnConnect, d.Driver.OnConnect)
	}
	cp.Comms.Defaults = d.Comms.Defaults.clone()
	cp.Comms.PriorityBonus = clonePtr(d.Comms.PriorityBonus)
	cp.Comms.ClearQueueOnDisconnect = clonePtr(d.Comms.ClearQueueOnDisconnect)
	cp.Comms.FlushBufferOnDisconnect = clonePtr(d.Comms.FlushBufferOnDisconnect)
	cp.Comms.UpdateStatus = clonePtr(d.Comms.UpdateStatus)
	return &cp
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
