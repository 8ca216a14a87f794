package manager

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
	"github.com/nerrad567/gray-logic-comms/internal/comms/transport"
	"github.com/nerrad567/gray-logic-comms/internal/device"
)

// deviceTransport is what a manager needs from a concrete transport.
type deviceTransport interface {
	comms.Transport
	Start()
	State() transport.State
	Stats() transport.Stats
	SetLogger(transport.Logger)
}

// Ensure both lifecycles satisfy deviceTransport.
var (
	_ deviceTransport = (*transport.Persistent)(nil)
	_ deviceTransport = (*transport.MakeBreak)(nil)
)

// newDialer maps device link settings onto a transport dialer.
func newDialer(t device.Transport) (transport.Dialer, error) {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))

	switch t.Kind {
	case device.TransportTCP:
		d := transport.TCPDialer{Address: addr}
		if t.TLS {
			d.TLS = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: t.Host}
		}
		return d, nil

	case device.TransportUDP:
		return transport.UDPDialer{Address: addr}, nil

	case device.TransportMulticast:
		return transport.MulticastDialer{Group: t.Group, Interface: t.Interface}, nil

	case device.TransportSSH:
		d := transport.SSHDialer{
			Address:    addr,
			User:       t.User,
			Password:   t.Password,
			KnownHosts: t.KnownHosts,
		}
		if t.KeyFile != "" {
			key, err := os.ReadFile(t.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("%w: reading ssh key: %w", ErrTransport, err)
			}
			d.PrivateKey = key
		}
		return d, nil

	case device.TransportSerial:
		return transport.SerialDialer{
			Port:     t.SerialPort,
			BaudRate: t.BaudRate,
			DataBits: t.DataBits,
			Parity:   t.Parity,
			StopBits: t.StopBits,
		}, nil

	default:
		return nil, fmt.Errorf("%w: kind %q", ErrTransport, t.Kind)
	}
}

// newTransport builds the transport for t, bound to link.
func newTransport(t device.Transport, link comms.Link, hooks transport.Hooks) (deviceTransport, error) {
	dialer, err := newDialer(t)
	if err != nil {
		return nil, err
	}

	if t.Mode == device.ModeMakeBreak {
		return transport.NewMakeBreak(link, transport.MakeBreakConfig{
			Dialer:             dialer,
			Hooks:              hooks,
			ConnectTimeout:     t.ConnectTimeout,
			WriteTimeout:       t.WriteTimeout,
			WriteQueueSize:     t.WriteQueueSize,
			WaitReady:          []byte(t.WaitReady),
			WaitReadyTimeout:   t.WaitReadyTimeout,
			InactivityTimeout:  t.InactivityTimeout,
			ThrashingThreshold: t.ThrashingThreshold,
		}), nil
	}

	return transport.NewPersistent(link, transport.PersistentConfig{
		Dialer:             dialer,
		Hooks:              hooks,
		ConnectTimeout:     t.ConnectTimeout,
		WriteTimeout:       t.WriteTimeout,
		ThrashingThreshold: t.ThrashingThreshold,
		OfflineAfter:       t.OfflineAfter,
	}), nil
}
