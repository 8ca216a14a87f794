package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

// Dialer opens one connection to a device.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// TCPDialer connects over TCP, optionally wrapped in TLS.
type TCPDialer struct {
	Address   string
	TLS       *tls.Config
	KeepAlive time.Duration
}

// Dial opens the TCP connection and completes any TLS handshake.
func (d TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	nd := net.Dialer{KeepAlive: d.KeepAlive}
	if d.TLS == nil {
		return nd.DialContext(ctx, "tcp", d.Address)
	}
	td := tls.Dialer{NetDialer: &nd, Config: d.TLS}
	return td.DialContext(ctx, "tcp", d.Address)
}

func (d TCPDialer) String() string {
	if d.TLS != nil {
		return "tls://" + d.Address
	}
	return "tcp://" + d.Address
}

// UDPDialer "connects" a UDP socket to a single peer.
type UDPDialer struct {
	Address string
}

// Dial resolves the peer and opens a connected UDP socket.
func (d UDPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "udp", d.Address)
	if err != nil {
		return nil, err
	}
	return &udpConn{Conn: conn}, nil
}

func (d UDPDialer) String() string {
	return "udp://" + d.Address
}

// udpConn ignores the ICMP unreachable errors a connected UDP socket
// reports while the peer is down; they do not mean the socket is unusable.
type udpConn struct {
	net.Conn
}

func (c *udpConn) Read(b []byte) (int, error) {
	for {
		n, err := c.Conn.Read(b)
		if err != nil && errors.Is(err, syscall.ECONNREFUSED) {
			continue
		}
		return n, err
	}
}

// MulticastDialer joins a multicast group for receiving and sends to it.
type MulticastDialer struct {
	// Group is the multicast group address, for example "239.255.1.1:5000".
	Group string

	// Interface is the network interface name to join on. Empty uses the default.
	Interface string
}

// Dial joins the group and opens a sender socket.
func (d MulticastDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	group, err := net.ResolveUDPAddr("udp", d.Group)
	if err != nil {
		return nil, err
	}
	if !group.IP.IsMulticast() {
		return nil, errors.New("not a multicast address: " + d.Group)
	}

	var ifi *net.Interface
	if d.Interface != "" {
		if ifi, err = net.InterfaceByName(d.Interface); err != nil {
			return nil, err
		}
	}

	recv, err := net.ListenMulticastUDP("udp", ifi, group)
	if err != nil {
		return nil, err
	}

	var nd net.Dialer
	send, err := nd.DialContext(ctx, "udp", d.Group)
	if err != nil {
		recv.Close()
		return nil, err
	}
	return &multicastConn{recv: recv, send: send}, nil
}

func (d MulticastDialer) String() string {
	return "multicast://" + d.Group
}

type multicastConn struct {
	recv *net.UDPConn
	send net.Conn
}

func (c *multicastConn) Read(b []byte) (int, error) {
	n, _, err := c.recv.ReadFromUDP(b)
	return n, err
}

func (c *multicastConn) Write(b []byte) (int, error) {
	return c.send.Write(b)
}

func (c *multicastConn) SetWriteDeadline(t time.Time) error {
	return c.send.SetWriteDeadline(t)
}

func (c *multicastConn) Close() error {
	return errors.Join(c.recv.Close(), c.send.Close())
}
