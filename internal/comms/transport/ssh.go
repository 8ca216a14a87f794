package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHDialer opens an interactive shell on a host and exposes its stdin and
// stdout as the device stream.
type SSHDialer struct {
	Address    string
	User       string
	Password   string
	PrivateKey []byte

	// KnownHosts is a known_hosts file used to verify the host key.
	// Empty disables verification, which is common for appliances with
	// regenerated keys.
	KnownHosts string

	// RequestPTY asks for a terminal, which some device shells need.
	RequestPTY bool
}

// Dial connects, authenticates and starts the shell.
func (d SSHDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	cfg, err := d.clientConfig()
	if err != nil {
		return nil, err
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}

	// The SSH handshake has no context; bound it with the dial deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, d.Address, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	sc, err := d.openShell(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return sc, nil
}

func (d SSHDialer) String() string {
	return "ssh://" + d.User + "@" + d.Address
}

func (d SSHDialer) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(d.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(d.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: ssh private key: %w", ErrInvalidConfig, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if d.Password != "" {
		auth = append(auth, ssh.Password(d.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: ssh requires a password or private key", ErrInvalidConfig)
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via KnownHosts
	if d.KnownHosts != "" {
		cb, err := knownhosts.New(d.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("%w: known hosts: %w", ErrInvalidConfig, err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            d.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
	}, nil
}

func (d SSHDialer) openShell(client *ssh.Client) (*sshConn, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	if d.RequestPTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := session.RequestPty("vt100", 40, 200, modes); err != nil {
			session.Close()
			return nil, fmt.Errorf("ssh pty: %w", err)
		}
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh shell: %w", err)
	}
	return &sshConn{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (c *sshConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *sshConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *sshConn) Close() error {
	c.session.Close()
	return c.client.Close()
}
