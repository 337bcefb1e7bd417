package fcgi

import (
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Conn is the byte transport an exchange runs over. Open is idempotent;
// Close tears the transport down and releases any resources behind it.
type Conn interface {
	Open() error
	io.ReadWriteCloser
}

// DefaultPort is assumed when a tcp address names no port. Most FastCGI
// servers, php-fpm included, listen on 9000.
const DefaultPort = "9000"

// ParseAddress maps the accepted address spellings onto a network and
// address usable with net.Dial: "unix://" prefixes and plain paths become
// unix sockets, everything else is tcp with the default port filled in.
func ParseAddress(addr string) (network, address string) {
	if strings.HasPrefix(strings.ToLower(addr), "unix://") {
		return "unix", addr[len("unix://"):]
	}
	if strings.HasPrefix(strings.ToLower(addr), "tcp://") {
		addr = addr[len("tcp://"):]
	} else if strings.Contains(addr, "/") {
		return "unix", addr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "tcp", net.JoinHostPort(addr, DefaultPort)
	}
	return "tcp", addr
}

// SocketConn connects to an externally listening FastCGI responder over a
// unix or tcp socket. Each Read and Write carries its own deadline so a
// stalled responder surfaces as a timeout rather than a hang.
type SocketConn struct {
	Network string // "unix" or "tcp"; inferred from Address when empty
	Address string
	Timeout time.Duration // per-operation deadline; zero disables deadlines

	conn net.Conn
}

func (c *SocketConn) Open() error {
	if c.conn != nil {
		return nil
	}
	network, address := c.Network, c.Address
	if network == "" {
		network, address = ParseAddress(c.Address)
	}
	conn, err := net.DialTimeout(network, address, c.dialTimeout())
	if err != nil {
		return errors.Wrapf(err, "could not connect to %s", address)
	}
	c.conn = conn
	return nil
}

func (c *SocketConn) dialTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

func (c *SocketConn) Read(p []byte) (int, error) {
	if c.conn == nil {
		return 0, errors.New("read on closed fcgi connection")
	}
	if c.Timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Read(p)
}

func (c *SocketConn) Write(p []byte) (int, error) {
	if c.conn == nil {
		return 0, errors.New("write on closed fcgi connection")
	}
	if c.Timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(p)
}

func (c *SocketConn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Addrs reports the local and remote endpoints of the open socket, or nils
// before Open. Adapters use these for the peer-address environment keys.
func (c *SocketConn) Addrs() (local, remote net.Addr) {
	if c.conn == nil {
		return nil, nil
	}
	return c.conn.LocalAddr(), c.conn.RemoteAddr()
}
