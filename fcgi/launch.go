//go:build unix

package fcgi

import (
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// LaunchedConn starts a FastCGI program and speaks to it over one end of a
// socketpair. The child receives its end as fd 0, matching the spec's
// externally-listening-socket convention, with FCGI_LISTENSOCK_FILENO
// pointing at it.
//
// Experimental: a socketpair end is a connected socket, not a listening one,
// so programs that insist on calling accept() on the listen fd will not work
// with this transport. Prefer SocketConn against an already running server.
type LaunchedConn struct {
	Command []string
	Dir     string
	Timeout time.Duration // per-operation deadline; zero disables deadlines

	conn net.Conn
	cmd  *exec.Cmd
}

func (c *LaunchedConn) Open() error {
	if c.conn != nil {
		return nil
	}
	if len(c.Command) == 0 {
		return errors.New("no command to launch")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return errors.Wrap(err, "socketpair failed")
	}
	childEnd := os.NewFile(uintptr(fds[0]), "fcgi-listen")
	parentEnd := os.NewFile(uintptr(fds[1]), "fcgi-conn")

	// net.FileConn dups the descriptor, so the original can be closed.
	conn, err := net.FileConn(parentEnd)
	parentEnd.Close()
	if err != nil {
		childEnd.Close()
		return errors.Wrap(err, "failed to wrap socketpair end")
	}

	cmd := exec.Command(c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = childEnd // becomes fd 0 in the child
	cmd.Env = append(os.Environ(), "FCGI_LISTENSOCK_FILENO=0")
	if err := cmd.Start(); err != nil {
		childEnd.Close()
		conn.Close()
		return errors.Wrapf(err, "failed to launch %s", c.Command[0])
	}
	childEnd.Close()

	c.conn = conn
	c.cmd = cmd
	return nil
}

func (c *LaunchedConn) Read(p []byte) (int, error) {
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

func (c *LaunchedConn) Write(p []byte) (int, error) {
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

// Close shuts the socket and reaps the child. The child is killed rather
// than signalled politely; a transport-level close means the exchange is
// over either way.
func (c *LaunchedConn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
		c.cmd = nil
	}
	return err
}
