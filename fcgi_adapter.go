package cgiclient

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmjohnsson23/cgiclient/fcgi"
)

// FastCGIAdapter speaks the FastCGI responder protocol to an external server
// over a unix or tcp socket, or to a launched subprocess. Each round trip
// runs one exchange on a fresh connection; request-id bookkeeping lives in
// the shared fcgi.Client so concurrent calls stay isolated.
type FastCGIAdapter struct {
	// Address of the responder: a unix socket path, a "unix://" URL, or a
	// tcp "host[:port]" with the port defaulting to 9000. Ignored when Dial
	// is set.
	Address string

	// Dial, when set, supplies the transport for each exchange. Use it to
	// plug in fcgi.LaunchedConn or a custom transport.
	Dial func() (fcgi.Conn, error)

	Override     map[string]string
	Contributors []Contributor

	// Timeout is the per-operation socket deadline for connect, read and
	// write. A deadline expiry closes the transport and surfaces as a
	// TimeoutError.
	Timeout time.Duration

	// Strict opts into spec-exact record handling; see fcgi.Client.
	Strict bool

	Logger *zap.Logger

	initOnce sync.Once
	client   fcgi.Client
}

var _ http.RoundTripper = (*FastCGIAdapter)(nil)

func (a *FastCGIAdapter) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := a.roundTrip(req)
	observeExchange("fastcgi", start, err)
	return resp, err
}

func (a *FastCGIAdapter) roundTrip(req *http.Request) (*http.Response, error) {
	logger := a.logger().With(zap.String("exchange_id", uuid.New().String()))

	body, err := requestBody(req)
	if err != nil {
		return nil, &ConnectionError{Msg: "failed to read request body", Err: err}
	}

	conn, err := a.dial()
	if err != nil {
		return nil, &ConnectionError{Msg: "could not create FCGI transport", Err: err}
	}
	// Open before building the environment so the peer-address keys can see
	// the connected socket. The client's own Open is then a no-op.
	if err := conn.Open(); err != nil {
		return nil, classifyIOError(err, "could not connect to FCGI backend")
	}

	contributors := append([]Contributor{baseEnv}, a.Contributors...)
	contributors = append(contributors, peerEnv(conn))
	env := buildEnv(req, contributors, body, a.Override)

	a.initOnce.Do(func() {
		a.client.Strict = a.Strict
		a.client.Logger = a.logger()
	})
	logger.Debug("fcgi round trip started", zap.String("address", a.Address))
	ex, err := a.client.Do(conn, env, body)
	if err != nil {
		return nil, classifyIOError(err, "FCGI exchange failed")
	}

	switch ex.State {
	case fcgi.StateSuccess:
		return ParseResponse(req, ex.Content)
	case fcgi.StateError:
		return nil, &BackendError{Stderr: ex.Stderr}
	default:
		return nil, &ConnectionError{Msg: "connection closed before the exchange completed"}
	}
}

func (a *FastCGIAdapter) dial() (fcgi.Conn, error) {
	if a.Dial != nil {
		return a.Dial()
	}
	return &fcgi.SocketConn{Address: a.Address, Timeout: a.Timeout}, nil
}

func (a *FastCGIAdapter) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}

// addrConn is implemented by transports that can report their endpoints.
type addrConn interface {
	Addrs() (local, remote net.Addr)
}

// peerEnv contributes the FastCGI peer-address keys when the transport runs
// over tcp: the responder is the server, this process the client.
func peerEnv(conn fcgi.Conn) Contributor {
	return func(*http.Request) map[string]string {
		ac, ok := conn.(addrConn)
		if !ok {
			return nil
		}
		local, remote := ac.Addrs()
		env := make(map[string]string)
		if remote, ok := remote.(*net.TCPAddr); ok {
			env["SERVER_ADDR"] = remote.IP.String()
			env["SERVER_PORT"] = strconv.Itoa(remote.Port)
		}
		if local, ok := local.(*net.TCPAddr); ok {
			env["REMOTE_ADDR"] = local.IP.String()
			env["REMOTE_PORT"] = strconv.Itoa(local.Port)
		}
		return env
	}
}
