package fcgi

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State tracks where an exchange is in its lifecycle.
type State int

const (
	StateSending State = iota + 1
	StateError
	StateSuccess
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateError:
		return "error"
	case StateSuccess:
		return "success"
	}
	return "unknown"
}

// Exchange is the bookkeeping for one request id on one connection. Content
// accumulates the responder's stdout stream; Stderr keeps a separate copy of
// anything the responder wrote on its error channel.
type Exchange struct {
	ID      uint16
	State   State
	Content []byte
	Stderr  []byte
}

// Client drives responder exchanges. Request ids are managed as an arena of
// slots indexed by id, slot 0 reserved for management records; an id is
// reused only after its exchange's slot is cleared, so records from a
// finished exchange can never be attributed to a new one. A Client may be
// shared across goroutines, each call owning its own Conn.
//
// This client runs one exchange per connection lifetime and closes the
// connection when the exchange finishes. The arena therefore rarely holds
// more than one live slot, but the bookkeeping stays correct if a future
// revision pipelines exchanges over a shared connection.
type Client struct {
	// Strict demands spec-exact behavior: records whose id does not match
	// the exchange are ignored, and a stream that closes mid-record is an
	// error. The default is lenient because real responders (php-fpm among
	// them) echo a server-chosen id; leniency accepts any id while exactly
	// one exchange is outstanding, which deliberately forfeits multiplexing.
	Strict bool

	Logger *zap.Logger

	mu       sync.Mutex
	inflight []*Exchange // indexed by request id; slot 0 reserved
}

// Do runs one full exchange over conn: begin-request, params, stdin, then
// the receive loop. The conn is always closed before returning. The returned
// Exchange's State tells the caller how the backend finished; transport and
// framing failures come back as errors instead.
func (c *Client) Do(conn Conn, params map[string]string, stdin []byte) (*Exchange, error) {
	if err := conn.Open(); err != nil {
		return nil, err
	}
	defer conn.Close()

	ex := c.acquire()
	defer c.release(ex.ID)

	logger := c.logger()
	logger.Debug("fcgi exchange started",
		zap.Uint16("request_id", ex.ID),
		zap.Int("params", len(params)),
		zap.Int("stdin_bytes", len(stdin)),
	)

	if err := c.send(conn, ex.ID, params, stdin); err != nil {
		return nil, errors.WithMessage(err, "failed to send FCGI request")
	}
	if err := c.receive(conn, ex); err != nil {
		return nil, errors.WithMessage(err, "failed to read FCGI response")
	}

	logger.Debug("fcgi exchange finished",
		zap.Uint16("request_id", ex.ID),
		zap.String("state", ex.State.String()),
		zap.Int("content_bytes", len(ex.Content)),
		zap.Int("stderr_bytes", len(ex.Stderr)),
	)
	return ex, nil
}

func (c *Client) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// acquire claims the lowest free request id, growing the arena when every
// slot is taken.
func (c *Client) acquire() *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inflight) == 0 {
		c.inflight = append(c.inflight, nil) // id 0 is reserved
	}
	for id := 1; id < len(c.inflight); id++ {
		if c.inflight[id] == nil {
			ex := &Exchange{ID: uint16(id), State: StateSending}
			c.inflight[id] = ex
			return ex
		}
	}
	ex := &Exchange{ID: uint16(len(c.inflight)), State: StateSending}
	c.inflight = append(c.inflight, ex)
	return ex
}

func (c *Client) release(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) < len(c.inflight) {
		c.inflight[id] = nil
	}
}

// outstanding reports how many exchanges currently hold a slot.
func (c *Client) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ex := range c.inflight {
		if ex != nil {
			n++
		}
	}
	return n
}

func (c *Client) send(conn Conn, id uint16, params map[string]string, stdin []byte) error {
	var b buffer
	b.Reset()

	if err := writeBeginReq(conn, &b, id); err != nil {
		return err
	}
	if err := writeParams(conn, &b, id, params); err != nil {
		return err
	}
	var body *bytes.Reader
	if len(stdin) > 0 {
		body = bytes.NewReader(stdin)
	}
	if body != nil {
		return writeStdin(conn, &b, id, body)
	}
	return writeStdin(conn, &b, id, nil)
}

// receive reads records until an end-request for this exchange or until the
// responder closes the stream. Stdout records grow the content buffer;
// stderr records grow it too but flip the exchange into the error state and
// keep a diagnostic copy. Records for other ids are skipped in strict mode.
func (c *Client) receive(conn Conn, ex *Exchange) error {
	for {
		rec, err := ReadRecord(conn, c.Strict)
		if err != nil {
			return err
		}
		if rec == nil {
			// Responder closed the stream. If no end-request arrived the
			// exchange stays in the sending state and the caller decides
			// what a half-finished exchange means.
			return nil
		}

		if rec.Header.ID != ex.ID {
			if c.Strict || c.outstanding() != 1 {
				continue
			}
			// Lenient mode: exactly one exchange is outstanding on this
			// transport, so the record can only belong to it.
		}

		switch rec.Header.Type {
		case TypeStdout:
			ex.Content = append(ex.Content, rec.Content...)
		case TypeStderr:
			ex.State = StateError
			ex.Content = append(ex.Content, rec.Content...)
			ex.Stderr = append(ex.Stderr, rec.Content...)
		case TypeEndRequest:
			if ex.State != StateError {
				ex.State = StateSuccess
			}
			return nil
		}
	}
}
