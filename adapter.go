// Package cgiclient lets a normal http.Client converse with CGI-family
// backends. Each adapter is an http.RoundTripper that translates the
// outgoing request into the backend's invocation convention (environment
// variables plus stdin for plain CGI, the binary record protocol for
// FastCGI) and translates the raw output back into an *http.Response.
//
//	client := &http.Client{Transport: &cgiclient.CGIAdapter{
//		Command: []string{"/usr/lib/cgi-bin/app.cgi"},
//	}}
//	resp, err := client.Get("http://localhost/app?x=1")
//
// Responses with 4xx/5xx statuses are returned normally; the errors in
// errors.go mean the exchange itself failed.
package cgiclient

import (
	"bytes"
	"context"
	"net/http"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CGIAdapter executes a CGI program once per request: the built environment
// becomes the process environment, the request body its stdin, and whatever
// it writes to stdout is parsed as the response. Exit codes alone are not
// errors, since CGI scripts legitimately exit nonzero after emitting an
// error page; only a failed exit with no usable output is.
type CGIAdapter struct {
	Command    []string
	WorkingDir string

	// Override is merged into the environment last and wins over every
	// computed key.
	Override map[string]string

	// Contributors are applied after the base CGI/1.1 layer and before
	// Override, in order. Backend-specific adapters add their keys here.
	Contributors []Contributor

	// Timeout bounds the whole process invocation. The child is killed when
	// it expires. Zero means the request context alone bounds the call.
	Timeout time.Duration

	Logger *zap.Logger
}

var _ http.RoundTripper = (*CGIAdapter)(nil)

func (a *CGIAdapter) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := a.roundTrip(req)
	observeExchange("cgi", start, err)
	return resp, err
}

func (a *CGIAdapter) roundTrip(req *http.Request) (*http.Response, error) {
	if len(a.Command) == 0 {
		return nil, &ConnectionError{Msg: "no command configured"}
	}
	logger := a.logger().With(zap.String("exchange_id", uuid.New().String()))

	body, err := requestBody(req)
	if err != nil {
		return nil, &ConnectionError{Msg: "failed to read request body", Err: err}
	}
	env := buildEnv(req, append([]Contributor{baseEnv}, a.Contributors...), body, a.Override)

	ctx := req.Context()
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	cmd.Dir = a.WorkingDir
	cmd.Env = envStrings(env)
	if len(body) > 0 {
		cmd.Stdin = bytes.NewReader(body)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("cgi process started",
		zap.Strings("command", a.Command),
		zap.Int("env_keys", len(env)),
		zap.Int("stdin_bytes", len(body)),
	)

	runErr := cmd.Run()

	// CommandContext has killed and reaped the child on expiry, so the
	// resource invariant holds before the timeout surfaces.
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return nil, &TimeoutError{Err: ctx.Err()}
	case context.Canceled:
		return nil, &ConnectionError{Msg: "request canceled", Err: ctx.Err()}
	}

	if runErr != nil {
		// The process may still have produced a valid response, e.g. an
		// error page with its own Status header.
		if stdout.Len() > 0 {
			if resp, perr := ParseResponse(req, stdout.Bytes()); perr == nil {
				return resp, nil
			}
		}
		return nil, &ProcessError{Stderr: stderr.Bytes(), Err: runErr}
	}

	logger.Debug("cgi process finished", zap.Int("stdout_bytes", stdout.Len()))
	return ParseResponse(req, stdout.Bytes())
}

func (a *CGIAdapter) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}
