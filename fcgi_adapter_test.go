package cgiclient

import (
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmjohnsson23/cgiclient/fcgi"
)

// serveOneExchange accepts one connection, drains the request up to the
// empty stdin record, and replies with the given records (built with the
// request id the client sent).
func serveOneExchange(t *testing.T, ln net.Listener, reply func(id uint16) [][]byte) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var id uint16
		for {
			rec, err := fcgi.ReadRecord(conn, true)
			if err != nil || rec == nil {
				return
			}
			if rec.Header.Type == fcgi.TypeBeginRequest {
				id = rec.Header.ID
			}
			if rec.Header.Type == fcgi.TypeStdin && rec.Header.ContentLength == 0 {
				break
			}
		}
		for _, wire := range reply(id) {
			if _, err := conn.Write(wire); err != nil {
				return
			}
		}
	}()
}

func listenUnix(t *testing.T) (net.Listener, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fcgi.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", path, err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, path
}

func TestFastCGIAdapterRoundTrip(t *testing.T) {
	ln, path := listenUnix(t)
	serveOneExchange(t, ln, func(id uint16) [][]byte {
		return [][]byte{
			fcgi.EncodeRecord(fcgi.TypeStdout, id, []byte("Status: 200 OK\r\nContent-Type: text/plain\r\n\r\nhello")),
			fcgi.EncodeRecord(fcgi.TypeEndRequest, id, make([]byte, 8)),
		}
	})

	a := &FastCGIAdapter{Address: path, Timeout: 2 * time.Second}
	resp, err := a.RoundTrip(httptest.NewRequest("GET", "http://localhost/", nil))
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}
}

func TestFastCGIAdapterBackendError(t *testing.T) {
	ln, path := listenUnix(t)
	serveOneExchange(t, ln, func(id uint16) [][]byte {
		return [][]byte{
			fcgi.EncodeRecord(fcgi.TypeStderr, id, []byte("script blew up")),
			fcgi.EncodeRecord(fcgi.TypeEndRequest, id, make([]byte, 8)),
		}
	})

	a := &FastCGIAdapter{Address: path, Timeout: 2 * time.Second}
	_, err := a.RoundTrip(httptest.NewRequest("GET", "http://localhost/", nil))
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if string(backendErr.Stderr) != "script blew up" {
		t.Errorf("stderr mismatch: %q", backendErr.Stderr)
	}
}

func TestFastCGIAdapterConnectFailure(t *testing.T) {
	a := &FastCGIAdapter{
		Address: filepath.Join(t.TempDir(), "does-not-exist.sock"),
		Timeout: time.Second,
	}
	_, err := a.RoundTrip(httptest.NewRequest("GET", "http://localhost/", nil))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestFastCGIAdapterReadTimeout(t *testing.T) {
	ln, path := listenUnix(t)
	stall := make(chan struct{})
	t.Cleanup(func() { close(stall) })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			rec, err := fcgi.ReadRecord(conn, true)
			if err != nil || rec == nil {
				return
			}
			if rec.Header.Type == fcgi.TypeStdin && rec.Header.ContentLength == 0 {
				break
			}
		}
		// A record header promising more content than will ever arrive,
		// then silence with the connection held open.
		conn.Write(fcgi.EncodeRecord(fcgi.TypeStdout, 1, make([]byte, 64))[:12])
		<-stall
	}()

	a := &FastCGIAdapter{Address: path, Timeout: 200 * time.Millisecond}
	_, err := a.RoundTrip(httptest.NewRequest("GET", "http://localhost/", nil))
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError for a stalled record, got %v", err)
	}
}

func TestFastCGIAdapterPrematureClose(t *testing.T) {
	ln, path := listenUnix(t)
	serveOneExchange(t, ln, func(id uint16) [][]byte {
		// Stdout but no end-request; the connection then closes.
		return [][]byte{
			fcgi.EncodeRecord(fcgi.TypeStdout, id, []byte("partial")),
		}
	})

	a := &FastCGIAdapter{Address: path, Timeout: 2 * time.Second}
	_, err := a.RoundTrip(httptest.NewRequest("GET", "http://localhost/", nil))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError for a half-finished exchange, got %v", err)
	}
}
