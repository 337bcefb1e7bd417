package cgiclient

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

var httpPrefix = []byte("HTTP/")

// ParseResponse turns raw backend output into an *http.Response. Output that
// begins with the literal bytes "HTTP/" is a direct HTTP message and is
// parsed as such. Anything else is CGI headers-only output: RFC-822-style
// header lines up to the first blank line, with the status recovered from a
// Status header and defaulting to 200 when none is present.
//
// The response's Request field is set so that an http.Client with a cookie
// jar extracts Set-Cookie headers against the originating URL.
func ParseResponse(req *http.Request, raw []byte) (*http.Response, error) {
	if bytes.HasPrefix(raw, httpPrefix) {
		return parseDirect(req, raw)
	}
	return parseCGIHeaders(req, raw)
}

func parseDirect(req *http.Request, raw []byte) (*http.Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), req)
	if err != nil {
		return nil, &ConnectionError{Msg: "failed to parse HTTP response", Err: err}
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &ConnectionError{Msg: "failed to read HTTP response body", Err: err}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Request = req
	return resp, nil
}

func parseCGIHeaders(req *http.Request, raw []byte) (*http.Response, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	tp := textproto.NewReader(br)

	// EOF right after the header block just means the backend sent no body.
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, &ConnectionError{Msg: "failed to parse CGI response header", Err: err}
	}
	header := http.Header(mimeHeader)

	code, reason := http.StatusOK, "OK"
	if status := header.Get("Status"); status != "" {
		if len(status) < 3 {
			return nil, &MalformedStatusError{Status: status}
		}
		code, err = strconv.Atoi(status[:3])
		if err != nil {
			return nil, &MalformedStatusError{Status: status}
		}
		reason = strings.TrimSpace(status[3:])
		header.Del("Status")
	}

	var body []byte
	if chunked(header["Transfer-Encoding"]) {
		body, err = io.ReadAll(httputil.NewChunkedReader(br))
		header.Del("Transfer-Encoding")
	} else {
		body, err = io.ReadAll(br)
	}
	if err != nil {
		return nil, &ConnectionError{Msg: "failed to read CGI response body", Err: err}
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, reason),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func chunked(te []string) bool { return len(te) > 0 && te[0] == "chunked" }

// ResponseEncoding reports the text encoding declared by the response's
// Content-Type charset parameter. Without one the result falls back to
// UTF-8 and certain is false, leaving the choice to the caller.
func ResponseEncoding(resp *http.Response) (e encoding.Encoding, name string, certain bool) {
	return charset.DetermineEncoding(nil, resp.Header.Get("Content-Type"))
}
