package cgiclient

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Contributor produces one layer of the CGI environment. Adapters hold an
// ordered base-to-specific list of contributors; later layers overwrite
// earlier ones, and the caller's override map is merged last and wins over
// everything computed.
type Contributor func(*http.Request) map[string]string

// buildEnv assembles the environment for one request: contributor layers in
// order, then the body-derived keys, then the caller's overrides. Building
// is deterministic and performs no I/O; the result is never mutated after
// handoff to a transport.
func buildEnv(req *http.Request, contributors []Contributor, body []byte, override map[string]string) map[string]string {
	env := make(map[string]string)
	for _, contribute := range contributors {
		for k, v := range contribute(req) {
			env[k] = v
		}
	}
	applyBodyEnv(env, req, body)
	for k, v := range override {
		env[k] = v
	}
	return env
}

// baseEnv seeds the CGI/1.1 variable set plus one HTTP_<NAME> entry per
// request header. Absent URL components degrade to empty strings.
func baseEnv(req *http.Request) map[string]string {
	host := ""
	if req.URL != nil {
		host = req.URL.Hostname()
	}
	env := map[string]string{
		"HTTP_HOST":         host,
		"PATH_INFO":         requestURI(req),
		"QUERY_STRING":      rawQuery(req),
		"REMOTE_ADDR":       "127.0.0.1",
		"REMOTE_HOST":       host,
		"REQUEST_METHOD":    req.Method,
		"SCRIPT_NAME":       "/",
		"SERVER_NAME":       host,
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"GATEWAY_INTERFACE": "CGI/1.1",
	}
	for name, vals := range req.Header {
		key := "HTTP_" + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
		env[key] = strings.Join(vals, ", ")
	}
	return env
}

func requestURI(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	return req.URL.RequestURI()
}

func rawQuery(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	return req.URL.RawQuery
}

// applyBodyEnv sets CONTENT_LENGTH and CONTENT_TYPE, but only when a body is
// actually present. A bodiless request gets neither key.
func applyBodyEnv(env map[string]string, req *http.Request, body []byte) {
	if len(body) == 0 {
		return
	}
	env["CONTENT_LENGTH"] = strconv.Itoa(len(body))
	ct := req.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/plain"
	}
	env["CONTENT_TYPE"] = ct
}

// requestBody drains and closes the request body, if any.
func requestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read request body")
	}
	return b, nil
}

// envStrings flattens the environment into the KEY=value form exec.Cmd
// expects, sorted for stable process invocations.
func envStrings(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
