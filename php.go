package cgiclient

import (
	"net/http"
	"net/url"
	"path"
	"time"
)

// ScriptRouter maps a request URL to the filesystem path of the PHP script
// that should serve it. How URLs route to scripts is the host application's
// business; DirScriptRouter covers the common document-root layout.
type ScriptRouter func(*url.URL) string

// DirScriptRouter routes by joining the URL path onto a document root,
// falling back to index.php for directory-ish paths.
func DirScriptRouter(docRoot string) ScriptRouter {
	return func(u *url.URL) string {
		p := u.Path
		if p == "" || p == "/" || path.Ext(p) == "" {
			p = path.Join(p, "index.php")
		}
		return path.Join(docRoot, p)
	}
}

// PHPOptions configures a php-cgi backed adapter.
type PHPOptions struct {
	// Script pins every request to one PHP file. When empty, Router decides
	// per request.
	Script     string
	Router     ScriptRouter
	WorkingDir string
	Command    []string // defaults to {"php-cgi"}
	Timeout    time.Duration
	Override   map[string]string
}

// NewPHPAdapter builds a plain-CGI adapter tailored to php-cgi: it adds the
// keys PHP refuses to run without on top of the generic CGI environment.
func NewPHPAdapter(opt PHPOptions) *CGIAdapter {
	command := opt.Command
	if len(command) == 0 {
		command = []string{"php-cgi"}
	}
	return &CGIAdapter{
		Command:      command,
		WorkingDir:   opt.WorkingDir,
		Override:     opt.Override,
		Timeout:      opt.Timeout,
		Contributors: []Contributor{phpEnv(opt.Script, opt.Router)},
	}
}

// PHPFPMOptions configures a php-fpm backed adapter.
type PHPFPMOptions struct {
	// Address of the php-fpm pool socket, in any form fcgi.ParseAddress
	// accepts.
	Address      string
	Script       string
	Router       ScriptRouter
	DocumentRoot string
	Timeout      time.Duration
	Strict       bool
	Override     map[string]string
}

// NewPHPFPMAdapter builds a FastCGI adapter tailored to php-fpm.
func NewPHPFPMAdapter(opt PHPFPMOptions) *FastCGIAdapter {
	contributors := []Contributor{phpEnv(opt.Script, opt.Router)}
	if opt.DocumentRoot != "" {
		docRoot := opt.DocumentRoot
		contributors = append(contributors, func(*http.Request) map[string]string {
			return map[string]string{"DOCUMENT_ROOT": docRoot}
		})
	}
	return &FastCGIAdapter{
		Address:      opt.Address,
		Override:     opt.Override,
		Timeout:      opt.Timeout,
		Strict:       opt.Strict,
		Contributors: contributors,
	}
}

func phpEnv(script string, router ScriptRouter) Contributor {
	return func(req *http.Request) map[string]string {
		env := map[string]string{
			// PHP refuses to run as a CGI binary without this.
			"REDIRECT_STATUS": "200",
		}
		switch {
		case script != "":
			env["SCRIPT_FILENAME"] = script
		case router != nil && req.URL != nil:
			env["SCRIPT_FILENAME"] = router(req.URL)
		}
		return env
	}
}
