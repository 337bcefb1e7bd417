package cgiclient

import (
	"net/http"
	"time"

	"github.com/jinzhu/configor"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options is the configuration surface for one adapter instance, loadable
// from a YAML file. Exactly one of Command (plain CGI) or Address (FastCGI)
// selects the backend kind.
type Options struct {
	Command    []string          `yaml:"command"`
	Address    string            `yaml:"address"`
	WorkingDir string            `yaml:"working_dir"`
	Timeout    int               `yaml:"timeout" default:"30"` // seconds
	Strict     bool              `yaml:"strict"`
	Env        map[string]string `yaml:"env"`

	PHP struct {
		Script       string `yaml:"script"`
		DocumentRoot string `yaml:"document_root"`
	} `yaml:"php"`

	AccessLogPath string `yaml:"access_log_path" default:"stdout"`
	ErrorLogPath  string `yaml:"error_log_path" default:"stderr"`
	ErrorLogLevel string `yaml:"error_log_level" default:"info"`
}

// LoadConfig reads and validates an Options file.
func LoadConfig(path string) (*Options, error) {
	opt := &Options{}
	if err := configor.Load(opt, path); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	return opt, nil
}

func (o *Options) Validate() error {
	if len(o.Command) == 0 && o.Address == "" {
		return errors.New("either command or address is required")
	}
	if len(o.Command) > 0 && o.Address != "" {
		return errors.New("command and address are mutually exclusive")
	}
	if o.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// Adapter builds the round tripper the options describe.
func (o *Options) Adapter(logger *zap.Logger) (http.RoundTripper, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	timeout := time.Duration(o.Timeout) * time.Second

	if o.Address != "" {
		if o.PHP.Script != "" || o.PHP.DocumentRoot != "" {
			a := NewPHPFPMAdapter(PHPFPMOptions{
				Address:      o.Address,
				Script:       o.PHP.Script,
				DocumentRoot: o.PHP.DocumentRoot,
				Timeout:      timeout,
				Strict:       o.Strict,
				Override:     o.Env,
			})
			if o.PHP.Script == "" {
				a.Contributors[0] = phpEnv("", DirScriptRouter(o.PHP.DocumentRoot))
			}
			a.Logger = logger
			return a, nil
		}
		return &FastCGIAdapter{
			Address:  o.Address,
			Override: o.Env,
			Timeout:  timeout,
			Strict:   o.Strict,
			Logger:   logger,
		}, nil
	}

	if o.PHP.Script != "" || o.PHP.DocumentRoot != "" {
		a := NewPHPAdapter(PHPOptions{
			Script:     o.PHP.Script,
			Router:     DirScriptRouter(o.PHP.DocumentRoot),
			WorkingDir: o.WorkingDir,
			Command:    o.Command,
			Timeout:    timeout,
			Override:   o.Env,
		})
		a.Logger = logger
		return a, nil
	}
	return &CGIAdapter{
		Command:    o.Command,
		WorkingDir: o.WorkingDir,
		Override:   o.Env,
		Timeout:    timeout,
		Logger:     logger,
	}, nil
}
