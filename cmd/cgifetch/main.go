// cgifetch issues HTTP requests through a CGI or FastCGI backend and prints
// the responses. It exists mostly as a working example of wiring the
// adapters into an http.Client.
//
//	cgifetch -c ./app.cgi http://localhost/app?x=1
//	cgifetch -a 127.0.0.1:9000 --php-script /srv/www/index.php http://localhost/
package main

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dmjohnsson23/cgiclient"
	"github.com/dmjohnsson23/cgiclient/log"
)

var (
	configFile string
	command    []string
	address    string
	workingDir string
	phpScript  string
	docRoot    string
	timeout    int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "cgifetch [flags] url [url...]",
	Short: "fetch urls through a CGI or FastCGI backend",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	opt, err := buildOptions()
	if err != nil {
		return err
	}

	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := log.New(log.Options{
		AccessLogPath: opt.AccessLogPath,
		ErrorLogPath:  opt.ErrorLogPath,
		ErrorLogLevel: level,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	adapter, err := opt.Adapter(logger.ErrorLogger())
	if err != nil {
		return err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	client := &http.Client{Transport: adapter, Jar: jar}

	var g errgroup.Group
	for _, u := range args {
		u := u
		g.Go(func() error {
			return fetch(client, logger.AccessLogger(), u)
		})
	}
	return g.Wait()
}

func fetch(client *http.Client, access *zap.Logger, url string) error {
	start := time.Now()
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	access.Info("",
		zap.String("request_id", uuid.New().String()),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(body)),
		zap.Duration("round_trip_time", time.Since(start)),
	)

	fmt.Printf("%s %s\n", url, resp.Status)
	os.Stdout.Write(body)
	fmt.Println()
	return nil
}

func buildOptions() (*cgiclient.Options, error) {
	if configFile != "" {
		return cgiclient.LoadConfig(configFile)
	}
	opt := &cgiclient.Options{
		Command:       command,
		Address:       address,
		WorkingDir:    workingDir,
		Timeout:       timeout,
		AccessLogPath: "stdout",
		ErrorLogPath:  "stderr",
		ErrorLogLevel: "info",
	}
	opt.PHP.Script = phpScript
	opt.PHP.DocumentRoot = docRoot
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	return opt, nil
}

func main() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configFile, "config", "f", "", "config file path")
	f.StringSliceVarP(&command, "command", "c", nil, "CGI command to execute")
	f.StringVarP(&address, "address", "a", "", "FastCGI address (unix path or host:port)")
	f.StringVarP(&workingDir, "working-dir", "d", "", "working directory for the CGI process")
	f.StringVar(&phpScript, "php-script", "", "PHP script to pin every request to")
	f.StringVar(&docRoot, "doc-root", "", "document root for URL-to-script routing")
	f.IntVarP(&timeout, "timeout", "t", 30, "request timeout in seconds")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
