package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/dashctl/config"
	"github.com/go-authgate/dashctl/tui"
)

const usage = `Usage: dashctl [flags] <command> [args]

Commands:
  status                          show the session, signing in if needed (default)
  login                           start a new device login
  logout                          remove the stored session
  can <feature> <action>          exit 0 if the feature action is allowed
  can-service <service> <action>  exit 0 if the service action is allowed
  query [-var k=v] <file>         run a GraphQL operation and print its data
  get <path>                      GET a REST resource and print it
  subscribe [-var k=v] <file>     stream a GraphQL subscription as JSON lines

Flags:
`

// options is the parsed command line.
type options struct {
	flags   config.Flags
	command string
	args    []string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var o options

	fs := flag.NewFlagSet("dashctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&o.flags.ConfigPath, "config", "", "YAML config file (or DASHCTL_CONFIG env)")
	fs.StringVar(
		&o.flags.ServerURL,
		"server-url",
		"",
		"OAuth server URL (default: http://localhost:8080 or SERVER_URL env)",
	)
	fs.StringVar(&o.flags.ClientID, "client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
	fs.StringVar(
		&o.flags.TokenFile,
		"token-file",
		"",
		"Session storage file (default: .dashctl-session.json or TOKEN_FILE env)",
	)
	fs.StringVar(&o.flags.GraphQLURL, "graphql-url", "", "GraphQL endpoint (default: <server-url>/v1/graphql)")
	fs.StringVar(&o.flags.LogLevel, "log-level", "", "debug, info, warn or error (or LOG_LEVEL env)")

	if err := fs.Parse(args); err != nil {
		return o, err
	}

	o.command = cmdStatus
	if fs.NArg() > 0 {
		o.command = fs.Arg(0)
		o.args = fs.Args()[1:]
	}
	if !knownCommand(o.command) {
		fs.Usage()
		return o, fmt.Errorf("unknown command %q", o.command)
	}
	return o, nil
}

// newHTTPClient returns the retrying client shared by OAuth and backend
// calls.
func newHTTPClient() (*retry.Client, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}

	return retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func printConfigError(err error) {
	if errors.Is(err, config.ErrMissingClientID) {
		fmt.Fprintln(os.Stderr, "Error: CLIENT_ID not set. Please provide it via:")
		fmt.Fprintln(os.Stderr, "  1. Command line flag: -client-id=<your-client-id>")
		fmt.Fprintln(os.Stderr, "  2. Environment variable: CLIENT_ID=<your-client-id>")
		fmt.Fprintln(os.Stderr, "  3. .env file: CLIENT_ID=<your-client-id>")
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	opts, err := parseArgs(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}

	cfg, err := config.Load(opts.flags)
	if err != nil {
		printConfigError(err)
		return 1
	}
	for _, w := range cfg.Warnings {
		fmt.Fprintf(os.Stderr, "⚠️  WARNING: %s\n", w)
	}

	httpClient, err := newHTTPClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create retry client: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !interactive(opts.command) || !isTTY() {
		d := tui.NewPlainDisplayer(os.Stderr)
		a := newApp(cfg, httpClient, d, os.Stdout, cfg.Log.NewLogger(os.Stderr))
		return exitCode(a.run(ctx, opts.command, opts.args))
	}

	// Run TUI program on stderr so stdout pipes are not corrupted
	m := tui.NewModel()
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	// BubbleTea owns stderr while it runs.
	d := tui.NewProgramDisplayer(p)
	a := newApp(cfg, httpClient, d, os.Stdout, cfg.Log.NewLogger(io.Discard))
	runErr := a.run(ctx, opts.command, opts.args)
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return exitCode(runErr)
}
