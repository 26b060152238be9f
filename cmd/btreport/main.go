// Command btreport submits error reports to Backtrace and runs the browser
// event relay.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/backtrace-labs/backtrace-js/pkg/config"
	"github.com/backtrace-labs/backtrace-js/pkg/logger"
	"github.com/backtrace-labs/backtrace-js/pkg/report"
	"github.com/backtrace-labs/backtrace-js/pkg/result"
)

var buildTime = "unknown"

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stderr)
		return 2
	}

	var err error
	switch command, rest := args[0], args[1:]; command {
	case "send":
		err = runSend(rest, stdout)
	case "relay":
		err = runRelay(rest, stdout)
	case "history":
		err = runHistory(rest, stdout)
	case "init":
		err = runInit(rest, stdout)
	case "version", "--version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printHelp(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		printHelp(stderr)
		return 2
	}

	switch {
	case err == nil, errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, errorStyle.Render("error:"), err)
		return 2
	default:
		fmt.Fprintln(stderr, errorStyle.Render("error:"), err)
		return 1
	}
}

var errUsage = errors.New("usage")

// commonFlags are shared by every command that reads the configuration
type commonFlags struct {
	configPath string
	endpoint   string
	token      string
	logLevel   string
}

func newFlagSet(name string, common *commonFlags, stdout io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.StringVarP(&common.configPath, "config", "c", "", "Path to configuration file")
	fs.StringVar(&common.endpoint, "endpoint", "", "Submission URL (overrides config)")
	fs.StringVar(&common.token, "token", "", "Submission token (overrides config)")
	fs.StringVar(&common.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	return fs
}

// loadConfig reads the configuration, applies flag overrides and sets up logging
func loadConfig(common commonFlags) (*config.Config, error) {
	cfg, err := config.Load(common.configPath, func(c *config.Config) {
		if common.endpoint != "" {
			c.Client.Endpoint = common.endpoint
		}
		if common.token != "" {
			c.Client.Token = common.token
		}
		if common.logLevel != "" {
			c.Logging.Level = common.logLevel
		}
	})
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	if err := logger.Initialize(cfg.Level, cfg.Format, cfg.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
	}
}

// printResult writes one styled result line
func printResult(w io.Writer, label string, res *result.Result) {
	badge := errorStyle.Render("✗")
	switch {
	case res.OK():
		badge = okStyle.Render("✓")
	case res.Status.Suppressed(), res.Status == result.StatusProcessing:
		badge = warnStyle.Render("~")
	}
	uuid := ""
	if res.Report != nil {
		uuid = res.Report.UUID
	}
	fmt.Fprintf(w, "%s %s %s %s\n", badge, label, dimStyle.Render(uuid), res.String())
}

func runInit(args []string, stdout io.Writer) error {
	var (
		output   string
		endpoint string
		token    string
		force    bool
	)
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.StringVarP(&output, "output", "o", config.ConfigPaths()[0], "Where to write the configuration")
	fs.StringVar(&endpoint, "endpoint", "", "Submission URL")
	fs.StringVar(&token, "token", "", "Submission token")
	fs.BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("%w: %s already exists (use --force to overwrite)", errUsage, output)
	}

	cfg := config.DefaultConfig()
	cfg.Client.Endpoint = endpoint
	cfg.Client.Token = token
	if err := config.Save(cfg, output); err != nil {
		return err
	}

	fmt.Fprintln(stdout, okStyle.Render("✓"), "configuration written to", output)
	if endpoint == "" {
		fmt.Fprintln(stdout, dimStyle.Render("  set client.endpoint before sending reports"))
	}
	return nil
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "btreport %s (%s/%s)\n", report.AgentVersion, report.AgentName, runtime.Version())
	fmt.Fprintf(w, "Build time: %s\n", buildTime)
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, titleStyle.Render("USAGE:"))
	fmt.Fprint(w, `    btreport <command> [flags]

COMMANDS:
    send        Send a report or replay browser event files
    relay       Run the browser event relay
    history     Show recently submitted reports
    init        Write a configuration file
    version     Show version information
    help        Show this help message

EXAMPLES:
    btreport init --endpoint https://submit.backtrace.io/acme/TOKEN/json
    btreport send -m "payment failed" --attr order=42
    btreport send --name TypeError -m "x is undefined" --stack-file stack.txt
    btreport send --event crash1.json --event crash2.json
    btreport relay --addr 127.0.0.1:8765
    btreport history --limit 10

Run 'btreport <command> --help' for command flags.
`)
}
