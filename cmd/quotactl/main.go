// Command quotactl administers and exercises quotaguard from the shell.
//
// Usage:
//
//	quotactl -c quotaguard.yaml policy set --tenant acme --operation send_email --per-minute 60
//	quotactl -c quotaguard.yaml check --tenant acme --operation send_email --quantity 1
//	quotactl -c quotaguard.yaml janitor --metrics-addr :9090
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Policy  PolicyCmd  `cmd:"" help:"Manage quota policies."`
	Seed    SeedCmd    `cmd:"" help:"Write the policies listed in the config file to the backend."`
	Check   CheckCmd   `cmd:"" help:"Ask whether a request may proceed."`
	Record  RecordCmd  `cmd:"" help:"Record usage for a scope."`
	Usage   UsageCmd   `cmd:"" help:"Show usage statistics for a scope."`
	Sweep   SweepCmd   `cmd:"" help:"Delete expired usage buckets once."`
	Janitor JanitorCmd `cmd:"" help:"Sweep expired usage periodically and serve metrics."`

	Config    string `short:"c" help:"Path to config file." type:"path" env:"QUOTAGUARD_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"LOG_FORMAT"`
}

func main() {
	if err := loadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "quotactl: %v\n", err)
		if errors.Is(err, errDenied) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// run parses args and executes the selected command.
func run(args []string, stdout, stderr io.Writer) error {
	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("quotactl"),
		kong.Description("quotaguard - tiered quota engine"),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.BindTo(stdout, (*io.Writer)(nil)),
	)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	if err := setupLogger(stderr, cli.LogLevel, cli.LogFormat); err != nil {
		return err
	}

	return kctx.Run(&cli)
}

// loadEnvFiles loads .env.local then .env; missing files are ignored.
func loadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// setupLogger installs the default slog logger.
func setupLogger(w io.Writer, level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
