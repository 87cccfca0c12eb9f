package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/block/replicator/pkg/buildinfo"
	"github.com/block/replicator/pkg/replicate"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type CLI struct {
	replicate.Replicate `embed:""`

	EnvFile string           `name:"env-file" help:"Load environment variables (i.e. SOURCE_PASSWORD) from this file" optional:"" default:".env"`
	LogDir  string           `name:"log-dir" help:"Directory for the run log file" optional:"" default:"."`
	Debug   bool             `name:"debug" help:"Enable debug logging" optional:"" default:"false"`
	Version kong.VersionFlag `name:"version" help:"Print version information and quit"`
}

func (c *CLI) Run() error {
	logFile, err := openLogFile(c.LogDir, time.Now())
	if err != nil {
		return err
	}
	defer logFile.Close()
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	c.RunID = uuid.NewString()
	logger.Info("starting replicator", "version", buildinfo.Get().String(), "run-id", c.RunID, "log-file", logFile.Name())

	runner, err := replicate.NewRunner(&c.Replicate)
	if err != nil {
		return err
	}
	defer runner.Close()
	runner.SetLogger(logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Run in goroutine so we can handle signals
	type result struct {
		summary *replicate.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := runner.Run(context.Background())
		done <- result{summary, err}
	}()

	var res result
	select {
	case res = <-done:
	case sig := <-sigChan:
		logger.Info("received signal, stopping after the pages being copied", "signal", sig)
		runner.Cancel()
		res = <-done
	}
	if res.summary != nil {
		fmt.Print(res.summary.Render())
	}
	if res.err != nil {
		logger.Error("replication failed", "run-id", c.RunID, "error", res.err)
	}
	return res.err
}

// openLogFile opens the append-only log file of a run in dir.
func openLogFile(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create log directory: %w", err)
	}
	name := filepath.Join(dir, "replicate_"+now.Format("20060102_150405")+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}
	return f, nil
}

// loadEnvFile loads the file named by --env-file before the flags are
// parsed, so that it can provide the values of flags with an env tag.
// The default .env is optional, an explicit file must exist.
func loadEnvFile(args []string) error {
	path, explicit := ".env", false
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if value, ok := strings.CutPrefix(arg, "--env-file="); ok {
			path, explicit = value, true
		} else if arg == "--env-file" && i+1 < len(args) {
			path, explicit = args[i+1], true
		}
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func main() {
	if err := loadEnvFile(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not load env file: %v\n", err)
		os.Exit(1)
	}
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("replicate"),
		kong.Description("Replicate MySQL databases between servers: schema, data, views, routines and triggers"),
		kong.UsageOnError(),
		kong.Vars{"version": buildinfo.Get().String()},
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
