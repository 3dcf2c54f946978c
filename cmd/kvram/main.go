// Command kvram runs an interactive shell over an in-memory key-value
// database with per-account RAM accounting.
//
// Usage:
//
//	kvram [flags]          start the shell (reads commands from stdin)
//	kvram [flags] init     write a default config file
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"kvram/internal/checkpoint"
	"kvram/internal/config"
	"kvram/internal/kvdb"
	"kvram/internal/logging"
	"kvram/internal/shell"
	boltstore "kvram/internal/store/bolt"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

var logger = logging.For("main")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type options struct {
	configPath string
	dataDir    string
	logLevel   string
	logFormat  string
	account    string
	database   string
	checkpoint bool
	force      bool
	exec       []string
}

// run is main without the process exit, returning the exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var o options
	flags := flag.NewFlagSet("kvram", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&o.configPath, "config", "", "path to config file (default "+config.DefaultPath+")")
	flags.StringVar(&o.dataDir, "data-dir", "", "data directory (overrides config)")
	flags.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.StringVar(&o.logFormat, "log-format", "", "log format: text or json (overrides config)")
	flags.StringVarP(&o.account, "account", "a", "", "account to bill (overrides config)")
	flags.StringVarP(&o.database, "database", "d", "", "database id commands address (default: first configured)")
	flags.BoolVar(&o.checkpoint, "checkpoint", false, "load and save the checkpoint file (overrides config)")
	flags.BoolVar(&o.force, "force", false, "init: overwrite an existing config file")
	flags.StringArrayVarP(&o.exec, "exec", "e", nil, "run a shell command instead of reading stdin (repeatable)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if flags.Arg(0) == "init" {
		return initConfig(o, stdout, stderr)
	}
	if flags.NArg() > 0 {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", flags.Arg(0))
		return 2
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	applyFlags(cfg, o, flags)
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	logging.Init(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: stderr})

	if err := serve(cfg, o, stdin, stdout); err != nil {
		logger.Error("kvram failed", "err", err)
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// applyFlags lets command line flags override config file values.
func applyFlags(cfg *config.Config, o options, flags *flag.FlagSet) {
	if o.dataDir != "" {
		cfg.Node.DataDir = o.dataDir
	}
	if o.account != "" {
		cfg.Node.Account = o.account
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if flags.Changed("checkpoint") {
		cfg.Checkpoint.Enabled = o.checkpoint
	}
	cfg.Node.DataDir = config.ExpandHome(cfg.Node.DataDir)
}

func serve(cfg *config.Config, o options, stdin io.Reader, stdout io.Writer) error {
	db := kvdb.New(cfg.Store)

	id := kvdb.DatabaseID(cfg.Store.Databases[0])
	if o.database != "" {
		id = kvdb.DatabaseID(o.database)
	}
	opts := shell.Options{Account: cfg.Node.Account, Database: id}

	if cfg.Checkpoint.Enabled {
		if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
		st, err := boltstore.Open(cfg.CheckpointPath())
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		defer st.Close()

		if _, err := checkpoint.Load(st, db); err != nil {
			return fmt.Errorf("loading checkpoint: %w", err)
		}
		opts.Checkpoint = func() (checkpoint.Stats, error) {
			return checkpoint.Save(st, db)
		}
	}

	sh := shell.New(db, opts)
	logger.Info("kvram ready", "account", opts.Account, "database", string(id),
		"checkpoint", cfg.Checkpoint.Enabled)

	if err := runShell(sh, o.exec, stdin, stdout); err != nil {
		return err
	}

	if opts.Checkpoint != nil {
		if _, err := opts.Checkpoint(); err != nil {
			return fmt.Errorf("saving checkpoint: %w", err)
		}
	}
	return nil
}

// runShell feeds the shell from --exec commands, an interactive terminal, or
// plain lines on stdin, in that order of preference.
func runShell(sh *shell.Shell, commands []string, stdin io.Reader, stdout io.Writer) error {
	if len(commands) > 0 {
		for _, line := range commands {
			if sh.Exec(line, stdout) {
				break
			}
		}
		return sh.Close()
	}

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("entering raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, state) }()

		terminal := term.NewTerminal(readWriter{stdin, stdout}, "")
		_, _ = fmt.Fprintln(terminal, "kvram shell. Type help for commands.")
		return sh.Run(terminal, terminal)
	}

	return sh.Run(shell.NewStreamReader(stdin), stdout)
}

// initConfig writes the default config to the --config path.
func initConfig(o options, stdout, stderr io.Writer) int {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath
	}
	path = config.ExpandHome(path)

	if _, err := os.Stat(path); err == nil && !o.force {
		_, _ = fmt.Fprintf(stderr, "%s already exists (use --force to overwrite)\n", path)
		return 1
	}

	cfg := config.Defaults()
	if o.dataDir != "" {
		cfg.Node.DataDir = o.dataDir
	}
	if o.account != "" {
		cfg.Node.Account = o.account
	}
	if err := config.Write(path, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "wrote %s\n", path)
	return 0
}

// readWriter combines separate read and write halves into an io.ReadWriter.
type readWriter struct {
	io.Reader
	io.Writer
}
