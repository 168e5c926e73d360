// Command taskd runs the task execution engine, its REST API and a pool of
// local workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/tui"
)

// options are the command-line overrides applied on top of the config files.
type options struct {
	configPath   string
	addr         string
	dbPath       string
	localWorkers int
	tui          bool
	writeConfig  string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("taskd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", config.ProjectPath, "project config file")
	fs.StringVar(&opts.addr, "addr", "", "API listen address (overrides server.addr)")
	fs.StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides storage.path; \"none\" keeps state in memory)")
	fs.IntVar(&opts.localWorkers, "local-workers", -1, "in-process workers (overrides workers.local)")
	fs.BoolVar(&opts.tui, "tui", false, "show the operator monitor")
	fs.StringVar(&opts.writeConfig, "write-config", "", "write the effective config to this path and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// loadConfig merges defaults, config files and flags.
func loadConfig(opts options) (*config.Config, string, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		// No home directory: run on defaults and the project file
		log.Printf("WARNING: %v", err)
		globalPath = ""
	}
	cfg, err := config.Load(globalPath, opts.configPath)
	if err != nil {
		return nil, globalPath, err
	}

	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	switch opts.dbPath {
	case "":
	case "none":
		cfg.Storage.Path = ""
	default:
		cfg.Storage.Path = opts.dbPath
	}
	if opts.localWorkers >= 0 {
		cfg.Workers.Local = opts.localWorkers
	}
	if err := cfg.Validate(); err != nil {
		return nil, globalPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, globalPath, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	cfg, globalPath, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if opts.writeConfig != "" {
		if err := config.Save(cfg, opts.writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", opts.writeConfig)
		return
	}

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var monitor func(context.Context) error
	if opts.tui {
		// The monitor owns the terminal; logs go to a file beside the database
		logPath := filepath.Join(filepath.Dir(config.ProjectPath), "taskd.log")
		if cfg.Storage.Path != "" {
			logPath = filepath.Join(filepath.Dir(cfg.Storage.Path), "taskd.log")
		}
		closeLog, err := logToFile(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer closeLog()
	}

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}
	defer d.Close()

	if opts.tui {
		monitor = func(ctx context.Context) error {
			return tui.Run(ctx, tui.New(d.bus, d.engine, cfg, globalPath, opts.configPath))
		}
	}

	if err := d.Run(ctx, monitor); err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}
	log.Println("Shutdown complete")
}

func logToFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}
