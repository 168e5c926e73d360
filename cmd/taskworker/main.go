// Command taskworker is a remote worker: it heartbeats to taskd, claims
// assignments over HTTP long-poll or an AMQP queue, executes them and
// reports the outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/transport"
	"github.com/aristath/taskengine/internal/worker"
)

type options struct {
	server      string
	workerID    string
	amqpURL     string
	queuePrefix string
	heartbeat   time.Duration
	scale       float64
}

// parseFlags reads flags, taking defaults from cfg.
func parseFlags(args []string, cfg *config.Config, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("taskworker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.server, "server", "http://localhost"+cfg.Server.Addr, "taskd base URL")
	fs.StringVar(&opts.workerID, "id", "", "worker id (default: generated)")
	fs.StringVar(&opts.amqpURL, "amqp", cfg.AMQP.URL, "claim assignments from this AMQP broker instead of HTTP")
	fs.StringVar(&opts.queuePrefix, "queue-prefix", cfg.AMQP.QueuePrefix, "AMQP assignment queue prefix")
	fs.DurationVar(&opts.heartbeat, "heartbeat", cfg.Workers.HeartbeatInterval.D(), "heartbeat interval")
	fs.Float64Var(&opts.scale, "scale", cfg.Workers.SimulationScale, "multiplier on simulated work durations")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.workerID == "" {
		opts.workerID = "worker-" + uuid.NewString()[:8]
	}
	if opts.heartbeat <= 0 {
		return options{}, fmt.Errorf("-heartbeat must be positive")
	}
	if opts.scale < 0 {
		return options{}, fmt.Errorf("-scale must not be negative")
	}
	return opts, nil
}

func main() {
	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	opts, err := parseFlags(os.Args[1:], cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := worker.NewClient(opts.server, nil)
	var coord worker.Coordinator = client
	if opts.amqpURL != "" {
		consumer, err := transport.DialConsumer(opts.amqpURL, opts.queuePrefix, opts.workerID)
		if err != nil {
			log.Printf("ERROR: %v", err)
			os.Exit(1)
		}
		defer consumer.Close()
		client.UseTransport(transport.Name)
		coord = worker.WithClaimSource(coord, consumer)
	}

	runner := worker.NewRunner(worker.RunnerConfig{
		WorkerID:          opts.workerID,
		HeartbeatInterval: opts.heartbeat,
		Handlers:          worker.Handlers(worker.HandlerConfig{SimulationScale: opts.scale}),
		Breakers: worker.NewBreakerRegistry(worker.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout.D(),
		}),
		Retry: worker.DefaultRetryConfig(),
	}, coord)

	log.Printf("Worker %s connecting to %s", opts.workerID, opts.server)
	if err := runner.Run(ctx); err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}
}
