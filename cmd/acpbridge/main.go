package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/backend"
	"github.com/acpbridge/acpbridge/bridge"
	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/diagnose"
	"github.com/acpbridge/acpbridge/errors"
	"github.com/acpbridge/acpbridge/guard"
	"github.com/acpbridge/acpbridge/logging"
	"github.com/acpbridge/acpbridge/permission"
	"github.com/acpbridge/acpbridge/session"
)

// sessionIdleTimeout is how long a session may sit without activity before
// the context monitor reclaims it.
const sessionIdleTimeout = 30 * time.Minute

func main() {
	diagnoseFlag := flag.Bool("diagnose", false, "Print a JSON health report and exit")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	log, logShutdown, err := logging.New(logging.Options{Debug: cfg.Debug, LogFile: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %+v\n", err)
		os.Exit(1)
	}
	defer logShutdown()

	if *diagnoseFlag {
		if err := diagnose.Run(context.Background(), cfg, os.Stdout, log); err != nil {
			fmt.Fprintf(os.Stderr, "Diagnose failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, log); err != nil {
		log.Error("bridge stopped with an error", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Bridge stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, probe, err := backend.Probe(ctx, cfg.Backend, log)
	if err != nil {
		return err
	}
	defer agent.Close()
	if probe.Fallback {
		log.Warn("running on fallback backend adapter", zap.String("reason", probe.Reason))
	}

	resources := guard.NewResources(guard.ResourceConfig{}, log)
	breaker := guard.NewBreaker(guard.BreakerConfig{}, log)

	// The monitor reclaims idle sessions; the manager exists before the
	// first sweep can ever run, so the indirection is safe.
	var sessions *session.Manager
	monitor := guard.NewMonitor(sessionIdleTimeout, func(id string) {
		if sessions != nil {
			sessions.Dispose(id)
		}
	}, log)
	sessions = session.NewManager(cfg.PermissionMode, resources, monitor, log)
	defer sessions.DisposeAll()

	conn := acp.NewConn(os.Stdin, os.Stdout, log)
	host := acp.NewClient(conn)
	broker := permission.NewBroker(cfg, log)
	executor := bridge.NewExecutor(cfg, host, broker, breaker, resources, monitor, agent, log)
	bridge.NewFacade(sessions, executor, log).Register(conn)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Run(gctx) })
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// EOF from the host shuts the transport down with a nil error; the
		// monitor must not keep the process alive past that.
		select {
		case <-conn.Done():
		case <-gctx.Done():
		}
		return context.Canceled
	})

	log.Info("bridge ready",
		zap.String("adapter", probe.Selected),
		zap.String("version", probe.Version))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `acpbridge adapts a backend coding agent to the Agent Client Protocol.

The bridge speaks JSON-RPC 2.0 over stdin/stdout, one frame per line. Point
an ACP-capable editor at this binary as its agent command.

Usage:
  acpbridge [flags]

Flags:
  --diagnose    print a JSON platform/backend health report and exit
  --help        print this help

Configuration is read from ~/.acpbridge/config.yaml, ./.acpbridge/config.yaml
and environment variables (BACKEND_MODE, BACKEND_PATH, BACKEND_PROVIDER,
BACKEND_API_KEY, PERMISSION_MODE, DEBUG, LOG_FILE, ...), in that order.
`)
}
