package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/sandbar/pkg/agent"
	"github.com/odvcencio/sandbar/pkg/bus"
	"github.com/odvcencio/sandbar/pkg/config"
	"github.com/odvcencio/sandbar/pkg/document"
	"github.com/odvcencio/sandbar/pkg/gateway"
	"github.com/odvcencio/sandbar/pkg/host"
	"github.com/odvcencio/sandbar/pkg/logging"
	"github.com/odvcencio/sandbar/pkg/model"
	"github.com/odvcencio/sandbar/pkg/valuestore"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config")
		sessionFlag = flag.String("session", "", "session id (overrides config)")
		busURL      = flag.String("bus", "", "NATS URL for cross-process replication (overrides config)")
		listenAddr  = flag.String("listen", "", "gateway listen address (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("sandbar %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath, *sessionFlag, *busURL, *listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, sessionFlag, busURL, listenAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if sessionFlag != "" {
		cfg.Session.ID = sessionFlag
	}
	if busURL != "" {
		cfg.Bus.URL = busURL
	}
	if listenAddr != "" {
		cfg.Gateway.ListenAddr = listenAddr
	}
	sessionID := cfg.Session.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := logging.NewLogger(cfg.Logging.Dir, sessionID)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer log.Close()
	log.SetMinLevel(parseLevel(cfg.Logging.Level))

	mbus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer mbus.Close()

	doc := document.New("host-" + sessionID)
	repl := document.NewReplicator(doc, mbus, document.Subject(sessionID))
	if err := repl.Start(ctx); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	defer repl.Stop()

	values := valuestore.New(doc)
	defer values.Close()

	var client model.Inference
	if cfg.Model.APIKey != "" {
		client = model.NewClientWithOptions(cfg.Model.APIKey, cfg.Model.BaseURL, model.ClientOptions{
			Model:   cfg.Model.Name,
			Timeout: cfg.Model.Timeout,
		})
	} else {
		fmt.Fprintln(os.Stderr, "warning: no API key configured, using canned replies")
		client = model.NewStubClient(`{"action": "answer", "message": "No model is configured."}`)
	}
	defer client.Close()

	gw := gateway.New(doc, values, gateway.Config{
		RequestTimeout:   cfg.Gateway.RequestTimeout,
		MaxPendingPerApp: cfg.Gateway.MaxPendingPerApp,
	})
	gw.SetLogger(log)
	srv := &http.Server{Addr: cfg.Gateway.ListenAddr, Handler: gw.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	h := host.New(doc, values, client, host.Config{
		RendererBinary: cfg.Renderer.Binary,
		GatewayAddr:    cfg.Gateway.ListenAddr,
		Model:          cfg.Model.Name,
	})
	h.SetLogger(log)
	hostDone := make(chan error, 1)
	go func() { hostDone <- h.Run(ctx) }()

	loop := agent.New(doc, values, client, h, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		Model:         cfg.Model.Name,
	})
	loop.SetLogger(log)

	fmt.Printf("sandbar session %s on %s\n", sessionID, cfg.Gateway.ListenAddr)
	return repLoop(ctx, loop, doc, hostDone)
}

// repLoop reads user turns from stdin and prints the assistant's answers.
func repLoop(ctx context.Context, loop *agent.Loop, doc *document.Document, hostDone <-chan error) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-hostDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				fmt.Print("> ")
				continue
			}
			res, err := loop.RunTurn(ctx, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			} else if res.Message != "" {
				fmt.Println(res.Message)
			}
			if doc.Snapshot().ShouldExit {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

func openBus(cfg *config.Config) (bus.MessageBus, error) {
	if cfg.Bus.URL == "" {
		return bus.NewMemoryBus(), nil
	}
	bcfg := bus.DefaultConfig()
	bcfg.URL = cfg.Bus.URL
	if cfg.Bus.Name != "" {
		bcfg.Name = cfg.Bus.Name
	}
	b, err := bus.NewNATSBus(bcfg)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	return b, nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
