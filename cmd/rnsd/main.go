package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cvsouth/rns-go/config"
	"github.com/cvsouth/rns-go/control"
)

// Version is set at build time via ldflags.
var Version = "dev"

// schedulerQuantum is the cooperative scheduler tick period. spec.md §5
// targets a loop() under 10ms on the reference platform; ticking at this
// rate leaves ample headroom on any host this binary actually runs on.
const schedulerQuantum = 10 * time.Millisecond

func main() {
	configPath := flag.String("config", "rnsd.toml", "path to node configuration file")
	logPath := flag.String("log", "rnsd.log", "path to the JSON debug log file")
	flag.Parse()

	logger, logFile := setupLogging(*logPath)
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== RNS Node %s ===\n", Version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "path", *configPath, "err", err)
		cfg = config.Default()
	}

	node, err := New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start node: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Identity: %x\n", node.Identity.Hash())

	srv := &control.Server{
		Addr:    cfg.ControlAddr,
		Handler: node,
		Router:  node.Router,
		Logger:  logger,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("control server stopped", "err", err)
		}
	}()
	fmt.Printf("Control listening on %s\n", cfg.ControlAddr)

	if err := node.Announce(); err != nil {
		logger.Warn("initial announce failed", "err", err)
	}

	runScheduler(node, srv, logger)
}

// runScheduler drives node.Tick at schedulerQuantum until interrupted,
// the same single cooperative loop spec.md §5 describes driving every
// component in order each tick.
func runScheduler(node *Node, srv *control.Server, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(schedulerQuantum)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			_ = srv.Close()
			return
		case <-ticker.C:
			node.Tick()
		}
	}
}

func setupLogging(path string) (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
