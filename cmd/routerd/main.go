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

	"github.com/go-i2p/router/router"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	dataDir := flag.String("data-dir", ".i2p-router", "directory for router.keys/router.info")
	ntcpAddr := flag.String("ntcp-addr", ":12345", "local NTCP listen address")
	ssuAddr := flag.String("ssu-addr", ":12345", "local SSU listen address")
	acceptsTunnels := flag.Bool("accepts-tunnels", true, "participate in transit tunnels for other routers")
	floodfill := flag.Bool("floodfill", false, "publish floodfill capability")
	transitLimit := flag.Int("transit-limit", 2500, "maximum simultaneous transit tunnels")
	flag.Parse()

	logger, logFile := setupLogging(*dataDir)
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== go-i2p router %s ===\n", Version)
	fmt.Println()

	r, err := router.New(
		router.WithDataDir(*dataDir),
		router.WithNTCPAddr(*ntcpAddr),
		router.WithSSUAddr(*ssuAddr),
		router.WithAcceptsTunnels(*acceptsTunnels),
		router.WithFloodfill(*floodfill),
		router.WithTransitLimit(*transitLimit),
		router.WithLogger(logger),
	)
	if err != nil {
		fmt.Printf("  Failed to start router: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Local identity: %s\n", r.Keys.Identity.Hash())
	fmt.Printf("  NTCP: %s  SSU: %s  caps: %s\n", *ntcpAddr, *ssuAddr, r.Info.Caps())

	runUntilSignal(r, logger)
}

func setupLogging(dataDir string) (*slog.Logger, *os.File) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
		os.Exit(1)
	}
	logPath := dataDir + "/router.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func runUntilSignal(r *router.Router, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	fmt.Println("Ready.")
	start := time.Now()
	if err := r.Serve(ctx); err != nil {
		logger.Error("router stopped with error", "err", err, "uptime", time.Since(start))
		fmt.Printf("router error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("router stopped cleanly", "uptime", time.Since(start))
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
