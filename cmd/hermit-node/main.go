package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hermit-net/hermit/config"
	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/node"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON or TOML config file (optional)")
	seedAddr := flag.String("seed", "", "host:port of a bootstrap peer (optional)")
	seedNodeIDHex := flag.String("seed-node-id", "", "hex-encoded node ID of the bootstrap peer, required with -seed")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	n, err := node.New(cfg, logger, nil)
	if err != nil {
		logger.Error("failed to construct node", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		logger.Error("failed to start node", "error", err)
		os.Exit(1)
	}
	logger.Info("node listening", "port", cfg.Port, "node_id", n.Identity.NodeID.String())

	if *seedAddr != "" {
		if err := bootstrapFromFlag(ctx, n, *seedAddr, *seedNodeIDHex); err != nil {
			logger.Warn("bootstrap failed", "seed", *seedAddr, "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := n.Close(); err != nil {
		logger.Warn("error during shutdown", "error", err)
	}
}

func bootstrapFromFlag(ctx context.Context, n *node.Node, seedAddr, seedNodeIDHex string) error {
	host, portStr, err := net.SplitHostPort(seedAddr)
	if err != nil {
		return fmt.Errorf("parse -seed %q: %w", seedAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("parse -seed port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return fmt.Errorf("resolve -seed host %q: %w", host, err)
		}
		ip = resolved.IP
	}

	nodeID, err := parseNodeID(seedNodeIDHex)
	if err != nil {
		return fmt.Errorf("parse -seed-node-id: %w", err)
	}

	return n.Bootstrap(ctx, contact.Endpoint{IP: ip, Port: uint16(port)}, nodeID)
}

func parseNodeID(hexStr string) (contact.ID, error) {
	var id contact.ID
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return id, err
	}
	if len(decoded) != contact.IDLen {
		return id, fmt.Errorf("node id must decode to %d bytes, got %d", contact.IDLen, len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("hermit-node-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
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
