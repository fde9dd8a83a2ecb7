package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/unvm/unvm/pkg/broker"
	"github.com/unvm/unvm/pkg/config"
	"github.com/unvm/unvm/pkg/discovery"
	"github.com/unvm/unvm/pkg/history"
	"github.com/unvm/unvm/pkg/logging"
	"github.com/unvm/unvm/pkg/server"
	"github.com/unvm/unvm/pkg/wire"
)

// unvm-host stands in for the editor process: it runs the bridge server
// and drives the dispatcher from a ticker the way the editor drives it
// from its update loop.
func main() {
	configPath := flag.String("config", "", "Path to config.toml (optional)")
	descriptorDir := flag.String("descriptor-dir", "", "Override descriptor directory (optional)")
	project := flag.String("project", ".", "Project root advertised in the descriptor")
	tick := flag.Duration("tick", 16*time.Millisecond, "Host update tick interval")
	flag.Parse()

	logger := logging.New("unvm-host")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *descriptorDir, *project, *tick, logger); err != nil {
		logger.Printf("fatal error: %v", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func run(ctx context.Context, configPath, descriptorDir, project string, tick time.Duration, logger *logging.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.Configure(cfg.Logging); err != nil {
		return err
	}
	if descriptorDir != "" {
		cfg.IPC.DescriptorDir = descriptorDir
	}

	dbPath := cfg.History.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.IPC.DescriptorDir, fmt.Sprintf("history-%d.db", os.Getpid()))
	}
	store, err := history.Open(dbPath, cfg.History.MaxEntries)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init history: %w", err)
	}

	pid := os.Getpid()
	socketPath := discovery.SocketPath(cfg.IPC.DescriptorDir, pid)
	if err := os.MkdirAll(cfg.IPC.DescriptorDir, 0o700); err != nil {
		return err
	}

	b := broker.New()
	srv := server.NewServer(b, logger)
	if err := srv.Start(ctx, socketPath); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer func() {
		srv.Stop()
		os.Remove(socketPath)
	}()

	projectRoot, err := filepath.Abs(project)
	if err != nil {
		projectRoot = project
	}
	if _, err := discovery.Publish(cfg.IPC.DescriptorDir, discovery.Descriptor{
		PID:         pid,
		Version:     wire.ProtocolVersion,
		SocketPath:  socketPath,
		ProjectRoot: projectRoot,
		StartedAt:   time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("publish descriptor: %w", err)
	}
	defer discovery.Unpublish(cfg.IPC.DescriptorDir, pid)

	dispatcher := server.NewDispatcher(b, wire.ProtocolVersion, logger)
	h := &host{store: store, logger: logger}
	h.register(dispatcher)

	h.capture("info", "editor host started")
	logger.Printf("host ready; socket at %s", socketPath)

	// Stand-in for the editor's single-threaded update loop: at most one
	// request is dispatched per tick.
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Println("shutting down")
			b.Close()
			return nil
		case <-ticker.C:
			dispatcher.Tick()
		}
	}
}
