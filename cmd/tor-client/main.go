package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/onionmux/torcore/descriptor"
	"github.com/onionmux/torcore/proxy"
	"github.com/onionmux/torcore/socks"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== torcore %s ===\n", Version)
	fmt.Println()

	configPath := "relays.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	pools, err := loadRelayPools(configPath)
	if err != nil {
		fmt.Printf("failed to load relay pool config %s: %v\n", configPath, err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d guards, %d middles, %d exits from %s\n",
		len(pools.Guards), len(pools.Middles), len(pools.Exits), configPath)

	p := proxy.NewProxy(pools.Guards, pools.Middles, pools.Exits, logger)
	runSOCKSProxy(p, logger)
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("tor-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// relayPoolConfig is the on-disk YAML shape for the three relay pools a
// Proxy selects paths from. Each pool entry is the verbatim text of a
// relay server descriptor, parsed with descriptor.ParseDescriptor.
type relayPoolConfig struct {
	GuardList  []string `yaml:"guard_list"`
	MiddlePool []string `yaml:"middle_pool"`
	ExitPool   []string `yaml:"exit_pool"`
}

type relayPools struct {
	Guards  []descriptor.RelayInfo
	Middles []descriptor.RelayInfo
	Exits   []descriptor.RelayInfo
}

func loadRelayPools(path string) (*relayPools, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg relayPoolConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	guards, err := parseRelayInfos(cfg.GuardList)
	if err != nil {
		return nil, fmt.Errorf("guard_list: %w", err)
	}
	middles, err := parseRelayInfos(cfg.MiddlePool)
	if err != nil {
		return nil, fmt.Errorf("middle_pool: %w", err)
	}
	exits, err := parseRelayInfos(cfg.ExitPool)
	if err != nil {
		return nil, fmt.Errorf("exit_pool: %w", err)
	}

	return &relayPools{Guards: guards, Middles: middles, Exits: exits}, nil
}

func parseRelayInfos(descriptors []string) ([]descriptor.RelayInfo, error) {
	infos := make([]descriptor.RelayInfo, 0, len(descriptors))
	for i, text := range descriptors {
		info, err := descriptor.ParseDescriptor(text)
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

func runSOCKSProxy(p *proxy.Proxy, logger *slog.Logger) {
	socksAddr := "127.0.0.1:9050"
	fmt.Printf("\nStarting SOCKS5 proxy on %s...\n", socksAddr)

	srv := &socks.Server{
		Addr:   socksAddr,
		Proxy:  p,
		Logger: logger,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
		_ = p.Shutdown()
	}()

	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://example.com")
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS5 server error: %v\n", err)
	}
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
