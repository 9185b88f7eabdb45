package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kmoroz/tsunagi/common/version"
	"github.com/kmoroz/tsunagi/internal/bridge/app"
	"github.com/kmoroz/tsunagi/internal/bridge/config"
	"github.com/kmoroz/tsunagi/internal/bridge/observability"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (optional; TSUNAGI_* env vars override)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	fmt.Printf("Tsunagi Agent Bridge\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize bridge: %v\n", err)
		os.Exit(1)
	}

	if err := bridge.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running bridge: %v\n", err)
		os.Exit(1)
	}
}
