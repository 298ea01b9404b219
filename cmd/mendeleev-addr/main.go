package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/elementbus/mendeleev-master/internal/addressing"
	"github.com/elementbus/mendeleev-master/internal/metrics"
	"github.com/elementbus/mendeleev-master/internal/session"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("mendeleev-addr %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	if cfg.metricsAddr != "" {
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	sess := session.New(cfg.device,
		session.WithSourceAddress(cfg.sourceAddr),
		session.WithReconnectDelay(cfg.reconnectDelay),
		session.WithLogger(l),
	)
	if err := sess.Connect(ctx); err != nil {
		l.Error("connect_failed", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	mode := addressing.ModeAutomatic
	if !cfg.automatic {
		mode = addressing.ModeManual
	}
	proc := addressing.New(sess,
		addressing.WithMode(mode),
		addressing.WithBroadcastWait(cfg.broadcastWait),
		addressing.WithLogger(l),
	)

	touchTimeout := cfg.touchTimeout
	if cfg.automatic {
		touchTimeout = 0 // automatic mode waits for each touch without a bound
	}

	prompt := stdinPrompt(bufio.NewReader(os.Stdin))
	l.Info("addressing_start", "device", cfg.device, "mode", cfg.automatic)
	if err := proc.Run(ctx, prompt, touchTimeout); err != nil {
		l.Error("addressing_finished_with_error", "error", err)
		os.Exit(1)
	}
	l.Info("addressing_done")
}
