package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"campaigner/internal/config"
	"campaigner/internal/engine"
	logx "campaigner/pkg/logx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "campaigner:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := flag.String("config", envOr("CAMPAIGNER_CONFIG", "config.yaml"), "path to config file (json or yaml)")
	flag.Parse()

	boot := logx.NewConsole("info")
	mgr := config.NewManager(*cfgPath, boot)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", *cfgPath, err)
	}

	logSvc, log := logx.New(cfg.LoggingFor())
	defer logSvc.Close()

	eng, err := engine.New(mgr, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("campaigner ready", logx.String("config", *cfgPath))

	// Logging changes apply live; everything structural waits for a restart.
	go func() {
		ch := mgr.Subscribe(1)
		defer mgr.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-ch:
				if !ok {
					return
				}
				logSvc.Apply(c.LoggingFor())
			}
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	eng.Stop()
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
