package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"socksd/internal/application"
	"socksd/internal/config"
	"socksd/internal/infrastructure/epoll"
	"socksd/internal/infrastructure/network"
	"socksd/internal/infrastructure/resolver"
	"socksd/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logger.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	log.Info("Initializing SOCKS5 Proxy...")

	eventLoop, err := epoll.New(log)
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}
	defer eventLoop.Close()

	res := resolver.New(log, cfg.DNS.Server, cfg.DNS.Timeout)

	proxy, err := application.NewProxyService(eventLoop, log, cfg.Server, res, network.Dialer{})
	if err != nil {
		return fmt.Errorf("failed to create proxy service: %w", err)
	}

	addr, err := proxy.Addr()
	if err != nil {
		return err
	}
	log.Info("Proxy listening", "addr", addr, "dns_server", res.Server())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := proxy.Start(); err != nil {
			return fmt.Errorf("proxy stopped unexpectedly: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		proxy.Stop()
		return nil
	})

	err = g.Wait()
	log.Info("shutting down")
	return err
}
