package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/hsm-feed/internal/feedtest"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:18090", "listen address")
	interval := flag.Duration("interval", time.Second, "price update interval")
	heartbeat := flag.Duration("heartbeat", 15*time.Second, "heartbeat interval, 0 disables")
	token := flag.String("token", "", "accepted token, empty accepts any")
	sid := flag.String("sid", "", "accepted session id, empty accepts any")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	opts := []feedtest.Option{feedtest.WithLogger(logger)}
	if *token != "" || *sid != "" {
		opts = append(opts, feedtest.WithCredentials(*token, *sid))
	}
	if *heartbeat > 0 {
		opts = append(opts, feedtest.WithHeartbeat(*heartbeat))
	}
	feed := feedtest.New(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           feed,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("mock feed listening", "url", "ws://"+*addr, "interval", *interval)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := feed.Run(gctx, *interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		feed.DropConnections()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("mock feed stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("mock feed stopped")
}
