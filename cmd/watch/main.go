package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/hsm-feed/internal/config"
	"github.com/rickgao/hsm-feed/internal/connection"
	"github.com/rickgao/hsm-feed/internal/model"
	"github.com/rickgao/hsm-feed/internal/session"
	"github.com/rickgao/hsm-feed/internal/status"
	"github.com/rickgao/hsm-feed/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/watch.yaml", "path to config file, empty for built-in defaults")
	envFile := flag.String("env", ".env", "dotenv file with HSM_TOKEN and HSM_SID")
	selectFlag := flag.String("select", "", "watch a single instrument, NAME=segment|code")
	flag.Parse()

	// Bootstrap logger until the config says otherwise
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = slog.New(cfg.Logging.NewHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting watch",
		"version", version.String(),
		"config", *configPath,
	)

	creds, err := config.LoadCredentials(*envFile)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}

	var selected *model.Instrument
	if *selectFlag != "" {
		inst, err := parseSelect(*selectFlag)
		if err != nil {
			logger.Error("invalid -select", "error", err)
			os.Exit(1)
		}
		selected = &inst
	}

	if err := run(cfg, creds, selected, logger); err != nil {
		logger.Error("watch stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("watch stopped")
}

func run(cfg *config.Config, creds model.Credentials, selected *model.Instrument, logger *slog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	terminal := make(chan error, 1)
	sess := session.New(cfg.SessionConfig(), newLogListener(logger, terminal), logger)

	if err := sess.Start(ctx); err != nil {
		return err
	}

	if selected != nil {
		err = sess.SelectInstrument(*selected)
	} else {
		err = sess.SetSubscriptions(cfg.Requests())
	}
	if err != nil {
		return err
	}

	logger.Info("connecting", "credentials", creds, "url", cfg.Feed.URL)
	if err := sess.Connect(creds); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Status.Enabled {
		statusCfg := status.DefaultConfig()
		statusCfg.Addr = cfg.Status.Addr()
		srv := status.New(statusCfg, sess, logger)
		if err := srv.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case err := <-terminal:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sess.Stop(shutdownCtx)
	})

	return g.Wait()
}

// logListener logs session notifications and reports a failed session.
type logListener struct {
	logger   *slog.Logger
	terminal chan<- error
}

func newLogListener(logger *slog.Logger, terminal chan<- error) *logListener {
	return &logListener{logger: logger, terminal: terminal}
}

func (l *logListener) OnStatusChange(state connection.State) {
	l.logger.Info("status", "state", state)
	if state == connection.Failed {
		select {
		case l.terminal <- errors.New("session failed"):
		default:
		}
	}
}

func (l *logListener) OnPriceUpdate(inst model.Instrument, price model.PriceState) {
	if price.LastTick == nil {
		return
	}
	l.logger.Info("price",
		"instrument", inst.Name,
		"segment", inst.Segment(),
		"code", inst.Code(),
		"ltp", price.LastTick.LastTradedPrice,
		"change_pct", price.LastTick.PercentChange,
		"direction", price.Direction,
	)
}

func (l *logListener) OnSubscribeError(err error) {
	l.logger.Warn("subscription error", "error", err)
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.LoadAndValidate(path)
}

// parseSelect parses "NAME=segment|code". A bare identifier is its own name.
func parseSelect(s string) (model.Instrument, error) {
	name, id, ok := strings.Cut(s, "=")
	if !ok {
		id = name
	}
	return model.NewInstrument(strings.TrimSpace(name), strings.TrimSpace(id))
}
