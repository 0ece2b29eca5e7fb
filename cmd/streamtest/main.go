// streamtest opens one raw HSM connection and prints every inbound frame.
// It bypasses the session state machine, so it is useful for checking
// credentials and wire formats by hand.
//
// Usage: go run ./cmd/streamtest --scrips "nse_cm|11536&nse_cm|2885"
//
// Required environment variables (or a .env file):
//
//	HSM_TOKEN - Access token from the login flow
//	HSM_SID   - Session id from the login flow
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/hsm-feed/internal/codec"
	"github.com/rickgao/hsm-feed/internal/config"
	"github.com/rickgao/hsm-feed/internal/connection"
	"github.com/rickgao/hsm-feed/internal/model"
)

func main() {
	url := flag.String("url", config.DefaultFeedURL, "HSM WebSocket URL")
	envFile := flag.String("env", ".env", "dotenv file with HSM_TOKEN and HSM_SID")
	scrips := flag.String("scrips", "", "identifiers to subscribe, joined with &")
	kindFlag := flag.String("kind", "market_watch", "market_watch, index or depth")
	channel := flag.Int("channel", config.DefaultChannel, "channel number")
	verbose := flag.Bool("verbose", false, "print raw frames")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	kind, err := model.ParseSubscriptionKind(*kindFlag)
	if err != nil {
		logger.Error("invalid -kind", "error", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials(*envFile)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		logger.Info("Set environment variables: HSM_TOKEN and HSM_SID")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = *url
	client := connection.NewClient(clientCfg, logger)

	logger.Info("connecting", "url", *url, "credentials", creds)
	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	frame, err := codec.Connect(creds)
	if err != nil {
		logger.Error("failed to encode connect frame", "error", err)
		os.Exit(1)
	}
	if err := client.Send(frame); err != nil {
		logger.Error("failed to send connect frame", "error", err)
		os.Exit(1)
	}

	var ids []string
	if *scrips != "" {
		ids = strings.Split(*scrips, "&")
	}
	subscribed := false

	stats := struct{ frames, ticks, parseErrors int }{}
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	logger.Info("streaming started - press Ctrl+C to stop")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown complete", "frames", stats.frames, "ticks", stats.ticks)
			return

		case err := <-client.Errors():
			logger.Error("connection error", "error", err)
			return

		case <-statsTicker.C:
			logger.Info("stats",
				"frames", stats.frames,
				"ticks", stats.ticks,
				"parse_errors", stats.parseErrors,
			)

		case msg := <-client.Messages():
			stats.frames++
			if *verbose {
				fmt.Printf("[RAW] %s\n", msg.Data)
			}

			events, errs := codec.ParseFrame(msg.Data, msg.ReceivedAt)
			for _, err := range errs {
				stats.parseErrors++
				fmt.Printf("[PARSE ERROR] %v\n", err)
			}

			for _, ev := range events {
				switch ev.Kind {
				case codec.KindConnectAck:
					fmt.Println("[ACK] authenticated")
					if !subscribed && len(ids) > 0 {
						subscribed = true
						subscribe(client, kind, *channel, ids, logger)
					}
				case codec.KindTick:
					stats.ticks++
					fmt.Printf("[TICK] id=%s ltp=%.2f chg=%.2f pct=%.2f\n",
						ev.Tick.Instrument, ev.Tick.LastTradedPrice, ev.Tick.NetChange, ev.Tick.PercentChange)
				case codec.KindHeartbeat:
					fmt.Println("[HEARTBEAT]")
				case codec.KindError:
					fmt.Printf("[ERROR] %s auth_rejected=%t\n", ev.Message, ev.AuthRejected)
				default:
					fmt.Printf("[UNKNOWN] type=%s %s\n", ev.Type, ev.Raw)
				}
			}
		}
	}
}

func subscribe(client connection.Client, kind model.SubscriptionKind, channel int, ids []string, logger *slog.Logger) {
	frame, err := codec.Subscribe(kind, channel, ids)
	if err != nil {
		logger.Error("failed to encode subscribe frame", "error", err)
		return
	}
	if err := client.Send(frame); err != nil {
		logger.Error("failed to subscribe", "error", err)
		return
	}
	logger.Info("subscribed", "kind", kind, "channel", channel, "scrips", len(ids))
}
