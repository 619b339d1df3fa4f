package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/config"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/connection"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/history"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/messenger"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/notify"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/signaling"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/surface"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/transport"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

func main() {
	if path := config.LoadDotEnv(config.DefaultEnvPaths...); path != "" {
		slog.Info("Loaded environment from", "path", path)
	}

	cfg, err := config.ValidateClientEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}
	if err := logging.InitializeWithLevel(false, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logging.SetServiceName("portal-messenger")

	out := newConsole(os.Stdout)
	session, err := messenger.New(types.UserID(cfg.UserID), buildDeps(cfg, out))
	if err != nil {
		logging.Fatal(context.Background(), "Failed to create messenger session", zap.Error(err))
	}
	session.OnChange(out.conversationsChanged(session.User()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Init(ctx); err != nil {
		out.printf("Could not reach the broker: %v", err)
	} else {
		out.printf("Signed in as %s. Type /help for commands.", cfg.UserID)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	repl := &repl{session: session, out: out}
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || !repl.run(ctx, line) {
				break loop
			}
		}
	}

	session.Teardown()
	_ = logging.GetLogger().Sync()
}

func buildDeps(cfg *config.ClientConfig, out *console) messenger.Deps {
	deps := messenger.Deps{
		Transport:   transport.NewAdapter(),
		Endpoint:    cfg.BrokerURL,
		Token:       cfg.AccessToken,
		DisplayName: types.DisplayName(cfg.DisplayName),
		Notifier:    notify.Multi(notify.LogSink{}, out),
		Prompter:    out,
		SignalingOptions: []signaling.Option{
			signaling.WithTimeout(cfg.CallTimeout),
		},
	}
	if cfg.UseAcceptDestination {
		deps.SignalingOptions = append(deps.SignalingOptions, signaling.WithAcceptDestination())
	}
	if cfg.AutoReconnect {
		deps.ConnectionOptions = append(deps.ConnectionOptions, connection.WithAutoReconnect(connection.DefaultReconnectPolicy()))
	}
	if cfg.HistoryURL != "" {
		deps.History = history.NewClient(cfg.HistoryURL, history.WithBearerToken(cfg.AccessToken))
	}
	switch {
	case cfg.CallSurfaceURL == "":
	case cfg.HeadlessSurface:
		deps.Surface = surface.NewPrinter(cfg.CallSurfaceURL, func(u string) { out.printf("Join the call: %s", u) })
	default:
		deps.Surface = surface.NewBrowser(cfg.CallSurfaceURL)
	}
	return deps
}
