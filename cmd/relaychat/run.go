package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatapi"
	"github.com/agentworkforce/relaychat/internal/chatsync"
	"github.com/agentworkforce/relaychat/internal/config"
	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	shutdownTimeout = 5 * time.Second
	pingInterval    = 20 * time.Second
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a chat session and serve it on the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, config.NewLogger(cfg, os.Stdout))
		},
	}
	flags := cmd.Flags()
	flags.String("identity", "", "user to sign in as; empty waits for POST /v1/session")
	flags.String("chat-url", "", "chat service base URL")
	flags.String("stream-url", "", "broker WebSocket URL")
	flags.String("listen", "", "local API listen address")
	flags.String("cache-dsn", "", "durable cache DSN (memory://, file://, pebble://, postgres://, redis://)")
	flags.String("outbox-dsn", "", "outbox DSN (memory://, file://, postgres://)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := applyFlags(&cfg, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

// applyFlags copies every flag the user set over the loaded config.
func applyFlags(cfg *config.Config, flags *pflag.FlagSet) error {
	var firstErr error
	set := func(name string, dst *string) {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			return
		}
		value, err := flags.GetString(name)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		*dst = value
	}
	identity := string(cfg.Identity)
	set("identity", &identity)
	cfg.Identity = relaychat.Identity(identity)
	set("chat-url", &cfg.ChatURL)
	set("stream-url", &cfg.StreamURL)
	set("listen", &cfg.ListenAddr)
	set("cache-dsn", &cfg.CacheDSN)
	set("outbox-dsn", &cfg.OutboxDSN)
	set("log-level", &cfg.LogLevel)
	return firstErr
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	backend, err := relaychat.BuildStateBackendFromDSN(cfg.CacheDSN)
	if err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}
	defer func() {
		if err := relaychat.CloseStateBackend(backend); err != nil {
			logger.Warn().Err(err).Msg("close cache backend")
		}
	}()
	outbox, err := relaychat.BuildOutboxFromDSN(cfg.OutboxDSN, cfg.OutboxCapacity)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	defer outbox.Close()

	api := chatapi.NewClient(cfg.ChatURL, chatapi.Options{
		Token:             cfg.Token,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.RequestBurst,
		Location:          loc,
		Logger:            logger.With().Str("component", "chatapi").Logger(),
	})
	conn := transport.NewManager(transport.Options{
		URL:          cfg.StreamURL,
		Destinations: cfg.Destinations,
		PingInterval: pingInterval,
		Logger:       logger.With().Str("component", "transport").Logger(),
	})
	session := chatsync.NewOrchestrator(conn, api, chatsync.Options{
		Destinations:      cfg.Destinations,
		Backend:           backend,
		Outbox:            outbox,
		Rule:              cfg.MatchRule(),
		Location:          loc,
		CountInterval:     cfg.CountInterval,
		ListInterval:      cfg.ListInterval,
		PresenceInterval:  cfg.PresenceInterval,
		PresenceJitter:    jitterOption(cfg.PresenceJitter),
		BootstrapAttempts: cfg.BootstrapAttempts,
		BootstrapDelay:    cfg.BootstrapDelay,
		PersistDebounce:   cfg.PersistDebounce,
		Logger:            logger.With().Str("component", "chatsync").Logger(),
	})
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Msg("close session")
		}
	}()

	if cfg.Identity != "" {
		if err := session.Start(ctx, cfg.Identity); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		logger.Info().Str("identity", string(cfg.Identity)).Msg("session started")
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.NewServer(session, httpapi.ServerConfig{
			APIToken:    cfg.APIToken,
			CORSOrigins: cfg.CORSOrigins,
			Logger:      logger.With().Str("component", "httpapi").Logger(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("local API listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("local API: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("local API shutdown")
	}
	return nil
}

// jitterOption maps a configured ratio onto chatsync.Options, where zero
// means "use the default" and a negative value disables jitter.
func jitterOption(ratio float64) float64 {
	if ratio <= 0 {
		return -1
	}
	return ratio
}
