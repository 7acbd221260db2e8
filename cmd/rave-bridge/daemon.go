package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/raveos/rave/internal/agent"
	"github.com/raveos/rave/internal/audit"
	"github.com/raveos/rave/internal/bridge"
	"github.com/raveos/rave/internal/chat"
	"github.com/raveos/rave/internal/circuitbreaker"
	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/identity"
	"github.com/raveos/rave/internal/idp"
	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/metrics"
	"github.com/raveos/rave/internal/observability"
	"github.com/raveos/rave/internal/ratelimit"
	"github.com/raveos/rave/internal/raverr"
)

func daemonCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the chat bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			logging.SetJSON()
			logging.SetLevelFromString(cfg.LogLevel)

			if err := observability.Init(cmd.Context(), observability.Config{
				Enabled:     cfg.Bridge.TraceEndpoint != "",
				Endpoint:    cfg.Bridge.TraceEndpoint,
				ServiceName: "rave-bridge",
				SampleRate:  1.0,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			return runDaemon(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	limiter := ratelimit.New(cfg.RateLimit)
	if cfg.RateLimit.Distributed && cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter.WithBackend(ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(client)))
		defer client.Close()
	}
	limiter.Start()
	defer limiter.Stop()

	auditLog, err := audit.New(cfg.Audit)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	auditLog.Start()
	defer auditLog.Close()

	validator := identity.New(cfg.Identity, idp.New(cfg.Identity.IdPURL, cfg.Identity.IdPToken))
	agents := agent.New(cfg.Agent)
	recorder := metrics.New()
	chatClient := chat.New(cfg.Bridge.HomeserverURL, cfg.Bridge.BotAccessToken)

	breakers := circuitbreaker.NewRegistry()
	breakers.Register(circuitbreaker.New(bridge.BreakerIdP, cfg.IdPBreaker, idpTrips))
	breakers.Register(circuitbreaker.New(bridge.BreakerSystemd, cfg.SystemBreaker, systemdTrips))

	server := bridge.New(cfg.Bridge, limiter, validator, agents, auditLog, recorder, chatClient, breakers)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditLog.Log(audit.Event{
		EventType: "bridge_started",
		Details:   map[string]any{"listen_addr": cfg.Bridge.ListenAddr},
	})

	err = server.ListenAndServe(ctx)
	if err == http.ErrServerClosed {
		err = nil
	}

	auditLog.Log(audit.Event{EventType: "bridge_stopped"})
	logging.Op().Info("bridge shut down")
	return err
}

// idpTrips marks the IdP error classes that count toward opening its
// breaker: outages and bugs, not rejected users.
func idpTrips(err error) bool {
	return raverr.IsKind(err, raverr.KindTransient) ||
		raverr.IsKind(err, raverr.KindInternal)
}

// systemdTrips marks systemd failures that suggest the host is unhealthy.
func systemdTrips(err error) bool {
	return raverr.IsKind(err, raverr.KindTransient) ||
		raverr.IsKind(err, raverr.KindResource) ||
		raverr.IsKind(err, raverr.KindInternal)
}
