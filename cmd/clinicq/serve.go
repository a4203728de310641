package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"clinicq/internal/access"
	"clinicq/internal/config"
	"clinicq/internal/events"
	"clinicq/internal/httpapi"
	"clinicq/internal/notify"
	"clinicq/internal/queue"
	"clinicq/internal/store"
	"clinicq/internal/telemetry"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg))
		},
	}
}

func runServer(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(serviceName, version, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, hub, err := buildService(ctx, cfg, logger, st)
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(svc, logger, httpapi.Options{
		PublicBaseURL:              cfg.PublicBaseURL,
		RequirePatientVerification: cfg.RequirePatientVerification,
		Realtime:                   events.NewSockJSHandler(hub, logger),
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		TrustedProxies: cfg.TrustedProxyList(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("driver", cfg.StoreDriver).Msg("clinicq listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}

// buildService wires the notifier, access issuer and event fan-out around
// the store. The returned hub feeds the realtime endpoint.
func buildService(ctx context.Context, cfg *config.Config, logger zerolog.Logger, st store.PatientStore) (*queue.Service, *events.Hub, error) {
	provider, err := notify.NewProvider(notify.ProviderConfig{
		Kind:         cfg.NotifyProvider,
		WebhookURL:   cfg.NotifyWebhookURL,
		WebhookToken: cfg.NotifyWebhookToken,
		TwilioSID:    cfg.TwilioAccountSID,
		TwilioToken:  cfg.TwilioAuthToken,
		TwilioFrom:   cfg.TwilioFrom,
		TwilioChan:   cfg.TwilioChannel,
	}, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	notifier := notify.NewNotifier(provider, logger, notify.Options{
		Timeout:     cfg.NotifyTimeout(),
		MaxAttempts: cfg.NotifyMaxAttempts,
	})

	if cfg.AccessTokenSecret == "" {
		logger.Warn().Msg("ACCESS_TOKEN_SECRET not set; access tokens will not survive a restart")
	}
	issuer, err := access.NewIssuer(cfg.AccessTokenSecret, cfg.AccessTokenTTL())
	if err != nil {
		return nil, nil, err
	}

	location, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}

	hub := events.NewHub(logger)
	var publisher events.Publisher = hub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		bus := events.NewRedisBus(client, events.DefaultChannel, hub, logger)
		go func() {
			defer client.Close()
			if err := bus.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("redis event bus stopped")
			}
		}()
		publisher = bus
	}

	svc := queue.NewService(st, notifier, issuer, publisher, logger, queue.Options{
		BaseURL:            cfg.PublicBaseURL,
		Location:           location,
		DefaultCountryCode: cfg.DefaultCountryCode,
	})
	return svc, hub, nil
}

func seedCmd() *cobra.Command {
	var (
		patients int
		served   int
		seed     int64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register demo patients spread over the last 30 days",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver == config.DriverMemory {
				return errors.New("seeding the memory store has no lasting effect; use sqlite or postgres")
			}
			logger := newLogger(cfg)
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			location, err := cfg.Location()
			if err != nil {
				return err
			}
			svc := queue.NewService(st, nil, nil, nil, logger, queue.Options{Location: location})
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			return svc.SeedHistory(cmd.Context(), queue.HistoryOptions{
				Patients: patients,
				Served:   served,
				Rand:     rand.New(rand.NewSource(seed)),
			})
		},
	}
	cmd.Flags().IntVar(&patients, "patients", 50, "number of patients to register")
	cmd.Flags().IntVar(&served, "served", 20, "number of patients to mark completed")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed, 0 for time based")
	return cmd
}
