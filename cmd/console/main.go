package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/ai-console/internal/ai"
	"github.com/suPer8Hu/ai-console/internal/auth"
	"github.com/suPer8Hu/ai-console/internal/chat"
	"github.com/suPer8Hu/ai-console/internal/config"
	"github.com/suPer8Hu/ai-console/internal/db"
	"github.com/suPer8Hu/ai-console/internal/httpapi"
	"github.com/suPer8Hu/ai-console/internal/logging"
	"github.com/suPer8Hu/ai-console/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-console/internal/store/redisstore"
	"github.com/suPer8Hu/ai-console/internal/stream"
)

func main() {
	root := &cobra.Command{
		Use:           "console",
		Short:         "Conversation engine with streaming answers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("console failed")
		os.Exit(1)
	}
}

func setup() config.Config {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()
			gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			if err := db.Migrate(gdb); err != nil {
				return errors.Wrap(err, "migrate")
			}
			log.Info().Str("driver", cfg.DBDriver).Msg("schema up to date")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID uint64
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return errors.New("--user is required")
			}
			cfg := setup()
			tok, err := auth.SignJWT(userID, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 0, "user id to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(setup(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "run schema migration before serving")
	return cmd
}

func providers(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	if cfg.OpenRouterAPIKey != "" {
		reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
			m := strings.TrimSpace(model)
			if m == "" {
				m = cfg.OpenRouterModel
			}
			return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
		})
	}
	return reg
}

func stopBus(ctx context.Context, cfg config.Config) (stream.Bus, error) {
	switch cfg.StopBus {
	case "", "memory":
		return stream.NewMemoryBus(cfg.StopChannel, logging.NewWatermill(log.Logger)), nil
	case "redis":
		rdb, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return redisstore.NewOwnedStopBus(rdb, cfg.StopChannel), nil
	case "rabbitmq", "rabbit":
		return rabbitmq.NewStopBus(cfg.RabbitURL, cfg.RabbitStopExchange)
	default:
		return nil, errors.Errorf("unsupported STOP_BUS=%q", cfg.StopBus)
	}
}

func serve(cfg config.Config, migrate bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if migrate {
		if err := db.Migrate(gdb); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}

	bus, err := stopBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	reg := providers(cfg)
	sessions := stream.NewRegistry(cfg.StreamIdleTimeout, 64)
	svc := chat.NewService(chat.NewRepo(gdb), reg, sessions, bus, chat.Options{
		HistoryCap:          cfg.ChatHistoryCap,
		MaxInputTokens:      cfg.ChatMaxInputTokens,
		MaxConcurrent:       int64(cfg.MaxConcurrentGenerations),
		DefaultSystemPrompt: cfg.DefaultSystemPrompt,
		DefaultProvider:     cfg.AIProvider,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("stop_bus", cfg.StopBus).
		Strs("providers", reg.Names()).
		Msg("console starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		return sessions.Listen(gctx, bus)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("console shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// open streams hold their handlers; end them before draining.
		sessions.CancelAll()
		err := srv.Shutdown(shutdownCtx)
		svc.Wait()
		return err
	})

	return g.Wait()
}
