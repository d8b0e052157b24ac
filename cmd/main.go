package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"coach-relay/handler"
	"coach-relay/internal/config"
	"coach-relay/internal/integrations/gateway"
	"coach-relay/internal/integrations/paramstore"
	"coach-relay/internal/repository"
	"coach-relay/internal/usecase"
)

const (
	gatewayTokenKey = "gateway-token"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coach-relay",
		Short:         "Streaming chat relay between coaching clients and an LLM gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newLambdaCmd(), newServeCmd(), newChatCmd())
	return root
}

func newLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as an AWS Lambda function URL handler with response streaming",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			svc, _, closer, err := buildRelay(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closer.Close()

			h, err := handler.NewHandler(svc, logger)
			if err != nil {
				return err
			}
			lambda.Start(h.Handle)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay as an HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, store, closer, err := buildRelay(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closer.Close()

			var checks []handler.Pinger
			if p, ok := store.(handler.Pinger); ok {
				checks = append(checks, p)
			}
			gin.SetMode(gin.ReleaseMode)
			router, err := handler.NewRouter(svc, logger, checks...)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", "addr", cfg.HTTPAddr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown", "err", err)
			}
			if err := svc.Wait(shutdownCtx); err != nil {
				logger.Error("pending replies were not saved before shutdown", "err", err)
				return err
			}
			return nil
		},
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// buildRelay wires the gateway client and message store into a RelayService.
// Missing configuration is logged but not fatal; requests are rejected at
// entry until it is provided.
func buildRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*usecase.RelayService, repository.MessageWriter, io.Closer, error) {
	if missing := cfg.Missing(); len(missing) > 0 {
		logger.Warn("relay configuration incomplete; chat requests will fail", "missing", missing)
	}

	loadAWS := sync.OnceValues(func() (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})

	var keys gateway.KeySource = gateway.StaticKey(cfg.Gateway.APIKey)
	if cfg.Gateway.APIKey == "" && cfg.ParamPrefix != "" {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load AWS config: %w", err)
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, nil, nil, err
		}
		tokens, err := paramstore.NewTokenSource(ssmClient, cfg.ParamPrefix, gatewayTokenKey)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("gateway key will be read from SSM", "parameter", tokens.Name())
		keys = tokens
	}

	llm, err := gateway.NewClient(keys, gateway.WithBaseURL(cfg.Gateway.BaseURL))
	if err != nil {
		return nil, nil, nil, err
	}

	store, closer, err := repository.Open(ctx, cfg.Store.URL, cfg.Store.ServiceKey, func(context.Context) (repository.DynamoAPI, error) {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return awsdynamodb.NewFromConfig(awsCfg), nil
	})
	if err != nil {
		logger.Error("message store unavailable", "err", err)
		store, closer = repository.Unconfigured{Reason: err.Error()}, io.NopCloser(nil)
	}

	svc, err := usecase.NewRelayService(llm, store,
		usecase.WithModel(cfg.Gateway.Model),
		usecase.WithPersistTimeout(cfg.PersistTimeout),
		usecase.WithLogger(logger),
	)
	if err != nil {
		_ = closer.Close()
		return nil, nil, nil, err
	}
	return svc, store, closer, nil
}
