package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/deepfake-check/internal/auth"
	"github.com/example/deepfake-check/internal/companion"
	"github.com/example/deepfake-check/internal/config"
	"github.com/example/deepfake-check/internal/handlers"
	"github.com/example/deepfake-check/internal/stream"
	"github.com/example/deepfake-check/internal/usecase"
)

const multipartMemory = 32 << 20

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve uploads, live frames and the companion launcher over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Addr = serveAddr
		}
		return runServe(cmd.Context(), cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", config.Default().Addr, "HTTP listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, c config.Config, logger *zap.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	eng, err := newEngine(dialCtx, c, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	var feed *usecase.DecisionFeed
	if c.RedisAddr != "" {
		redisClient := initRedis(dialCtx, c.RedisAddr, logger)
		defer redisClient.Close()
		feed = usecase.NewDecisionFeed(usecase.NewRedisPublisher(redisClient), c.RedisChannel, 4*c.QueueCapacity, logger)
		go feed.Run(feedCtx)
	}

	pipeline := stream.New(eng.extractor, eng.models[0], stream.Config{
		Capacity:     c.QueueCapacity,
		PollInterval: c.PollInterval,
		InputSize:    c.InputSize,
	}, logger)
	if feed != nil {
		pipeline.SetObserver(feed.ObserveStream)
	}
	if err := pipeline.Start(); err != nil {
		return err
	}

	launcher := companion.NewLauncher(c.CompanionDir, logger)
	defer launcher.Stop()

	uc := usecase.NewDetectionUseCase(eng.predictor, feed, c.UploadDir, logger)

	r := gin.Default()
	r.MaxMultipartMemory = multipartMemory
	handlers.RegisterRoutes(r, handlers.Dependencies{
		Detector:       uc,
		Pipeline:       pipeline,
		Companion:      launcher,
		AuthMiddleware: auth.Optional(c.JWTSecret, c.JWTAudience, logger),
		MaxUploadSize:  c.MaxUploadSize,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              c.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("deepfake-check API listening", zap.String("addr", c.Addr))
	serveErr := serveHTTPServer(ctx, server, c.ShutdownTimeout, logger, nil)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer stopCancel()
	if err := pipeline.Stop(stopCtx); err != nil {
		logger.Warn("stream worker did not stop in time", zap.Error(err))
	}
	stats := pipeline.Stats()
	logger.Info("stream pipeline stopped",
		zap.Int64("processed", stats.Processed),
		zap.Int64("rejected", stats.Rejected),
		zap.Int64("discarded", stats.Discarded),
		zap.Int64("dropped", stats.Dropped),
	)
	return serveErr
}

// initRedis connects the decision feed. Redis is optional: a failed ping is
// logged and publishing keeps retrying per event.
func initRedis(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, decisions may not be published", zap.String("addr", addr), zap.Error(err))
	}
	return client
}

// serveHTTPServer runs server until ctx is cancelled, then shuts it down
// gracefully. A nil listener means ListenAndServe on server.Addr.
func serveHTTPServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal", zap.Error(context.Cause(ctx)))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
