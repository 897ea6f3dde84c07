package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"transcode-jobs/config"
	"transcode-jobs/constant"
	jobHandler "transcode-jobs/handler"
	"transcode-jobs/pkg/auth"
	"transcode-jobs/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

// RunHttp serves the job submission and query API.
func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", isProduction(cfg)).Send()
	if cfg.API.JWTSecret == "" {
		zerolog.Ctx(ctx).Error().Msg("api.jwt_secret is required")
		return
	}

	infra, err := openInfra(ctx, cfg)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to open infrastructure")
		return
	}
	defer infra.Close()

	jobs, err := infra.JobsChannel()
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to open job queue")
		return
	}
	defer jobs.Close()

	submitter := service.NewSubmitter(infra.repo, jobs)
	query := service.NewJobQuery(infra.repo)

	r := newRouter(ctx, cfg, infra.Health)
	v1 := r.Group("/v1", auth.NewVerifier(cfg.API.JWTSecret, cfg.API.JWTIssuer).Middleware())
	jobHandler.NewJobHTTPHandler(submitter, query).Register(v1)

	serve(ctx, cfg, r, cfg.API.HttpPort)
}

// healthCheck reports whether the process can still reach what it depends on.
type healthCheck func(ctx context.Context) error

func newRouter(ctx context.Context, cfg *config.Config, check healthCheck) *gin.Engine {
	if isProduction(cfg) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(*zerolog.Ctx(ctx)))
	addHealth(r, cfg, check)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// serve blocks until ctx is done and then shuts the server down.
func serve(ctx context.Context, cfg *config.Config, r *gin.Engine, port string) {
	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", port),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Str("port", port).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

func addHealth(r *gin.Engine, cfg *config.Config, check healthCheck) {
	r.GET("/health", func(c *gin.Context) {
		if check != nil {
			if err := check(c.Request.Context()); err != nil {
				zerolog.Ctx(c.Request.Context()).Warn().Err(err).Msg("health check failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unavailable",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"environment": cfg.App.Environment,
			"store":       cfg.Store.Driver,
			"queue":       cfg.Queue.Driver,
			"storage":     cfg.Storage.Driver,
			"maxReceives": cfg.Queue.MaxReceives,
			"visibility":  cfg.Queue.VisibilityTimeout.String(),
		})
	})
}

// requestLogger puts a request-scoped logger on the request context and logs
// each request once it has been served.
func requestLogger(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestId := c.GetHeader("X-Request-Id")
		if requestId == "" {
			requestId = uuid.NewString()
		}
		logger := base.With().Str("request_id", requestId).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Header("X-Request-Id", requestId)

		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func isProduction(cfg *config.Config) bool {
	return cfg.App.Environment == constant.EnvironmentProduction.String()
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", cfg.App.Name).Logger()
	return logger.WithContext(context.Background())
}
