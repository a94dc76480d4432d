package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/config"
	"github.com/telekom/omnibus-reconciler/pkg/metrics"
	"github.com/telekom/omnibus-reconciler/pkg/ratelimit"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

type Server struct {
	gin            *gin.Engine
	config         config.Server
	log            *zap.SugaredLogger
	apiLimiter     *ratelimit.Limiter
	triggerLimiter *ratelimit.Limiter
}

func NewServer(log *zap.Logger, cfg config.Server, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
		requestLogger(log.Sugar().Named("api")),
	)
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Sugar().Warnw("Invalid trusted proxies, trusting none", "error", err)
		_ = engine.SetTrustedProxies(nil)
	}

	origins := cfg.AllowedOrigins
	if debug && len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://127.0.0.1:8080"}
	}
	if len(origins) > 0 {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins: origins,
				AllowMethods: []string{"GET", "POST", "OPTIONS"},
				AllowHeaders: []string{"Origin", "Authorization", "Content-Type"},
				MaxAge:       12 * time.Hour,
			}),
		)
	}

	apiCfg := ratelimit.DefaultAPIConfig()
	if cfg.RateLimit.Rate > 0 {
		apiCfg.Rate = cfg.RateLimit.Rate
	}
	if cfg.RateLimit.Burst > 0 {
		apiCfg.Burst = cfg.RateLimit.Burst
	}

	s := &Server{
		gin:            engine,
		config:         cfg,
		log:            log.Sugar().Named("api"),
		apiLimiter:     ratelimit.New(apiCfg),
		triggerLimiter: ratelimit.New(ratelimit.DefaultTriggerConfig()),
	}

	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	return s
}

// requestLogger stores a logger tagged with a request ID in the context.
func requestLogger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set(system.ReqLoggerKey, log.With("request_id", id))
		c.Next()
	}
}

// TriggerLimiter returns the stricter middleware for endpoints that start work.
func (s *Server) TriggerLimiter() gin.HandlerFunc {
	return s.triggerLimiter.Middleware()
}

func (s *Server) RegisterAll(controllers []APIController) error {
	r := s.gin.Group("api", s.apiLimiter.Middleware())
	for _, c := range controllers {
		if err := c.Register(r.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("Listening", "address", s.config.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close stops the rate limiters' cleanup goroutines.
func (s *Server) Close() {
	if s.apiLimiter != nil {
		s.apiLimiter.Stop()
	}
	if s.triggerLimiter != nil {
		s.triggerLimiter.Stop()
	}
}
