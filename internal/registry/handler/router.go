package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/internal/health"
)

// Service is the registry service the router serves.
// *service.PackageService satisfies this interface.
type Service interface {
	packageService
	contentService
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Log     logReader
	Service Service
	Logger  *zap.Logger
	// Health backs /healthz; nil always reports ok.
	Health *health.Checker

	CORSOrigins     []string
	RateLimitRPS    int   // 0 disables rate limiting
	MaxContentBytes int64 // upload limit for POST /v1/content
}

// maxBodyBytes limits every request body except content uploads.
const maxBodyBytes = 1 << 20

// NewRouter builds the registry HTTP router. Background goroutines started
// by middleware stop when ctx is done.
func NewRouter(ctx context.Context, cfg RouterConfig) *gin.Engine {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 64 << 20
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "HEAD", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit; content uploads enforce their own.
	router.Use(func(c *gin.Context) {
		if c.FullPath() != "/v1/content" {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}

	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(cfg.Logger))

	router.GET("/healthz", healthHandler(cfg.Health))
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/v1")
	NewLogHandler(cfg.Log, cfg.Logger).Register(v1)
	NewPackageHandler(cfg.Service, cfg.Log, cfg.Logger).Register(v1)
	NewContentHandler(cfg.Service, cfg.MaxContentBytes, cfg.Logger).Register(v1)

	return router
}

func healthHandler(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		r := checker.Report()
		status := http.StatusOK
		if !r.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, r)
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
