package handlers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"saga-checkout/internal/database"
	"saga-checkout/internal/metrics"
)

type RouterConfig struct {
	DB           database.Service
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	AllowOrigins []string
	Log          *logrus.Entry
}

// NewRouter builds the engine every service exposes: recovery, CORS,
// request metrics, /health and /metrics.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Log))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			corsCfg.AllowAllOrigins = true
		}
	}
	if !corsCfg.AllowAllOrigins {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	}
	if corsCfg.AllowAllOrigins || len(corsCfg.AllowOrigins) > 0 {
		r.Use(cors.New(corsCfg))
	}

	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(cfg.Gatherer)))
	}
	r.GET("/health", healthHandler(cfg.DB))
	return r
}

func healthHandler(db database.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db == nil {
			c.JSON(http.StatusOK, gin.H{"status": "up"})
			return
		}
		stats := db.Health(c.Request.Context())
		code := http.StatusOK
		if stats["status"] != "up" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, stats)
	}
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if log == nil {
			return
		}
		entry := log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		})
		if len(c.Errors) > 0 {
			entry.WithError(c.Errors.Last()).Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}
