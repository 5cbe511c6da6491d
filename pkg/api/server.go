// Package api exposes the fee, price, sizing and broadcast services over
// HTTP with gin.
package api

import (
	"net/http"
	"time"

	"fee-lens/pkg/breaker"
	"fee-lens/pkg/broadcast"
	"fee-lens/pkg/market"
	"fee-lens/pkg/metrics"
	"fee-lens/pkg/types"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxBodySize caps request bodies. A raw transaction or PSBT of a few
// hundred inputs fits comfortably.
const maxBodySize = 4 << 20

// Server holds the services behind the HTTP handlers.
type Server struct {
	Fees      *market.FeeService
	Price     *market.PriceService
	Broadcast *broadcast.Service
	Breakers  *breaker.Registry
	Network   *chaincfg.Params
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Options configures the router.
type Options struct {
	// CORSOrigins lists allowed origins; "*" allows all.
	CORSOrigins []string
	// Admin mounts the /api/admin routes.
	Admin bool
}

// NewRouter builds the gin engine for s.
func NewRouter(s *Server, opts Options) *gin.Engine {
	if s.Network == nil {
		s.Network = &chaincfg.MainNetParams
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.Metrics.Middleware(), s.requestLogger())

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(opts.CORSOrigins) == 0 || containsStar(opts.CORSOrigins) {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = opts.CORSOrigins
		corsCfg.AllowCredentials = true
	}
	r.Use(cors.New(corsCfg))

	r.Use(func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		c.Next()
	})

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/fees", s.handleFees)
	api.GET("/price", s.handlePrice)
	api.POST("/estimate", s.handleEstimate)
	api.GET("/dust", s.handleDust)
	api.GET("/address/:address", s.handleAddress)
	api.POST("/analyze", s.handleAnalyze)
	api.POST("/broadcast", s.handleBroadcast)

	if opts.Admin {
		admin := api.Group("/admin")
		admin.GET("/breakers", s.handleBreakers)
		admin.POST("/breakers/:name/reset", s.handleBreakerReset)
		admin.POST("/breakers/reset", s.handleBreakerResetAll)
		admin.GET("/providers", s.handleProviders)
		admin.POST("/providers/:service/:name/:action", s.handleProviderToggle)
		admin.GET("/cache", s.handleCacheInfo)
		admin.POST("/cache/invalidate", s.handleCacheInvalidate)
	}

	return r
}

func containsStar(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	}
}

type errorResponse struct {
	OK    bool             `json:"ok"`
	Error *types.ErrorInfo `json:"error"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		OK:    false,
		Error: &types.ErrorInfo{Code: code, Message: message},
	})
}
