package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notification-hub/internal/middleware"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// Socket is the websocket endpoint, mounted at the engine root.
type Socket interface {
	RegisterRoutes(gin.IRoutes)
}

type Router struct {
	engine  *gin.Engine
	health  Handler
	api     []Handler
	socket  Socket
	config  RouterConfig
	metrics *routerMetrics
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

type RouterConfig struct {
	RateLimitEnabled bool
	RateLimit        rate.Limit
	RateBurst        int
	RateTTL          time.Duration
	CORSConfig       middleware.CORSConfig
	RequestTimeout   time.Duration
	MaxBodyBytes     int64
	MetricsPrefix    string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

func NewRouter(health Handler, socket Socket, config RouterConfig, api ...Handler) *Router {
	engine := gin.New()

	r := &Router{
		engine:  engine,
		health:  health,
		api:     api,
		socket:  socket,
		config:  config,
		metrics: initRouterMetrics(config.MetricsPrefix, config.Registerer),
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger("/api/v1/health/live", "/api/v1/health/metrics"),
		middleware.ErrorHandler(),
		r.metricsMiddleware(),
		middleware.CORS(config.CORSConfig),
	)

	return r
}

func (r *Router) Setup() {
	if r.socket != nil {
		r.socket.RegisterRoutes(r.engine)
	}

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	r.health.RegisterRoutes(api)

	limited := api.Group("")
	if r.config.RateLimitEnabled {
		rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  r.config.RateLimit,
			Burst: r.config.RateBurst,
			TTL:   r.config.RateTTL,
		})
		limited.Use(rl.RateLimit())
	}
	limited.Use(middleware.Timeout(r.config.RequestTimeout))
	if r.config.MaxBodyBytes > 0 {
		limited.Use(middleware.SizeLimit(r.config.MaxBodyBytes))
	}

	for _, h := range r.api {
		h.RegisterRoutes(limited)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func initRouterMetrics(prefix string, reg prometheus.Registerer) *routerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &routerMetrics{
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: prefix + "_http_request_duration_seconds",
				Help: "Duration of HTTP requests in seconds",
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
