package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/metrics"
)

// DefaultBodyLimit — максимальный размер тела запроса.
const DefaultBodyLimit int64 = 3 << 20

// RouterOptions настраивает HTTP-роутер.
type RouterOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.OrderMetrics
	BodyLimit int64
	// AllowedOrigin попадает в Access-Control-Allow-Origin. Пустое значение означает "*".
	AllowedOrigin string
}

// NewRouter регистрирует маршруты витрины и middleware.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = h.logger
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		requestLogger(opts.Logger),
		requestMetrics(opts.Metrics),
		corsMiddleware(opts.AllowedOrigin, opts.Logger),
		bodyLimit(opts.BodyLimit),
	)

	router.POST("/createorder", h.CreateOrder)
	router.GET("/getordersispayedfalse", h.ListUnpaid)
	router.GET("/getordersispayedtrue", h.ListPaid)
	router.GET("/gettotal", h.TotalPaidRevenue)

	user := router.Group("/user/:userId")
	{
		user.GET("/unpaid", h.ListUserUnpaid)
		user.GET("/paid", h.ListUserPaid)
	}

	router.PUT("/update/:orderId", h.PatchOrder)
	router.PUT("/update/:orderId/product/:productId", h.UpdateLineQuantity)

	router.GET("/orders/:orderId", h.GetOrder)
	router.GET("/orders/:orderId/timeline", h.OrderTimeline)

	router.POST("/stripe/create-payment-intent", h.CreatePaymentIntent)

	return router
}

func requestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("http request")
			return
		}
		entry.Debug("http request")
	}
}

func requestMetrics(m *metrics.OrderMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.HTTPRequestStarted()
		defer m.HTTPRequestFinished()

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

func bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// corsMiddleware разрешает запросы витрины с одного origin или со всех при "*".
// Некорректный origin заменяется на "*" с предупреждением в логе.
func corsMiddleware(origin string, logger *log.Entry) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if origin == "*" {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = []string{origin}
	}

	if err := config.Validate(); err != nil {
		logger.WithError(err).WithField("origin", origin).Warn("invalid cors origin, allowing all origins")
		config.AllowOrigins = nil
		config.AllowAllOrigins = true
	}
	return cors.New(config)
}
