// Package httpapi is the HTTP surface of zonisd: health, metrics, the
// websocket upgrade endpoint and the optional admin API.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/risa-org/zonis/observability"
)

type Options struct {
	Dispatcher Dispatcher
	Logger     zerolog.Logger
	Metrics    *observability.Metrics
	Gatherer   prometheus.Gatherer // nil serves the default registry

	// Upgrade, when set, is mounted at GET /ws for websocket clients.
	Upgrade gin.HandlerFunc
	// Admin mounts the client management endpoints.
	Admin bool
}

// NewRouter assembles the gin engine.
func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), observability.RequestLogger(opts.Logger, opts.Metrics))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": len(opts.Dispatcher.Clients())})
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if opts.Upgrade != nil {
		r.GET("/ws", opts.Upgrade)
	}
	if opts.Admin {
		NewHandler(opts.Dispatcher).RegisterRoutes(r)
	}
	return r
}
