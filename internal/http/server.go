// Package httpapp exposes the sync control surface over HTTP: start,
// cancel, and inspect syncs, plus the current graph snapshot version.
package httpapp

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h *Handlers
	e *echo.Echo
}

// NewEchoServer creates a new HTTP server around the sync control handlers.
func NewEchoServer(h *Handlers) *EchoServer {
	es := &EchoServer{h: h, e: echo.New()}
	es.e.HideBanner = true
	es.e.Use(middleware.Recover())
	es.registerRoutes()
	return es
}

func (es *EchoServer) registerRoutes() {
	es.e.GET("/healthz", es.h.HandleHealthz)

	api := es.e.Group("/api")
	api.POST("/tenants/:tenant/sync", es.h.HandleStartSync)
	api.POST("/tenants/:tenant/sync/cancel", es.h.HandleCancelSync)
	api.GET("/tenants/:tenant/sync/status", es.h.HandleSyncStatus)
	api.GET("/tenants/:tenant/sync/history", es.h.HandleSyncHistory)
	api.GET("/tenants/:tenant/graph/version", es.h.HandleGraphVersion)
}

// Handler returns the underlying http.Handler, used by tests.
func (es *EchoServer) Handler() http.Handler {
	return es.e
}

// Start starts the HTTP server.
func (es *EchoServer) Start(addr string) error {
	return es.e.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (es *EchoServer) Shutdown(ctx context.Context) error {
	return es.e.Shutdown(ctx)
}
