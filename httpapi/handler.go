package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/risa-org/zonis/server"
)

// Dispatcher is the part of *server.Server the admin API drives.
type Dispatcher interface {
	Request(ctx context.Context, identifier, route string, args map[string]any) (json.RawMessage, error)
	RequestAll(ctx context.Context, route string, args map[string]any) map[string]server.Result
	Disconnect(identifier string) bool
	Clients() []server.ClientInfo
}

// Handler serves the admin endpoints.
type Handler struct {
	d Dispatcher
}

func NewHandler(d Dispatcher) *Handler {
	return &Handler{d: d}
}

func (h *Handler) RegisterRoutes(rg gin.IRoutes) {
	rg.GET("/clients", h.List)
	rg.DELETE("/clients/:id", h.Disconnect)
	rg.POST("/clients/:id/routes/:route", h.Request)
	rg.POST("/routes/:route", h.RequestAll)
}

func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": h.d.Clients()})
}

func (h *Handler) Disconnect(c *gin.Context) {
	if !h.d.Disconnect(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown client"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Request handles POST /clients/:id/routes/:route. The body, if any, is
// the JSON object of arguments.
func (h *Handler) Request(c *gin.Context) {
	args, ok := bindArguments(c)
	if !ok {
		return
	}

	id := c.Param("id")
	data, err := h.d.Request(c.Request.Context(), id, c.Param("route"), args)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"identifier": id, "error": errorMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identifier": id, "data": data})
}

type fanOutEntry struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RequestAll handles POST /routes/:route. Per-client failures are reported
// inside the result map; the call itself always succeeds.
func (h *Handler) RequestAll(c *gin.Context) {
	args, ok := bindArguments(c)
	if !ok {
		return
	}

	results := h.d.RequestAll(c.Request.Context(), c.Param("route"), args)
	out := make(map[string]fanOutEntry, len(results))
	for id, r := range results {
		if r.Err != nil {
			out[id] = fanOutEntry{Error: errorMessage(r.Err)}
			continue
		}
		out[id] = fanOutEntry{Data: r.Data}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func bindArguments(c *gin.Context) (map[string]any, bool) {
	if c.Request.ContentLength == 0 {
		return nil, true
	}
	var args map[string]any
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "arguments must be a JSON object: " + err.Error()})
		return nil, false
	}
	return args, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, server.ErrUnknownClient):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, server.ErrRequestFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage prefers the remote failure text over the wrapped chain.
func errorMessage(err error) string {
	var rf *server.RequestFailedError
	if errors.As(err, &rf) {
		return rf.Message
	}
	return err.Error()
}
