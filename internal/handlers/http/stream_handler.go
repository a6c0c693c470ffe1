package http

import (
	"net/http"

	"vmsgate/internal/core/ports"
	"vmsgate/pkg/errors"
	"vmsgate/pkg/validation"

	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports open viewer connections.
type ConnectionCounter interface {
	ConnectionCount() int
}

type StreamHandler struct {
	streams     ports.StreamRegistry
	connections ConnectionCounter
}

func NewStreamHandler(streams ports.StreamRegistry, connections ConnectionCounter) *StreamHandler {
	return &StreamHandler{
		streams:     streams,
		connections: connections,
	}
}

func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/streams", h.ListStreams)
	api.GET("/streams/:id", h.GetStream)
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams := h.streams.Snapshot()
	resp := gin.H{
		"streams": streams,
		"count":   len(streams),
	}
	if h.connections != nil {
		resp["connections"] = h.connections.ConnectionCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateStreamID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	for _, st := range h.streams.Snapshot() {
		if st.ID == id {
			c.JSON(http.StatusOK, gin.H{"stream": st})
			return
		}
	}
	c.Error(errors.NewNotFoundError("stream"))
}
