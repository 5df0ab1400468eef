package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chaintrace/internal/logging"
)

// Handler exposes the ledger over HTTP. Routes mirror the original demo
// surface: flat paths, no versioning, message-plus-payload response bodies.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates an HTTP handler for the given ledger.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes mounts the ledger routes on the router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/addProduct", h.AddProduct)
	r.POST("/addEvent", h.AddEvent)
	r.GET("/chain", h.GetChain)
	r.GET("/events", h.GetEvents)
}

// AddProduct handles POST /addProduct.
func (h *Handler) AddProduct(c *gin.Context) {
	var req AppendProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}

	block, err := h.ledger.AppendProduct(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingField):
			c.JSON(http.StatusBadRequest, gin.H{"message": "Missing fields"})
		case errors.Is(err, ErrDuplicateProduct):
			c.JSON(http.StatusBadRequest, gin.H{"message": "Product ID already exists"})
		default:
			logging.L(c.Request.Context()).Error("append product failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Server error"})
		}
		return
	}

	logging.L(c.Request.Context()).Info("product added",
		"product_id", block.Data.ProductID, "index", block.Index)

	c.JSON(http.StatusCreated, gin.H{
		"message": "Product added",
		"block":   block,
	})
}

// AddEvent handles POST /addEvent.
func (h *Handler) AddEvent(c *gin.Context) {
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}

	event, err := h.ledger.AppendEvent(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingField):
			c.JSON(http.StatusBadRequest, gin.H{"message": "Missing fields"})
		case errors.Is(err, ErrProductNotFound):
			c.JSON(http.StatusNotFound, gin.H{"message": "Product not found"})
		default:
			logging.L(c.Request.Context()).Error("append event failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Server error"})
		}
		return
	}

	logging.L(c.Request.Context()).Info("event added",
		"product_id", event.ProductID, "event_type", event.EventType)

	c.JSON(http.StatusCreated, gin.H{
		"message": "Event added",
		"event":   event,
	})
}

// GetChain handles GET /chain.
func (h *Handler) GetChain(c *gin.Context) {
	blocks, err := h.ledger.ListProducts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Server error"})
		return
	}
	c.JSON(http.StatusOK, blocks)
}

// GetEvents handles GET /events.
func (h *Handler) GetEvents(c *gin.Context) {
	events, err := h.ledger.ListEvents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Server error"})
		return
	}
	c.JSON(http.StatusOK, events)
}
