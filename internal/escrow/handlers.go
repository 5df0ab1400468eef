package escrow

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chaintrace/internal/logging"
)

// Handler exposes escrow sessions over HTTP.
type Handler struct {
	manager *Manager
}

// NewHandler creates an HTTP handler for the session manager.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the escrow routes on the router group.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/refresh", h.RefreshSession)
	r.POST("/sessions/:id/actions/:action", h.InvokeAction)
	r.DELETE("/sessions/:id", h.DeleteSession)
}

// CreateSession handles POST /sessions: connect a new escrow session.
func (h *Handler) CreateSession(c *gin.Context) {
	session, err := h.manager.Connect(c.Request.Context())
	if err != nil {
		h.writeConnectError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session.Status())
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session.Status())
}

// RefreshSession handles POST /sessions/:id/refresh: re-read contract
// state without performing an action.
func (h *Handler) RefreshSession(c *gin.Context) {
	session, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": err.Error()})
		return
	}

	if _, err := session.Refresh(c.Request.Context()); err != nil {
		h.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, session.Status())
}

type invokeRequest struct {
	// Value is the wei amount for lockFunds, as a decimal string.
	Value string `json:"value"`
	// ReleaseToSeller is resolveDispute's verdict.
	ReleaseToSeller bool `json:"releaseToSeller"`
}

// InvokeAction handles POST /sessions/:id/actions/:action.
func (h *Handler) InvokeAction(c *gin.Context) {
	session, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": err.Error()})
		return
	}

	var req invokeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
			return
		}
	}

	params := InvokeParams{ReleaseToSeller: req.ReleaseToSeller}
	if req.Value != "" {
		value, ok := new(big.Int).SetString(req.Value, 10)
		if !ok || value.Sign() < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "value must be a non-negative decimal wei amount"})
			return
		}
		params.Value = value
	}

	result, err := session.Invoke(c.Request.Context(), Action(c.Param("action")), params)
	if err != nil {
		h.writeActionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"receipt": result.Receipt,
		"status":  session.Status(),
	})
}

// DeleteSession handles DELETE /sessions/:id.
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.manager.Disconnect(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) writeConnectError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWalletUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "wallet_unavailable", "message": err.Error()})
	case errors.Is(err, ErrNoAccount):
		c.JSON(http.StatusForbidden, gin.H{"error": "no_account", "message": err.Error()})
	case errors.Is(err, ErrNetworkMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "network_mismatch", "message": err.Error()})
	case errors.Is(err, ErrContractUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "contract_unreachable", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("session connect failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create session"})
	}
}

func (h *Handler) writeActionError(c *gin.Context, err error) {
	var rejection *RejectionError
	switch {
	case errors.Is(err, ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_action", "message": err.Error()})
	case errors.Is(err, ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": "not_connected", "message": err.Error()})
	case errors.Is(err, ErrActionInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "action_in_flight", "message": err.Error()})
	case errors.Is(err, ErrTerminalState):
		c.JSON(http.StatusConflict, gin.H{"error": "terminal_state", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrWrongRole):
		c.JSON(http.StatusForbidden, gin.H{"error": "wrong_role", "message": err.Error()})
	case errors.As(err, &rejection):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "transaction_reverted",
			"message": rejection.Reason,
			"txHash":  rejection.TxHash,
		})
	case errors.Is(err, ErrConfirmationTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "confirmation_timeout", "message": err.Error()})
	case errors.Is(err, ErrContractUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "contract_unreachable", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("escrow action failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "action failed"})
	}
}
