package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/replypay/replypay/internal/escrow"
	"github.com/replypay/replypay/internal/health"
	"github.com/replypay/replypay/internal/logging"
	"github.com/replypay/replypay/internal/validation"
)

// -----------------------------------------------------------------------------
// Info & health
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "ReplyPay",
		"description": "Escrow engine for paid messages",
		"version":     "0.1.0",
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

// createTransaction handles POST /v1/transactions
func (s *Server) createTransaction(c *gin.Context) {
	ctx := c.Request.Context()

	var req escrow.HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.MessageID = validation.SanitizeString(req.MessageID, 128)
	req.RecipientID = validation.SanitizeString(req.RecipientID, 200)
	req.SenderContact = validation.SanitizeString(req.SenderContact, 200)

	if errs := validation.Validate(
		validation.ValidMessageID("messageId", req.MessageID),
		validation.PositiveAmount("amountMinor", req.AmountMinor),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := s.escrowSvc.Hold(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrDuplicateMessage):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_message",
				"message": "This message already has an escrow transaction",
			})
		case errors.Is(err, escrow.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be greater than zero",
			})
		default:
			logging.L(ctx).Error("failed to create escrow transaction", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "authorization_failed",
				"message": "Could not authorize the payment",
			})
		}
		return
	}

	s.hub.Broadcast("escrow.held", map[string]string{
		"transactionId": txn.ID,
		"messageId":     txn.MessageID,
	})

	c.JSON(http.StatusCreated, txn)
}

// getTransaction handles GET /v1/transactions/:id
func (s *Server) getTransaction(c *gin.Context) {
	txn, err := s.escrowSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// getTransactionByMessage handles GET /v1/messages/:messageId/transaction
func (s *Server) getTransactionByMessage(c *gin.Context) {
	messageID := c.Param("messageId")
	if !validation.IsValidMessageID(messageID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_message_id",
			"message": "messageId must be 1-128 URL-safe characters",
		})
		return
	}

	txn, err := s.escrowSvc.GetByMessage(c.Request.Context(), messageID)
	if err != nil {
		s.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) renderLookupError(c *gin.Context, err error) {
	if errors.Is(err, escrow.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such escrow transaction",
		})
		return
	}
	logging.L(c.Request.Context()).Error("transaction lookup failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to load transaction",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle triggers
// -----------------------------------------------------------------------------

// responseReceived handles POST /v1/responses. The response-detection
// collaborator calls this when the recipient replies; it settles the linked
// transaction immediately instead of waiting for a sweep.
func (s *Server) responseReceived(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		MessageID   string     `json:"messageId" binding:"required"`
		RespondedAt *time.Time `json:"respondedAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidMessageID(req.MessageID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_message_id",
			"message": "messageId must be 1-128 URL-safe characters",
		})
		return
	}

	// In demo mode we also own the response records the timeout sweep reads.
	if s.responseRecorder != nil {
		at := time.Now().UTC()
		if req.RespondedAt != nil {
			at = req.RespondedAt.UTC()
		}
		s.responseRecorder.Record(req.MessageID, at)
	}

	result, err := s.engine.DistributeByMessage(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow transaction for this message",
			})
			return
		}
		logging.L(ctx).Error("distribution failed", "messageId", req.MessageID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "distribution_failed",
			"message": "Settlement did not complete; it will be retried",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// distributeTransaction handles POST /v1/transactions/:id/distribute.
// Used to resume settlement after an external event, such as the recipient
// completing payout setup.
func (s *Server) distributeTransaction(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := s.engine.Distribute(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			s.renderLookupError(c, err)
			return
		}
		logging.L(ctx).Error("distribution failed", "transactionId", c.Param("id"), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "distribution_failed",
			"message": "Settlement did not complete; it will be retried",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Operational surface
// -----------------------------------------------------------------------------

// escrowReport handles GET /v1/escrow/report
func (s *Server) escrowReport(c *gin.Context) {
	report, err := s.reporter.Report(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to build escrow report", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to build report",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// runRetrySweep handles POST /v1/admin/sweeps/retry
func (s *Server) runRetrySweep(c *gin.Context) {
	stats, err := s.retrySched.Sweep(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual retry sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": "Retry sweep did not complete",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// runReconcileSweep handles POST /v1/admin/sweeps/reconcile
func (s *Server) runReconcileSweep(c *gin.Context) {
	result, err := s.reconciler.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": "Reconciliation did not complete",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}
