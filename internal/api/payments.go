package api

import (
	"net/http"

	"laundry-order-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) initializePayment(c *gin.Context) {
	var req service.InitializePaymentRequest
	if !bindJSON(c, &req) {
		return
	}

	payment, err := h.orchestrator.InitializePayment(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) getPayment(c *gin.Context) {
	paymentID, ok := parseID(c, "payment")
	if !ok {
		return
	}

	payment, err := h.orchestrator.GetPaymentStatus(c.Request.Context(), paymentID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

func (h *Handler) retryPayment(c *gin.Context) {
	paymentID, ok := parseID(c, "payment")
	if !ok {
		return
	}

	payment, err := h.orchestrator.RetryPayment(c.Request.Context(), paymentID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, payment)
}

// paymentCallback receives the provider's asynchronous status notification
func (h *Handler) paymentCallback(c *gin.Context) {
	var req service.PaymentCallback
	if !bindJSON(c, &req) {
		return
	}

	payment, err := h.orchestrator.HandlePaymentCallback(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id": payment.ID,
		"status":     payment.Status,
	})
}
