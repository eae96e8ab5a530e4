package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"purchase-service/internal/service"
	"purchase-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	checkout    *service.CheckoutService
	reconciler  *service.Reconciler
	entitlement *service.EntitlementService
	jwtSecret   string
	readiness   map[string]Pinger
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	reconciler *service.Reconciler,
	entitlement *service.EntitlementService,
	jwtSecret string,
	readiness map[string]Pinger,
) *Handler {
	return &Handler{
		checkout:    checkout,
		reconciler:  reconciler,
		entitlement: entitlement,
		jwtSecret:   jwtSecret,
		readiness:   readiness,
		logger:      util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	purchases := router.Group("/api/v1/purchases")
	{
		// signed by the payment provider, not by a user session
		purchases.POST("/webhook", h.handleWebhook)

		authed := purchases.Group("")
		authed.Use(AuthMiddleware(h.jwtSecret))
		authed.POST("/checkout", h.createCheckout)
		authed.GET("", RequireRole(RoleAdmin), h.listPurchases)
		authed.GET("/mine", h.listMyPurchases)
		authed.GET("/:courseId/status", h.purchaseStatus)
		authed.GET("/:courseId/detail", h.courseDetail)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every backing dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createCheckout starts a hosted checkout for the authenticated user
func (h *Handler) createCheckout(c *gin.Context) {
	var req service.CheckoutRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.UserID = currentUserID(c)

	resp, err := h.checkout.CreateCheckout(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "Failed to start checkout", err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleWebhook verifies and applies a payment provider notification
func (h *Handler) handleWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to read request body"})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		signature = c.GetHeader("Signature")
	}

	result, err := h.reconciler.HandleWebhook(c.Request.Context(), payload, signature)
	if err != nil {
		h.writeError(c, "Failed to process webhook", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"outcome":  result.Outcome,
	})
}

// purchaseStatus reports whether the caller owns a course
func (h *Handler) purchaseStatus(c *gin.Context) {
	purchased, err := h.entitlement.HasPurchased(c.Request.Context(), currentUserID(c), c.Param("courseId"))
	if err != nil {
		h.writeError(c, "Failed to check purchase", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"purchased": purchased})
}

// courseDetail returns a course with its lectures and the caller's purchase flag
func (h *Handler) courseDetail(c *gin.Context) {
	detail, err := h.entitlement.GetCourseDetailWithStatus(c.Request.Context(), currentUserID(c), c.Param("courseId"))
	if err != nil {
		h.writeError(c, "Failed to load course", err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// listPurchases returns every completed purchase; admin only
func (h *Handler) listPurchases(c *gin.Context) {
	purchases, err := h.entitlement.ListCompletedPurchases(c.Request.Context())
	if err != nil {
		h.writeError(c, "Failed to list purchases", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

// listMyPurchases returns the caller's completed purchases
func (h *Handler) listMyPurchases(c *gin.Context) {
	purchases, err := h.entitlement.ListUserPurchases(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.writeError(c, "Failed to list purchases", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

func (h *Handler) writeError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook signature verification failed"})
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": message, "details": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": message, "details": err.Error()})
	case errors.Is(err, service.ErrPaymentProvider):
		c.JSON(http.StatusBadGateway, gin.H{"error": message})
	default:
		h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
