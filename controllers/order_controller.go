package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storefront/events"
	"storefront/models"
	"storefront/orders"
)

func (ctl *Controller) GetUserOrders(c *gin.Context) {
	defer recordOperation(c, "list")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	list, err := ctl.Orders.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		ctl.internalError(c, "Database error", err)
		return
	}
	if list == nil {
		list = []models.Order{}
	}
	c.JSON(http.StatusOK, list)
}

func (ctl *Controller) GetOrderDetails(c *gin.Context) {
	defer recordOperation(c, "details")
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := parseID(c, "order")
	if !ok {
		return
	}

	order, err := ctl.Orders.GetByOwner(c.Request.Context(), userID, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		ctl.internalError(c, "Database error", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (ctl *Controller) ListAllOrders(c *gin.Context) {
	defer recordOperation(c, "admin_list")

	list, err := ctl.Orders.ListAll(c.Request.Context())
	if err != nil {
		ctl.internalError(c, "Database error", err)
		return
	}
	if list == nil {
		list = []models.Order{}
	}
	c.JSON(http.StatusOK, list)
}

func (ctl *Controller) UpdateOrderStatus(c *gin.Context) {
	defer recordOperation(c, "update_status")
	orderID, ok := parseID(c, "order")
	if !ok {
		return
	}

	var request struct {
		Status string `json:"status" binding:"required,oneof=pending confirmed processing shipped delivered cancelled"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be one of pending, confirmed, processing, shipped, delivered, cancelled"})
		return
	}

	order, err := ctl.Orders.UpdateStatus(c.Request.Context(), orderID, models.OrderStatus(request.Status))
	if errors.Is(err, orders.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		ctl.internalError(c, "Database error", err)
		return
	}

	if err := ctl.Publisher.Publish(c.Request.Context(), events.StatusUpdated(order)); err != nil {
		ctl.Logger.Error("Failed to publish order updated event", zap.Int64("order_id", orderID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "Order status updated", "order_id": orderID, "status": order.Status})
}

// GetOrderMetrics backs the admin dashboard.
func (ctl *Controller) GetOrderMetrics(c *gin.Context) {
	defer recordOperation(c, "admin_metrics")

	stats, err := ctl.Orders.Stats(c.Request.Context(), orders.StartOfDay(time.Now()))
	if err != nil {
		ctl.internalError(c, "Database error", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
