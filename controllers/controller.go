package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storefront/cart"
	"storefront/catalog"
	"storefront/checkout"
	"storefront/events"
	"storefront/metrics"
	"storefront/orders"
	"storefront/pricing"
)

// Controller holds the handlers' collaborators. Catalog may be a cache; it is
// only used for browsing and cart display.
type Controller struct {
	Catalog   catalog.Reader
	Carts     cart.Store
	Orders    orders.Store
	Engine    *checkout.Engine
	Calc      pricing.Calculator
	Publisher events.Publisher
	Logger    *zap.Logger
}

// recordOperation 记录请求结果到订单操作指标
func recordOperation(c *gin.Context, operation string) {
	status := c.Writer.Status()
	metrics.RecordOrderOperation(operation, status >= 200 && status < 300)
}

func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString("userID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return "", false
	}
	return userID, true
}

func parseID(c *gin.Context, what string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + what + " ID"})
		return 0, false
	}
	return id, true
}

func (ctl *Controller) internalError(c *gin.Context, msg string, err error) {
	ctl.Logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
