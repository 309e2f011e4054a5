package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"storefront/middlewares"
)

const serviceName = "storefront"

// SetupRouter 注册所有路由
func SetupRouter(ctl *Controller, jwtSecret string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	r.Use(otelgin.Middleware(serviceName))
	r.Use(middlewares.LoggerMiddleware(ctl.Logger))
	r.Use(middlewares.PrometheusMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	public := r.Group("/api")
	{
		public.GET("/products", ctl.ListProducts)
		public.GET("/products/:id", ctl.GetProduct)
	}

	// 需要认证的路由组
	authGroup := r.Group("/api")
	authGroup.Use(middlewares.AuthMiddleware(jwtSecret))
	{
		authGroup.GET("/cart", ctl.GetCart)
		authGroup.PUT("/cart", ctl.ReplaceCart)
		authGroup.DELETE("/cart", ctl.ClearCart)
		authGroup.POST("/cart/items", ctl.AddCartItem)
		authGroup.PATCH("/cart/items/:id", ctl.UpdateCartItem)
		authGroup.DELETE("/cart/items/:id", ctl.RemoveCartItem)

		authGroup.POST("/checkout", ctl.Checkout)

		authGroup.GET("/orders", ctl.GetUserOrders)
		authGroup.GET("/orders/:id", ctl.GetOrderDetails)
	}

	adminGroup := authGroup.Group("/admin")
	adminGroup.Use(middlewares.AdminOnly())
	{
		adminGroup.GET("/orders", ctl.ListAllOrders)
		adminGroup.PUT("/orders/:id/status", ctl.UpdateOrderStatus)
		adminGroup.GET("/metrics", ctl.GetOrderMetrics)
	}

	return r
}
