package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/catalog"
)

func (ctl *Controller) ListProducts(c *gin.Context) {
	products, err := ctl.Catalog.List(c.Request.Context())
	if err != nil {
		ctl.internalError(c, "Failed to list products", err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (ctl *Controller) GetProduct(c *gin.Context) {
	product, err := ctl.Catalog.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		return
	}
	if err != nil {
		ctl.internalError(c, "Failed to load product", err)
		return
	}
	c.JSON(http.StatusOK, product)
}
