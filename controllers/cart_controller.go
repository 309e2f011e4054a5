package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/cart"
	"storefront/catalog"
	"storefront/models"
)

func (ctl *Controller) GetCart(c *gin.Context) {
	defer recordOperation(c, "cart_get")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	lines, err := ctl.Carts.List(c.Request.Context(), userID)
	if err != nil {
		ctl.internalError(c, "Failed to load cart", err)
		return
	}
	ctl.respondWithSummary(c, http.StatusOK, lines)
}

func (ctl *Controller) AddCartItem(c *gin.Context) {
	defer recordOperation(c, "cart_add")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req struct {
		ProductID string `json:"product_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id is required"})
		return
	}

	if _, err := ctl.Catalog.GetByID(c.Request.Context(), req.ProductID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		ctl.internalError(c, "Failed to load product", err)
		return
	}

	line, err := ctl.Carts.Add(c.Request.Context(), userID, req.ProductID)
	if err != nil {
		ctl.internalError(c, "Failed to add item", err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func (ctl *Controller) UpdateCartItem(c *gin.Context) {
	defer recordOperation(c, "cart_update")
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	lineID, ok := parseID(c, "cart item")
	if !ok {
		return
	}

	var req struct {
		Quantity *int `json:"quantity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity is required"})
		return
	}

	if err := ctl.Carts.SetQuantity(c.Request.Context(), userID, lineID, *req.Quantity); err != nil {
		ctl.cartMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cart item updated", "id": lineID, "quantity": max(*req.Quantity, 0)})
}

func (ctl *Controller) RemoveCartItem(c *gin.Context) {
	defer recordOperation(c, "cart_remove")
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	lineID, ok := parseID(c, "cart item")
	if !ok {
		return
	}

	if err := ctl.Carts.Remove(c.Request.Context(), userID, lineID); err != nil {
		ctl.cartMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cart item removed", "id": lineID})
}

func (ctl *Controller) ClearCart(c *gin.Context) {
	defer recordOperation(c, "cart_clear")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := ctl.Carts.Clear(c.Request.Context(), userID); err != nil {
		ctl.internalError(c, "Failed to clear cart", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cart cleared"})
}

// ReplaceCart stores a client-held cart snapshot; the last write wins.
func (ctl *Controller) ReplaceCart(c *gin.Context) {
	defer recordOperation(c, "cart_replace")
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req struct {
		Items []cart.LineInput `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	lines, err := ctl.Carts.Replace(c.Request.Context(), userID, req.Items)
	if err != nil {
		if errors.Is(err, cart.ErrNoProduct) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Every item needs a product_id"})
			return
		}
		ctl.internalError(c, "Failed to replace cart", err)
		return
	}
	ctl.respondWithSummary(c, http.StatusOK, lines)
}

func (ctl *Controller) respondWithSummary(c *gin.Context, status int, lines []models.CartLine) {
	products, err := ctl.Catalog.GetByIDs(c.Request.Context(), cart.ProductIDs(lines))
	if err != nil {
		ctl.internalError(c, "Failed to load products", err)
		return
	}
	summary, err := cart.Summarize(lines, products, ctl.Calc)
	if err != nil {
		ctl.internalError(c, "Failed to price cart", err)
		return
	}
	c.JSON(status, summary)
}

func (ctl *Controller) cartMutationError(c *gin.Context, err error) {
	if cart.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cart item not found"})
		return
	}
	ctl.internalError(c, "Failed to update cart", err)
}
