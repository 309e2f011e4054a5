package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/checkout"
	"storefront/models"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type checkoutRequest struct {
	Address models.Address `json:"address"`
}

func (ctl *Controller) Checkout(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	res, err := ctl.Engine.Checkout(c.Request.Context(), userID, checkout.Request{
		Address:        req.Address,
		IdempotencyKey: c.GetHeader(IdempotencyKeyHeader),
	})
	if err != nil {
		if errors.Is(err, checkout.ErrCheckoutInProgress) {
			c.Header("Retry-After", "1")
		}
		c.JSON(checkout.HTTPStatus(err), checkoutError(err))
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// checkoutError renders the error body with the details a client needs to
// explain a rejection.
func checkoutError(err error) gin.H {
	body := gin.H{"error": checkout.Message(err)}

	var (
		validation  *checkout.ValidationError
		unavailable *checkout.ProductUnavailableError
		stock       *checkout.InsufficientStockError
	)
	switch {
	case errors.As(err, &validation):
		body["field"] = validation.Field
	case errors.As(err, &unavailable):
		body["product_id"] = unavailable.ProductID
	case errors.As(err, &stock):
		body["product_id"] = stock.ProductID
		body["available"] = stock.Available
	case errors.Is(err, checkout.ErrEmptyCart):
		body["code"] = "empty_cart"
	case errors.Is(err, checkout.ErrCheckoutInProgress):
		body["code"] = "checkout_in_progress"
	}
	return body
}
