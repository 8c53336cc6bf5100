package controllers

import (
	"net/http"

	apperrors "github.com/TNZtims/bazaar-pos-sub001/common/errors"
	"github.com/TNZtims/bazaar-pos-sub001/common/logger"
	"github.com/TNZtims/bazaar-pos-sub001/common/middleware"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UpsertProduct creates or edits an inventory record
// PUT /inventory/stores/:storeId/products/:productId
func (rc *ReservationController) UpsertProduct(c *gin.Context) {
	var req models.UpsertProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Abort(c, apperrors.ErrBadRequest.With("error", err.Error()))
		return
	}

	a, err := rc.service.UpsertProduct(c.Request.Context(), c.Param("storeId"), c.Param("productId"), req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// DeleteProduct removes an inventory record
// DELETE /inventory/stores/:storeId/products/:productId
func (rc *ReservationController) DeleteProduct(c *gin.Context) {
	if err := rc.service.DeleteProduct(c.Request.Context(), c.Param("storeId"), c.Param("productId")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResetReservations drops every hold on a product
// POST /inventory/stores/:storeId/products/:productId/reset
func (rc *ReservationController) ResetReservations(c *gin.Context) {
	released, a, err := rc.service.ResetReservations(c.Request.Context(), c.Param("storeId"), c.Param("productId"))
	if err != nil {
		abort(c, err)
		return
	}

	logger.For(c.Request.Context(), rc.logger).Info("Reservations reset",
		zap.String("store_id", a.StoreID),
		zap.String("product_id", a.ProductID),
		zap.String("admin", c.GetString(middleware.ActorKey)),
		zap.Int("released", released),
	)
	c.JSON(http.StatusOK, gin.H{
		"released": released,
		"product":  a,
	})
}
