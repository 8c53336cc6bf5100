package controllers

import (
	"errors"

	apperrors "github.com/TNZtims/bazaar-pos-sub001/common/errors"
	"github.com/TNZtims/bazaar-pos-sub001/services"
	"github.com/gin-gonic/gin"
)

// toHTTPError maps service errors onto the API error shape.
func toHTTPError(err error) *apperrors.Error {
	var stock *services.InsufficientStockError
	switch {
	case errors.As(err, &stock):
		e := apperrors.ErrInsufficientStock.
			With("requested", stock.Requested).
			With("remaining", stock.Remaining)
		e.Message = stock.Error()
		return e
	case errors.Is(err, services.ErrInvalidQuantity):
		return apperrors.ErrInvalidQuantity
	case errors.Is(err, services.ErrProductNotFound):
		return apperrors.ErrProductNotFound
	case errors.Is(err, services.ErrStockBelowReserved):
		return apperrors.ErrStockBelowReserved.Wrap(err)
	case errors.Is(err, services.ErrRequestInProgress):
		return apperrors.ErrRequestInProgress
	case errors.Is(err, services.ErrPersistence):
		return apperrors.ErrServiceUnavailable.Wrap(err)
	default:
		return apperrors.ErrInternalServer.Wrap(err)
	}
}

func abort(c *gin.Context, err error) {
	apperrors.Abort(c, toHTTPError(err))
}
