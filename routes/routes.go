package routes

import (
	"net/http"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/TNZtims/bazaar-pos-sub001/common/middleware"
	"github.com/TNZtims/bazaar-pos-sub001/controllers"
	"github.com/gin-gonic/gin"
)

// Options tunes route registration.
type Options struct {
	// RequestTimeout bounds every non-streaming request. Zero disables it.
	RequestTimeout time.Duration
}

// RegisterRoutes registers all reservation service routes
func RegisterRoutes(r *gin.Engine, ctrl *controllers.ReservationController, stream *controllers.StreamController, validator *auth.Validator, opts Options) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})

	store := r.Group("/inventory/stores/:storeId")

	// Long lived; must not inherit the request timeout.
	store.GET("/stream", stream.Stream)

	timed := store.Group("")
	if opts.RequestTimeout > 0 {
		timed.Use(middleware.Timeout(opts.RequestTimeout))
	}

	// Page teardown; identity travels in the body.
	timed.POST("/release-beacon", ctrl.ReleaseBeacon)

	// Public snapshot used for reconnection and reconciliation
	timed.GET("/products", ctrl.ListProducts)
	timed.GET("/products/:productId", ctrl.GetProduct)

	actor := timed.Group("", middleware.Actor(validator))
	{
		actor.POST("/reserve", ctrl.Reserve)
		actor.POST("/release", ctrl.Release)
		actor.POST("/adjust", ctrl.Adjust)
		actor.POST("/heartbeat", ctrl.Heartbeat)
	}

	admin := actor.Group("", middleware.RequireRole(auth.RoleAdmin))
	{
		admin.PUT("/products/:productId", ctrl.UpsertProduct)
		admin.DELETE("/products/:productId", ctrl.DeleteProduct)
		admin.POST("/products/:productId/reset", ctrl.ResetReservations)
	}
}
