package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	apperrors "github.com/TNZtims/bazaar-pos-sub001/common/errors"
	"github.com/TNZtims/bazaar-pos-sub001/common/logger"
	"github.com/TNZtims/bazaar-pos-sub001/common/middleware"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/TNZtims/bazaar-pos-sub001/services"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxBeaconBody = 64 << 10

// ReservationService is what the HTTP layer needs from the reservation engine.
type ReservationService interface {
	ApplyReserve(ctx context.Context, storeID, productID, actorID string, qty int) (*models.ReservationResult, error)
	ApplyRelease(ctx context.Context, storeID, productID, actorID string, qty int) (*models.ReservationResult, error)
	NetAdjust(ctx context.Context, storeID, productID, actorID string, fromQty, toQty int) (*models.ReservationResult, error)
	ReleaseLines(ctx context.Context, storeID, actorID string, lines []models.CartLine) int
	Heartbeat(ctx context.Context, storeID, actorID string, productIDs []string) (int, error)
	Available(ctx context.Context, storeID, productID string) (*models.Availability, error)
	ListAvailability(ctx context.Context, storeID string) ([]models.Availability, error)
	UpsertProduct(ctx context.Context, storeID, productID string, req models.UpsertProductRequest) (*models.Availability, error)
	DeleteProduct(ctx context.Context, storeID, productID string) error
	ResetReservations(ctx context.Context, storeID, productID string) (int, *models.Availability, error)
}

// ReservationController handles HTTP requests for reservations
type ReservationController struct {
	service   ReservationService
	validator *auth.Validator
	logger    *zap.Logger
}

// NewReservationController creates a new ReservationController
func NewReservationController(service ReservationService, validator *auth.Validator, logger *zap.Logger) *ReservationController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationController{service: service, validator: validator, logger: logger}
}

func requestContext(c *gin.Context) context.Context {
	return services.WithIdempotencyKey(c.Request.Context(), c.GetHeader("Idempotency-Key"))
}

// Reserve holds stock for the calling actor
// POST /inventory/stores/:storeId/reserve
func (rc *ReservationController) Reserve(c *gin.Context) {
	var req models.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Abort(c, apperrors.ErrBadRequest.With("error", err.Error()))
		return
	}
	qty, err := models.ParseQuantity(req.Quantity)
	if err != nil {
		abort(c, err)
		return
	}

	res, err := rc.service.ApplyReserve(requestContext(c), c.Param("storeId"), req.ProductID, c.GetString(middleware.ActorKey), qty)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Release gives back stock the calling actor holds
// POST /inventory/stores/:storeId/release
func (rc *ReservationController) Release(c *gin.Context) {
	var req models.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Abort(c, apperrors.ErrBadRequest.With("error", err.Error()))
		return
	}
	qty, err := models.ParseQuantity(req.Quantity)
	if err != nil {
		abort(c, err)
		return
	}

	res, err := rc.service.ApplyRelease(requestContext(c), c.Param("storeId"), req.ProductID, c.GetString(middleware.ActorKey), qty)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Adjust moves a cart line from one quantity to another in one step
// POST /inventory/stores/:storeId/adjust
func (rc *ReservationController) Adjust(c *gin.Context) {
	var req models.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Abort(c, apperrors.ErrBadRequest.With("error", err.Error()))
		return
	}
	from, err := models.ParseCount(req.From)
	if err != nil {
		abort(c, err)
		return
	}
	to, err := models.ParseCount(req.To)
	if err != nil {
		abort(c, err)
		return
	}

	res, err := rc.service.NetAdjust(requestContext(c), c.Param("storeId"), req.ProductID, c.GetString(middleware.ActorKey), from, to)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReleaseBeacon accepts the bulk release a closing page sends. Beacons
// cannot read the response, so it always answers 202.
// POST /inventory/stores/:storeId/release-beacon
func (rc *ReservationController) ReleaseBeacon(c *gin.Context) {
	storeID := c.Param("storeId")
	log := logger.For(c.Request.Context(), rc.logger)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBeaconBody))
	if err != nil {
		log.Warn("Unreadable release beacon", zap.Error(err))
		c.Status(http.StatusAccepted)
		return
	}
	var req models.BeaconRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warn("Malformed release beacon", zap.String("store_id", storeID), zap.Error(err))
		c.Status(http.StatusAccepted)
		return
	}

	actorID := rc.beaconActor(storeID, req)
	if actorID == "" {
		log.Warn("Release beacon without identity", zap.String("store_id", storeID))
		c.Status(http.StatusAccepted)
		return
	}

	// The page is gone; finish the release even if the connection drops.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 10*time.Second)
	defer cancel()
	released := rc.service.ReleaseLines(ctx, storeID, actorID, req.Items)
	log.Info("Release beacon applied",
		zap.String("store_id", storeID),
		zap.String("actor_id", actorID),
		zap.Int("lines", len(req.Items)),
		zap.Int("released", released),
	)
	c.Status(http.StatusAccepted)
}

func (rc *ReservationController) beaconActor(storeID string, req models.BeaconRequest) string {
	if req.Token != "" {
		id, err := rc.validator.Identify(req.Token)
		if err != nil {
			return ""
		}
		if id.Role == auth.RoleCashier && id.StoreID != "" && id.StoreID != storeID {
			return ""
		}
		return auth.ActorID(id, storeID)
	}
	if req.SessionID != "" {
		return auth.AnonymousActorID(req.SessionID)
	}
	return ""
}

// Heartbeat keeps the actor's holds alive
// POST /inventory/stores/:storeId/heartbeat
func (rc *ReservationController) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Abort(c, apperrors.ErrBadRequest.With("error", err.Error()))
		return
	}

	touched, err := rc.service.Heartbeat(c.Request.Context(), c.Param("storeId"), c.GetString(middleware.ActorKey), req.ProductIDs)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"touched": touched})
}

// ListProducts returns the authoritative availability snapshot of the store
// GET /inventory/stores/:storeId/products
func (rc *ReservationController) ListProducts(c *gin.Context) {
	products, err := rc.service.ListAvailability(c.Request.Context(), c.Param("storeId"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"store_id": c.Param("storeId"),
		"products": products,
	})
}

// GetProduct returns the availability of one product
// GET /inventory/stores/:storeId/products/:productId
func (rc *ReservationController) GetProduct(c *gin.Context) {
	a, err := rc.service.Available(c.Request.Context(), c.Param("storeId"), c.Param("productId"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}
