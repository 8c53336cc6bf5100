package models

import (
	"encoding/json"
	"time"
)

// ReservationAction is the direction of a reservation delta.
type ReservationAction string

const (
	ActionReserve ReservationAction = "reserve"
	ActionRelease ReservationAction = "release"
	ActionConfirm ReservationAction = "confirm"
	ActionExpire  ReservationAction = "expire"
)

// Reservation is the delta a single accepted operation applied to the ledger.
// It has no identity of its own beyond the actor + product pairing.
type Reservation struct {
	StoreID   string            `json:"store_id"`
	ProductID string            `json:"product_id"`
	ActorID   string            `json:"actor_id"`
	Action    ReservationAction `json:"action"`
	Quantity  int               `json:"quantity"`
	Version   int64             `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
}

// ReservationResult is returned to the originating actor after reserve,
// release or adjust.
type ReservationResult struct {
	StoreID           string            `json:"store_id"`
	ProductID         string            `json:"product_id"`
	ActorID           string            `json:"actor_id"`
	Action            ReservationAction `json:"action,omitempty"`
	Quantity          int               `json:"quantity"`
	Held              int               `json:"held"`
	AvailableQuantity int               `json:"available_quantity"`
	Version           int64             `json:"version"`
}

// ReserveRequest is the body of POST /reserve and POST /release.
// Quantity is decoded as a number so fractional input can be rejected as
// an invalid quantity instead of a bind error.
type ReserveRequest struct {
	ProductID string      `json:"product_id" binding:"required"`
	Quantity  json.Number `json:"quantity" binding:"required"`
}

// AdjustRequest is the body of POST /adjust, used when a cart line's
// quantity changes in place.
type AdjustRequest struct {
	ProductID string      `json:"product_id" binding:"required"`
	From      json.Number `json:"from"`
	To        json.Number `json:"to"`
}

// HeartbeatRequest keeps the actor's holds alive when a lease TTL is set.
type HeartbeatRequest struct {
	ProductIDs []string `json:"product_ids" binding:"required"`
}

// BeaconRequest is sent by a page being torn down. Beacons cannot carry
// custom headers, so the identity travels in the body.
type BeaconRequest struct {
	SessionID string     `json:"session_id"`
	Token     string     `json:"token"`
	Items     []CartLine `json:"items"`
}

// UpsertProductRequest is the administrative edit of an inventory record.
type UpsertProductRequest struct {
	Name                 *string `json:"name"`
	TotalQuantity        *int    `json:"total_quantity" binding:"omitempty,gte=0"`
	AvailableForPreorder *bool   `json:"available_for_preorder"`
	LowStockThreshold    *int    `json:"low_stock_threshold" binding:"omitempty,gte=0"`
}
