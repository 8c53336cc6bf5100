package models

import "time"

// EventType identifies a fan-out event.
type EventType string

const (
	EventStockDelta      EventType = "stock_delta"
	EventCartReservation EventType = "cart_reservation"
	EventProductUpserted EventType = "product_upserted"
	EventProductDeleted  EventType = "product_deleted"
)

// Event is broadcast to every session joined to a store room.
// Seq is the product record version that produced the event; it grows
// monotonically per product so receivers can drop stale deliveries.
type Event struct {
	ID              string           `json:"id"`
	Type            EventType        `json:"type"`
	StoreID         string           `json:"store_id"`
	ProductID       string           `json:"product_id"`
	Seq             int64            `json:"seq"`
	Origin          string           `json:"origin,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	StockDelta      *StockDelta      `json:"stock_delta,omitempty"`
	CartReservation *CartReservation `json:"cart_reservation,omitempty"`
	Product         *Availability    `json:"product,omitempty"`
}

// StockDelta carries the authoritative available quantity after a mutation.
type StockDelta struct {
	AvailableQuantity int `json:"available_quantity"`
}

// CartReservation tells other sessions that an actor reserved or released.
type CartReservation struct {
	ActorID  string            `json:"actor_id"`
	Action   ReservationAction `json:"action"`
	Quantity int               `json:"quantity"`
}

// CatalogEvent is consumed from the catalog service topic.
type CatalogEvent struct {
	Event     string    `json:"event"` // "product.upserted" | "product.deleted"
	StoreID   string    `json:"store_id"`
	ProductID string    `json:"product_id"`
	Name      string    `json:"name,omitempty"`
	Quantity  *int      `json:"quantity,omitempty"`
	Preorder  *bool     `json:"available_for_preorder,omitempty"`
	Threshold *int      `json:"low_stock_threshold,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	CatalogProductUpserted = "product.upserted"
	CatalogProductDeleted  = "product.deleted"
)

// CheckoutEvent is consumed from the order service queue.
type CheckoutEvent struct {
	Event     string     `json:"event"` // "checkout.completed" | "checkout.cancelled" | "checkout.failed"
	StoreID   string     `json:"store_id"`
	ActorID   string     `json:"actor_id"`
	OrderID   string     `json:"order_id"`
	Items     []CartLine `json:"items"`
	Timestamp time.Time  `json:"timestamp"`
}

const (
	CheckoutCompleted = "checkout.completed"
	CheckoutCancelled = "checkout.cancelled"
	CheckoutFailed    = "checkout.failed"
)

// LowStockAlert is published when availability crosses below the threshold.
type LowStockAlert struct {
	Event     string    `json:"event"`
	StoreID   string    `json:"store_id"`
	ProductID string    `json:"product_id"`
	Available int       `json:"available"`
	Threshold int       `json:"threshold"`
	AlertedAt time.Time `json:"alerted_at"`
}

// CatalogProduct is what the catalog service knows about a product.
type CatalogProduct struct {
	StoreID              string `json:"store_id" bson:"store_id"`
	ProductID            string `json:"product_id" bson:"product_id"`
	Name                 string `json:"name" bson:"name"`
	Quantity             int    `json:"quantity" bson:"quantity"`
	AvailableForPreorder bool   `json:"available_for_preorder" bson:"available_for_preorder"`
	LowStockThreshold    int    `json:"low_stock_threshold" bson:"low_stock_threshold"`
}
