package services

import (
	"errors"

	"github.com/TNZtims/bazaar-pos-sub001/ledger"
)

var (
	ErrProductNotFound    = errors.New("product not found")
	ErrInvalidQuantity    = ledger.ErrInvalidQuantity
	ErrInsufficientStock  = ledger.ErrInsufficientStock
	ErrStockBelowReserved = ledger.ErrStockBelowReserved
	// ErrPersistence means the inventory store rejected or failed the write;
	// the mutation was not applied.
	ErrPersistence = errors.New("inventory store unavailable")
	// ErrRequestInProgress means an earlier request with the same
	// Idempotency-Key has not finished yet.
	ErrRequestInProgress = errors.New("request with this idempotency key is still in progress")
)

// InsufficientStockError carries the quantity that is still available.
type InsufficientStockError = ledger.InsufficientStockError
