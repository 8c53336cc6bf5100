package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoCatalog reads product stock definitions owned by the catalog service.
type MongoCatalog struct {
	collection *mongo.Collection
}

func NewMongoCatalog(db *mongo.Database) *MongoCatalog {
	return &MongoCatalog{collection: db.Collection("products")}
}

func (c *MongoCatalog) GetProduct(ctx context.Context, storeID, productID string) (*models.CatalogProduct, error) {
	filter := bson.M{"store_id": storeID, "product_id": productID, "deleted_at": bson.M{"$exists": false}}
	var product models.CatalogProduct
	if err := c.collection.FindOne(ctx, filter).Decode(&product); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog FindOne failed: %w", err)
	}
	return &product, nil
}

func (c *MongoCatalog) ListProducts(ctx context.Context, storeID string) ([]*models.CatalogProduct, error) {
	filter := bson.M{"store_id": storeID, "deleted_at": bson.M{"$exists": false}}
	cursor, err := c.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "product_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("catalog Find failed: %w", err)
	}
	defer cursor.Close(ctx)

	var products []*models.CatalogProduct
	if err := cursor.All(ctx, &products); err != nil {
		return nil, fmt.Errorf("catalog decode failed: %w", err)
	}
	return products, nil
}
