package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	ErrNotFound        = errors.New("inventory record not found")
	ErrVersionConflict = errors.New("inventory record was modified concurrently")
)

// InventoryRepository persists product inventory records. Save is a
// compare-and-set on the record version: expectedVersion 0 means the record
// must not exist yet.
type InventoryRepository interface {
	Get(ctx context.Context, storeID, productID string) (*models.Product, error)
	Save(ctx context.Context, p *models.Product, expectedVersion int64) error
	Delete(ctx context.Context, storeID, productID string) error
	List(ctx context.Context, storeID string) ([]*models.Product, error)
}

// DynamoAPI is the subset of the DynamoDB client used by the repository.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoInventoryRepository implements InventoryRepository using DynamoDB.
// The table is keyed by store_id (hash) and product_id (range).
type DynamoInventoryRepository struct {
	client DynamoAPI
	table  string
}

// NewDynamoInventoryRepository creates a new DynamoDB backed inventory repository
func NewDynamoInventoryRepository(client DynamoAPI, table string) *DynamoInventoryRepository {
	return &DynamoInventoryRepository{client: client, table: table}
}

func itemKey(storeID, productID string) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"store_id": storeID, "product_id": productID})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return key, nil
}

func (r *DynamoInventoryRepository) Get(ctx context.Context, storeID, productID string) (*models.Product, error) {
	key, err := itemKey(storeID, productID)
	if err != nil {
		return nil, err
	}

	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.table,
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem failed: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var p models.Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &p, nil
}

// Save writes the whole record if the stored version still equals
// expectedVersion. A failed condition is reported as ErrVersionConflict.
func (r *DynamoInventoryRepository) Save(ctx context.Context, p *models.Product, expectedVersion int64) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal inventory: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: &r.table,
		Item:      item,
	}
	if expectedVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(product_id)")
	} else {
		expected, err := attributevalue.Marshal(expectedVersion)
		if err != nil {
			return fmt.Errorf("marshal version: %w", err)
		}
		input.ConditionExpression = aws.String("#v = :expected")
		input.ExpressionAttributeNames = map[string]string{"#v": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{":expected": expected}
	}

	if _, err := r.client.PutItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrVersionConflict
		}
		return fmt.Errorf("dynamodb PutItem failed: %w", err)
	}
	return nil
}

func (r *DynamoInventoryRepository) Delete(ctx context.Context, storeID, productID string) error {
	key, err := itemKey(storeID, productID)
	if err != nil {
		return err
	}
	_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &r.table,
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("dynamodb DeleteItem failed: %w", err)
	}
	return nil
}

func (r *DynamoInventoryRepository) List(ctx context.Context, storeID string) ([]*models.Product, error) {
	storeAV, err := attributevalue.Marshal(storeID)
	if err != nil {
		return nil, fmt.Errorf("marshal store id: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                 &r.table,
		KeyConditionExpression:    aws.String("store_id = :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":s": storeAV},
		ConsistentRead:            aws.Bool(true),
	})

	var products []*models.Product
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Query failed: %w", err)
		}
		var batch []*models.Product
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal items: %w", err)
		}
		products = append(products, batch...)
	}
	return products, nil
}
