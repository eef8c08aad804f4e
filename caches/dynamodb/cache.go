package dynamodb

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	weathercache "github.com/dgduncan/go-weather-cache"
	"github.com/dgduncan/go-weather-cache/caches"
)

const (
	attrKey       = "cache_key"
	attrExpiresAt = "expires_at"

	// batchSize is the most delete requests BatchWriteItem accepts at once.
	batchSize = 25

	maxBatchAttempts = 5
)

var errUnprocessed = errors.New("dynamodb left delete requests unprocessed")

// API is the subset of *dynamodb.Client the cache uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Config defines the configuration options for the DynamoDB cache implementation.
type Config struct {
	// Table is the name of a table whose hash key is the string attribute cache_key.
	Table string
}

// Cache implements the weathercache.Store interface using Amazon DynamoDB as the storage backend.
// The expires_at attribute holds unix seconds, so it can also be enabled as the
// table's TTL attribute to let DynamoDB reap rows nobody sweeps.
type Cache struct {
	client API

	table string
}

var _ weathercache.Store = (*Cache)(nil)

type cacheItem struct {
	Key       string `json:"cache_key" dynamodbav:"cache_key"`
	Payload   []byte `json:"payload" dynamodbav:"payload,omitempty"`
	CreatedAt int64  `json:"created_at" dynamodbav:"created_at"`
	ExpiresAt int64  `json:"expires_at" dynamodbav:"expires_at"`
}

// Get retrieves a cache item from DynamoDB by its key, expired or not.
func (c *Cache) Get(ctx context.Context, k string) (*weathercache.Entry, error) {
	key, err := c.key(k)
	if err != nil {
		return nil, err
	}

	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key,
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, caches.ErrNoCacheItem
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	return &weathercache.Entry{
		Key:       k,
		Payload:   item.Payload,
		CreatedAt: time.Unix(item.CreatedAt, 0),
		ExpiresAt: time.Unix(item.ExpiresAt, 0),
	}, nil
}

// Set stores the entry, replacing any item with the same key.
func (c *Cache) Set(ctx context.Context, e *weathercache.Entry) error {
	av, err := attributevalue.MarshalMap(cacheItem{
		Key:       e.Key,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.Unix(),
		ExpiresAt: e.ExpiresAt.Unix(),
	})
	if err != nil {
		return err
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	})
	return err
}

func (c *Cache) Delete(ctx context.Context, k string) error {
	key, err := c.key(k)
	if err != nil {
		return err
	}

	_, err = c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       key,
	})
	return err
}

// DeleteExpired scans for items whose expires_at is at or before now and
// deletes them in batches.
func (c *Cache) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := c.scanKeys(ctx, &dynamodb.ScanInput{
		TableName:            aws.String(c.table),
		ProjectionExpression: aws.String(attrKey),
		FilterExpression:     aws.String(attrExpiresAt + " <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(now.Unix(), 10),
			},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, err
	}

	return c.deleteKeys(ctx, keys)
}

func (c *Cache) DeleteAll(ctx context.Context) error {
	keys, err := c.scanKeys(ctx, &dynamodb.ScanInput{
		TableName:            aws.String(c.table),
		ProjectionExpression: aws.String(attrKey),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return err
	}

	_, err = c.deleteKeys(ctx, keys)
	return err
}

// Close is a no-op; the client has no resources to release.
func (c *Cache) Close() error {
	return nil
}

func (c *Cache) key(k string) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.Marshal(k)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{attrKey: key}, nil
}

func (c *Cache) scanKeys(ctx context.Context, input *dynamodb.ScanInput) ([]map[string]types.AttributeValue, error) {
	var keys []map[string]types.AttributeValue

	paginator := dynamodb.NewScanPaginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if v, ok := item[attrKey]; ok {
				keys = append(keys, map[string]types.AttributeValue{attrKey: v})
			}
		}
	}

	return keys, nil
}

func (c *Cache) deleteKeys(ctx context.Context, keys []map[string]types.AttributeValue) (int, error) {
	deleted := 0
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))

		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}

		pending := map[string][]types.WriteRequest{c.table: requests}
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == maxBatchAttempts {
				return deleted + (end - start) - len(pending[c.table]), errUnprocessed
			}

			out, err := c.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return deleted + (end - start) - len(pending[c.table]), err
			}
			pending = out.UnprocessedItems
		}
		deleted += end - start
	}

	return deleted, nil
}

// CreateTable creates a pay-per-request table with the key schema the cache expects.
func CreateTable(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(attrKey),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(attrKey),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	return err
}

// New creates a new DynamoDB cache instance with the provided configuration.
// Returns an error if the client is nil or no table is configured.
func New(_ context.Context, client API, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	if config == nil || config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "no table",
		}
	}

	return &Cache{
		client: client,

		table: config.Table,
	}, nil
}
