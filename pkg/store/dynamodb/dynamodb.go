package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/store"
)

// timeLayout is RFC3339 with fixed-width nanoseconds so stored timestamps
// sort lexically in range keys.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// maxConditionalRetries bounds the optimistic-concurrency retry loop on
// per-hash mutations.
const maxConditionalRetries = 5

// Secondary index names
const (
	buyerIndex      = "BuyerIndex"
	sellerIndex     = "SellerIndex"
	creatorIndex    = "CreatorIndex"
	tokenIndex      = "TokenIndex"
	kindStatusIndex = "KindStatusIndex"
)

// dynamoAPI is the subset of the DynamoDB client the store uses.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoStore is the primary durable implementation of the Store interface.
//
// The creation race on Upsert is closed with a conditional PutItem
// (attribute_not_exists on the hash); lifecycle mutations are optimistic
// conditional updates keyed on the current confirmation count and status,
// retried on ConditionalCheckFailedException. Each record is a single item,
// so there is no partial-application window.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
	threshold uint64

	initMu      sync.Mutex
	initialized bool
}

// DynamoConfig holds the configuration for a DynamoDB-backed store
type DynamoConfig struct {
	Region          string
	TableName       string
	Endpoint        string
	Threshold       uint64
	ProvisionedRCUs int64
	ProvisionedWCUs int64
	CreateTable     bool
}

// DynamoFactory creates DynamoDB store instances
type DynamoFactory struct{}

// NewDynamoFactory creates a new DynamoDB store factory
func NewDynamoFactory() *DynamoFactory {
	return &DynamoFactory{}
}

// CreateStore implements the Factory interface
func (f *DynamoFactory) CreateStore(config map[string]interface{}) (store.Store, error) {
	// Extract configuration
	cfg := DynamoConfig{
		Region:          "us-east-1", // Default region
		TableName:       "LedgerRecords",
		Threshold:       store.ThresholdFromConfig(config),
		ProvisionedRCUs: 5,
		ProvisionedWCUs: 5,
		CreateTable:     false,
	}

	if region, ok := config["region"].(string); ok {
		cfg.Region = region
	}
	if tableName, ok := config["tableName"].(string); ok {
		cfg.TableName = tableName
	}
	if endpoint, ok := config["endpoint"].(string); ok {
		cfg.Endpoint = endpoint
	}
	if rcus, ok := config["provisionedRCUs"].(int64); ok {
		cfg.ProvisionedRCUs = rcus
	}
	if wcus, ok := config["provisionedWCUs"].(int64); ok {
		cfg.ProvisionedWCUs = wcus
	}
	if createTable, ok := config["createTable"].(bool); ok {
		cfg.CreateTable = createTable
	}

	return NewDynamoStore(cfg)
}

// NewDynamoStore creates a new DynamoDB-backed store instance
func NewDynamoStore(cfg DynamoConfig) (*DynamoStore, error) {
	s := &DynamoStore{
		tableName: cfg.TableName,
		threshold: cfg.Threshold,
	}
	if s.threshold == 0 {
		s.threshold = ledger.DefaultConfirmationThreshold
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	if cfg.Endpoint != "" {
		// Use a custom endpoint (e.g., for local DynamoDB)
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           cfg.Endpoint,
				SigningRegion: cfg.Region,
			}, nil
		})
		awsCfg.EndpointResolverWithOptions = customResolver
	}

	s.client = dynamodb.NewFromConfig(awsCfg)

	if cfg.CreateTable {
		if err := s.createLedgerTable(cfg.ProvisionedRCUs, cfg.ProvisionedWCUs); err != nil {
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	return s, nil
}

// Initialize implements the Store interface. Safe for concurrent callers; the
// table check runs once.
func (s *DynamoStore) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized {
		return nil
	}

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var notFoundErr *types.ResourceNotFoundException
		if errors.As(err, &notFoundErr) {
			return fmt.Errorf("table %s does not exist", s.tableName)
		}
		return fmt.Errorf("%w: error checking table: %v", ledger.ErrUnavailable, err)
	}

	s.initialized = true
	return nil
}

// Close implements the Store interface
func (s *DynamoStore) Close() error {
	// DynamoDB doesn't require explicit connection closing
	s.initMu.Lock()
	defer s.initMu.Unlock()
	s.initialized = false
	return nil
}

func (s *DynamoStore) ready() bool {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initialized
}

// Upsert implements the Store interface
func (s *DynamoStore) Upsert(ctx context.Context, record *ledger.TransactionRecord) (*ledger.TransactionRecord, error) {
	if !s.ready() {
		return nil, errors.New("store not initialized")
	}
	if record == nil || record.TransactionHash == "" {
		return nil, fmt.Errorf("%w: record must carry a transactionHash", ledger.ErrInvalidEvent)
	}

	created := record.Clone()
	created.Status = ledger.StatusPending
	created.Confirmations = 0
	created.ConfirmedAt = nil
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	item, err := attributevalue.MarshalMap(toItem(created))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(transactionHash)"),
	})
	if err == nil {
		return created, nil
	}

	var conditionFailed *types.ConditionalCheckFailedException
	if !errors.As(err, &conditionFailed) {
		return nil, fmt.Errorf("%w: PutItem failed: %v", ledger.ErrUnavailable, err)
	}

	// Lost the creation race or re-observing: fetch the winner and compare
	// the immutable fields.
	existing, err := s.GetByHash(ctx, record.TransactionHash)
	if err != nil {
		return nil, err
	}
	if !existing.StructurallyEqual(record) {
		return nil, fmt.Errorf("%w: hash %s already persisted with kind=%s tokenId=%d contract=%s",
			ledger.ErrDuplicateKey, existing.TransactionHash, existing.Kind, existing.TokenID, existing.ContractAddress)
	}
	return existing, nil
}

// GetByHash implements the Store interface
func (s *DynamoStore) GetByHash(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	if !s.ready() {
		return nil, errors.New("store not initialized")
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"transactionHash": &types.AttributeValueMemberS{Value: hash},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: GetItem failed: %v", ledger.ErrUnavailable, err)
	}
	if len(result.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, hash)
	}

	return unmarshalRecord(result.Item)
}

// ListByParty implements the Store interface. The buyer, seller and creator
// attributes are sparse, each backing its own index; one query per index,
// merged and deduplicated by hash.
func (s *DynamoStore) ListByParty(ctx context.Context, address string, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	if !s.ready() {
		return nil, errors.New("store not initialized")
	}

	seen := make(map[string]bool)
	results := make([]*ledger.TransactionRecord, 0)

	for _, idx := range []struct{ name, key string }{
		{buyerIndex, "buyer"},
		{sellerIndex, "seller"},
		{creatorIndex, "creator"},
	} {
		records, err := s.queryIndex(ctx, idx.name, idx.key, &types.AttributeValueMemberS{Value: address}, "", options)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if !seen[record.TransactionHash] {
				seen[record.TransactionHash] = true
				results = append(results, record)
			}
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if options != nil && options.Limit > 0 && int64(len(results)) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}

// ListByToken implements the Store interface
func (s *DynamoStore) ListByToken(ctx context.Context, tokenID int64, kind ledger.Kind, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	if !s.ready() {
		return nil, errors.New("store not initialized")
	}
	return s.queryIndex(ctx, tokenIndex, "tokenId",
		&types.AttributeValueMemberN{Value: fmt.Sprintf("%d", tokenID)}, kind, options)
}

// ListByKindStatus implements the Store interface. The kindStatus attribute
// is a composite "KIND#STATUS" key maintained on every write.
func (s *DynamoStore) ListByKindStatus(ctx context.Context, kind ledger.Kind, status ledger.Status, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	if !s.ready() {
		return nil, errors.New("store not initialized")
	}
	return s.queryIndex(ctx, kindStatusIndex, "kindStatus",
		&types.AttributeValueMemberS{Value: kindStatusKey(kind, status)}, "", options)
}

// queryIndex runs a single-partition query against a GSI, newest first,
// following LastEvaluatedKey until the partition is exhausted or the caller's
// limit is met. A single Query call returns at most one page (~1MB), so
// aggregation callers would otherwise read a strict subset of the records.
func (s *DynamoStore) queryIndex(ctx context.Context, indexName, keyName string, keyValue types.AttributeValue, kindFilter ledger.Kind, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexName),
		KeyConditionExpression: aws.String(fmt.Sprintf("%s = :v", keyName)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": keyValue,
		},
		ScanIndexForward: aws.Bool(false),
	}

	if kindFilter != "" {
		input.FilterExpression = aws.String("kind = :kind")
		input.ExpressionAttributeValues[":kind"] = &types.AttributeValueMemberS{Value: string(kindFilter)}
	}

	var limit int64
	if options != nil && options.Limit > 0 {
		limit = options.Limit
		// DynamoDB applies Limit before FilterExpression, so a server-side
		// limit would undercount filtered queries; truncate client-side
		// instead.
		if kindFilter == "" {
			input.Limit = aws.Int32(int32(limit))
		}
	}

	records := make([]*ledger.TransactionRecord, 0)
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: Query on %s failed: %v", ledger.ErrUnavailable, indexName, err)
		}
		for _, item := range page.Items {
			record, err := unmarshalRecord(item)
			if err != nil {
				return nil, err
			}
			records = append(records, record)
			if limit > 0 && int64(len(records)) == limit {
				return records, nil
			}
		}
	}
	return records, nil
}

// ApplyConfirmationDelta implements the Store interface
func (s *DynamoStore) ApplyConfirmationDelta(ctx context.Context, hash string, delta uint64) (*ledger.TransactionRecord, error) {
	return s.mutate(ctx, hash, func(record *ledger.TransactionRecord) error {
		return ledger.ApplyConfirmations(record, delta, s.threshold, time.Now())
	})
}

// MarkFailed implements the Store interface
func (s *DynamoStore) MarkFailed(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	return s.mutate(ctx, hash, ledger.Fail)
}

// ForceConfirm implements the Store interface
func (s *DynamoStore) ForceConfirm(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	return s.mutate(ctx, hash, func(record *ledger.TransactionRecord) error {
		return ledger.Confirm(record, time.Now())
	})
}

// mutate runs a lifecycle transition as an optimistic read-modify-write: read
// the item, apply the pure transition, write back conditioned on the
// confirmation count and status still being what we read. A concurrent writer
// fails the condition and we retry against the fresh state, so no delta is
// ever lost and the Confirmed transition cannot double-fire.
func (s *DynamoStore) mutate(ctx context.Context, hash string, transition func(*ledger.TransactionRecord) error) (*ledger.TransactionRecord, error) {
	if !s.ready() {
		return nil, errors.New("store not initialized")
	}

	for attempt := 0; attempt < maxConditionalRetries; attempt++ {
		record, err := s.GetByHash(ctx, hash)
		if err != nil {
			return nil, err
		}

		expectedConfirmations := record.Confirmations
		expectedStatus := record.Status

		if err := transition(record); err != nil {
			return nil, err
		}

		item, err := attributevalue.MarshalMap(toItem(record))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record: %w", err)
		}

		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("confirmations = :c AND #st = :s"),
			ExpressionAttributeNames: map[string]string{
				"#st": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":c": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedConfirmations)},
				":s": &types.AttributeValueMemberS{Value: string(expectedStatus)},
			},
		})
		if err == nil {
			return record, nil
		}

		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			continue // concurrent writer got there first; re-read and retry
		}
		return nil, fmt.Errorf("%w: conditional PutItem failed: %v", ledger.ErrUnavailable, err)
	}

	return nil, fmt.Errorf("%w: gave up after %d conditional retries on %s", ledger.ErrUnavailable, maxConditionalRetries, hash)
}

// createLedgerTable creates the records table with the party, token and
// kind/status indexes
func (s *DynamoStore) createLedgerTable(rcus, wcus int64) error {
	throughput := &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(rcus),
		WriteCapacityUnits: aws.Int64(wcus),
	}

	gsi := func(name, hashKey string) types.GlobalSecondaryIndex {
		return types.GlobalSecondaryIndex{
			IndexName: aws.String(name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(hashKey), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("createdAt"), KeyType: types.KeyTypeRange},
			},
			Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
			ProvisionedThroughput: throughput,
		}
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("transactionHash"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("buyer"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("seller"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("creator"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("tokenId"), AttributeType: types.ScalarAttributeTypeN},
			{AttributeName: aws.String("kindStatus"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("createdAt"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("transactionHash"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			gsi(buyerIndex, "buyer"),
			gsi(sellerIndex, "seller"),
			gsi(creatorIndex, "creator"),
			gsi(tokenIndex, "tokenId"),
			gsi(kindStatusIndex, "kindStatus"),
		},
		ProvisionedThroughput: throughput,
	}

	_, err := s.client.CreateTable(context.Background(), input)
	if err != nil {
		var alreadyExistsErr *types.ResourceInUseException
		if errors.As(err, &alreadyExistsErr) {
			// Table already exists, which is fine
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	err = waiter.Wait(context.Background(), &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to wait for table creation: %w", err)
	}

	return nil
}
