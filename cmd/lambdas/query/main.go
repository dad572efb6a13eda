package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/query"
	"github.com/openmarket/nft-ledger/pkg/store"
	"github.com/openmarket/nft-ledger/pkg/store/dynamodb"
	"github.com/openmarket/nft-ledger/pkg/store/immudb"
	"go.uber.org/zap"
)

// Request selects one read-only operation. Exactly one of the parameter
// fields is consulted, depending on Operation.
type Request struct {
	// Operation is one of: get, user-activity, token-history,
	// purchase-history, stats
	Operation string `json:"operation"`

	TransactionHash string `json:"transactionHash,omitempty"`
	Address         string `json:"address,omitempty"`
	TokenID         int64  `json:"tokenId,omitempty"`
}

// Response carries whichever result shape the operation produced
type Response struct {
	Record  *ledger.TransactionRecord   `json:"record,omitempty"`
	Records []*ledger.TransactionRecord `json:"records,omitempty"`
	Stats   *query.Snapshot             `json:"stats,omitempty"`
	Error   string                      `json:"error,omitempty"`
}

var (
	engine *query.Engine
	logger *zap.Logger
)

func init() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}

	s, err := createStore()
	if err != nil {
		logger.Fatal("error creating store", zap.Error(err))
	}
	if err := s.Initialize(context.Background()); err != nil {
		logger.Fatal("error initializing store", zap.Error(err))
	}

	engine = query.NewEngine(s)
}

// createStore builds the store backend from environment configuration
func createStore() (store.Store, error) {
	config := map[string]interface{}{
		"region":    os.Getenv("AWS_REGION"),
		"tableName": os.Getenv("LEDGER_TABLE"),
	}
	if endpoint := os.Getenv("LEDGER_ENDPOINT"); endpoint != "" {
		config["endpoint"] = endpoint
	}
	if threshold := os.Getenv("CONFIRMATION_THRESHOLD"); threshold != "" {
		v, err := strconv.Atoi(threshold)
		if err != nil {
			return nil, fmt.Errorf("invalid CONFIRMATION_THRESHOLD %q: %w", threshold, err)
		}
		config["confirmationThreshold"] = v
	}

	backend := strings.ToLower(os.Getenv("LEDGER_BACKEND"))
	switch backend {
	case "", "dynamodb":
		return dynamodb.NewDynamoFactory().CreateStore(config)
	case "immudb":
		config["address"] = os.Getenv("IMMUDB_ADDRESS")
		return immudb.NewImmuFactory().CreateStore(config)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

func handleRequest(ctx context.Context, request Request) (Response, error) {
	var response Response
	var err error

	switch strings.ToLower(request.Operation) {
	case "get":
		response.Record, err = engine.GetByHash(ctx, request.TransactionHash)
	case "user-activity":
		response.Records, err = engine.UserActivity(ctx, request.Address)
	case "token-history":
		response.Records, err = engine.TokenHistory(ctx, request.TokenID)
	case "purchase-history":
		response.Records, err = engine.PurchaseHistory(ctx, request.TokenID)
	case "stats":
		response.Stats, err = engine.StatsSnapshot(ctx)
	default:
		err = fmt.Errorf("unsupported operation: %s", request.Operation)
	}

	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// Not-found is an answer, not a handler failure
			response.Error = err.Error()
			return response, nil
		}
		logger.Error("query failed",
			zap.String("operation", request.Operation),
			zap.Error(err))
		return Response{Error: err.Error()}, err
	}
	return response, nil
}

func main() {
	defer logger.Sync()
	lambda.Start(handleRequest)
}
