package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/openmarket/nft-ledger/pkg/ingest"
	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/store"
	"github.com/openmarket/nft-ledger/pkg/store/dynamodb"
	"github.com/openmarket/nft-ledger/pkg/store/immudb"
	"go.uber.org/zap"
)

// Request carries a batch of chain-watcher events. The watcher delivers at
// least once, so the handler must stay idempotent across retries of the whole
// batch.
type Request struct {
	Events []ingest.Event `json:"events"`
}

// Response reports the outcome per batch. Rejected events are returned with
// their hash and reason so the watcher can drop them instead of retrying.
type Response struct {
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Retryable int      `json:"retryable"`
	Errors    []string `json:"errors,omitempty"`
}

var (
	gateway *ingest.Gateway
	logger  *zap.Logger
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

	gateway = ingest.NewGateway(s, logger)
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
	response := Response{}

	for i := range request.Events {
		event := &request.Events[i]
		_, err := gateway.Ingest(ctx, event)
		if err == nil {
			response.Accepted++
			continue
		}

		switch {
		case errors.Is(err, ledger.ErrUnavailable):
			// Transient; the watcher redelivers, so count it and move on
			response.Retryable++
		default:
			response.Rejected++
		}
		response.Errors = append(response.Errors,
			fmt.Sprintf("%s: %v", event.TransactionHash, err))
	}

	logger.Info("batch processed",
		zap.Int("accepted", response.Accepted),
		zap.Int("rejected", response.Rejected),
		zap.Int("retryable", response.Retryable))
	return response, nil
}

func main() {
	defer logger.Sync()
	lambda.Start(handleRequest)
}
