package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmarket/nft-ledger/pkg/ingest"
	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/query"
	"github.com/openmarket/nft-ledger/pkg/store"
	"github.com/openmarket/nft-ledger/pkg/store/dynamodb"
	"github.com/openmarket/nft-ledger/pkg/store/immudb"
	"github.com/openmarket/nft-ledger/pkg/store/memory"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// watchersim drives the ingestion gateway with a synthetic event stream:
// mint, listing and purchase flows per token, confirmation increments split
// across deliveries, and a configurable fraction of duplicate deliveries to
// exercise at-least-once semantics end to end.

// Command line flags
var (
	backend     = flag.String("backend", "memory", "Record store backend: memory, dynamodb, immudb")
	tableName   = flag.String("table", envOr("LEDGER_TABLE", "LedgerRecords"), "Record table name")
	region      = flag.String("region", envOr("AWS_REGION", "us-east-1"), "AWS region")
	endpoint    = flag.String("endpoint", os.Getenv("LEDGER_ENDPOINT"), "Custom store endpoint")
	tokens      = flag.Int("tokens", 100, "Number of tokens to simulate")
	concurrency = flag.Int("concurrency", 10, "Number of delivery workers")
	dupePercent = flag.Int("dupe-percent", 20, "Percentage of deliveries repeated to simulate at-least-once redelivery")
	threshold   = flag.Int("confirmation-threshold", ledger.DefaultConfirmationThreshold, "Confirmations required before a record is final")
	seed        = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	contract    = flag.String("contract", "0x9f3b5d8c4e2a71064bd01c5e7a8a29e4f0c613aa", "Marketplace contract address")
)

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	s := createStore()
	if err := s.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer s.Close()

	gateway := ingest.NewGateway(s, logger)
	rng := rand.New(rand.NewSource(*seed))

	events := buildEventStream(rng)
	logger.Info("delivering synthetic events",
		zap.Int("tokens", *tokens),
		zap.Int("events", len(events)),
		zap.Int("dupePercent", *dupePercent))

	start := time.Now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	eventChan := make(chan *ingest.Event, len(events))

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range eventChan {
				_, err := gateway.Ingest(ctx, event)
				mu.Lock()
				if err != nil {
					rejected++
				} else {
					accepted++
				}
				mu.Unlock()
			}
		}()
	}

	for _, event := range events {
		eventChan <- event
	}
	close(eventChan)
	wg.Wait()

	logger.Info("delivery complete",
		zap.Int("accepted", accepted),
		zap.Int("rejected", rejected),
		zap.Duration("elapsed", time.Since(start)))

	snapshot, err := query.NewEngine(s).StatsSnapshot(ctx)
	if err != nil {
		log.Fatalf("Failed to compute stats: %v", err)
	}
	fmt.Printf("Confirmed sales: %d  volume: %s  average: %s  fees: %s\n",
		snapshot.TotalSales, snapshot.TotalVolume, snapshot.AveragePrice, snapshot.TotalFees)
}

// buildEventStream generates a mint/listing/purchase flow per token with the
// confirmation increments split across deliveries. A fraction of deliveries
// is appended twice.
func buildEventStream(rng *rand.Rand) []*ingest.Event {
	events := make([]*ingest.Event, 0, *tokens*8)

	deliver := func(event *ingest.Event) {
		events = append(events, event)
		if rng.Intn(100) < *dupePercent {
			dupe := *event
			events = append(events, &dupe)
		}
	}

	for i := 0; i < *tokens; i++ {
		tokenID := int64(i + 1)
		creator := randomAddress(rng)
		buyer := randomAddress(rng)
		price := decimal.NewFromFloat(rng.Float64() * 10).Round(4)
		platformFee := price.Mul(decimal.NewFromFloat(0.025)).Round(6)
		royaltyFee := price.Mul(decimal.NewFromFloat(0.05)).Round(6)
		block := int64(19_000_000 + i*3)

		mint := &ingest.Event{
			TransactionHash: randomHash(),
			BlockNumber:     block,
			TokenID:         tokenID,
			ContractAddress: *contract,
			Kind:            ledger.KindMint,
			Creator:         creator,
			GasUsed:         fmt.Sprintf("%d", 50000+rng.Intn(100000)),
		}
		deliver(mint)
		deliverConfirmations(deliver, mint, rng)

		listing := &ingest.Event{
			TransactionHash: randomHash(),
			BlockNumber:     block + 1,
			TokenID:         tokenID,
			ContractAddress: *contract,
			Kind:            ledger.KindListing,
			Seller:          creator,
			Price:           &price,
			GasUsed:         fmt.Sprintf("%d", 40000+rng.Intn(50000)),
		}
		deliver(listing)
		deliverConfirmations(deliver, listing, rng)

		purchase := &ingest.Event{
			TransactionHash: randomHash(),
			BlockNumber:     block + 2,
			TokenID:         tokenID,
			ContractAddress: *contract,
			Kind:            ledger.KindPurchase,
			Buyer:           buyer,
			Seller:          creator,
			Price:           &price,
			PlatformFee:     &platformFee,
			RoyaltyFee:      &royaltyFee,
			GasUsed:         fmt.Sprintf("%d", 90000+rng.Intn(120000)),
		}
		deliver(purchase)

		// A slice of purchases never confirms; some fail outright
		switch rng.Intn(10) {
		case 0:
			deliver(&ingest.Event{
				TransactionHash: purchase.TransactionHash,
				TokenID:         tokenID,
				ContractAddress: *contract,
				Kind:            ledger.KindPurchase,
				Buyer:           buyer,
				Seller:          creator,
				Price:           &price,
				GasUsed:         purchase.GasUsed,
				Failed:          true,
			})
		case 1:
			// left pending
		default:
			deliverConfirmations(deliver, purchase, rng)
		}
	}

	return events
}

// deliverConfirmations splits the threshold worth of confirmations into one
// or more increment deliveries for the same hash.
func deliverConfirmations(deliver func(*ingest.Event), base *ingest.Event, rng *rand.Rand) {
	remaining := uint64(*threshold)
	for remaining > 0 {
		delta := uint64(rng.Intn(int(remaining))) + 1
		increment := *base
		increment.Failed = false
		increment.ConfirmationIncrement = delta
		deliver(&increment)
		remaining -= delta
	}
}

func randomHash() string {
	id := uuid.New()
	return "0x" + strings.ReplaceAll(id.String(), "-", "") + fmt.Sprintf("%08x", uuid.New().ID())
}

func randomAddress(rng *rand.Rand) string {
	return fmt.Sprintf("0x%040x", rng.Uint64())
}

func createStore() store.Store {
	config := map[string]interface{}{
		"region":                *region,
		"tableName":             *tableName,
		"confirmationThreshold": *threshold,
	}
	if *endpoint != "" {
		config["endpoint"] = *endpoint
	}

	var (
		s   store.Store
		err error
	)
	switch strings.ToLower(*backend) {
	case "memory":
		s, err = memory.NewMemoryFactory().CreateStore(config)
	case "dynamodb":
		s, err = dynamodb.NewDynamoFactory().CreateStore(config)
	case "immudb":
		config["address"] = envOr("IMMUDB_ADDRESS", "127.0.0.1")
		s, err = immudb.NewImmuFactory().CreateStore(config)
	default:
		log.Fatalf("unsupported backend: %s", *backend)
	}
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
