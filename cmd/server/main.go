package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/openmarket/nft-ledger/pkg/ingest"
	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/query"
	"github.com/openmarket/nft-ledger/pkg/stats/timestream"
	"github.com/openmarket/nft-ledger/pkg/store"
	"github.com/openmarket/nft-ledger/pkg/store/dynamodb"
	"github.com/openmarket/nft-ledger/pkg/store/immudb"
	"github.com/openmarket/nft-ledger/pkg/store/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Command line flags
var (
	listenAddr       = flag.String("listen", ":8080", "Address to serve the HTTP API on")
	backend          = flag.String("backend", envOr("LEDGER_BACKEND", "dynamodb"), "Record store backend: dynamodb, immudb, memory")
	tableName        = flag.String("table", envOr("LEDGER_TABLE", "LedgerRecords"), "Record table name")
	region           = flag.String("region", envOr("AWS_REGION", "us-east-1"), "AWS region")
	endpoint         = flag.String("endpoint", os.Getenv("LEDGER_ENDPOINT"), "Custom store endpoint (e.g. local DynamoDB)")
	threshold        = flag.Int("confirmation-threshold", envIntOr("CONFIRMATION_THRESHOLD", ledger.DefaultConfirmationThreshold), "Confirmations required before a record is final")
	snapshotInterval = flag.Duration("snapshot-interval", 0, "If set, record a stats snapshot to Timestream at this interval")
	statsDatabase    = flag.String("stats-database", envOr("STATS_DATABASE", "LedgerStats"), "Timestream database for stats snapshots")
	statsTable       = flag.String("stats-table", envOr("STATS_TABLE", "Snapshots"), "Timestream table for stats snapshots")
)

type server struct {
	gateway *ingest.Gateway
	engine  *query.Engine
	store   store.Store
	log     *zap.Logger
}

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	s, err := createStore()
	if err != nil {
		logger.Fatal("error creating store", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Initialize(ctx); err != nil {
		logger.Fatal("error initializing store", zap.Error(err))
	}
	defer s.Close()

	srv := &server{
		gateway: ingest.NewGateway(s, logger),
		engine:  query.NewEngine(s),
		store:   s,
		log:     logger,
	}

	if *snapshotInterval > 0 {
		sink, err := timestream.NewSink(timestream.SinkConfig{
			Region:       *region,
			DatabaseName: *statsDatabase,
			TableName:    *statsTable,
		})
		if err != nil {
			logger.Fatal("error creating stats sink", zap.Error(err))
		}
		go srv.snapshotLoop(ctx, sink, *snapshotInterval)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", srv.handleIngest)
	mux.HandleFunc("GET /transactions/{hash}", srv.handleGet)
	mux.HandleFunc("POST /transactions/{hash}/fail", srv.handleFail)
	mux.HandleFunc("POST /transactions/{hash}/confirm", srv.handleForceConfirm)
	mux.HandleFunc("GET /parties/{address}/transactions", srv.handleUserActivity)
	mux.HandleFunc("GET /tokens/{id}/transactions", srv.handleTokenHistory)
	mux.HandleFunc("GET /tokens/{id}/purchases", srv.handlePurchaseHistory)
	mux.HandleFunc("GET /stats", srv.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         *listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("ledger API listening",
		zap.String("addr", *listenAddr),
		zap.String("backend", *backend))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

// createStore builds the store backend from flags and environment
func createStore() (store.Store, error) {
	config := map[string]interface{}{
		"region":                *region,
		"tableName":             *tableName,
		"confirmationThreshold": *threshold,
	}
	if *endpoint != "" {
		config["endpoint"] = *endpoint
	}

	switch strings.ToLower(*backend) {
	case "dynamodb":
		return dynamodb.NewDynamoFactory().CreateStore(config)
	case "immudb":
		config["address"] = envOr("IMMUDB_ADDRESS", "127.0.0.1")
		return immudb.NewImmuFactory().CreateStore(config)
	case "memory":
		return memory.NewMemoryFactory().CreateStore(config)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", *backend)
	}
}

// snapshotLoop periodically records a stats snapshot to the Timestream sink
func (s *server) snapshotLoop(ctx context.Context, sink *timestream.Sink, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := s.engine.StatsSnapshot(ctx)
			if err != nil {
				s.log.Warn("stats snapshot failed", zap.Error(err))
				continue
			}
			if err := sink.RecordSnapshot(ctx, snapshot); err != nil {
				s.log.Warn("stats sink write failed", zap.Error(err))
			}
		}
	}
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var event ingest.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ledger.ErrInvalidEvent, err))
		return
	}

	record, err := s.gateway.Ingest(r.Context(), &event)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.GetByHash(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *server) handleFail(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.MarkFailed(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("record marked failed by operator", zap.String("transactionHash", record.TransactionHash))
	writeJSON(w, http.StatusOK, record)
}

func (s *server) handleForceConfirm(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.ForceConfirm(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("record force-confirmed by operator", zap.String("transactionHash", record.TransactionHash))
	writeJSON(w, http.StatusOK, record)
}

func (s *server) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.UserActivity(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *server) handleTokenHistory(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid token id: %w", err))
		return
	}
	records, err := s.engine.TokenHistory(r.Context(), tokenID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *server) handlePurchaseHistory(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid token id: %w", err))
		return
	}
	records, err := s.engine.PurchaseHistory(r.Context(), tokenID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.engine.StatsSnapshot(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// statusFor maps the ledger error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrTerminalState):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
