package immudb

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/codenotary/immudb/pkg/api/schema"
	"github.com/codenotary/immudb/pkg/client"
	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/store"
	"github.com/shopspring/decimal"
)

// lockStripes is the number of per-hash mutex stripes serializing mutations.
const lockStripes = 64

// ImmuStore is an append-only, audit-grade implementation of the Store
// interface on top of immudb SQL.
//
// immudb has no conditional-update primitive, so per-hash linearizability is
// provided by key-striped in-process locks. That is sufficient under the
// deployment assumption that a single ingester process owns all writes; the
// database itself still guarantees tamper-evident durability.
type ImmuStore struct {
	client    client.ImmuClient
	newClient func() client.ImmuClient
	options   *client.Options
	tableName string
	threshold uint64
	locks     [lockStripes]sync.Mutex

	initMu    sync.Mutex
	connected bool
}

// ImmuFactory creates immudb store instances
type ImmuFactory struct{}

// NewImmuFactory creates a new factory for immudb-backed stores
func NewImmuFactory() *ImmuFactory {
	return &ImmuFactory{}
}

// CreateStore implements the Factory interface
func (f *ImmuFactory) CreateStore(config map[string]interface{}) (store.Store, error) {
	// Default configuration
	defaults := map[string]interface{}{
		"address":   "127.0.0.1",
		"port":      3322,
		"username":  "immudb",
		"password":  "immudb",
		"database":  "defaultdb",
		"tableName": "ledger_records",
	}
	for k, v := range config {
		defaults[k] = v
	}

	address := fmt.Sprintf("%v", defaults["address"])
	portValue := defaults["port"]
	var port int
	switch v := portValue.(type) {
	case int:
		port = v
	case float64:
		port = int(v)
	default:
		port = 3322 // default port
	}
	username := fmt.Sprintf("%v", defaults["username"])
	password := fmt.Sprintf("%v", defaults["password"])
	database := fmt.Sprintf("%v", defaults["database"])
	tableName := fmt.Sprintf("%v", defaults["tableName"])

	options := client.DefaultOptions().
		WithAddress(address).
		WithPort(port).
		WithUsername(username).
		WithPassword(password).
		WithDatabase(database)

	s := &ImmuStore{
		newClient: func() client.ImmuClient { return client.NewClient() },
		options:   options,
		tableName: tableName,
		threshold: store.ThresholdFromConfig(config),
	}
	return s, nil
}

// Initialize establishes the session and ensures the table and indexes exist.
// Mutation and query paths call it lazily, so concurrent first calls must
// agree on a single session.
func (s *ImmuStore) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.connected {
		return nil
	}

	c := s.newClient()
	err := c.OpenSession(ctx, []byte(s.options.Username), []byte(s.options.Password), s.options.Database)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to immudb: %v", ledger.ErrUnavailable, err)
	}

	s.client = c
	s.connected = true

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"transaction_hash VARCHAR[66] NOT NULL, "+
		"block_number INTEGER NOT NULL, "+
		"token_id INTEGER NOT NULL, "+
		"contract_address VARCHAR[66] NOT NULL, "+
		"kind VARCHAR[16] NOT NULL, "+
		"price VARCHAR[64], "+
		"currency VARCHAR[16], "+
		"buyer VARCHAR[66], "+
		"seller VARCHAR[66], "+
		"creator VARCHAR[66], "+
		"gas_used VARCHAR[32], "+
		"gas_price VARCHAR[32], "+
		"platform_fee VARCHAR[64], "+
		"royalty_fee VARCHAR[64], "+
		"metadata VARCHAR[2048], "+
		"status VARCHAR[16] NOT NULL, "+
		"confirmations INTEGER NOT NULL, "+
		"created_at INTEGER NOT NULL, "+
		"confirmed_at INTEGER, "+
		"PRIMARY KEY transaction_hash"+
		")", s.tableName)

	if _, err := c.SQLExec(ctx, ddl, nil); err != nil {
		c.CloseSession(ctx)
		s.connected = false
		return fmt.Errorf("failed to create table: %w", err)
	}

	indexStmts := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ON %s(buyer)", s.tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ON %s(seller)", s.tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ON %s(creator)", s.tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ON %s(token_id)", s.tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ON %s(kind, status)", s.tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ON %s(created_at)", s.tableName),
	}
	for _, stmt := range indexStmts {
		if _, err := c.SQLExec(ctx, stmt, nil); err != nil {
			// Index creation is not critical; queries fall back to scans
			fmt.Printf("Warning: failed to create index: %v\n", err)
		}
	}

	return nil
}

// Close closes the immudb session
func (s *ImmuStore) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.connected && s.client != nil {
		ctx := context.Background()
		err := s.client.CloseSession(ctx)
		if err == nil {
			s.connected = false
		}
		return err
	}
	return nil
}

// stripe returns the mutex serializing mutations for the given hash.
func (s *ImmuStore) stripe(hash string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(hash))
	return &s.locks[h.Sum32()%lockStripes]
}

// Upsert implements the Store interface
func (s *ImmuStore) Upsert(ctx context.Context, record *ledger.TransactionRecord) (*ledger.TransactionRecord, error) {
	if record == nil || record.TransactionHash == "" {
		return nil, fmt.Errorf("%w: record must carry a transactionHash", ledger.ErrInvalidEvent)
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	mu := s.stripe(record.TransactionHash)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.getLocked(ctx, record.TransactionHash)
	if err == nil {
		if !existing.StructurallyEqual(record) {
			return nil, fmt.Errorf("%w: hash %s already persisted with kind=%s tokenId=%d contract=%s",
				ledger.ErrDuplicateKey, existing.TransactionHash, existing.Kind, existing.TokenID, existing.ContractAddress)
		}
		return existing, nil
	}

	created := record.Clone()
	created.Status = ledger.StatusPending
	created.Confirmations = 0
	created.ConfirmedAt = nil
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	if err := s.write(ctx, created); err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// GetByHash implements the Store interface
func (s *ImmuStore) GetByHash(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s.getLocked(ctx, hash)
}

// getLocked fetches a record without taking the stripe lock; mutation paths
// call it while already holding the stripe.
func (s *ImmuStore) getLocked(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE transaction_hash = @hash", columnList, s.tableName)
	result, err := s.client.SQLQuery(ctx, query, map[string]interface{}{"hash": hash}, true)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read record: %v", ledger.ErrUnavailable, err)
	}
	if len(result.Rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, hash)
	}
	return rowToRecord(result.Rows[0])
}

// ListByParty implements the Store interface
func (s *ImmuStore) ListByParty(ctx context.Context, address string, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE buyer = @addr OR seller = @addr OR creator = @addr ORDER BY created_at DESC",
		columnList, s.tableName)
	return s.query(ctx, query, map[string]interface{}{"addr": address}, options)
}

// ListByToken implements the Store interface
func (s *ImmuStore) ListByToken(ctx context.Context, tokenID int64, kind ledger.Kind, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	params := map[string]interface{}{"token_id": tokenID}
	where := "token_id = @token_id"
	if kind != "" {
		where += " AND kind = @kind"
		params["kind"] = string(kind)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY created_at DESC", columnList, s.tableName, where)
	return s.query(ctx, query, params, options)
}

// ListByKindStatus implements the Store interface
func (s *ImmuStore) ListByKindStatus(ctx context.Context, kind ledger.Kind, status ledger.Status, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE kind = @kind AND status = @status ORDER BY created_at DESC",
		columnList, s.tableName)
	params := map[string]interface{}{"kind": string(kind), "status": string(status)}
	return s.query(ctx, query, params, options)
}

func (s *ImmuStore) query(ctx context.Context, query string, params map[string]interface{}, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	if options != nil && options.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, options.Limit)
	}

	result, err := s.client.SQLQuery(ctx, query, params, true)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query records: %v", ledger.ErrUnavailable, err)
	}

	records := make([]*ledger.TransactionRecord, 0, len(result.Rows))
	for _, row := range result.Rows {
		record, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// ApplyConfirmationDelta implements the Store interface
func (s *ImmuStore) ApplyConfirmationDelta(ctx context.Context, hash string, delta uint64) (*ledger.TransactionRecord, error) {
	return s.mutate(ctx, hash, func(record *ledger.TransactionRecord) error {
		return ledger.ApplyConfirmations(record, delta, s.effectiveThreshold(), time.Now())
	})
}

// MarkFailed implements the Store interface
func (s *ImmuStore) MarkFailed(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	return s.mutate(ctx, hash, ledger.Fail)
}

// ForceConfirm implements the Store interface
func (s *ImmuStore) ForceConfirm(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	return s.mutate(ctx, hash, func(record *ledger.TransactionRecord) error {
		return ledger.Confirm(record, time.Now())
	})
}

func (s *ImmuStore) effectiveThreshold() uint64 {
	if s.threshold == 0 {
		return ledger.DefaultConfirmationThreshold
	}
	return s.threshold
}

// mutate runs a lifecycle transition as read-modify-write under the hash's
// stripe lock.
func (s *ImmuStore) mutate(ctx context.Context, hash string, transition func(*ledger.TransactionRecord) error) (*ledger.TransactionRecord, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	mu := s.stripe(hash)
	mu.Lock()
	defer mu.Unlock()

	record, err := s.getLocked(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := transition(record); err != nil {
		return nil, err
	}
	if err := s.write(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// write upserts the record row
func (s *ImmuStore) write(ctx context.Context, record *ledger.TransactionRecord) error {
	stmt := fmt.Sprintf(
		"UPSERT INTO %s (%s) VALUES (@transaction_hash, @block_number, @token_id, @contract_address, "+
			"@kind, @price, @currency, @buyer, @seller, @creator, @gas_used, @gas_price, @platform_fee, "+
			"@royalty_fee, @metadata, @status, @confirmations, @created_at, @confirmed_at)",
		s.tableName, columnList)

	price := ""
	if record.Price != nil {
		price = record.Price.String()
	}
	var metadataJSON string
	if record.Metadata != nil {
		raw, err := json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = string(raw)
	}
	var confirmedAt int64
	if record.ConfirmedAt != nil {
		confirmedAt = record.ConfirmedAt.UnixNano()
	}

	params := map[string]interface{}{
		"transaction_hash": record.TransactionHash,
		"block_number":     record.BlockNumber,
		"token_id":         record.TokenID,
		"contract_address": record.ContractAddress,
		"kind":             string(record.Kind),
		"price":            price,
		"currency":         record.Currency,
		"buyer":            record.Buyer,
		"seller":           record.Seller,
		"creator":          record.Creator,
		"gas_used":         record.GasUsed,
		"gas_price":        record.GasPrice,
		"platform_fee":     record.PlatformFee.String(),
		"royalty_fee":      record.RoyaltyFee.String(),
		"metadata":         metadataJSON,
		"status":           string(record.Status),
		"confirmations":    int64(record.Confirmations),
		"created_at":       record.CreatedAt.UnixNano(),
		"confirmed_at":     confirmedAt,
	}

	if _, err := s.client.SQLExec(ctx, stmt, params); err != nil {
		return fmt.Errorf("%w: failed to write record: %v", ledger.ErrUnavailable, err)
	}
	return nil
}

// columnList is the SELECT/INSERT column order rowToRecord depends on.
const columnList = "transaction_hash, block_number, token_id, contract_address, kind, price, currency, " +
	"buyer, seller, creator, gas_used, gas_price, platform_fee, royalty_fee, metadata, status, " +
	"confirmations, created_at, confirmed_at"

// rowToRecord decodes a result row following the columnList order.
func rowToRecord(row *schema.Row) (*ledger.TransactionRecord, error) {
	if len(row.Values) < 19 {
		return nil, fmt.Errorf("unexpected row width %d", len(row.Values))
	}

	record := &ledger.TransactionRecord{
		TransactionHash: row.Values[0].GetS(),
		BlockNumber:     row.Values[1].GetN(),
		TokenID:         row.Values[2].GetN(),
		ContractAddress: row.Values[3].GetS(),
		Kind:            ledger.Kind(row.Values[4].GetS()),
		Currency:        row.Values[6].GetS(),
		Buyer:           row.Values[7].GetS(),
		Seller:          row.Values[8].GetS(),
		Creator:         row.Values[9].GetS(),
		GasUsed:         row.Values[10].GetS(),
		GasPrice:        row.Values[11].GetS(),
		Status:          ledger.Status(row.Values[15].GetS()),
		Confirmations:   uint64(row.Values[16].GetN()),
		CreatedAt:       time.Unix(0, row.Values[17].GetN()).UTC(),
	}

	var err error
	if priceStr := row.Values[5].GetS(); priceStr != "" {
		price, perr := parseDecimal("price", priceStr)
		if perr != nil {
			return nil, perr
		}
		record.Price = &price
	}
	if record.PlatformFee, err = parseDecimal("platform_fee", row.Values[12].GetS()); err != nil {
		return nil, err
	}
	if record.RoyaltyFee, err = parseDecimal("royalty_fee", row.Values[13].GetS()); err != nil {
		return nil, err
	}

	if metadataJSON := row.Values[14].GetS(); metadataJSON != "" {
		var metadata ledger.Metadata
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		record.Metadata = &metadata
	}

	if confirmedAt := row.Values[18].GetN(); confirmedAt > 0 {
		t := time.Unix(0, confirmedAt).UTC()
		record.ConfirmedAt = &t
	}

	return record, nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}
