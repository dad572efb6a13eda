package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/query"
	"github.com/openmarket/nft-ledger/pkg/stats/timestream"
	"github.com/openmarket/nft-ledger/pkg/store"
	"github.com/openmarket/nft-ledger/pkg/store/dynamodb"
	"github.com/openmarket/nft-ledger/pkg/store/immudb"
	"github.com/wcharczuk/go-chart/v2"
)

// Command line flags
var (
	command   = flag.String("command", "stats", "Command: stats, token, party, chart, confirm, fail")
	backend   = flag.String("backend", envOr("LEDGER_BACKEND", "dynamodb"), "Record store backend: dynamodb, immudb")
	tableName = flag.String("table", envOr("LEDGER_TABLE", "LedgerRecords"), "Record table name")
	region    = flag.String("region", envOr("AWS_REGION", "us-east-1"), "AWS region")
	endpoint  = flag.String("endpoint", os.Getenv("LEDGER_ENDPOINT"), "Custom store endpoint")
	hash      = flag.String("hash", "", "Transaction hash (confirm, fail)")
	tokenID   = flag.Int64("token", 0, "Token id (token)")
	party     = flag.String("party", "", "Party address (party)")
	days      = flag.Int("days", 7, "Days of history to chart (chart)")
	output    = flag.String("output", "volume_chart.png", "Chart output file (chart)")
	statsDB   = flag.String("stats-database", envOr("STATS_DATABASE", "LedgerStats"), "Timestream database (chart)")
	statsTbl  = flag.String("stats-table", envOr("STATS_TABLE", "Snapshots"), "Timestream table (chart)")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	switch strings.ToLower(*command) {
	case "stats":
		runStats(ctx)
	case "token":
		runToken(ctx)
	case "party":
		runParty(ctx)
	case "chart":
		runChart(ctx)
	case "confirm":
		runTransition(ctx, "confirm")
	case "fail":
		runTransition(ctx, "fail")
	default:
		log.Fatalf("unknown command: %s", *command)
	}
}

func openStore(ctx context.Context) store.Store {
	config := map[string]interface{}{
		"region":    *region,
		"tableName": *tableName,
	}
	if *endpoint != "" {
		config["endpoint"] = *endpoint
	}

	var (
		s   store.Store
		err error
	)
	switch strings.ToLower(*backend) {
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
	if err := s.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	return s
}

func runStats(ctx context.Context) {
	s := openStore(ctx)
	defer s.Close()

	snapshot, err := query.NewEngine(s).StatsSnapshot(ctx)
	if err != nil {
		log.Fatalf("Failed to compute stats: %v", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Total sales", fmt.Sprintf("%d", snapshot.TotalSales)})
	table.Append([]string{"Total volume", snapshot.TotalVolume.String()})
	table.Append([]string{"Average price", snapshot.AveragePrice.String()})
	table.Append([]string{"Total fees", snapshot.TotalFees.String()})
	table.Append([]string{"Taken at", snapshot.TakenAt.Format(time.RFC3339)})
	table.Render()
}

func runToken(ctx context.Context) {
	if *tokenID == 0 {
		log.Fatal("token command requires --token")
	}
	s := openStore(ctx)
	defer s.Close()

	records, err := query.NewEngine(s).TokenHistory(ctx, *tokenID)
	if err != nil {
		log.Fatalf("Failed to list token history: %v", err)
	}
	renderRecords(records)
}

func runParty(ctx context.Context) {
	if *party == "" {
		log.Fatal("party command requires --party")
	}
	s := openStore(ctx)
	defer s.Close()

	records, err := query.NewEngine(s).UserActivity(ctx, *party)
	if err != nil {
		log.Fatalf("Failed to list party activity: %v", err)
	}
	renderRecords(records)
}

func renderRecords(records []*ledger.TransactionRecord) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Hash", "Kind", "Token", "Status", "Confs", "Price", "Created"})
	for _, r := range records {
		price := "-"
		if r.Price != nil {
			price = r.Price.String() + " " + r.Currency
		}
		table.Append([]string{
			r.TransactionHash,
			string(r.Kind),
			fmt.Sprintf("%d", r.TokenID),
			string(r.Status),
			fmt.Sprintf("%d", r.Confirmations),
			price,
			r.CreatedAt.Format(time.RFC3339),
		})
	}
	table.Render()
	fmt.Printf("%d record(s)\n", len(records))
}

func runChart(ctx context.Context) {
	sink, err := timestream.NewSink(timestream.SinkConfig{
		Region:       *region,
		DatabaseName: *statsDB,
		TableName:    *statsTbl,
	})
	if err != nil {
		log.Fatalf("Failed to create stats sink: %v", err)
	}

	end := time.Now()
	start := end.AddDate(0, 0, -*days)
	points, err := sink.VolumeSeries(ctx, start, end)
	if err != nil {
		log.Fatalf("Failed to load volume series: %v", err)
	}
	if len(points) == 0 {
		log.Fatal("No snapshots recorded in the requested window.")
	}

	xValues := make([]time.Time, 0, len(points))
	yValues := make([]float64, 0, len(points))
	for _, p := range points {
		xValues = append(xValues, p.Time)
		v, _ := p.Volume.Float64()
		yValues = append(yValues, v)
	}

	graph := chart.Chart{
		Title: fmt.Sprintf("Sales volume, last %d days", *days),
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20},
		},
		XAxis: chart.XAxis{Name: "Time"},
		YAxis: chart.YAxis{Name: "Volume"},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "total_volume",
				XValues: xValues,
				YValues: yValues,
			},
		},
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	if err := graph.Render(chart.PNG, f); err != nil {
		log.Fatalf("Failed to render chart: %v", err)
	}
	fmt.Printf("Wrote %s (%d points)\n", *output, len(points))
}

func runTransition(ctx context.Context, action string) {
	if *hash == "" {
		log.Fatalf("%s command requires --hash", action)
	}
	s := openStore(ctx)
	defer s.Close()

	var (
		record *ledger.TransactionRecord
		err    error
	)
	if action == "confirm" {
		record, err = s.ForceConfirm(ctx, *hash)
	} else {
		record, err = s.MarkFailed(ctx, *hash)
	}
	if err != nil {
		log.Fatalf("Failed to %s %s: %v", action, *hash, err)
	}
	fmt.Printf("%s is now %s\n", record.TransactionHash, record.Status)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
