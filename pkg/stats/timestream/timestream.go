package timestream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/timestreamquery"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	"github.com/openmarket/nft-ledger/pkg/query"
	"github.com/shopspring/decimal"
)

// Sink records periodic stats snapshots as a Timestream series so volume and
// fee trends can be charted over time. The ledger core never depends on it;
// it consumes snapshots the query engine already computed.
type Sink struct {
	writeClient  *timestreamwrite.Client
	queryClient  *timestreamquery.Client
	databaseName string
	tableName    string
}

// SinkConfig holds configuration for the stats sink
type SinkConfig struct {
	Region       string
	DatabaseName string
	TableName    string
}

// VolumePoint is one sample of the total-volume series
type VolumePoint struct {
	Time   time.Time
	Volume decimal.Decimal
}

// NewSink creates a stats sink writing to the given Timestream table
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DatabaseName == "" {
		cfg.DatabaseName = "LedgerStats"
	}
	if cfg.TableName == "" {
		cfg.TableName = "Snapshots"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return &Sink{
		writeClient:  timestreamwrite.NewFromConfig(awsCfg),
		queryClient:  timestreamquery.NewFromConfig(awsCfg),
		databaseName: cfg.DatabaseName,
		tableName:    cfg.TableName,
	}, nil
}

// RecordSnapshot writes one snapshot as four measures sharing a timestamp
func (s *Sink) RecordSnapshot(ctx context.Context, snapshot *query.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	ts := strconv.FormatInt(snapshot.TakenAt.UnixNano(), 10)
	measure := func(name, value string) types.Record {
		return types.Record{
			Dimensions: []types.Dimension{
				{
					Name:  aws.String("source"),
					Value: aws.String("ledger"),
				},
			},
			MeasureName:      aws.String(name),
			MeasureValue:     aws.String(value),
			MeasureValueType: types.MeasureValueTypeDouble,
			Time:             aws.String(ts),
			TimeUnit:         types.TimeUnitNanoseconds,
		}
	}

	records := []types.Record{
		measure("total_sales", strconv.FormatInt(snapshot.TotalSales, 10)),
		measure("total_volume", snapshot.TotalVolume.String()),
		measure("average_price", snapshot.AveragePrice.String()),
		measure("total_fees", snapshot.TotalFees.String()),
	}

	_, err := s.writeClient.WriteRecords(ctx, &timestreamwrite.WriteRecordsInput{
		DatabaseName: aws.String(s.databaseName),
		TableName:    aws.String(s.tableName),
		Records:      records,
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// VolumeSeries returns the total-volume samples recorded between start and
// end, oldest first.
func (s *Sink) VolumeSeries(ctx context.Context, start, end time.Time) ([]VolumePoint, error) {
	queryString := fmt.Sprintf(`
		SELECT time, measure_value::double AS volume
		FROM "%s"."%s"
		WHERE measure_name = 'total_volume'
		  AND time BETWEEN from_iso8601_timestamp('%s') AND from_iso8601_timestamp('%s')
		ORDER BY time ASC
	`, s.databaseName, s.tableName, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))

	result, err := s.queryClient.Query(ctx, &timestreamquery.QueryInput{
		QueryString: aws.String(queryString),
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	points := make([]VolumePoint, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row.Data) < 2 || row.Data[0].ScalarValue == nil || row.Data[1].ScalarValue == nil {
			continue // skip invalid rows
		}
		ts, err := parseTimestreamTime(*row.Data[0].ScalarValue)
		if err != nil {
			continue // skip rows with invalid timestamps
		}
		volume, err := decimal.NewFromString(*row.Data[1].ScalarValue)
		if err != nil {
			continue // skip rows with invalid volumes
		}
		points = append(points, VolumePoint{Time: ts, Volume: volume})
	}
	return points, nil
}

// parseTimestreamTime parses the timestamp format Timestream returns
func parseTimestreamTime(value string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05.000000000", "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
