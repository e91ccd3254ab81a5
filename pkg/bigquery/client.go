package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

const metadataCheckTimeout = 10 * time.Second

var (
	errProjectIDRequired       = errors.New("gcp project id is required")
	errDatasetRequired         = errors.New("bigquery dataset is required")
	errTableNameRequired       = errors.New("bigquery ledger table is required")
	errWarehouseNotInitialized = errors.New("ledger warehouse not initialized")
)

type rowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// Warehouse streams settled ledger entries into one BigQuery table.
type Warehouse struct {
	client   *bigquery.Client
	table    *bigquery.Table
	inserter rowInserter
	logg     *logger.Logger
}

// NewWarehouse connects to the ledger table, creating it when the config
// allows and it does not exist yet.
func NewWarehouse(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Warehouse, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}
	tableID := strings.TrimSpace(cfg.LedgerEntriesTable)
	if tableID == "" {
		return nil, errTableNameRequired
	}

	bqClient, err := bigquery.NewClient(ctx, projectID, gcp.ClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	table := bqClient.Dataset(datasetID).Table(tableID)
	w := &Warehouse{
		client:   bqClient,
		table:    table,
		inserter: table.Inserter(),
		logg:     logg,
	}

	created, err := w.ensureTable(ctx, cfg.CreateTable)
	if err != nil {
		_ = bqClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"dataset":       datasetID,
			"ledger_table":  tableID,
			"table_created": created,
		}), "ledger warehouse initialized")
	}
	return w, nil
}

// LedgerTableMetadata describes the export table: day partitions on the
// entry timestamp, clustered by order so per-order audits stay cheap.
func LedgerTableMetadata() (*bigquery.TableMetadata, error) {
	schema, err := bigquery.InferSchema(LedgerRow{})
	if err != nil {
		return nil, fmt.Errorf("infer ledger schema: %w", err)
	}
	return &bigquery.TableMetadata{
		Description: "Append-only escrow ledger entries exported from the settlement engine",
		Schema:      schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "created_at",
		},
		Clustering: &bigquery.Clustering{Fields: []string{"order_id"}},
	}, nil
}

func (w *Warehouse) ensureTable(ctx context.Context, create bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	_, err := w.table.Metadata(ctx)
	switch {
	case err == nil:
		return false, nil
	case !isNotFound(err):
		return false, fmt.Errorf("checking table %q: %w", w.table.TableID, err)
	case !create:
		return false, fmt.Errorf("table %s.%s does not exist", w.table.DatasetID, w.table.TableID)
	}

	md, err := LedgerTableMetadata()
	if err != nil {
		return false, err
	}
	if err := w.table.Create(ctx, md); err != nil {
		return false, fmt.Errorf("creating table %q: %w", w.table.TableID, err)
	}
	return true, nil
}

// Ping verifies the ledger table is reachable.
func (w *Warehouse) Ping(ctx context.Context) error {
	if w == nil || w.table == nil {
		return errWarehouseNotInitialized
	}
	_, err := w.ensureTable(ctx, false)
	return err
}

// InsertLedgerEntries streams entries keyed by entry id, so a batch retried
// after a partial failure does not duplicate rows.
func (w *Warehouse) InsertLedgerEntries(ctx context.Context, entries []models.LedgerEntry, exportedAt time.Time) error {
	if w == nil || w.inserter == nil {
		return errWarehouseNotInitialized
	}
	if len(entries) == 0 {
		return nil
	}
	if err := w.inserter.Put(ctx, LedgerSavers(entries, exportedAt)); err != nil {
		return describeInsertError(err, len(entries))
	}
	return nil
}

// Close releases the BigQuery client.
func (w *Warehouse) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}

func describeInsertError(err error, total int) error {
	var multi bigquery.PutMultiError
	if !errors.As(err, &multi) || len(multi) == 0 {
		return fmt.Errorf("insert ledger rows: %w", err)
	}
	first := multi[0]
	return fmt.Errorf("insert ledger rows: %d of %d rejected, first entry %s: %w",
		len(multi), total, first.InsertID, first.Errors)
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}
