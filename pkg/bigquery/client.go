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
	"google.golang.org/api/option"

	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

const metadataCheckTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery table name is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// InsertIDer is implemented by rows that carry their own streaming insert id.
// BigQuery drops repeated ids within its dedupe window, so redelivered
// completions do not double count.
type InsertIDer interface {
	InsertID() string
}

// Client wraps the completions table of one dataset.
type Client struct {
	client   *bigquery.Client
	dataset  *bigquery.Dataset
	table    string
	required []string
}

// NewClient connects to BigQuery and checks the completions table exists with
// the columns the reporter writes.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger, requiredColumns ...string) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}
	table := strings.TrimSpace(cfg.CompletionsTable)
	if table == "" {
		return nil, errTableNameRequired
	}

	bqClient, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}

	client := &Client{
		client:   bqClient,
		dataset:  bqClient.Dataset(datasetID),
		table:    table,
		required: requiredColumns,
	}
	if err := client.checkTable(ctx); err != nil {
		_ = bqClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"dataset": datasetID, "table": table}), "bigquery completions table ready")
	}
	return client, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

func (c *Client) checkTable(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	meta, err := c.dataset.Table(c.table).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("table %s.%s does not exist", c.dataset.DatasetID, c.table)
		}
		return fmt.Errorf("checking table %s.%s: %w", c.dataset.DatasetID, c.table, err)
	}
	if missing := missingColumns(meta.Schema, c.required); len(missing) > 0 {
		return fmt.Errorf("table %s.%s is missing columns %s", c.dataset.DatasetID, c.table, strings.Join(missing, ","))
	}
	return nil
}

func missingColumns(schema bigquery.Schema, required []string) []string {
	present := make(map[string]struct{}, len(schema))
	for _, field := range schema {
		if field != nil {
			present[strings.ToLower(field.Name)] = struct{}{}
		}
	}
	var missing []string
	for _, name := range required {
		if _, ok := present[strings.ToLower(name)]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Ping re-checks the completions table.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return errClientNotInitialized
	}
	return c.checkTable(ctx)
}

// InsertRows streams rows into table. Struct rows that implement InsertIDer
// are sent with their insert id.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	return c.dataset.Table(table).Inserter().Put(ctx, withInsertIDs(rows))
}

func withInsertIDs(rows []any) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		if ider, ok := row.(InsertIDer); ok && ider.InsertID() != "" {
			out = append(out, &bigquery.StructSaver{Struct: row, InsertID: ider.InsertID()})
			continue
		}
		out = append(out, row)
	}
	return out
}

// CompletionsTable names the table receiving file completion facts.
func (c *Client) CompletionsTable() string {
	if c == nil {
		return ""
	}
	return c.table
}

// Close releases the BigQuery client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
