package bigquery

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/angelmondragon/immsbatch/pkg/config"
)

type idRow struct {
	ID string `bigquery:"message_id"`
}

func (r *idRow) InsertID() string { return r.ID }

func TestNewClientValidatesConfig(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, config.GCPConfig{}, config.BigQueryConfig{Dataset: "ds", CompletionsTable: "t"}, nil)
	assert.ErrorIs(t, err, errProjectIDRequired)

	_, err = NewClient(ctx, config.GCPConfig{ProjectID: "p"}, config.BigQueryConfig{CompletionsTable: "t"}, nil)
	assert.ErrorIs(t, err, errDatasetRequired)

	_, err = NewClient(ctx, config.GCPConfig{ProjectID: "p"}, config.BigQueryConfig{Dataset: "ds", CompletionsTable: " "}, nil)
	assert.ErrorIs(t, err, errTableNameRequired)
}

func TestCompletionsTableNilSafe(t *testing.T) {
	var c *Client
	assert.Equal(t, "", c.CompletionsTable())
	assert.ErrorIs(t, c.Ping(context.Background()), errClientNotInitialized)

	c = &Client{table: "done"}
	assert.Equal(t, "done", c.CompletionsTable())
}

func TestMissingColumns(t *testing.T) {
	schema := bigquery.Schema{
		{Name: "message_id"},
		{Name: "Filename"},
		nil,
	}
	assert.Empty(t, missingColumns(schema, []string{"message_id", "filename"}))
	assert.Equal(t, []string{"status"}, missingColumns(schema, []string{"filename", "status"}))
}

func TestWithInsertIDsWrapsIdentifiedRows(t *testing.T) {
	plain := map[string]bigquery.Value{"x": 1}
	rows := withInsertIDs([]any{&idRow{ID: "m-1"}, &idRow{}, plain})
	require.Len(t, rows, 3)

	saver, ok := rows[0].(*bigquery.StructSaver)
	require.True(t, ok)
	assert.Equal(t, "m-1", saver.InsertID)

	_, wrapped := rows[1].(*bigquery.StructSaver)
	assert.False(t, wrapped, "empty insert id should be sent as is")
}

func TestClientOptions(t *testing.T) {
	assert.Len(t, clientOptions(config.GCPConfig{CredentialsJSON: `{"dummy": "value"}`, ApplicationCredentials: "/tmp/creds"}), 1)
	assert.Len(t, clientOptions(config.GCPConfig{ApplicationCredentials: "/tmp/creds"}), 1)
	assert.Empty(t, clientOptions(config.GCPConfig{}))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&googleapi.Error{Code: http.StatusNotFound}))
	assert.False(t, isNotFound(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isNotFound(errors.New("boom")))
}
