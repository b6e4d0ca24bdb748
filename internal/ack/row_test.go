package ack

import (
	"testing"

	"github.com/angelmondragon/immsbatch/internal/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowConversionIsDeterministic(t *testing.T) {
	s := outcome.RowSuccess{RowID: "m-1^1", LocalID: "L1^sys", IMMSID: "imms-1", CreatedAt: "20240101T12000000"}

	first, err := Encode([]Row{FromSuccess(s)})
	require.NoError(t, err)
	second, err := Encode([]Row{FromSuccess(s)})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRowColumnValues(t *testing.T) {
	ok := FromSuccess(outcome.RowSuccess{RowID: "m-1^1", LocalID: "L1", IMMSID: "imms-1", CreatedAt: "T"})
	assert.Equal(t, []string{"m-1^1", "OK", "Information", "OK", "30001", "Business", "30001", "Success", "T", "", "L1", "imms-1", "", "True"}, ok.values())
	assert.True(t, ok.IsSuccess())

	bad := FromFailure(outcome.RowFailure{RowID: "m-1^2", LocalID: "L2", CreatedAt: "T", Diagnostics: "invalid date"})
	assert.Equal(t, []string{"m-1^2", "Fatal Error", "Fatal", "Fatal Error", "30002", "Business",
		"30002", "Business Level Response Value - Processing Error", "T", "", "L2", "", "invalid date", "False"}, bad.values())
	assert.False(t, bad.IsSuccess())

	file := FileFailure("m-1", "T", "duplicate file")
	assert.Equal(t, "Failure", file.HeaderResponseCode)
	assert.Equal(t, "10001", file.IssueDetailsCode)
	assert.Equal(t, "10002", file.ResponseCode)
	assert.Equal(t, "Technical", file.ResponseType)
	assert.Equal(t, "duplicate file", file.OperationOutcome)
	assert.False(t, file.IsSuccess())

	_, isRow := FromOutcome(outcome.EOFSentinel{LedgerID: "m-1", TotalRows: 2})
	assert.False(t, isRow)
}

func TestCodecRoundTripKeepsDelimitersInValues(t *testing.T) {
	rows := []Row{
		FromFailure(outcome.RowFailure{RowID: "m-1^1", LocalID: "a|b", CreatedAt: "T", Diagnostics: "line one\nline \"two\""}),
		FromSuccess(outcome.RowSuccess{RowID: "m-1^2", IMMSID: "x", CreatedAt: "T"}),
	}
	data, err := Encode(rows)
	require.NoError(t, err)
	assert.Contains(t, string(data), "MESSAGE_HEADER_ID|HEADER_RESPONSE_CODE|")

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestDecodeEmptyAndHeaderOnly(t *testing.T) {
	rows, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, rows)

	data, err := Encode(nil)
	require.NoError(t, err)
	rows, err = Decode(data)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = Decode([]byte("A|B\n"))
	assert.Error(t, err)
}
