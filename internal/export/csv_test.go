package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyscout/pkg/models"
)

func TestWriteCSV(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	records := []models.MatchRecord{
		{URL: "https://example.com/", Keyword: "test", Match: "test", Context: `a "quoted", [test]`, Timestamp: ts},
		{URL: "https://example.com/b", Keyword: "test", Match: "Testing", Context: "[Testing] one", Timestamp: ts},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, records))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"timestamp", "url", "keyword", "match", "context"}, rows[0])
	assert.Equal(t, []string{"2024-03-09 14:05:07", "https://example.com/", "test", "test", `a "quoted", [test]`}, rows[1])
	assert.Equal(t, "Testing", rows[2][3])
}

func TestWriteCSV_HeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t, "timestamp,url,keyword,match,context\n", buf.String())
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteCSV_ReportsWriteErrors(t *testing.T) {
	assert.Error(t, WriteCSV(brokenWriter{}, []models.MatchRecord{{URL: "u"}}))
}
