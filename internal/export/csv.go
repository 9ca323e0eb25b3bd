package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"keyscout/pkg/models"
)

// TimeLayout is how timestamps are written in exports.
const TimeLayout = "2006-01-02 15:04:05"

var header = []string{"timestamp", "url", "keyword", "match", "context"}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, records []models.MatchRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		row := []string{r.Timestamp.Format(TimeLayout), r.URL, r.Keyword, r.Match, r.Context}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row for %s: %w", r.URL, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
