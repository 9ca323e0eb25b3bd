package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"keyscout/pkg/models"
)

// SheetName is the worksheet WriteXLSX fills.
const SheetName = "Matches"

// WriteXLSX writes records as an Excel workbook with the same columns as WriteCSV.
func WriteXLSX(w io.Writer, records []models.MatchRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	row := make([]interface{}, len(header))
	for i, h := range header {
		row[i] = h
	}
	if err := f.SetSheetRow(SheetName, "A1", &row); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}

	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []interface{}{r.Timestamp.Format(TimeLayout), r.URL, r.Keyword, r.Match, r.Context}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("write xlsx row for %s: %w", r.URL, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
