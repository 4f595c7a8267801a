package journal

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

var exportHeaders = []string{
	"Time (UTC)", "Symbol", "Side", "Status", "Quantity", "Price",
	"Notional", "PnL", "PnL %", "Signal", "Confidence", "Mode",
	"Order ID", "Commission", "Reason",
}

// ExportXLSX writes a session's trade history to an Excel workbook, newest
// first, for offline review.
func ExportXLSX(j *Journal, sessionID, path string) error {
	records, err := j.Records(sessionID, 10000)
	if err != nil {
		return fmt.Errorf("load records for export: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Trades"
	f.SetSheetName("Sheet1", sheet)

	for col, h := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}

	for i, rec := range records {
		row := i + 2
		values := []interface{}{
			rec.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			rec.Symbol, rec.Side, rec.Status, rec.Quantity, rec.Price,
			rec.Notional, rec.PnL, rec.PnLPercent, rec.Signal,
			rec.Confidence, rec.ExecutionMode, rec.BrokerOrderID,
			rec.Commission, rec.Reason,
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save trade export %s: %w", path, err)
	}
	return nil
}
